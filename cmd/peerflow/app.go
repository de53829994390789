package main

import (
	"context"
	"fmt"
	"time"

	"peerflow/internal/agents"
	"peerflow/internal/classify"
	"peerflow/internal/config"
	"peerflow/internal/dedup"
	"peerflow/internal/embedding"
	"peerflow/internal/gate"
	"peerflow/internal/gateway"
	"peerflow/internal/logging"
	"peerflow/internal/review"
	"peerflow/internal/store"
	"peerflow/internal/synthesis"
	"peerflow/internal/workflow"
)

// appState wires the long-lived components together for the CLI.
type appState struct {
	cfg          *config.Config
	store        *store.Store
	orchestrator *workflow.Orchestrator
}

var app *appState

func initApp(cfg *config.Config) error {
	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	backends, err := gateway.NewBackends(cfg.Gateway.Backends)
	if err != nil {
		return err
	}
	gw := gateway.New(backends,
		gateway.WithCache(s, time.Duration(cfg.Gateway.CacheTTLHours)*time.Hour),
		gateway.WithCallTimeout(cfg.CallTimeout()),
	)

	classifier, err := classify.New(cfg.Classifier.MinScore, cfg.Classifier.ContentBudget, cfg.Classifier.WeightTablePath)
	if err != nil {
		return err
	}

	agentMap := map[review.AgentType]*agents.Agent{
		review.AgentMethodology: agents.New(review.AgentMethodology, gw),
		review.AgentLiterature:  agents.New(review.AgentLiterature, gw),
		review.AgentClarity:     agents.New(review.AgentClarity, gw),
		review.AgentEthics: agents.NewConsensus(review.AgentEthics, gw,
			cfg.Agents.ConsensusBackends, cfg.Agents.ConsensusScoreSpread),
	}

	var retriever *embedding.Retriever
	if !cfg.Embedding.Disabled {
		var engine embedding.Engine
		switch cfg.Embedding.Provider {
		case "ollama":
			engine = embedding.NewOllamaEngine(cfg.Embedding.OllamaURL, cfg.Embedding.Model)
		default:
			if cfg.Embedding.APIKey != "" {
				genaiEngine, err := embedding.NewGenAIEngine(context.Background(), cfg.Embedding.APIKey, cfg.Embedding.Model)
				if err != nil {
					logging.Get(logging.CategoryBoot).Warnf("embedding engine unavailable, reviews run without retrieval context: %v", err)
				} else {
					engine = genaiEngine
				}
			}
		}
		if engine != nil {
			retriever = embedding.NewRetriever(engine, s, time.Duration(cfg.Embedding.CacheTTLHours)*time.Hour)
		}
	}

	orch, err := workflow.New(workflow.Deps{
		Config:     cfg,
		Store:      s,
		Classifier: classifier,
		Agents:     agentMap,
		Gate:       gate.New(cfg.Gate.MinFindings, cfg.Gate.MinScore, cfg.Gate.MaxScore),
		Dedup:      dedup.New(cfg.Dedup.SimilarityThreshold),
		Synthesis: synthesis.New(gw, synthesis.Bands{
			Accept: cfg.Synthesis.AcceptThreshold,
			Minor:  cfg.Synthesis.MinorThreshold,
			Major:  cfg.Synthesis.MajorThreshold,
		}),
		Retriever: retriever,
	})
	if err != nil {
		s.Close()
		return err
	}

	app = &appState{cfg: cfg, store: s, orchestrator: orch}
	logging.Get(logging.CategoryBoot).Infof("peerflow ready: %d backends, db %s", gw.Backends(), cfg.Database.Path)
	return nil
}

func closeApp() {
	if app != nil && app.store != nil {
		app.store.Close()
	}
}
