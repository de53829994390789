// Package agents implements the four specialist reviewers. Each agent is a
// pure transformation from manuscript to critique through one gateway call;
// the ethics agent can additionally poll several backends and combine
// disagreeing judgments.
package agents

import (
	"context"
	"fmt"
	"sort"

	"peerflow/internal/gateway"
	"peerflow/internal/logging"
	"peerflow/internal/review"
)

// Completer is the gateway surface agents depend on.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	CompleteEach(ctx context.Context, req gateway.Request, n int) []gateway.BackendResult
}

// ReviewRequest is one agent invocation.
type ReviewRequest struct {
	Title   string
	Content string
	Domain  string
	Context []string

	// RetryHint carries the quality gate's stricter instruction on the
	// second attempt. Non-empty hints bypass the response cache.
	RetryHint string
}

// Agent is one specialist reviewer.
type Agent struct {
	kind review.AgentType
	gw   Completer

	// consensusBackends and consensusSpread enable multi-model consensus.
	// Zero backends means single-call mode.
	consensusBackends int
	consensusSpread   float64
}

// New creates a single-call agent.
func New(kind review.AgentType, gw Completer) *Agent {
	return &Agent{kind: kind, gw: gw}
}

// NewConsensus creates an agent that polls n backends and reconciles
// disagreement beyond spread. Used for the ethics reviewer.
func NewConsensus(kind review.AgentType, gw Completer, n int, spread float64) *Agent {
	return &Agent{kind: kind, gw: gw, consensusBackends: n, consensusSpread: spread}
}

// Kind returns the agent type.
func (a *Agent) Kind() review.AgentType { return a.kind }

// Review produces a critique for the manuscript. Unparseable model output
// yields a critique flagged Malformed, not an error; errors mean no backend
// produced any output at all.
func (a *Agent) Review(ctx context.Context, req ReviewRequest) (*review.Critique, error) {
	timer := logging.StartTimer(logging.CategoryAgents, string(a.kind)+" review")
	defer timer.Stop()

	gwReq := gateway.Request{
		System:      SystemPrompt(a.kind),
		User:        buildUserPrompt(req),
		BypassCache: req.RetryHint != "",
	}

	if a.consensusBackends >= 2 {
		if c, err := a.reviewConsensus(ctx, gwReq); err == nil {
			return c, nil
		}
		// All polled backends failed; fall through to the fallback chain.
		logging.Get(logging.CategoryAgents).Warnf("%s consensus poll failed, using fallback chain", a.kind)
	}

	resp, err := a.gw.Complete(ctx, gwReq)
	if err != nil {
		return nil, fmt.Errorf("%s agent call failed: %w", a.kind, err)
	}
	return ParseCritique(a.kind, resp.Text), nil
}

// reviewConsensus sends the same prompt to several backends. When extracted
// scores disagree by more than the configured spread, the combined judgment
// is the median score with the union of findings; otherwise the first
// successful response wins.
func (a *Agent) reviewConsensus(ctx context.Context, gwReq gateway.Request) (*review.Critique, error) {
	log := logging.Get(logging.CategoryAgents)
	results := a.gw.CompleteEach(ctx, gwReq, a.consensusBackends)

	var critiques []*review.Critique
	for _, r := range results {
		if r.Err != nil {
			log.Warnf("%s consensus backend %s failed: %v", a.kind, r.Backend, r.Err)
			continue
		}
		c := ParseCritique(a.kind, r.Text)
		if c.Malformed {
			log.Warnf("%s consensus backend %s returned unparseable output", a.kind, r.Backend)
			continue
		}
		critiques = append(critiques, c)
	}
	if len(critiques) == 0 {
		return nil, fmt.Errorf("no consensus backend succeeded")
	}
	if len(critiques) == 1 {
		return critiques[0], nil
	}

	spread := scoreSpread(critiques)
	if spread <= a.consensusSpread {
		log.Debugf("%s consensus agrees (spread %.1f), using first response", a.kind, spread)
		return critiques[0], nil
	}

	log.Infof("%s consensus disagrees (spread %.1f > %.1f), combining %d judgments",
		a.kind, spread, a.consensusSpread, len(critiques))
	return combineCritiques(a.kind, critiques), nil
}

func scoreSpread(critiques []*review.Critique) float64 {
	min, max := critiques[0].Score, critiques[0].Score
	for _, c := range critiques[1:] {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}
	return max - min
}

// combineCritiques merges disagreeing judgments: median score, union of
// findings, strengths, and weaknesses.
func combineCritiques(kind review.AgentType, critiques []*review.Critique) *review.Critique {
	scores := make([]float64, len(critiques))
	for i, c := range critiques {
		scores[i] = c.Score
	}
	sort.Float64s(scores)
	var median float64
	n := len(scores)
	if n%2 == 1 {
		median = scores[n/2]
	} else {
		median = (scores[n/2-1] + scores[n/2]) / 2
	}

	combined := &review.Critique{Agent: kind, Score: median}
	seen := make(map[string]bool)
	for _, c := range critiques {
		for _, f := range c.Findings {
			if !seen[f.Text] {
				seen[f.Text] = true
				combined.Findings = append(combined.Findings, f)
			}
		}
		combined.Strengths = appendUnique(combined.Strengths, c.Strengths)
		combined.Weaknesses = appendUnique(combined.Weaknesses, c.Weaknesses)
	}
	return combined
}

func appendUnique(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
