// Package config holds all peerflow configuration. Config is loaded from a
// JSON file, then overridden by PEERFLOW_* environment variables so API keys
// never have to live on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all peerflow configuration.
type Config struct {
	// Workspace is the directory holding the database and ingest inbox.
	Workspace string `json:"workspace"`

	Database   DatabaseConfig   `json:"database"`
	Gateway    GatewayConfig    `json:"gateway"`
	Agents     AgentsConfig     `json:"agents"`
	Gate       GateConfig       `json:"gate"`
	Dedup      DedupConfig      `json:"dedup"`
	Classifier ClassifierConfig `json:"classifier"`
	Synthesis  SynthesisConfig  `json:"synthesis"`
	Workflow   WorkflowConfig   `json:"workflow"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Logging    LoggingConfig    `json:"logging"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// BackendConfig describes one generative backend in fallback-priority order.
type BackendConfig struct {
	// Provider: "openai", "anthropic", or "gemini". The openai provider
	// speaks the OpenAI-compatible chat API and also covers Groq-style
	// endpoints via BaseURL.
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`

	// MaxContentChars is the backend's content budget. Prompts are truncated
	// to this length before sending. 0 means the provider default.
	MaxContentChars int `json:"max_content_chars,omitempty"`
}

// GatewayConfig configures the model gateway.
type GatewayConfig struct {
	// Backends in fallback-priority order. The first is the primary.
	Backends []BackendConfig `json:"backends"`

	// CallTimeoutSeconds bounds each outbound call (default 60).
	CallTimeoutSeconds int `json:"call_timeout_seconds"`

	// CacheTTLHours is the response-cache lifetime for generated critiques
	// (default 168 = 7 days).
	CacheTTLHours int `json:"cache_ttl_hours"`
}

// AgentsConfig configures the specialist agents.
type AgentsConfig struct {
	// RetryLimit is the maximum quality-gate retries per agent. Fixed at 1;
	// kept in config so the limit is visible, not tunable upward.
	RetryLimit int `json:"retry_limit"`

	// ConsensusBackends is how many backends the ethics agent polls (min 2
	// for consensus to engage).
	ConsensusBackends int `json:"consensus_backends"`

	// ConsensusScoreSpread is the score disagreement beyond which a combined
	// judgment replaces the single best response.
	ConsensusScoreSpread float64 `json:"consensus_score_spread"`
}

// GateConfig configures the quality gate.
type GateConfig struct {
	MinFindings int     `json:"min_findings"`
	MinScore    float64 `json:"min_score"`
	MaxScore    float64 `json:"max_score"`
}

// DedupConfig configures issue deduplication.
type DedupConfig struct {
	// SimilarityThreshold is θ: findings at or above it merge (default 0.7).
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// ClassifierConfig configures domain detection.
type ClassifierConfig struct {
	// MinScore is the weighted keyword score below which detection falls
	// back to "general".
	MinScore float64 `json:"min_score"`

	// ContentBudget is how many characters of title+text are scanned.
	ContentBudget int `json:"content_budget"`

	// WeightTablePath optionally overrides the embedded domain table (YAML).
	WeightTablePath string `json:"weight_table_path,omitempty"`
}

// SynthesisConfig configures scoring bands for the final recommendation.
type SynthesisConfig struct {
	AcceptThreshold float64 `json:"accept_threshold"` // >= accept-ready
	MinorThreshold  float64 `json:"minor_threshold"`  // >= minor revision
	MajorThreshold  float64 `json:"major_threshold"`  // >= major revision, below: reject
}

// WorkflowConfig configures per-stage timeouts, in seconds.
type WorkflowConfig struct {
	DomainDetectTimeout   int `json:"domain_detect_timeout"`
	ContextPrepTimeout    int `json:"context_prep_timeout"`
	ParallelReviewTimeout int `json:"parallel_review_timeout"`
	SynthesisTimeout      int `json:"synthesis_timeout"`
}

// EmbeddingConfig configures the embedding engine used for dedup similarity
// and retrieval context. Disabled leaves CONTEXT_PREP degraded-by-default.
// Provider is "gemini" (default, needs APIKey) or "ollama" (local server).
type EmbeddingConfig struct {
	Disabled      bool   `json:"disabled"`
	Provider      string `json:"provider,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	Model         string `json:"model,omitempty"`
	OllamaURL     string `json:"ollama_url,omitempty"`
	CacheTTLHours int    `json:"cache_ttl_hours"` // default 720 = 30 days
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		Database:  DatabaseConfig{Path: filepath.Join(".", "peerflow.db")},
		Gateway: GatewayConfig{
			CallTimeoutSeconds: 60,
			CacheTTLHours:      7 * 24,
		},
		Agents: AgentsConfig{
			RetryLimit:           1,
			ConsensusBackends:    2,
			ConsensusScoreSpread: 2.0,
		},
		Gate: GateConfig{
			MinFindings: 3,
			MinScore:    0,
			MaxScore:    10,
		},
		Dedup:      DedupConfig{SimilarityThreshold: 0.7},
		Classifier: ClassifierConfig{MinScore: 0.25, ContentBudget: 8000},
		Synthesis: SynthesisConfig{
			AcceptThreshold: 8.0,
			MinorThreshold:  6.0,
			MajorThreshold:  4.0,
		},
		Workflow: WorkflowConfig{
			DomainDetectTimeout:   30,
			ContextPrepTimeout:    60,
			ParallelReviewTimeout: 600,
			SynthesisTimeout:      300,
		},
		Embedding: EmbeddingConfig{CacheTTLHours: 30 * 24},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads config from path, falling back to defaults when the file does
// not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults + env only.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.fillDerived()
	return cfg, nil
}

// applyEnvOverrides lets environment variables override file values.
// API keys in particular are expected to arrive this way.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PEERFLOW_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("PEERFLOW_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PEERFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PEERFLOW_DEDUP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Dedup.SimilarityThreshold = f
		}
	}

	// Backend keys: fill any configured backend missing a key from the
	// provider's conventional environment variable.
	for i := range c.Gateway.Backends {
		b := &c.Gateway.Backends[i]
		if b.APIKey != "" {
			continue
		}
		switch b.Provider {
		case "openai":
			b.APIKey = firstEnv("PEERFLOW_OPENAI_API_KEY", "OPENAI_API_KEY")
		case "anthropic":
			b.APIKey = firstEnv("PEERFLOW_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
		case "gemini":
			b.APIKey = firstEnv("PEERFLOW_GEMINI_API_KEY", "GEMINI_API_KEY")
		}
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = firstEnv("PEERFLOW_GEMINI_API_KEY", "GEMINI_API_KEY")
	}
}

// fillDerived normalizes zero values that JSON partial configs leave behind.
func (c *Config) fillDerived() {
	d := DefaultConfig()
	if c.Gateway.CallTimeoutSeconds <= 0 {
		c.Gateway.CallTimeoutSeconds = d.Gateway.CallTimeoutSeconds
	}
	if c.Gateway.CacheTTLHours <= 0 {
		c.Gateway.CacheTTLHours = d.Gateway.CacheTTLHours
	}
	if c.Agents.RetryLimit <= 0 || c.Agents.RetryLimit > 1 {
		c.Agents.RetryLimit = 1
	}
	if c.Agents.ConsensusBackends < 2 {
		c.Agents.ConsensusBackends = d.Agents.ConsensusBackends
	}
	if c.Agents.ConsensusScoreSpread <= 0 {
		c.Agents.ConsensusScoreSpread = d.Agents.ConsensusScoreSpread
	}
	if c.Gate.MinFindings <= 0 {
		c.Gate.MinFindings = d.Gate.MinFindings
	}
	if c.Gate.MaxScore <= c.Gate.MinScore {
		c.Gate.MinScore, c.Gate.MaxScore = d.Gate.MinScore, d.Gate.MaxScore
	}
	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		c.Dedup.SimilarityThreshold = d.Dedup.SimilarityThreshold
	}
	if c.Classifier.MinScore <= 0 {
		c.Classifier.MinScore = d.Classifier.MinScore
	}
	if c.Classifier.ContentBudget <= 0 {
		c.Classifier.ContentBudget = d.Classifier.ContentBudget
	}
	if c.Synthesis.AcceptThreshold <= 0 {
		c.Synthesis = d.Synthesis
	}
	if c.Workflow.DomainDetectTimeout <= 0 {
		c.Workflow.DomainDetectTimeout = d.Workflow.DomainDetectTimeout
	}
	if c.Workflow.ContextPrepTimeout <= 0 {
		c.Workflow.ContextPrepTimeout = d.Workflow.ContextPrepTimeout
	}
	if c.Workflow.ParallelReviewTimeout <= 0 {
		c.Workflow.ParallelReviewTimeout = d.Workflow.ParallelReviewTimeout
	}
	if c.Workflow.SynthesisTimeout <= 0 {
		c.Workflow.SynthesisTimeout = d.Workflow.SynthesisTimeout
	}
	if c.Embedding.CacheTTLHours <= 0 {
		c.Embedding.CacheTTLHours = d.Embedding.CacheTTLHours
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Workspace, "peerflow.db")
	}
}

// CallTimeout returns the per-call gateway timeout as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Gateway.CallTimeoutSeconds) * time.Second
}

// StageTimeout returns the timeout for a named stage, or 0 for stages
// without one.
func (c *Config) StageTimeout(stage string) time.Duration {
	var secs int
	switch stage {
	case "DOMAIN_DETECT":
		secs = c.Workflow.DomainDetectTimeout
	case "CONTEXT_PREP":
		secs = c.Workflow.ContextPrepTimeout
	case "PARALLEL_REVIEW":
		secs = c.Workflow.ParallelReviewTimeout
	case "SYNTHESIS":
		secs = c.Workflow.SynthesisTimeout
	}
	return time.Duration(secs) * time.Second
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
