package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Agents.RetryLimit)
	assert.Equal(t, 3, cfg.Gate.MinFindings)
	assert.Equal(t, 0.7, cfg.Dedup.SimilarityThreshold)
	assert.Equal(t, 8.0, cfg.Synthesis.AcceptThreshold)
	assert.Equal(t, 7*24, cfg.Gateway.CacheTTLHours)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"dedup": {"similarity_threshold": 0.8},
		"gateway": {"backends": [{"provider": "openai", "api_key": "k"}]}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Dedup.SimilarityThreshold)
	require.Len(t, cfg.Gateway.Backends, 1)
	assert.Equal(t, "openai", cfg.Gateway.Backends[0].Provider)
	// Unset sections keep their defaults.
	assert.Equal(t, 60, cfg.Gateway.CallTimeoutSeconds)
	assert.Equal(t, 600, cfg.Workflow.ParallelReviewTimeout)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PEERFLOW_DB_PATH", "/tmp/override.db")
	t.Setenv("PEERFLOW_DEDUP_THRESHOLD", "0.9")
	t.Setenv("PEERFLOW_OPENAI_API_KEY", "env-key")

	path := filepath.Join(t.TempDir(), "peerflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"gateway": {"backends": [{"provider": "openai"}]}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 0.9, cfg.Dedup.SimilarityThreshold)
	assert.Equal(t, "env-key", cfg.Gateway.Backends[0].APIKey)
}

func TestRetryLimitClamped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"agents": {"retry_limit": 5}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Agents.RetryLimit, "retry limit must never exceed one")
}

func TestStageTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, float64(600), cfg.StageTimeout("PARALLEL_REVIEW").Seconds())
	assert.Equal(t, float64(0), cfg.StageTimeout("INIT").Seconds())
}
