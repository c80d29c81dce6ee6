package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaultsOnly(t *testing.T) {
	cfg, err := Initialize("")

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8700", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.Resilience.Inference.FailureThreshold)
	assert.Equal(t, 120*time.Second, cfg.Resilience.Inference.RecoveryTimeout)
	assert.Equal(t, 5, cfg.Resilience.HTTP.FailureThreshold)
	assert.Equal(t, 0.95, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, 0.85, cfg.Query.ConfidenceThreshold)
	assert.Equal(t, 384, cfg.Vector.Dimension)

	// Paths derive from DataRoot
	assert.Equal(t, filepath.Join(cfg.DataRoot, "telemetry"), cfg.Learning.TelemetryDir)
	assert.Equal(t, filepath.Join(cfg.DataRoot, "checkpoints", "checkpoint.json"), cfg.Learning.CheckpointPath)
	assert.Equal(t, filepath.Join(cfg.DataRoot, "federation", "servers.json"), cfg.Tools.FederationPath)
}

func TestInitializeMissingFileFallsBack(t *testing.T) {
	cfg, err := Initialize(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, ":8700", cfg.Server.ListenAddr)
}

func TestInitializeYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  listen_addr: ":9100"
  rate_limit_rpm: 30
cache:
  similarity_threshold: 0.9
query:
  expansion_mode: llm
data_root: ` + dir + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Initialize(path)

	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.ListenAddr)
	assert.Equal(t, 30, cfg.Server.RateLimitRPM)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, "llm", cfg.Query.ExpansionMode)

	// Unset values keep their defaults after the merge
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 0.85, cfg.Query.ConfidenceThreshold)

	// DataRoot-relative paths follow the override
	assert.Equal(t, filepath.Join(dir, "telemetry"), cfg.Learning.TelemetryDir)
}

func TestInitializeEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
endpoints:
  llama_cpp_url: "http://yaml-host:8080"
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("LLAMA_CPP_URL", "http://env-host:8080")
	t.Setenv("QDRANT_URL", "http://env-qdrant:6333")

	cfg, err := Initialize(path)

	require.NoError(t, err)
	assert.Equal(t, "http://env-host:8080", cfg.Endpoints.LlamaCppURL)
	assert.Equal(t, "http://env-qdrant:6333", cfg.Endpoints.QdrantURL)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Initialize(path)

	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailure(t *testing.T) {
	dir := t.TempDir()
	content := `
ralph:
  min_iterations: 50
  max_iterations_cap: 10
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Initialize(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_iterations")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_EXPAND_HOST", "llama.internal")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "expands template variable",
			input:    "url: http://{{.TEST_EXPAND_HOST}}:8080",
			expected: "url: http://llama.internal:8080",
		},
		{
			name:     "missing variable expands to empty",
			input:    "key: {{.TEST_EXPAND_DOES_NOT_EXIST}}",
			expected: "key: ",
		},
		{
			name:     "dollar signs pass through",
			input:    `pattern: "^secret.*$"`,
			expected: `pattern: "^secret.*$"`,
		},
		{
			name:     "malformed template returned verbatim",
			input:    "key: {{.unclosed",
			expected: "key: {{.unclosed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(ExpandEnv([]byte(tt.input))))
		})
	}
}
