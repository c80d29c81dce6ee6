package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Start from compiled defaults
//  2. Read the YAML file at path (optional; skipped when absent)
//  3. Expand {{.ENV_VAR}} templates in the YAML content
//  4. Merge user values over defaults (non-zero values override)
//  5. Apply environment-variable endpoint overrides
//  6. Derive DataRoot-relative paths
//  7. Validate the assembled tree
func Initialize(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		user, err := loadYAML(path)
		if err != nil {
			return nil, NewLoadError(path, err)
		}
		if user != nil {
			if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge configuration: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDataRootDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"config_path", path,
		"listen_addr", cfg.Server.ListenAddr,
		"llama_cpp_url", cfg.Endpoints.LlamaCppURL,
		"qdrant_url", cfg.Endpoints.QdrantURL,
		"data_root", cfg.DataRoot)

	return cfg, nil
}

// loadYAML reads and parses one configuration file. A missing file is not an
// error: endpoint discovery via environment variables alone is a supported
// deployment mode.
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults and environment", "path", path)
			return nil, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &user, nil
}

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax so literal $ characters in regex patterns and
// passwords pass through untouched. Missing variables expand to empty string;
// malformed templates return the original content for the YAML parser to
// report.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// applyEnvOverrides applies the canonical endpoint environment variables on
// top of whatever the YAML produced. Environment wins when set.
func applyEnvOverrides(cfg *Config) {
	setIfEnv(&cfg.Endpoints.LlamaCppURL, "LLAMA_CPP_URL")
	setIfEnv(&cfg.Endpoints.EmbeddingURL, "EMBEDDING_SERVICE_URL")
	setIfEnv(&cfg.Endpoints.QdrantURL, "QDRANT_URL")
	setIfEnv(&cfg.Endpoints.RedisURL, "REDIS_URL")
	setIfEnv(&cfg.Endpoints.AidbURL, "AIDB_URL")
	setIfEnv(&cfg.Endpoints.RalphURL, "RALPH_URL")
	setIfEnv(&cfg.Endpoints.SelfHealingURL, "SELF_HEALING_URL")
	setIfEnv(&cfg.DataRoot, "DATA_ROOT")
	setIfEnv(&cfg.SecretsDir, "SECRETS_DIR")
	setIfEnv(&cfg.Tools.AuditLogPath, "AUDIT_LOG_PATH")
	setIfEnv(&cfg.Learning.TelemetryDir, "TELEMETRY_DIR")
}

func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// validate runs struct-tag validation plus semantic checks the tags cannot
// express.
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Ralph.MinIterations > cfg.Ralph.MaxIterationsCap {
		return NewValidationError("ralph", "min_iterations",
			fmt.Errorf("min_iterations (%d) exceeds max_iterations_cap (%d)",
				cfg.Ralph.MinIterations, cfg.Ralph.MaxIterationsCap))
	}
	if cfg.Resilience.Retry.BaseDelay > cfg.Resilience.Retry.MaxDelay {
		return NewValidationError("resilience", "retry.base_delay",
			fmt.Errorf("base_delay (%s) exceeds max_delay (%s)",
				cfg.Resilience.Retry.BaseDelay, cfg.Resilience.Retry.MaxDelay))
	}
	return nil
}
