package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the full built-in configuration tree. User YAML and
// environment variables are merged on top of it.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			ListenAddr:      ":8700",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPM:    120,
			MaxBodyBytes:    1 << 20, // 1 MB
		},
		Endpoints: &EndpointsConfig{
			LlamaCppURL:    "http://localhost:8080",
			EmbeddingURL:   "http://localhost:8081",
			QdrantURL:      "http://localhost:6333",
			RedisURL:       "redis://localhost:6379/0",
			SelfHealingURL: "http://localhost:8787",
			RequestTimeout: 30 * time.Second,
		},
		Vector: &VectorConfig{
			Dimension: 384,
			Distance:  "Cosine",
		},
		Resilience: &ResilienceConfig{
			Inference: BreakerSettings{
				FailureThreshold: 3,
				SuccessThreshold: 2,
				RecoveryTimeout:  120 * time.Second,
			},
			HTTP: BreakerSettings{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				RecoveryTimeout:  60 * time.Second,
			},
			Retry: RetrySettings{
				MaxAttempts:   3,
				BaseDelay:     500 * time.Millisecond,
				MaxDelay:      8 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
		},
		Cache: &CacheConfig{
			TTL:                 time.Hour,
			SimilarityThreshold: 0.95,
			MaxEntries:          2048,
			JanitorInterval:     5 * time.Minute,
		},
		Query: &QueryConfig{
			ConfidenceThreshold: 0.85,
			DefaultLimit:        5,
			ScoreThreshold:      0.5,
			ExpansionMode:       "keyword",
			MaxExpansions:       3,
			EscalationEnabled:   true,
		},
		Session: &SessionConfig{
			TTL:                time.Hour,
			DefaultMaxTokens:   4000,
			SuggestionsEnabled: true,
		},
		Ralph: &RalphConfig{
			QueueSize:        100,
			MinIterations:    1,
			MaxIterationsCap: 100,
			BlockedExitCode:  75,
			ApprovalTimeout:  5 * time.Minute,
			IterationTimeout: 10 * time.Minute,
			DefaultBackend:   "command",
		},
		Learning: &LearningConfig{
			Interval:                time.Minute,
			PauseInterval:           5 * time.Minute,
			CheckpointEvery:         100,
			BackpressureThresholdMB: 100,
			MaxProposalsPerBatch:    5,
			SubmitProposals:         false,
			MinPromptLen:            20,
			MinResponseLen:          20,
			MaxIterationsForPattern: 5,
		},
		Tools: &ToolsConfig{
			AuditLogPath:  "/var/log/nixos-ai-stack/tool-audit.jsonl",
			SkillMaxBytes: 100 * 1024,
		},
		Health: &HealthConfig{
			CheckTimeout: 5 * time.Second,
			CPUPercent:   80,
			MemPercent:   85,
			DiskPercent:  90,
		},
		DataRoot:   "/var/lib/nixos-ai-stack",
		SecretsDir: "secrets",
	}
}

// applyDataRootDefaults fills path fields that derive from DataRoot when the
// user did not set them explicitly.
func applyDataRootDefaults(cfg *Config) {
	root := cfg.DataRoot
	if cfg.Learning.TelemetryDir == "" {
		cfg.Learning.TelemetryDir = filepath.Join(root, "telemetry")
	}
	if cfg.Learning.CheckpointPath == "" {
		cfg.Learning.CheckpointPath = filepath.Join(root, "checkpoints", "checkpoint.json")
	}
	if cfg.Learning.DatasetPath == "" {
		cfg.Learning.DatasetPath = filepath.Join(root, "fine-tuning", "dataset.jsonl")
	}
	if cfg.Learning.ProposalLogPath == "" {
		cfg.Learning.ProposalLogPath = filepath.Join(root, "proposals", "proposals.jsonl")
	}
	if cfg.Tools.CacheSnapshotPath == "" {
		cfg.Tools.CacheSnapshotPath = filepath.Join(root, "tools", "cache.json")
	}
	if cfg.Tools.FederationPath == "" {
		cfg.Tools.FederationPath = filepath.Join(root, "federation", "servers.json")
	}
}
