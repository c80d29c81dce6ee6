// Package config loads, merges, and validates coordinator configuration.
//
// Three layers, later wins: compiled defaults, optional YAML file (with
// {{.ENV_VAR}} template expansion), environment variables for endpoint
// discovery. API keys resolve from secret files before environment.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// passed through the application. Sections are always non-nil after load.
type Config struct {
	Server     *ServerConfig     `yaml:"server"`
	Endpoints  *EndpointsConfig  `yaml:"endpoints"`
	Vector     *VectorConfig     `yaml:"vector"`
	Resilience *ResilienceConfig `yaml:"resilience"`
	Cache      *CacheConfig      `yaml:"cache"`
	Query      *QueryConfig      `yaml:"query"`
	Session    *SessionConfig    `yaml:"session"`
	Ralph      *RalphConfig      `yaml:"ralph"`
	Learning   *LearningConfig   `yaml:"learning"`
	Tools      *ToolsConfig      `yaml:"tools"`
	Health     *HealthConfig     `yaml:"health"`

	// DataRoot anchors all persisted state (telemetry, checkpoints,
	// fine-tuning exports, federation snapshot).
	DataRoot string `yaml:"data_root"`

	// SecretsDir holds 0644-mode secret files watched for hot reload.
	SecretsDir string `yaml:"secrets_dir"`
}

// ServerConfig controls the HTTP front-end.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimitRPM is the per-client request ceiling inside the sliding
	// 60-second window on mutating endpoints. Zero disables limiting.
	RateLimitRPM int `yaml:"rate_limit_rpm" validate:"min=0"`

	// MaxBodyBytes caps request bodies. Content above the cap is rejected
	// with a validation error before binding.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"min=1"`
}

// EndpointsConfig locates the external collaborators. Environment variables
// (LLAMA_CPP_URL, EMBEDDING_SERVICE_URL, QDRANT_URL, REDIS_URL, AIDB_URL,
// RALPH_URL, SELF_HEALING_URL) override YAML values when set.
type EndpointsConfig struct {
	LlamaCppURL    string        `yaml:"llama_cpp_url" validate:"required,url"`
	EmbeddingURL   string        `yaml:"embedding_service_url" validate:"required,url"`
	QdrantURL      string        `yaml:"qdrant_url" validate:"required,url"`
	RedisURL       string        `yaml:"redis_url" validate:"required"`
	AidbURL        string        `yaml:"aidb_url,omitempty"`
	RalphURL       string        `yaml:"ralph_url,omitempty"`
	SelfHealingURL string        `yaml:"self_healing_url,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// VectorConfig holds vector-store wide settings.
type VectorConfig struct {
	// Dimension is the global embedding dimension; vectors of any other
	// length are rejected at the boundary.
	Dimension int    `yaml:"dimension" validate:"min=1"`
	Distance  string `yaml:"distance"`
}

// BreakerSettings parameterize one circuit breaker class.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=1"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetrySettings parameterize retry-with-backoff for outbound calls.
type RetrySettings struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=1"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gt=1"`
	Jitter        bool          `yaml:"jitter"`
}

// ResilienceConfig groups breaker and retry defaults. The inference engine
// gets a lower failure threshold and a longer recovery window because
// reloading the model is expensive.
type ResilienceConfig struct {
	Inference BreakerSettings `yaml:"inference"`
	HTTP      BreakerSettings `yaml:"http"`
	Retry     RetrySettings   `yaml:"retry"`
}

// CacheConfig controls the semantic cache.
type CacheConfig struct {
	TTL                 time.Duration `yaml:"ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	MaxEntries          int           `yaml:"max_entries" validate:"min=1"`
	JanitorInterval     time.Duration `yaml:"janitor_interval"`
}

// QueryConfig controls the query pipeline.
type QueryConfig struct {
	// ConfidenceThreshold gates routing to the local LLM: the top rerank
	// score must exceed it or the query escalates.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gt=0,lte=1"`
	DefaultLimit        int     `yaml:"default_limit" validate:"min=1"`
	ScoreThreshold      float64 `yaml:"score_threshold"`
	ExpansionMode       string  `yaml:"expansion_mode" validate:"oneof=none keyword llm"`
	MaxExpansions       int     `yaml:"max_expansions" validate:"min=0,max=5"`
	EscalationEnabled   bool    `yaml:"escalation_enabled"`
}

// SessionConfig controls multi-turn session state.
type SessionConfig struct {
	TTL                time.Duration `yaml:"ttl"`
	DefaultMaxTokens   int           `yaml:"default_max_tokens" validate:"min=1"`
	SuggestionsEnabled bool          `yaml:"suggestions_enabled"`
}

// RalphConfig controls the autonomous loop engine.
type RalphConfig struct {
	QueueSize        int `yaml:"queue_size" validate:"min=1"`
	MinIterations    int `yaml:"min_iterations" validate:"min=1"`
	MaxIterationsCap int `yaml:"max_iterations_cap" validate:"min=1"`

	// BlockedExitCode re-enters the loop verbatim when a backend returns it.
	// 75 is EX_TEMPFAIL: temporary failure where a retry is expected to help.
	BlockedExitCode int `yaml:"blocked_exit_code"`

	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	IterationTimeout time.Duration `yaml:"iteration_timeout"`
	DefaultBackend   string        `yaml:"default_backend"`
}

// LearningConfig controls the continuous-learning pipeline.
type LearningConfig struct {
	Interval                time.Duration `yaml:"interval"`
	PauseInterval           time.Duration `yaml:"pause_interval"`
	CheckpointEvery         int           `yaml:"checkpoint_every" validate:"min=1"`
	BackpressureThresholdMB int           `yaml:"backpressure_threshold_mb" validate:"min=1"`
	MaxProposalsPerBatch    int           `yaml:"max_proposals_per_batch" validate:"min=1"`
	SubmitProposals         bool          `yaml:"submit_proposals"`
	MinPromptLen            int           `yaml:"min_prompt_len"`
	MinResponseLen          int           `yaml:"min_response_len"`
	MaxIterationsForPattern int           `yaml:"max_iterations_for_pattern"`

	// Paths derive from DataRoot when left empty.
	TelemetryDir    string `yaml:"telemetry_dir"`
	CheckpointPath  string `yaml:"checkpoint_path"`
	DatasetPath     string `yaml:"dataset_path"`
	ProposalLogPath string `yaml:"proposal_log_path"`
}

// ToolsConfig controls the tool/skill registry.
type ToolsConfig struct {
	AuditLogPath      string `yaml:"audit_log_path"`
	CacheSnapshotPath string `yaml:"cache_snapshot_path"`
	FederationPath    string `yaml:"federation_path"`
	SkillMaxBytes     int    `yaml:"skill_max_bytes" validate:"min=1"`
}

// HealthConfig controls probe budgets and performance thresholds.
type HealthConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout"`
	CPUPercent   float64       `yaml:"cpu_percent" validate:"gt=0,lte=100"`
	MemPercent   float64       `yaml:"mem_percent" validate:"gt=0,lte=100"`
	DiskPercent  float64       `yaml:"disk_percent" validate:"gt=0,lte=100"`
}
