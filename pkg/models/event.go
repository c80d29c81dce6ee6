package models

import "time"

// Telemetry event types consumed by the learning pipeline.
const (
	EventTaskCompleted   = "task_completed"
	EventTaskFailed      = "task_failed"
	EventErrorResolution = "error_resolution"
	EventInteraction     = "interaction_tracked"
	EventAdaptiveLimit   = "adaptive_limit_decision"
	EventQueryRouted     = "query_routed"
	EventQueryGap        = "query_gap"
)

// TelemetryEvent is one line in an append-only JSONL telemetry stream.
// Producers write them fire-and-forget; the learning pipeline tails the
// streams and never reorders within a file.
type TelemetryEvent struct {
	EventType     string         `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Service       string         `json:"service"`
	TaskID        string         `json:"task_id,omitempty"`
	TaskType      string         `json:"task_type,omitempty"`
	Backend       string         `json:"backend,omitempty"`
	Iterations    int            `json:"iterations,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Success       bool           `json:"success,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	Response      string         `json:"response,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}
