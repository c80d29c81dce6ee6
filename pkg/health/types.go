// Package health implements the coordinator's five probes: liveness,
// readiness, startup, dependency, and performance. Probe results feed the
// HTTP health surface and the Prometheus collectors.
package health

import (
	"context"
	"time"
)

// Probe statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Check types.
const (
	CheckLiveness    = "liveness"
	CheckReadiness   = "readiness"
	CheckStartup     = "startup"
	CheckDependency  = "dependency"
	CheckPerformance = "performance"
)

// CheckResult is the uniform probe response shape.
type CheckResult struct {
	Status     string         `json:"status"`
	CheckType  string         `json:"check_type"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
}

// DependencyCheck is one registered dependency probe. Critical dependencies
// take readiness to unhealthy on failure; non-critical ones only degrade it.
// Weight feeds the composite score.
type DependencyCheck struct {
	Name     string
	Critical bool
	Weight   float64
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// checkOutcome is the per-check result collected during a readiness run.
type checkOutcome struct {
	name     string
	critical bool
	weight   float64
	err      error
	duration time.Duration
}
