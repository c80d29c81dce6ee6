package models

import "time"

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerHalfOpen = "half_open"
	BreakerOpen     = "open"
)

// CircuitBreakerState is a point-in-time snapshot of one breaker, surfaced
// through health and metrics endpoints.
type CircuitBreakerState struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	FailureThreshold int       `json:"failure_threshold"`
	SuccessThreshold int       `json:"success_threshold"`
	RecoveryTimeout  float64   `json:"recovery_timeout_seconds"`
}
