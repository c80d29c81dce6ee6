package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// Breaker wraps one gobreaker state machine per external service. The wrap
// owns retry-after bookkeeping and supports a hard Reset, which gobreaker
// itself does not expose.
type Breaker struct {
	name     string
	settings config.BreakerSettings
	failure  func(error) bool

	mu       sync.Mutex
	cb       *gobreaker.CircuitBreaker
	openedAt time.Time
}

// NewBreaker creates a breaker for the named service. failure decides which
// errors count against the failure threshold; nil means BreakerFailure.
func NewBreaker(name string, settings config.BreakerSettings, failure func(error) bool) *Breaker {
	if failure == nil {
		failure = BreakerFailure
	}
	b := &Breaker{
		name:     name,
		settings: settings,
		failure:  failure,
	}
	b.cb = b.newStateMachine()
	return b
}

func (b *Breaker) newStateMachine() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(b.settings.SuccessThreshold),
		Timeout:     b.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.settings.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.failure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			slog.Info("Circuit breaker state change",
				"breaker", name,
				"from", stateString(from),
				"to", stateString(to))
		},
	})
}

// Execute runs fn through the breaker. When the breaker is open (or probing
// at capacity in half-open), it returns a BreakerOpenError carrying the time
// until the next probe window without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &BreakerOpenError{Service: b.name, RetryAfter: b.retryAfter()}
	}
	return err
}

// retryAfter derives the remaining recovery window from the last transition
// to open. Clamped to [1s, recovery_timeout] so clients always get a usable
// hint.
func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()

	if openedAt.IsZero() {
		return b.settings.RecoveryTimeout
	}
	remaining := b.settings.RecoveryTimeout - time.Since(openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// Reset forces the breaker back to closed by swapping in a fresh state
// machine.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newStateMachine()
	b.openedAt = time.Time{}
	slog.Info("Circuit breaker reset", "breaker", b.name)
}

// Name returns the service name this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state as a stable string.
func (b *Breaker) State() string {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return stateString(cb.State())
}

// Snapshot returns a point-in-time view for health and metrics.
func (b *Breaker) Snapshot() models.CircuitBreakerState {
	b.mu.Lock()
	cb := b.cb
	openedAt := b.openedAt
	b.mu.Unlock()

	counts := cb.Counts()
	return models.CircuitBreakerState{
		Name:             b.name,
		State:            stateString(cb.State()),
		FailureCount:     int(counts.ConsecutiveFailures),
		SuccessCount:     int(counts.ConsecutiveSuccesses),
		LastFailureTime:  openedAt,
		FailureThreshold: b.settings.FailureThreshold,
		SuccessThreshold: b.settings.SuccessThreshold,
		RecoveryTimeout:  b.settings.RecoveryTimeout.Seconds(),
	}
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}
