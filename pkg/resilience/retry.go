package resilience

import (
	"context"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
)

// Retry runs op with exponential backoff per settings. Delay for attempt k
// is min(max_delay, base_delay * backoff_factor^k); with jitter enabled the
// delay is multiplied by a uniform random factor in [0.5, 1.5]. Errors that
// Retryable rejects abort immediately; the last error is returned once
// attempts are exhausted. Cancelling ctx stops the wait between attempts.
func Retry(ctx context.Context, settings config.RetrySettings, name string, op func() error) error {
	return RetryWith(ctx, settings, name, Retryable, op)
}

// RetryWith is Retry with a caller-supplied eligibility predicate.
func RetryWith(ctx context.Context, settings config.RetrySettings, name string, eligible func(error) bool, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = settings.BaseDelay
	eb.MaxInterval = settings.MaxDelay
	eb.Multiplier = settings.BackoffFactor
	eb.MaxElapsedTime = 0 // capped by attempts, not wall clock
	if settings.Jitter {
		eb.RandomizationFactor = 0.5
	} else {
		eb.RandomizationFactor = 0
	}
	eb.Reset()

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(settings.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !eligible(err) {
			return backoff.Permanent(err)
		}
		if attempt < settings.MaxAttempts {
			slog.Debug("Retrying operation",
				"operation", name,
				"attempt", attempt,
				"max_attempts", settings.MaxAttempts,
				"error", err)
		}
		return err
	}, policy)
}
