// Package resilience provides the circuit breaker, retry-with-backoff, and
// rate limiter that front every outbound dependency call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// BreakerOpenError is returned when a call fails fast because the named
// breaker is open. RetryAfter tells the caller when a probe becomes possible.
type BreakerOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.Service, e.RetryAfter.Round(time.Second))
}

// IsBreakerOpen reports whether err is (or wraps) a BreakerOpenError.
func IsBreakerOpen(err error) bool {
	var boe *BreakerOpenError
	return errors.As(err, &boe)
}

// UpstreamError is a non-2xx response from a downstream HTTP dependency.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// BreakerFailure classifies errors that should count against a breaker's
// failure threshold: network and IO failures, attempt timeouts, and 5xx
// upstream responses. Anything else (validation, auth, 4xx) passes through
// the breaker without moving its state.
func BreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if isConnectionFailure(err) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500
	}
	return false
}

// Retryable classifies errors eligible for another attempt. An open breaker
// is never retryable: it short-circuits all remaining attempts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsBreakerOpen(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if isConnectionFailure(err) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500 || ue.StatusCode == 429
	}
	return false
}

// isConnectionFailure detects connection-level transport failures.
func isConnectionFailure(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, e := range connectionErrors {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}
