package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LoadingGate serializes requests that insist on local inference while the
// engine is still loading its model. A bounded number of callers may wait;
// the rest fail fast with the current queue depth so clients can fall back.
type LoadingGate struct {
	client       *Client
	maxWaiters   int
	waitTimeout  time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	waiters int
	log     *slog.Logger
}

// NewLoadingGate creates a gate over the engine health probe. maxWaiters
// bounds the queue depth; waitTimeout bounds each caller's wait.
func NewLoadingGate(client *Client, maxWaiters int, waitTimeout time.Duration) *LoadingGate {
	return &LoadingGate{
		client:       client,
		maxWaiters:   maxWaiters,
		waitTimeout:  waitTimeout,
		pollInterval: time.Second,
		log:          slog.With("component", "loading_gate"),
	}
}

// Depth returns the number of callers currently waiting for readiness.
func (g *LoadingGate) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters
}

// AwaitReady blocks until the engine reports readiness, the wait budget
// expires, or ctx is cancelled. Returns nil immediately when the engine is
// already ready. Queue overflow and timeout both produce a ModelLoadingError
// carrying the depth at the moment of failure.
func (g *LoadingGate) AwaitReady(ctx context.Context) error {
	status, err := g.client.Health(ctx)
	if err == nil && status.Ready() {
		return nil
	}

	g.mu.Lock()
	if g.waiters >= g.maxWaiters {
		depth := g.waiters
		g.mu.Unlock()
		return &ModelLoadingError{QueueDepth: depth}
	}
	g.waiters++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiters--
		g.mu.Unlock()
	}()

	g.log.Info("Waiting for local model readiness", "queue_depth", g.Depth())

	deadline := time.NewTimer(g.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &ModelLoadingError{QueueDepth: g.Depth()}
		case <-ticker.C:
			status, err := g.client.Health(ctx)
			if err != nil {
				continue
			}
			if status.Ready() {
				return nil
			}
		}
	}
}
