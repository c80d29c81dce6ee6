package resilience

import (
	"context"
	"sync"
	"time"
)

// rateWindow is the sliding-window width for the per-client rate limiter.
const rateWindow = 60 * time.Second

// RateLimiter enforces a per-client sliding 60-second window on mutating
// endpoints. A limit of zero disables limiting.
type RateLimiter struct {
	limit int

	mu      sync.Mutex
	clients map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per client per
// 60-second window.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a request for clientID and reports whether it is inside the
// window budget. When rejected, retryAfter is the time until the oldest
// in-window request expires.
func (rl *RateLimiter) Allow(clientID string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rateWindow)

	stamps := rl.clients[clientID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rl.limit {
		rl.clients[clientID] = kept
		return false, kept[0].Sub(cutoff)
	}

	rl.clients[clientID] = append(kept, now)
	return true, 0
}

// Sweep drops clients with no in-window requests so the map does not grow
// unbounded across many distinct client ids.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateWindow)
	for id, stamps := range rl.clients {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(rl.clients, id)
		}
	}
}

// Start runs a background sweeper until ctx is cancelled.
func (rl *RateLimiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rateWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Sweep()
			}
		}
	}()
}
