package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindowCeiling(t *testing.T) {
	rl := NewRateLimiter(5)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := rl.Allow("client-a")
		require.True(t, ok, "request %d within budget", i+1)
	}

	ok, retryAfter := rl.Allow("client-a")
	assert.False(t, ok, "request 6 in the window must be rejected")
	assert.Greater(t, retryAfter, time.Duration(0))

	// Another client has its own budget.
	ok, _ = rl.Allow("client-b")
	assert.True(t, ok)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("c")
	require.True(t, ok)
	ok, _ = rl.Allow("c")
	require.True(t, ok)
	ok, _ = rl.Allow("c")
	require.False(t, ok)

	// 61 seconds later both stamps have left the window.
	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow("c")
	assert.True(t, ok)
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		ok, _ := rl.Allow("c")
		require.True(t, ok)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("stale")
	now = now.Add(2 * time.Minute)
	rl.Allow("fresh")

	rl.Sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "stale")
	assert.Contains(t, rl.clients, "fresh")
}
