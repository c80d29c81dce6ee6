package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
)

func newTestServer(t *testing.T, apiKey string, deps Deps) *Server {
	t.Helper()
	cfg := config.DefaultConfig().Server
	return NewServer(cfg, apiKey, deps)
}

func doRequest(s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, "secret-key", Deps{})

	t.Run("rejects missing key", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/status", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/status", "wrong", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("accepts X-API-Key", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/status", "secret-key", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("accepts bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Authorization", "Bearer secret-key")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no configured key disables auth", func(t *testing.T) {
		open := newTestServer(t, "", Deps{})
		rec := doRequest(open, http.MethodGet, "/status", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, "", Deps{})
	rec := doRequest(s, http.MethodGet, "/health", "", "")

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t, "", Deps{})

	t.Run("mints an id", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health", "", "")
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagates the caller's id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := *config.DefaultConfig().Server
	cfg.RateLimitRPM = 2
	s := NewServer(&cfg, "", Deps{})

	// First two mutating requests pass the limiter (the handler's own 503
	// is fine, the limiter already ran); the third gets throttled.
	for i := 0; i < 2; i++ {
		rec := doRequest(s, http.MethodPost, "/learning/process", "", "")
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}
	rec := doRequest(s, http.MethodPost, "/learning/process", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	t.Run("reads are not limited", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			rec := doRequest(s, http.MethodGet, "/status", "", "")
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestClientID(t *testing.T) {
	t.Run("prefers api key hash", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set("X-API-Key", "abc")
		assert.True(t, strings.HasPrefix(clientID(req), "key:"))
	})

	t.Run("falls back to forwarded-for", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		assert.Equal(t, "10.0.0.1", clientID(req))
	})

	t.Run("falls back to remote addr", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.RemoteAddr = "192.0.2.7:1234"
		assert.Equal(t, "192.0.2.7", clientID(req))
	})
}
