package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

func runMapping(t *testing.T, err error) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, mapServiceError(c, err))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestMapServiceError(t *testing.T) {
	t.Run("validation error maps to 400", func(t *testing.T) {
		rec, body := runMapping(t, services.NewValidationError("query", "query is required"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, body.Error, "query is required")
	})

	t.Run("not found maps to 404", func(t *testing.T) {
		rec, body := runMapping(t, services.ErrNotFound)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "resource not found", body.Error)
	})

	t.Run("breaker open maps to 503 with Retry-After", func(t *testing.T) {
		rec, body := runMapping(t, &resilience.BreakerOpenError{
			Service:    "llama-cpp",
			RetryAfter: 30 * time.Second,
		})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("Retry-After"))
		assert.Contains(t, body.Error, "llama-cpp")
	})

	t.Run("model loading maps to 503 with queue depth", func(t *testing.T) {
		rec, body := runMapping(t, &llm.ModelLoadingError{QueueDepth: 7})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, 7, body.QueueDepth)
	})

	t.Run("upstream error maps to 502", func(t *testing.T) {
		rec, body := runMapping(t, &resilience.UpstreamError{Service: "qdrant", StatusCode: 500})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, body.Error, "qdrant")
	})

	t.Run("deadline exceeded maps to 504", func(t *testing.T) {
		rec, _ := runMapping(t, context.DeadlineExceeded)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("http error passes through", func(t *testing.T) {
		rec, body := runMapping(t, echo.NewHTTPError(http.StatusBadRequest, "bad input"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "bad input", body.Error)
	})

	t.Run("unknown error maps to 500 with error id", func(t *testing.T) {
		rec, body := runMapping(t, errors.New("disk on fire"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal server error", body.Error)
		assert.NotEmpty(t, body.ErrorID)
		assert.NotContains(t, body.Error, "disk on fire")
	})

	t.Run("wrapped validation error still maps to 400", func(t *testing.T) {
		wrapped := errors.Join(errors.New("failed to execute tool augment_query"),
			services.NewValidationError("query", "query is required"))
		rec, _ := runMapping(t, wrapped)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
