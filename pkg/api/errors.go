package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

// errorBody is the uniform JSON error envelope. ErrorID is only set for
// internal errors so operators can correlate the response with the log line.
type errorBody struct {
	Error      string `json:"error"`
	ErrorID    string `json:"error_id,omitempty"`
	QueueDepth int    `json:"queue_depth,omitempty"`
}

// mapServiceError converts any error surfaced by a handler into the HTTP
// response. All status mapping lives here; handlers return raw errors (or an
// *echo.HTTPError for request-shape problems) and never touch status codes
// for service failures.
func mapServiceError(c *echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, errorBody{Error: fmt.Sprint(he.Message)})
	}

	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: validErr.Error()})
	}
	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "resource not found"})
	}

	var breakerErr *resilience.BreakerOpenError
	if errors.As(err, &breakerErr) {
		retryAfter := int(breakerErr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
		return c.JSON(http.StatusServiceUnavailable, errorBody{
			Error: fmt.Sprintf("service %s unavailable: circuit breaker open", breakerErr.Service),
		})
	}

	var loadingErr *llm.ModelLoadingError
	if errors.As(err, &loadingErr) {
		return c.JSON(http.StatusServiceUnavailable, errorBody{
			Error:      "model is loading",
			QueueDepth: loadingErr.QueueDepth,
		})
	}

	var upstreamErr *resilience.UpstreamError
	if errors.As(err, &upstreamErr) {
		return c.JSON(http.StatusBadGateway, errorBody{
			Error: fmt.Sprintf("upstream %s returned %d", upstreamErr.Service, upstreamErr.StatusCode),
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody{Error: "upstream request timed out"})
	}

	errorID := uuid.New().String()
	slog.Error("Unexpected handler error",
		"error", err,
		"error_id", errorID,
		"path", c.Request().URL.Path)
	return c.JSON(http.StatusInternalServerError, errorBody{
		Error:   "internal server error",
		ErrorID: errorID,
	})
}
