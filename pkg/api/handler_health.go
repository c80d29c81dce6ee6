package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/database"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/health"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

// healthHandler handles GET /health. Never gated by auth or rate limiting:
// orchestrators probe it. The readiness result carries per-dependency detail;
// breaker states and known vector collections ride along so one request shows
// the whole data plane.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  health.StatusHealthy,
		Version: version.Full(),
	}

	if s.checker != nil {
		readiness := s.checker.Readiness(reqCtx)
		resp.Status = readiness.Status
		resp.Readiness = &readiness
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
	}
	if s.vectors != nil {
		if collections, err := s.vectors.ListCollections(reqCtx); err == nil {
			resp.Collections = collections
		}
	}
	if s.db != nil {
		// Pool stats ride along even when the ping fails; the status field
		// carries the failure.
		pool, _ := database.Health(reqCtx, s.db.Raw())
		resp.Database = pool
	}

	httpStatus := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}

// metricsHandler handles GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metrics not configured")
	}
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// statusHandler handles GET /status: a component-by-component snapshot.
func (s *Server) statusHandler(c *echo.Context) error {
	resp := StatusResponse{
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connections:   s.connManager.ActiveConnections(),
	}

	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
	}
	if s.ralph != nil {
		stats := s.ralph.Stats()
		resp.Ralph = &stats
	}
	if s.learning != nil {
		stats := s.learning.Stats()
		resp.Learning = &stats
	}
	if s.gate != nil {
		resp.LoadingQueueDepth = s.gate.Depth()
	}
	if s.llm != nil {
		engineCtx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if engineStatus, err := s.llm.Health(engineCtx); err == nil {
			resp.Engine = engineStatus.Status
		} else {
			resp.Engine = "unreachable"
		}
	}

	return c.JSON(http.StatusOK, resp)
}
