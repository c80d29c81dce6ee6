package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// queryHandler handles POST /query: the routed retrieval-augmented query
// surface. prefer_local holds the request in the loading gate while the
// engine warms up instead of failing fast.
func (s *Server) queryHandler(c *echo.Context) error {
	if s.pipeline == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "query pipeline not configured")
	}

	var req models.QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ctx := c.Request().Context()
	if req.PreferLocal && s.gate != nil {
		if err := s.gate.AwaitReady(ctx); err != nil {
			return err
		}
	}

	resp, err := s.pipeline.Run(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// toolHandler adapts a curated registry tool to an HTTP route. The body is
// passed through as tool parameters, so HTTP and MCP callers share one
// audited dispatch path.
func (s *Server) toolHandler(tool string) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.registry == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "tool registry not configured")
		}

		params := map[string]any{}
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&params); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
			}
		}

		result, err := s.registry.ExecuteTool(c.Request().Context(), tool, extractCaller(c), params)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, result)
	}
}
