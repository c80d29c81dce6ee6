package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/session"
)

// multiTurnHandler handles POST /context/multi_turn. Omitting session_id
// starts a new session; the response always carries the id for the next turn.
func (s *Server) multiTurnHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session manager not configured")
	}

	var req session.TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	resp, err := s.sessions.Turn(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// getSessionHandler handles GET /session/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session manager not configured")
	}

	sess, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// deleteSessionHandler handles DELETE /session/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session manager not configured")
	}

	if err := s.sessions.Delete(c.Request().Context(), sessionID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}
