package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// createFeedbackHandler handles POST /feedback. It dispatches through the
// curated learning_feedback tool so HTTP and MCP feedback share the audit
// trail and the interaction-outcome update.
func (s *Server) createFeedbackHandler(c *echo.Context) error {
	return s.recordFeedback(c, "")
}

// interactionFeedbackHandler handles POST /feedback/:id, binding the feedback
// to the interaction named in the path.
func (s *Server) interactionFeedbackHandler(c *echo.Context) error {
	interactionID := c.Param("id")
	if interactionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "interaction id is required")
	}
	return s.recordFeedback(c, interactionID)
}

func (s *Server) recordFeedback(c *echo.Context, interactionID string) error {
	if s.registry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tool registry not configured")
	}

	params := map[string]any{}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&params); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if interactionID != "" {
		params["interaction_id"] = interactionID
	}

	result, err := s.registry.ExecuteTool(c.Request().Context(), "learning_feedback", extractCaller(c), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

// getFeedbackHandler handles GET /feedback/:id.
func (s *Server) getFeedbackHandler(c *echo.Context) error {
	feedbackID := c.Param("id")
	if feedbackID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feedback id is required")
	}
	if s.feedback == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "feedback service not configured")
	}

	record, err := s.feedback.Get(c.Request().Context(), feedbackID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}
