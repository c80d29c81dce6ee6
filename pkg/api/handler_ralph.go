package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
)

// submitTaskHandler handles POST /ralph/tasks.
func (s *Server) submitTaskHandler(c *echo.Context) error {
	if s.ralph == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task engine not configured")
	}

	var req ralph.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if req.IterationMode != "" && !models.ValidIterationMode(req.IterationMode) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid iteration_mode: must be adaptive, fixed, or infinite")
	}
	if s.screener != nil {
		if hits := s.screener.Detect(req.Prompt); len(hits) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "prompt contains secret material: "+hits[0])
		}
	}

	taskID, err := s.ralph.Submit(req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, TaskResponse{
		TaskID: taskID,
		Status: models.TaskQueued,
	})
}

// getTaskHandler handles GET /ralph/tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if s.ralph == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task engine not configured")
	}

	task, err := s.ralph.GetTask(taskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// approveTaskHandler handles POST /ralph/tasks/:id/approve.
func (s *Server) approveTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if s.ralph == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task engine not configured")
	}

	var req struct {
		Approved bool `json:"approved"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.ralph.Approve(taskID, req.Approved); err != nil {
		return err
	}
	message := "task approved"
	if !req.Approved {
		message = "task rejected"
	}
	return c.JSON(http.StatusOK, TaskResponse{TaskID: taskID, Status: "acknowledged", Message: message})
}

// stopTaskHandler handles POST /ralph/tasks/:id/stop.
func (s *Server) stopTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if s.ralph == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task engine not configured")
	}

	if err := s.ralph.StopTask(taskID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TaskResponse{TaskID: taskID, Status: "stop_requested"})
}

// ralphStatsHandler handles GET /ralph/stats.
func (s *Server) ralphStatsHandler(c *echo.Context) error {
	if s.ralph == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task engine not configured")
	}
	return c.JSON(http.StatusOK, s.ralph.Stats())
}
