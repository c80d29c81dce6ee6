package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// learningStatsHandler handles GET /learning/stats.
func (s *Server) learningStatsHandler(c *echo.Context) error {
	if s.learning == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "learning pipeline not configured")
	}
	return c.JSON(http.StatusOK, s.learning.Stats())
}

// learningProcessHandler handles POST /learning/process: one synchronous
// ingestion cycle outside the background cadence.
func (s *Server) learningProcessHandler(c *echo.Context) error {
	if s.learning == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "learning pipeline not configured")
	}

	processed, err := s.learning.Process(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"processed": processed,
		"stats":     s.learning.Stats(),
	})
}

// learningExportHandler handles POST /learning/export.
func (s *Server) learningExportHandler(c *echo.Context) error {
	if s.learning == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "learning pipeline not configured")
	}

	result, err := s.learning.Export()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// abCompareHandler handles POST /learning/ab_compare: per-variant summary
// statistics for a recorded experiment.
func (s *Server) abCompareHandler(c *echo.Context) error {
	if s.experiments == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "experiment service not configured")
	}

	var req struct {
		Experiment string `json:"experiment"`
		Metric     string `json:"metric"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Experiment == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "experiment is required")
	}
	if req.Metric == "" {
		req.Metric = "confidence"
	}

	variants, err := s.experiments.Compare(c.Request().Context(), req.Experiment, req.Metric)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"experiment": req.Experiment,
		"metric":     req.Metric,
		"variants":   variants,
	})
}

// listProposalsHandler handles GET /learning/proposals.
func (s *Server) listProposalsHandler(c *echo.Context) error {
	if s.proposer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "proposer not configured")
	}
	return c.JSON(http.StatusOK, map[string]any{"proposals": s.proposer.Proposals()})
}

// applyProposalHandler handles POST /proposals/apply. Applying mutates
// operator-facing configuration, so an unauthenticated deployment refuses it
// outright.
func (s *Server) applyProposalHandler(c *echo.Context) error {
	if s.apiKey == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "applying proposals requires a configured API key")
	}
	if s.proposer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "proposer not configured")
	}

	var req struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProposalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposal_id is required")
	}

	proposal, err := s.proposer.Apply(req.ProposalID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, proposal)
}
