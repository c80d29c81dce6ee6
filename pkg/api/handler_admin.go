package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

// reloadModelHandler handles POST /reload-model. Only the two inference
// services are reloadable; anything else is rejected before touching the
// network.
func (s *Server) reloadModelHandler(c *echo.Context) error {
	if s.llm == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "llm client not configured")
	}

	var req struct {
		Service string `json:"service"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Service {
	case llm.ServiceLlamaCpp, llm.ServiceEmbeddings:
	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			"service must be "+llm.ServiceLlamaCpp+" or "+llm.ServiceEmbeddings)
	}

	if err := s.llm.Reload(c.Request().Context(), req.Service); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"service": req.Service,
		"status":  "reload_requested",
	})
}

// discoveryHandler handles /discovery/capabilities. Full disclosure (tool
// manifests and the federation registry) requires an authenticated caller;
// everyone else gets name+description summaries.
func (s *Server) discoveryHandler(c *echo.Context) error {
	disclosure := models.DisclosureMinimal
	if s.apiKey != "" && keyMatches(presentedKey(c.Request()), s.apiKey) {
		disclosure = models.DisclosureFull
	}

	resp := DiscoveryResponse{
		Service:    version.AppName,
		Version:    version.Full(),
		Disclosure: disclosure,
	}
	if s.registry != nil {
		resp.Tools = s.registry.GetTools(disclosure)
	}
	if disclosure == models.DisclosureFull {
		resp.Federation = s.federation
	}
	return c.JSON(http.StatusOK, resp)
}

// vllmGoneHandler answers the retired vLLM proxy surface with 410 so old
// clients get a definitive signal instead of a timeout.
func (s *Server) vllmGoneHandler(c *echo.Context) error {
	return c.JSON(http.StatusGone, errorBody{
		Error: "vllm endpoints are retired; use /query or the OpenAI-compatible engine directly",
	})
}
