package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tools"
)

func TestFeedbackHandlers(t *testing.T) {
	var gotParams map[string]any
	registry := tools.NewRegistry(config.DefaultConfig().Tools, nil, nil, nil)
	registry.Register(models.Tool{Name: "learning_feedback", Description: "record feedback"},
		func(ctx context.Context, params map[string]any) (any, error) {
			gotParams = params
			if params["rating"] == nil {
				return nil, services.NewValidationError("rating", "rating is required")
			}
			return map[string]any{"feedback_id": "fb-1"}, nil
		})

	s := newTestServer(t, "", Deps{Registry: registry})

	t.Run("dispatches through the feedback tool", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/feedback", "", `{"rating":5,"comment":"solid answer"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "fb-1")
	})

	t.Run("path interaction id wins over the body", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/feedback/int-42", "", `{"rating":2,"interaction_id":"ignored"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "int-42", gotParams["interaction_id"])
	})

	t.Run("tool validation surfaces as 400", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/feedback", "", `{"comment":"no rating"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("feedback lookup without a service answers 503", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/feedback/fb-1", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
