package mcp

import (
	"context"
	"strings"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

type harnessEvalParams struct {
	Name    string   `json:"name"`
	Prompts []string `json:"prompts"`
	Variant string   `json:"variant,omitempty"`
}

// HarnessSummary aggregates one evaluation run.
type HarnessSummary struct {
	Name           string         `json:"name"`
	Variant        string         `json:"variant"`
	Prompts        int            `json:"prompts"`
	Failures       int            `json:"failures"`
	Routes         map[string]int `json:"routes"`
	MeanConfidence float64        `json:"mean_confidence"`
	TokensSaved    int            `json:"tokens_saved"`
}

// RunHarnessEval replays a prompt set through the query pipeline and records
// per-prompt confidence as an experiment metric.
func (c *Coordinator) RunHarnessEval(ctx context.Context, params map[string]any) (any, error) {
	var in harnessEvalParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, services.NewValidationError("name", "name is required")
	}
	if len(in.Prompts) == 0 {
		return nil, services.NewValidationError("prompts", "at least one prompt is required")
	}
	variant := in.Variant
	if variant == "" {
		variant = "baseline"
	}

	summary := HarnessSummary{
		Name:    in.Name,
		Variant: variant,
		Prompts: len(in.Prompts),
		Routes:  map[string]int{},
	}
	var confidenceSum float64
	for _, prompt := range in.Prompts {
		resp, err := c.pipeline.Run(ctx, models.QueryRequest{Query: prompt, PreferLocal: true})
		if err != nil {
			summary.Failures++
			c.log.Warn("Harness prompt failed", "name", in.Name, "error", err)
			continue
		}
		summary.Routes[resp.Route]++
		summary.TokensSaved += resp.TokensSaved
		confidenceSum += resp.Confidence

		if c.experiments != nil {
			if err := c.experiments.RecordResult(ctx, in.Name, variant, "confidence", resp.Confidence); err != nil {
				c.log.Warn("Failed to record harness result", "name", in.Name, "error", err)
			}
		}
	}
	if answered := summary.Prompts - summary.Failures; answered > 0 {
		summary.MeanConfidence = confidenceSum / float64(answered)
	}
	return summary, nil
}

type harnessStatsParams struct {
	Name   string `json:"name"`
	Metric string `json:"metric,omitempty"`
}

// HarnessStats aggregates recorded evaluation results per variant.
func (c *Coordinator) HarnessStats(ctx context.Context, params map[string]any) (any, error) {
	if c.experiments == nil {
		return nil, services.NewValidationError("experiments", "experiment tracking is disabled")
	}
	var in harnessStatsParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, services.NewValidationError("name", "name is required")
	}
	metric := in.Metric
	if metric == "" {
		metric = "confidence"
	}
	variants, err := c.experiments.Compare(ctx, in.Name, metric)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": in.Name, "metric": metric, "variants": variants}, nil
}

type learningFeedbackParams struct {
	InteractionID string   `json:"interaction_id,omitempty"`
	Query         string   `json:"query,omitempty"`
	Rating        int      `json:"rating"`
	Note          string   `json:"note,omitempty"`
	Correction    string   `json:"correction,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// LearningFeedback stores explicit feedback and, when tied to a tracked
// interaction, folds it into the outcome signal.
func (c *Coordinator) LearningFeedback(ctx context.Context, params map[string]any) (any, error) {
	if c.feedback == nil {
		return nil, services.NewValidationError("feedback", "feedback persistence is disabled")
	}
	var in learningFeedbackParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if in.Rating < -1 || in.Rating > 1 {
		return nil, services.NewValidationError("rating", "rating must be -1, 0, or 1")
	}
	record, err := c.feedback.Create(ctx, models.FeedbackRecord{
		InteractionID: in.InteractionID,
		Query:         in.Query,
		Rating:        in.Rating,
		Note:          in.Note,
		Correction:    in.Correction,
		Tags:          in.Tags,
	})
	if err != nil {
		return nil, err
	}

	result := map[string]any{"feedback_id": record.FeedbackID}
	if in.InteractionID != "" && in.Rating != 0 {
		outcome := models.OutcomeSuccess
		if in.Rating < 0 {
			outcome = models.OutcomeFailure
		}
		score, err := c.tracker.UpdateOutcome(ctx, in.InteractionID, outcome, in.Rating)
		if err != nil {
			c.log.Warn("Failed to propagate feedback to interaction",
				"interaction_id", in.InteractionID, "error", err)
		} else {
			result["value_score"] = score
		}
	}
	return result, nil
}
