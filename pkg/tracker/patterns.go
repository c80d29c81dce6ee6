package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// mergeSimilarity is the cosine score above which an extracted pattern is
// folded into an existing one instead of inserted.
const mergeSimilarity = 0.9

// maxSuccessExamples caps the examples carried on a merged pattern.
const maxSuccessExamples = 5

const extractionSystemPrompt = `You distill reusable engineering patterns from solved problems.
Respond with a single JSON object and nothing else:
{"problem_type": "...", "solution_approach": "...", "skills_used": ["..."], "generalizable_pattern": "..."}`

// extractPattern asks the local LLM to generalize a high-value interaction
// and merges or inserts the result in the skills-patterns collection.
func (t *Tracker) extractPattern(ctx context.Context, interaction models.Interaction) error {
	userPrompt := fmt.Sprintf("Problem:\n%s\n\nSolution:\n%s", interaction.Query, interaction.Response)
	raw, _, err := t.llm.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return fmt.Errorf("failed to prompt for pattern extraction: %w", err)
	}

	pattern, err := parsePattern(raw)
	if err != nil {
		return err
	}
	pattern.ValueScore = interaction.ValueScore
	pattern.SuccessExamples = []string{interaction.Query}
	pattern.LastUpdated = time.Now().UTC()

	embedding, err := t.llm.Embed(ctx, pattern.GeneralizablePattern)
	if err != nil {
		return fmt.Errorf("failed to embed pattern: %w", err)
	}

	existing, err := t.vectors.Search(ctx, models.CollectionSkills, embedding, 1, mergeSimilarity)
	if err != nil {
		return fmt.Errorf("failed to search for similar patterns: %w", err)
	}

	var point vector.Point
	if len(existing) > 0 && existing[0].Score >= mergeSimilarity {
		point = mergePattern(existing[0], pattern, embedding)
		t.log.Debug("Merged pattern into existing entry", "pattern_id", point.ID)
	} else {
		point = vector.Point{
			ID:      uuid.NewString(),
			Vector:  embedding,
			Payload: patternPayload(pattern),
		}
	}

	if err := t.vectors.Upsert(ctx, models.CollectionSkills, []vector.Point{point}); err != nil {
		return fmt.Errorf("failed to store pattern: %w", err)
	}
	if t.metrics != nil {
		t.metrics.PatternsExtracted.Inc()
	}
	return nil
}

// parsePattern decodes the LLM's strict-JSON reply, tolerating markdown code
// fences around the object.
func parsePattern(raw string) (models.Pattern, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var p models.Pattern
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return p, fmt.Errorf("failed to parse pattern JSON: %w", err)
	}
	if p.ProblemType == "" || p.SolutionApproach == "" {
		return p, fmt.Errorf("pattern JSON missing problem_type or solution_approach")
	}
	return p, nil
}

// mergePattern folds a fresh extraction into an existing stored pattern:
// moving-average value score, appended example, refreshed timestamp.
func mergePattern(existing vector.ScoredPoint, fresh models.Pattern, embedding []float32) vector.Point {
	payload := existing.Payload
	if payload == nil {
		payload = make(map[string]any)
	}

	oldScore, _ := payload["value_score"].(float64)
	payload["value_score"] = (1-emaAlpha)*oldScore + emaAlpha*fresh.ValueScore
	payload["last_updated"] = fresh.LastUpdated.Format(time.RFC3339)

	examples := stringSlice(payload["success_examples"])
	examples = append(examples, fresh.SuccessExamples...)
	if len(examples) > maxSuccessExamples {
		examples = examples[len(examples)-maxSuccessExamples:]
	}
	payload["success_examples"] = examples

	vec := existing.Vector
	if len(vec) == 0 {
		vec = embedding
	}
	return vector.Point{ID: existing.ID, Vector: vec, Payload: payload}
}

func patternPayload(p models.Pattern) map[string]any {
	return map[string]any{
		"content":               p.GeneralizablePattern,
		"problem_type":          p.ProblemType,
		"solution_approach":     p.SolutionApproach,
		"skills_used":           p.SkillsUsed,
		"generalizable_pattern": p.GeneralizablePattern,
		"success_examples":      p.SuccessExamples,
		"value_score":           p.ValueScore,
		"last_updated":          p.LastUpdated.Format(time.RFC3339),
	}
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
