// Package tracker records query/response interactions, scores their value
// once an outcome is known, and feeds high-value interactions back into the
// skills-patterns collection.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/masking"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/telemetry"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// PatternThreshold is the value score at which an interaction is worth
// extracting a reusable pattern from.
const PatternThreshold = 0.7

// emaAlpha weights new observations in the success-rate moving average.
const emaAlpha = 0.1

// LLM is the slice of the inference client the tracker needs.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the slice of the vector client the tracker needs.
type VectorStore interface {
	Search(ctx context.Context, collection string, vec []float32, limit int, scoreThreshold float64) ([]vector.ScoredPoint, error)
	Upsert(ctx context.Context, collection string, points []vector.Point) error
	Retrieve(ctx context.Context, collection string, ids []string) ([]vector.Point, error)
}

// ContextRef names one context item that fed an interaction.
type ContextRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// TrackInput is the record of one completed query/response exchange.
type TrackInput struct {
	Query       string       `json:"query"`
	Response    string       `json:"response"`
	AgentType   string       `json:"agent_type"`
	Model       string       `json:"model"`
	ContextRefs []ContextRef `json:"context_refs"`
	TokensUsed  int          `json:"tokens_used"`
	LatencyMs   int64        `json:"latency_ms"`
}

type outcomeKey struct {
	outcome  string
	feedback int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	llm       LLM
	vectors   VectorStore
	telemetry *telemetry.Writer
	metrics   *metrics.Metrics
	screener  *masking.Screener
	log       *slog.Logger

	mu           sync.Mutex
	interactions map[string]*models.Interaction
	contextRefs  map[string][]ContextRef
	lastOutcome  map[string]outcomeKey
}

// New creates a tracker. telemetry and metrics may be nil.
func New(llmClient LLM, vectors VectorStore, tw *telemetry.Writer, m *metrics.Metrics) *Tracker {
	return &Tracker{
		llm:          llmClient,
		vectors:      vectors,
		telemetry:    tw,
		metrics:      m,
		screener:     masking.NewScreener(),
		log:          slog.With("component", "tracker"),
		interactions: make(map[string]*models.Interaction),
		contextRefs:  make(map[string][]ContextRef),
		lastOutcome:  make(map[string]outcomeKey),
	}
}

// TrackInteraction embeds the query, stores the interaction in the
// interaction-history collection, and emits a telemetry event. Returns the
// new interaction id.
func (t *Tracker) TrackInteraction(ctx context.Context, in TrackInput) (string, error) {
	if in.Query == "" {
		return "", services.NewValidationError("query", "query is required")
	}
	if t.screener.ContainsSecret(in.Query) || t.screener.ContainsSecret(in.Response) {
		return "", services.NewValidationError("query", "content contains secret material")
	}

	embedding, err := t.llm.Embed(ctx, in.Query)
	if err != nil {
		return "", fmt.Errorf("failed to embed interaction query: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	interaction := &models.Interaction{
		ID:         id,
		Query:      in.Query,
		Response:   in.Response,
		AgentType:  in.AgentType,
		Model:      in.Model,
		ContextIDs: refIDs(in.ContextRefs),
		Outcome:    models.OutcomeUnknown,
		TokensUsed: in.TokensUsed,
		LatencyMs:  in.LatencyMs,
		CreatedAt:  now,
	}

	point := vector.Point{
		ID:     id,
		Vector: embedding,
		Payload: map[string]any{
			"content":     in.Query,
			"response":    in.Response,
			"agent_type":  in.AgentType,
			"model":       in.Model,
			"context_ids": interaction.ContextIDs,
			"outcome":     models.OutcomeUnknown,
			"created_at":  now.Format(time.RFC3339),
		},
	}
	if err := t.vectors.Upsert(ctx, models.CollectionInteractions, []vector.Point{point}); err != nil {
		return "", fmt.Errorf("failed to store interaction: %w", err)
	}

	t.mu.Lock()
	t.interactions[id] = interaction
	t.contextRefs[id] = in.ContextRefs
	t.mu.Unlock()

	if t.telemetry != nil {
		t.telemetry.Emit(models.TelemetryEvent{
			EventType: models.EventInteraction,
			TaskID:    id,
			Prompt:    t.screener.Redact(in.Query),
			Data: map[string]any{
				"agent_type":  in.AgentType,
				"model":       in.Model,
				"tokens_used": in.TokensUsed,
				"latency_ms":  in.LatencyMs,
			},
		})
	}
	return id, nil
}

// UpdateOutcome records how an interaction ended. Repeating the same
// (outcome, feedback) pair is a no-op. Every accepted update folds the
// outcome into the success-rate EMA of the context items that fed the
// interaction; pattern extraction additionally requires a value score at
// or above the pattern threshold.
func (t *Tracker) UpdateOutcome(ctx context.Context, id, outcome string, feedback int) (float64, error) {
	if !models.ValidOutcome(outcome) {
		return 0, services.NewValidationError("outcome", "must be success, partial, failure, or unknown")
	}
	if feedback < -1 || feedback > 1 {
		return 0, services.NewValidationError("feedback", "must be -1, 0, or 1")
	}

	t.mu.Lock()
	interaction, ok := t.interactions[id]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("interaction %q: %w", id, services.ErrNotFound)
	}
	key := outcomeKey{outcome: outcome, feedback: feedback}
	if t.lastOutcome[id] == key && interaction.Outcome != models.OutcomeUnknown {
		score := interaction.ValueScore
		t.mu.Unlock()
		return score, nil
	}
	interaction.Outcome = outcome
	interaction.UserFeedback = feedback
	interaction.ValueScore = ValueScore(outcome, feedback, interaction.Query, interaction.Response)
	t.lastOutcome[id] = key
	snapshot := *interaction
	refs := t.contextRefs[id]
	t.mu.Unlock()

	if snapshot.ValueScore >= PatternThreshold {
		if err := t.extractPattern(ctx, snapshot); err != nil {
			t.log.Warn("Pattern extraction failed", "interaction_id", id, "error", err)
		}
	}
	t.updateContextItems(ctx, refs, outcome)
	return snapshot.ValueScore, nil
}

// Get returns a copy of a tracked interaction.
func (t *Tracker) Get(id string) (models.Interaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	interaction, ok := t.interactions[id]
	if !ok {
		return models.Interaction{}, fmt.Errorf("interaction %q: %w", id, services.ErrNotFound)
	}
	return *interaction, nil
}

// updateContextItems applies the moving-average success-rate update to each
// context item that contributed retrieval results. Failures are logged per
// item; one bad item never blocks the rest.
func (t *Tracker) updateContextItems(ctx context.Context, refs []ContextRef, outcome string) {
	signal := outcomeSignal(outcome)
	byCollection := make(map[string][]string)
	for _, ref := range refs {
		if !models.ValidCollection(ref.Collection) {
			continue
		}
		byCollection[ref.Collection] = append(byCollection[ref.Collection], ref.ID)
	}

	for collection, ids := range byCollection {
		points, err := t.vectors.Retrieve(ctx, collection, ids)
		if err != nil {
			t.log.Warn("Failed to load context items for outcome update",
				"collection", collection, "error", err)
			continue
		}
		for i := range points {
			p := &points[i]
			if p.Payload == nil {
				p.Payload = make(map[string]any)
			}
			rate, _ := p.Payload["success_rate"].(float64)
			p.Payload["success_rate"] = (1-emaAlpha)*rate + emaAlpha*signal
			access, _ := p.Payload["access_count"].(float64)
			p.Payload["access_count"] = access + 1
			p.Payload["last_updated"] = time.Now().UTC().Format(time.RFC3339)
		}
		if len(points) == 0 {
			continue
		}
		if err := t.vectors.Upsert(ctx, collection, points); err != nil {
			t.log.Warn("Failed to write context item outcome update",
				"collection", collection, "error", err)
		}
	}
}

func outcomeSignal(outcome string) float64 {
	switch outcome {
	case models.OutcomeSuccess:
		return 1
	default:
		return 0
	}
}

func refIDs(refs []ContextRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}
