// Package mcp exposes the coordination plane as a Model Context Protocol
// server. Every tool dispatches through the shared tool registry so MCP,
// websocket, and HTTP callers share one audited execution path.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/learning"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/query"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tracker"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

const memoryCollection = models.CollectionInteractions

// QueryRunner is the slice of the query pipeline the coordinator needs.
type QueryRunner interface {
	Run(ctx context.Context, req models.QueryRequest) (*models.QueryResponse, error)
	Expand(ctx context.Context, q string) []string
	HybridSearch(ctx context.Context, variants []string, firstEmbedding []float32, collections []string, limit int) ([]models.SearchHit, error)
	Rerank(ctx context.Context, q string, hits []models.SearchHit) []models.SearchHit
}

// InteractionTracker records interactions and outcome updates.
type InteractionTracker interface {
	TrackInteraction(ctx context.Context, in tracker.TrackInput) (string, error)
	UpdateOutcome(ctx context.Context, id, outcome string, feedback int) (float64, error)
}

// Learner is the slice of the learning pipeline the coordinator needs.
type Learner interface {
	Process(ctx context.Context) (int, error)
	Export() (learning.ExportResult, error)
	Stats() learning.PipelineStats
}

// Embedder produces embeddings for memory and context search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the slice of the vector client the coordinator needs.
type VectorStore interface {
	Search(ctx context.Context, collection string, vec []float32, limit int, scoreThreshold float64) ([]vector.ScoredPoint, error)
	Upsert(ctx context.Context, collection string, points []vector.Point) error
}

// MemoryStore persists exact-key agent memory.
type MemoryStore interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Experiments records and aggregates harness evaluation results.
type Experiments interface {
	RecordResult(ctx context.Context, experiment, variant, metric string, value float64) error
	Compare(ctx context.Context, experiment, metric string) ([]services.VariantStats, error)
}

// FeedbackSink persists explicit feedback records.
type FeedbackSink interface {
	Create(ctx context.Context, record models.FeedbackRecord) (models.FeedbackRecord, error)
}

// Coordinator implements the tool surface behind the MCP server.
type Coordinator struct {
	pipeline    QueryRunner
	tracker     InteractionTracker
	learner     Learner
	embedder    Embedder
	vectors     VectorStore
	memory      MemoryStore
	experiments Experiments
	feedback    FeedbackSink
	log         *slog.Logger
}

// CoordinatorDeps collects the coordinator's collaborators. learner,
// experiments, and feedback may be nil; the matching tools then report a
// structured error instead of panicking.
type CoordinatorDeps struct {
	Pipeline    QueryRunner
	Tracker     InteractionTracker
	Learner     Learner
	Embedder    Embedder
	Vectors     VectorStore
	Memory      MemoryStore
	Experiments Experiments
	Feedback    FeedbackSink
}

// NewCoordinator builds the tool surface.
func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	return &Coordinator{
		pipeline:    deps.Pipeline,
		tracker:     deps.Tracker,
		learner:     deps.Learner,
		embedder:    deps.Embedder,
		vectors:     deps.Vectors,
		memory:      deps.Memory,
		experiments: deps.Experiments,
		feedback:    deps.Feedback,
		log:         slog.With("component", "mcp"),
	}
}

// decode round-trips loosely typed tool params into a typed struct.
func decode(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return services.NewValidationError("params", "parameters are not serializable")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return services.NewValidationError("params", fmt.Sprintf("invalid parameters: %v", err))
	}
	return nil
}

// --- augment_query -----------------------------------------------------------

type augmentQueryParams struct {
	Query       string   `json:"query"`
	Collections []string `json:"collections,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Format      string   `json:"format,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

type augmentQueryResult struct {
	AugmentedPrompt     string   `json:"augmented_prompt"`
	ContextIDs          []string `json:"context_ids"`
	TokenCount          int      `json:"token_count"`
	CollectionsSearched []string `json:"collections_searched"`
}

// AugmentQuery retrieves and assembles context around a prompt without
// generating an answer.
func (c *Coordinator) AugmentQuery(ctx context.Context, params map[string]any) (any, error) {
	var in augmentQueryParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, services.NewValidationError("query", "query is required")
	}
	collections := in.Collections
	if len(collections) == 0 {
		collections = models.AllCollections
	}
	for _, col := range collections {
		if !models.ValidCollection(col) {
			return nil, services.NewValidationError("collections", fmt.Sprintf("unknown collection %q", col))
		}
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	format := in.Format
	if format == "" {
		format = models.FormatFull
	}
	if !models.ValidFormat(format) {
		return nil, services.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
	}

	embedding, err := c.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	variants := c.pipeline.Expand(ctx, in.Query)
	hits, err := c.pipeline.HybridSearch(ctx, variants, embedding, collections, limit)
	if err != nil {
		return nil, err
	}
	hits = c.pipeline.Rerank(ctx, in.Query, hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	contextText, ids, tokens := query.Assemble(hits, format, in.MaxTokens)
	prompt := in.Query
	if contextText != "" {
		prompt = "Context:\n" + contextText + "\n\nQuestion: " + in.Query
		tokens = query.TokenEstimate(prompt)
	}
	return augmentQueryResult{
		AugmentedPrompt:     prompt,
		ContextIDs:          ids,
		TokenCount:          tokens,
		CollectionsSearched: collections,
	}, nil
}

// --- track_interaction / update_outcome -------------------------------------

type trackInteractionParams struct {
	Query       string               `json:"query"`
	Response    string               `json:"response"`
	AgentType   string               `json:"agent_type,omitempty"`
	Model       string               `json:"model,omitempty"`
	ContextRefs []tracker.ContextRef `json:"context_refs,omitempty"`
	TokensUsed  int                  `json:"tokens_used,omitempty"`
	LatencyMs   int64                `json:"latency_ms,omitempty"`
}

// TrackInteraction stores an agent interaction for outcome tracking.
func (c *Coordinator) TrackInteraction(ctx context.Context, params map[string]any) (any, error) {
	var in trackInteractionParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	id, err := c.tracker.TrackInteraction(ctx, tracker.TrackInput{
		Query:       in.Query,
		Response:    in.Response,
		AgentType:   in.AgentType,
		Model:       in.Model,
		ContextRefs: in.ContextRefs,
		TokensUsed:  in.TokensUsed,
		LatencyMs:   in.LatencyMs,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"interaction_id": id}, nil
}

type updateOutcomeParams struct {
	InteractionID string `json:"interaction_id"`
	Outcome       string `json:"outcome"`
	Feedback      int    `json:"feedback,omitempty"`
}

// UpdateOutcome marks a tracked interaction with its observed outcome.
func (c *Coordinator) UpdateOutcome(ctx context.Context, params map[string]any) (any, error) {
	var in updateOutcomeParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	score, err := c.tracker.UpdateOutcome(ctx, in.InteractionID, in.Outcome, in.Feedback)
	if err != nil {
		return nil, err
	}
	return map[string]any{"interaction_id": in.InteractionID, "value_score": score}, nil
}

// --- search tools ------------------------------------------------------------

type searchContextParams struct {
	Query      string  `json:"query"`
	Collection string  `json:"collection"`
	Limit      int     `json:"limit,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
}

// SearchContext runs a single-collection vector search.
func (c *Coordinator) SearchContext(ctx context.Context, params map[string]any) (any, error) {
	var in searchContextParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, services.NewValidationError("query", "query is required")
	}
	if !models.ValidCollection(in.Collection) {
		return nil, services.NewValidationError("collection", fmt.Sprintf("unknown collection %q", in.Collection))
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	embedding, err := c.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	points, err := c.vectors.Search(ctx, in.Collection, embedding, limit, in.Threshold)
	if err != nil {
		return nil, err
	}
	hits := make([]models.SearchHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, vector.HitFromPoint(p, in.Collection))
	}
	return map[string]any{"hits": hits}, nil
}

type hybridSearchParams struct {
	Query       string   `json:"query"`
	Collections []string `json:"collections,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// HybridSearch fans a query out across collections with expansion and rerank.
func (c *Coordinator) HybridSearch(ctx context.Context, params map[string]any) (any, error) {
	var in hybridSearchParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, services.NewValidationError("query", "query is required")
	}
	collections := in.Collections
	if len(collections) == 0 {
		collections = models.AllCollections
	}
	for _, col := range collections {
		if !models.ValidCollection(col) {
			return nil, services.NewValidationError("collections", fmt.Sprintf("unknown collection %q", col))
		}
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	embedding, err := c.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	variants := c.pipeline.Expand(ctx, in.Query)
	hits, err := c.pipeline.HybridSearch(ctx, variants, embedding, collections, limit)
	if err != nil {
		return nil, err
	}
	hits = c.pipeline.Rerank(ctx, in.Query, hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return map[string]any{"hits": hits, "collections_searched": collections}, nil
}

type routeSearchParams struct {
	Query       string   `json:"query"`
	Collections []string `json:"collections,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Format      string   `json:"format,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	PreferLocal bool     `json:"prefer_local,omitempty"`
}

// RouteSearch runs the full confidence-routed query pipeline.
func (c *Coordinator) RouteSearch(ctx context.Context, params map[string]any) (any, error) {
	var in routeSearchParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	return c.pipeline.Run(ctx, models.QueryRequest{
		Query:       in.Query,
		Collections: in.Collections,
		Limit:       in.Limit,
		Format:      in.Format,
		MaxTokens:   in.MaxTokens,
		PreferLocal: in.PreferLocal,
	})
}

// --- training data -----------------------------------------------------------

type trainingDataParams struct {
	ProcessFirst bool `json:"process_first,omitempty"`
}

// GenerateTrainingData optionally drains pending telemetry, then reports the
// fine-tuning dataset.
func (c *Coordinator) GenerateTrainingData(ctx context.Context, params map[string]any) (any, error) {
	if c.learner == nil {
		return nil, services.NewValidationError("learning", "learning pipeline is disabled")
	}
	var in trainingDataParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if in.ProcessFirst {
		if _, err := c.learner.Process(ctx); err != nil {
			return nil, err
		}
	}
	res, err := c.learner.Export()
	if err != nil {
		return nil, err
	}
	return map[string]any{"dataset": res, "stats": c.learner.Stats()}, nil
}
