package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/masking"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/semcache"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/telemetry"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// LLM is the slice of the inference client the pipeline needs.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the vector client the pipeline needs.
type VectorStore interface {
	Search(ctx context.Context, collection string, vec []float32, limit int, scoreThreshold float64) ([]vector.ScoredPoint, error)
}

// GapRecorder persists low-confidence queries for the learning loop to mine.
type GapRecorder interface {
	Record(ctx context.Context, query string, confidence float64, collection string) error
}

// Pipeline runs queries end to end. Safe for concurrent use.
type Pipeline struct {
	cfg          *config.Config
	llm          LLM
	vectors      VectorStore
	cache        *semcache.Cache
	gaps         GapRecorder
	crossEncoder CrossEncoder
	telemetry    *telemetry.Writer
	metrics      *metrics.Metrics
	screener     *masking.Screener
	log          *slog.Logger
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithCrossEncoder wires an optional cross-encoder reranker.
func WithCrossEncoder(ce CrossEncoder) Option {
	return func(p *Pipeline) { p.crossEncoder = ce }
}

// WithGapRecorder wires query-gap persistence.
func WithGapRecorder(g GapRecorder) Option {
	return func(p *Pipeline) { p.gaps = g }
}

// New creates a pipeline. cache, telemetry, and metrics may be nil.
func New(cfg *config.Config, llmClient LLM, vectors VectorStore, cache *semcache.Cache, tw *telemetry.Writer, m *metrics.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		llm:       llmClient,
		vectors:   vectors,
		cache:     cache,
		telemetry: tw,
		metrics:   m,
		screener:  masking.NewScreener(),
		log:       slog.With("component", "query"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the full pipeline for one query request.
func (p *Pipeline) Run(ctx context.Context, req models.QueryRequest) (*models.QueryResponse, error) {
	if req.Query == "" {
		return nil, services.NewValidationError("query", "query is required")
	}
	if p.screener.ContainsSecret(req.Query) {
		return nil, services.NewValidationError("query", "query contains secret material")
	}

	collections := req.Collections
	if len(collections) == 0 {
		collections = models.AllCollections
	}
	for _, c := range collections {
		if !models.ValidCollection(c) {
			return nil, services.NewValidationError("collections", fmt.Sprintf("unknown collection %q", c))
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = p.cfg.Query.DefaultLimit
	}
	format := req.Format
	if format == "" {
		format = models.FormatFull
	}
	if !models.ValidFormat(format) {
		return nil, services.NewValidationError("format", "must be concise, full, or verbose")
	}

	embedding, err := p.llm.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if p.cache != nil {
		if hit := p.cache.Get(req.Query, embedding); hit != nil {
			return &models.QueryResponse{
				Answer:              hit.Entry.Response,
				Route:               models.RouteLocal,
				Confidence:          hit.Similarity,
				TokensSaved:         hit.Entry.TokensSaved,
				LLMUsed:             hit.Entry.LLMUsed,
				CollectionsSearched: collections,
				Cached:              true,
				CacheKind:           hit.Kind,
			}, nil
		}
	}

	variants := p.Expand(ctx, req.Query)
	hits, err := p.HybridSearch(ctx, variants, embedding, collections, limit)
	if err != nil {
		return nil, err
	}
	hits = p.Rerank(ctx, req.Query, hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	contextText, contextIDs, tokenCount := Assemble(hits, format, req.MaxTokens)

	var confidence float64
	if len(hits) > 0 {
		confidence = hits[0].Score
	}

	resp := &models.QueryResponse{
		Context:             contextText,
		ContextIDs:          contextIDs,
		Confidence:          confidence,
		CollectionsSearched: collections,
	}

	if confidence > p.cfg.Query.ConfidenceThreshold {
		answer, usage, err := p.answerLocally(ctx, req.Query, contextText)
		if err != nil {
			return nil, err
		}
		resp.Answer = answer
		resp.Route = models.RouteLocal
		resp.LLMUsed = llm.ServiceLlamaCpp
		resp.TokensSaved = tokenCount + usage.CompletionTokens
		if p.cache != nil {
			p.cache.Set(req.Query, embedding, answer, resp.LLMUsed, resp.TokensSaved)
		}
	} else {
		if p.cfg.Query.EscalationEnabled {
			resp.Route = models.RouteEscalated
		} else {
			resp.Route = models.RouteContextOnly
		}
		p.recordGap(ctx, req.Query, confidence, collections)
	}

	p.report(resp, req.Query)
	return resp, nil
}

// HybridSearch embeds every query variant, fans the searches out across the
// selected collections, and merges results by id keeping the best score.
func (p *Pipeline) HybridSearch(ctx context.Context, variants []string, firstEmbedding []float32, collections []string, limit int) ([]models.SearchHit, error) {
	start := time.Now()

	embeddings := [][]float32{firstEmbedding}
	if len(variants) > 1 {
		rest, err := p.llm.EmbedBatch(ctx, variants[1:])
		if err != nil {
			p.log.Warn("Failed to embed expansions, searching with original only", "error", err)
		} else {
			embeddings = append(embeddings, rest...)
		}
	}

	var mu sync.Mutex
	best := make(map[string]models.SearchHit)

	g, gctx := errgroup.WithContext(ctx)
	for _, collection := range collections {
		for _, emb := range embeddings {
			g.Go(func() error {
				points, err := p.vectors.Search(gctx, collection, emb, limit, p.cfg.Query.ScoreThreshold)
				if err != nil {
					return fmt.Errorf("failed to search %s: %w", collection, err)
				}
				mu.Lock()
				for _, pt := range points {
					hit := vector.HitFromPoint(pt, collection)
					if prev, ok := best[pt.ID]; !ok || hit.Score > prev.Score {
						best[pt.ID] = hit
					}
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := make([]models.SearchHit, 0, len(best))
	for _, hit := range best {
		hits = append(hits, hit)
	}
	if p.metrics != nil {
		p.metrics.SearchLatency.Observe(time.Since(start).Seconds())
	}
	return hits, nil
}

func (p *Pipeline) answerLocally(ctx context.Context, query, contextText string) (string, llm.Usage, error) {
	system := "Answer using the provided context. Say so when the context does not cover the question."
	user := query
	if contextText != "" {
		user = "Context:\n" + contextText + "\n\nQuestion: " + query
	}
	answer, usage, err := p.llm.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", usage, fmt.Errorf("failed to answer query locally: %w", err)
	}
	return answer, usage, nil
}

func (p *Pipeline) recordGap(ctx context.Context, query string, confidence float64, collections []string) {
	if p.gaps == nil {
		return
	}
	collection := ""
	if len(collections) > 0 {
		collection = collections[0]
	}
	if err := p.gaps.Record(ctx, query, confidence, collection); err != nil {
		p.log.Warn("Failed to record query gap", "error", err)
	}
}

func (p *Pipeline) report(resp *models.QueryResponse, query string) {
	if p.metrics != nil {
		p.metrics.QueriesRouted.WithLabelValues(resp.Route).Inc()
	}
	if p.telemetry != nil {
		p.telemetry.Emit(models.TelemetryEvent{
			EventType: models.EventQueryRouted,
			Prompt:    p.screener.Redact(query),
			Data: map[string]any{
				"route":        resp.Route,
				"confidence":   resp.Confidence,
				"tokens_saved": resp.TokensSaved,
				"collections":  resp.CollectionsSearched,
			},
		})
	}
}
