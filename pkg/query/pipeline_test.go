package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/semcache"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

type fakeLLM struct {
	answer string
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error) {
	return f.answer, llm.Usage{CompletionTokens: 10}, nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	points  map[string][]vector.ScoredPoint
	queries int
}

func (f *fakeVectors) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64) ([]vector.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.points[collection], nil
}

type fakeGaps struct {
	mu       sync.Mutex
	recorded []float64
}

func (f *fakeGaps) Record(ctx context.Context, query string, confidence float64, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, confidence)
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Query.ExpansionMode = ExpandNone
	cfg.Query.DefaultLimit = 5
	return cfg
}

func scored(id string, score float64, content string) vector.ScoredPoint {
	return vector.ScoredPoint{
		ID:      id,
		Score:   score,
		Payload: map[string]any{"content": content},
	}
}

func TestRunRoutesLocallyAboveThreshold(t *testing.T) {
	vecs := &fakeVectors{points: map[string][]vector.ScoredPoint{
		models.CollectionErrors: {scored("a", 0.95, "known fix for the flake error")},
	}}
	p := New(testConfig(), &fakeLLM{answer: "apply the fix"}, vecs, nil, nil, nil)

	resp, err := p.Run(context.Background(), models.QueryRequest{
		Query:       "flake error",
		Collections: []string{models.CollectionErrors},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RouteLocal, resp.Route)
	assert.Equal(t, "apply the fix", resp.Answer)
	assert.Equal(t, llm.ServiceLlamaCpp, resp.LLMUsed)
	assert.Greater(t, resp.Confidence, 0.85)
	assert.Equal(t, []string{"a"}, resp.ContextIDs)
}

func TestRunLowConfidenceRecordsGap(t *testing.T) {
	vecs := &fakeVectors{points: map[string][]vector.ScoredPoint{
		models.CollectionErrors: {scored("a", 0.3, "weak match")},
	}}
	gaps := &fakeGaps{}
	cfg := testConfig()
	cfg.Query.EscalationEnabled = false
	p := New(cfg, &fakeLLM{}, vecs, nil, nil, nil, WithGapRecorder(gaps))

	resp, err := p.Run(context.Background(), models.QueryRequest{
		Query:       "something obscure",
		Collections: []string{models.CollectionErrors},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RouteContextOnly, resp.Route)
	assert.Empty(t, resp.Answer)
	require.Len(t, gaps.recorded, 1)
	assert.InDelta(t, 0.3, gaps.recorded[0], 0.01)
}

func TestRunEscalatesWhenEnabled(t *testing.T) {
	vecs := &fakeVectors{points: map[string][]vector.ScoredPoint{}}
	cfg := testConfig()
	cfg.Query.EscalationEnabled = true
	p := New(cfg, &fakeLLM{}, vecs, nil, nil, nil)

	resp, err := p.Run(context.Background(), models.QueryRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, models.RouteEscalated, resp.Route)
}

func TestRunServesSecondCallFromCache(t *testing.T) {
	vecs := &fakeVectors{points: map[string][]vector.ScoredPoint{
		models.CollectionErrors: {scored("a", 0.95, "known fix")},
	}}
	cache := semcache.New(&config.CacheConfig{
		TTL: time.Hour, SimilarityThreshold: 0.95, MaxEntries: 10,
	}, nil)
	p := New(testConfig(), &fakeLLM{answer: "apply the fix"}, vecs, cache, nil, nil)

	req := models.QueryRequest{Query: "flake error", Collections: []string{models.CollectionErrors}}
	first, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	searchesAfterFirst := vecs.queries
	second, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, models.CacheHitExact, second.CacheKind)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, searchesAfterFirst, vecs.queries, "cache hit must skip search")
}

func TestRunValidation(t *testing.T) {
	p := New(testConfig(), &fakeLLM{}, &fakeVectors{}, nil, nil, nil)

	_, err := p.Run(context.Background(), models.QueryRequest{})
	assert.True(t, services.IsValidationError(err))

	_, err = p.Run(context.Background(), models.QueryRequest{Query: "x", Collections: []string{"nope"}})
	assert.True(t, services.IsValidationError(err))

	_, err = p.Run(context.Background(), models.QueryRequest{Query: "x", Format: "tiny"})
	assert.True(t, services.IsValidationError(err))

	_, err = p.Run(context.Background(), models.QueryRequest{Query: `password = "hunter2secret"`})
	assert.True(t, services.IsValidationError(err))
}

func TestHybridSearchMergesByIDKeepingMaxScore(t *testing.T) {
	vecs := &fakeVectors{points: map[string][]vector.ScoredPoint{
		models.CollectionErrors: {scored("dup", 0.6, "one")},
		models.CollectionSkills: {scored("dup", 0.9, "one"), scored("other", 0.5, "two")},
	}}
	p := New(testConfig(), &fakeLLM{}, vecs, nil, nil, nil)

	hits, err := p.HybridSearch(context.Background(), []string{"q"}, []float32{1, 0, 0, 0},
		[]string{models.CollectionErrors, models.CollectionSkills}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	byID := make(map[string]models.SearchHit)
	for _, h := range hits {
		byID[h.Item.ID] = h
	}
	assert.InDelta(t, 0.9, byID["dup"].Score, 1e-9)
	assert.Equal(t, models.CollectionSkills, byID["dup"].Collection)
}
