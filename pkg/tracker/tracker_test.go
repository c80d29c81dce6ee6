package tracker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

type fakeLLM struct {
	chatReply string
	chatCalls int
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error) {
	f.chatCalls++
	return f.chatReply, llm.Usage{}, nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

type fakeVectors struct {
	mu          sync.Mutex
	points      map[string]map[string]vector.Point // collection -> id -> point
	searchHits  []vector.ScoredPoint
	upsertCalls int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{points: make(map[string]map[string]vector.Point)}
}

func (f *fakeVectors) Search(ctx context.Context, collection string, vec []float32, limit int, threshold float64) ([]vector.ScoredPoint, error) {
	return f.searchHits, nil
}

func (f *fakeVectors) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.points[collection] == nil {
		f.points[collection] = make(map[string]vector.Point)
	}
	for _, p := range points {
		f.points[collection][p.ID] = p
	}
	return nil
}

func (f *fakeVectors) Retrieve(ctx context.Context, collection string, ids []string) ([]vector.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vector.Point
	for _, id := range ids {
		if p, ok := f.points[collection][id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

const patternJSON = `{"problem_type":"flake-eval","solution_approach":"pin inputs","skills_used":["nix"],"generalizable_pattern":"Pin flake inputs before debugging evaluation errors"}`

func TestTrackInteractionStoresAndReturnsID(t *testing.T) {
	vecs := newFakeVectors()
	tr := New(&fakeLLM{}, vecs, nil, nil)

	id, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query:    "how to pin flake inputs",
		Response: "use nix flake lock --update-input",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, ok := vecs.points[models.CollectionInteractions][id]
	require.True(t, ok)
	assert.Equal(t, "how to pin flake inputs", stored.Payload["content"])
	assert.Equal(t, models.OutcomeUnknown, stored.Payload["outcome"])
}

func TestTrackInteractionRejectsSecrets(t *testing.T) {
	tr := New(&fakeLLM{}, newFakeVectors(), nil, nil)
	_, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query: `api_key = "sk-1234567890abcdef1234"`,
	})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestUpdateOutcomeUnknownID(t *testing.T) {
	tr := New(&fakeLLM{}, newFakeVectors(), nil, nil)
	_, err := tr.UpdateOutcome(context.Background(), "missing", models.OutcomeSuccess, 1)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestUpdateOutcomeValidation(t *testing.T) {
	tr := New(&fakeLLM{}, newFakeVectors(), nil, nil)
	_, err := tr.UpdateOutcome(context.Background(), "x", "great", 0)
	assert.True(t, services.IsValidationError(err))
	_, err = tr.UpdateOutcome(context.Background(), "x", models.OutcomeSuccess, 2)
	assert.True(t, services.IsValidationError(err))
}

func TestUpdateOutcomeIdempotent(t *testing.T) {
	fl := &fakeLLM{chatReply: patternJSON}
	vecs := newFakeVectors()
	tr := New(fl, vecs, nil, nil)

	id, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query:    "how to configure a pattern example template workflow",
		Response: "```nix\n{ }\n```\n1. do this\n2. then that",
	})
	require.NoError(t, err)

	first, err := tr.UpdateOutcome(context.Background(), id, models.OutcomeSuccess, 1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, first, PatternThreshold)
	callsAfterFirst := fl.chatCalls
	require.Equal(t, 1, callsAfterFirst, "high value outcome should extract a pattern once")

	second, err := tr.UpdateOutcome(context.Background(), id, models.OutcomeSuccess, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, fl.chatCalls, "repeat update must not re-extract")
}

func TestUpdateOutcomeAppliesEMAToContextItems(t *testing.T) {
	fl := &fakeLLM{chatReply: patternJSON}
	vecs := newFakeVectors()
	require.NoError(t, vecs.Upsert(context.Background(), models.CollectionErrors, []vector.Point{{
		ID:      "ctx-1",
		Vector:  []float32{1, 0, 0, 0},
		Payload: map[string]any{"success_rate": 0.5, "access_count": float64(3)},
	}}))

	tr := New(fl, vecs, nil, nil)
	id, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query:       "how to configure a pattern example template workflow",
		Response:    "```nix\n{ }\n```\n- step one\n- step two",
		ContextRefs: []ContextRef{{Collection: models.CollectionErrors, ID: "ctx-1"}},
	})
	require.NoError(t, err)

	_, err = tr.UpdateOutcome(context.Background(), id, models.OutcomeSuccess, 1)
	require.NoError(t, err)

	updated := vecs.points[models.CollectionErrors]["ctx-1"]
	assert.InDelta(t, 0.9*0.5+0.1*1.0, updated.Payload["success_rate"].(float64), 1e-9)
	assert.Equal(t, float64(4), updated.Payload["access_count"])
}

func TestUpdateOutcomeFailureDecaysSuccessRate(t *testing.T) {
	fl := &fakeLLM{chatReply: patternJSON}
	vecs := newFakeVectors()
	require.NoError(t, vecs.Upsert(context.Background(), models.CollectionErrors, []vector.Point{{
		ID:      "ctx-1",
		Vector:  []float32{1, 0, 0, 0},
		Payload: map[string]any{"success_rate": 0.5, "access_count": float64(3)},
	}}))

	tr := New(fl, vecs, nil, nil)
	id, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query:       "quick question",
		Response:    "short answer",
		ContextRefs: []ContextRef{{Collection: models.CollectionErrors, ID: "ctx-1"}},
	})
	require.NoError(t, err)

	_, err = tr.UpdateOutcome(context.Background(), id, models.OutcomeFailure, -1)
	require.NoError(t, err)

	updated := vecs.points[models.CollectionErrors]["ctx-1"]
	assert.InDelta(t, 0.9*0.5, updated.Payload["success_rate"].(float64), 1e-9)
	assert.Equal(t, float64(4), updated.Payload["access_count"])
	assert.Zero(t, fl.chatCalls, "low value outcome must still update context items without extraction")
}

func TestUpdateOutcomePartialContributesZeroSignal(t *testing.T) {
	vecs := newFakeVectors()
	require.NoError(t, vecs.Upsert(context.Background(), models.CollectionErrors, []vector.Point{{
		ID:      "ctx-1",
		Vector:  []float32{1, 0, 0, 0},
		Payload: map[string]any{"success_rate": 0.5},
	}}))

	tr := New(&fakeLLM{}, vecs, nil, nil)
	id, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query:       "quick question",
		Response:    "short answer",
		ContextRefs: []ContextRef{{Collection: models.CollectionErrors, ID: "ctx-1"}},
	})
	require.NoError(t, err)

	_, err = tr.UpdateOutcome(context.Background(), id, models.OutcomePartial, 0)
	require.NoError(t, err)

	updated := vecs.points[models.CollectionErrors]["ctx-1"]
	assert.InDelta(t, 0.9*0.5, updated.Payload["success_rate"].(float64), 1e-9)
}

func TestLowValueOutcomeSkipsExtraction(t *testing.T) {
	fl := &fakeLLM{chatReply: patternJSON}
	tr := New(fl, newFakeVectors(), nil, nil)

	id, err := tr.TrackInteraction(context.Background(), TrackInput{
		Query:    "quick question",
		Response: "short answer",
	})
	require.NoError(t, err)

	score, err := tr.UpdateOutcome(context.Background(), id, models.OutcomeFailure, -1)
	require.NoError(t, err)
	assert.Less(t, score, PatternThreshold)
	assert.Zero(t, fl.chatCalls)
}
