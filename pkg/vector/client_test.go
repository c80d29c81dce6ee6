package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
)

func testVectorClient(t *testing.T, server *httptest.Server, dim int) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Endpoints.QdrantURL = server.URL
	cfg.Vector.Dimension = dim
	cfg.Resilience.Retry.MaxAttempts = 1
	cfg.Resilience.Retry.BaseDelay = time.Millisecond
	return NewClient(cfg, resilience.NewRegistry())
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the store")
	}))
	defer server.Close()

	c := testVectorClient(t, server, 4)
	_, err := c.Search(context.Background(), models.CollectionErrors, []float32{0.1, 0.2}, 5, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestSearchDecodesScoredPoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/error-solutions/points/search", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 5, body["limit"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"id": "a", "score": 0.92, "payload": map[string]any{"content": "use services.gnome.gnome-keyring", "success_rate": 0.85}},
				{"id": "b", "score": 0.71, "payload": map[string]any{"content": "restart the daemon"}},
			},
		})
	}))
	defer server.Close()

	c := testVectorClient(t, server, 2)
	points, err := c.Search(context.Background(), models.CollectionErrors, []float32{0.5, 0.5}, 5, 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "a", points[0].ID)
	assert.InDelta(t, 0.92, points[0].Score, 1e-9)

	hit := HitFromPoint(points[0], models.CollectionErrors)
	assert.Equal(t, "use services.gnome.gnome-keyring", hit.Item.Content)
	assert.InDelta(t, 0.85, hit.Item.SuccessRate, 1e-9)
	assert.Equal(t, models.CollectionErrors, hit.Collection)
}

func TestEnsureCollectionsCreatesOnlyMissing(t *testing.T) {
	created := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"collections": []map[string]string{{"name": models.CollectionSkills}},
				},
			})
		case r.Method == http.MethodPut:
			created[r.URL.Path] = true
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			vectors := body["vectors"].(map[string]any)
			assert.EqualValues(t, 3, vectors["size"])
			_ = json.NewEncoder(w).Encode(map[string]any{"result": true})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := testVectorClient(t, server, 3)
	err := c.EnsureCollections(context.Background(), []string{models.CollectionSkills, models.CollectionErrors})
	require.NoError(t, err)
	assert.False(t, created["/collections/"+models.CollectionSkills], "existing collection must not be recreated")
	assert.True(t, created["/collections/"+models.CollectionErrors])
}

func TestUpsertValidatesEveryPoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the store")
	}))
	defer server.Close()

	c := testVectorClient(t, server, 3)
	err := c.Upsert(context.Background(), models.CollectionSkills, []Point{
		{ID: "ok", Vector: []float32{1, 2, 3}},
		{ID: "short", Vector: []float32{1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short")
}

func TestScrollPagination(t *testing.T) {
	next := "page2"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if _, ok := body["offset"]; !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"points":           []map[string]any{{"id": "p1"}},
					"next_page_offset": next,
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"points":           []map[string]any{{"id": "p2"}},
				"next_page_offset": nil,
			},
		})
	}))
	defer server.Close()

	c := testVectorClient(t, server, 3)
	points, offset, err := c.Scroll(context.Background(), models.CollectionPractices, 1, nil)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.NotNil(t, offset)
	assert.Equal(t, "page2", *offset)

	points, offset, err = c.Scroll(context.Background(), models.CollectionPractices, 1, offset)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "p2", points[0].ID)
	assert.Nil(t, offset)
}

func TestUpstreamErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := testVectorClient(t, server, 3)
	_, err := c.ListCollections(context.Background())
	var ue *resilience.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ServiceName, ue.Service)
}
