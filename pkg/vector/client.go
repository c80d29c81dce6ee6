// Package vector is the REST client for the vector store. It speaks the
// Qdrant-style surface: collection management, point upsert, similarity
// search, and scroll. All mutating and searching calls traverse the store's
// circuit breaker and the shared retry policy.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

// ServiceName is the breaker name registered for the vector store.
const ServiceName = "qdrant"

// Point is one record in a collection: stable id, embedding, and the
// free-form payload the collection's schema implies.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
	Vector  []float32      `json:"vector,omitempty"`
}

// CollectionInfo summarizes one collection.
type CollectionInfo struct {
	Name         string `json:"name"`
	PointsCount  int64  `json:"points_count"`
	VectorSize   int    `json:"vector_size"`
	VectorsCount int64  `json:"vectors_count"`
}

// Client talks to one vector store instance.
type Client struct {
	baseURL    string
	dimension  int
	distance   string
	httpClient *http.Client
	breaker    *resilience.Breaker
	retry      config.RetrySettings
	log        *slog.Logger
}

// NewClient builds a client from configuration, registering the store's
// breaker on the shared registry.
func NewClient(cfg *config.Config, registry *resilience.Registry) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.Endpoints.QdrantURL, "/"),
		dimension:  cfg.Vector.Dimension,
		distance:   cfg.Vector.Distance,
		httpClient: &http.Client{Timeout: cfg.Endpoints.RequestTimeout},
		breaker:    registry.GetOrCreate(ServiceName, cfg.Resilience.HTTP),
		retry:      cfg.Resilience.Retry,
		log:        slog.With("component", "vector"),
	}
}

// Dimension returns the configured embedding dimension. Vectors of any other
// length are rejected at this client's boundary.
func (c *Client) Dimension() int {
	return c.dimension
}

// Healthz probes the store's health endpoint, bypassing the breaker so the
// health subsystem observes the store itself.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build healthz request: %w", err)
	}
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to probe vector store: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector store healthz returned status %d", resp.StatusCode)
	}
	return nil
}

// ListCollections returns the names of existing collections.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var out struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	names := make([]string, 0, len(out.Result.Collections))
	for _, col := range out.Result.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

// GetCollection returns point counts and vector size for one collection.
func (c *Client) GetCollection(ctx context.Context, name string) (CollectionInfo, error) {
	var out struct {
		Result struct {
			PointsCount  int64 `json:"points_count"`
			VectorsCount int64 `json:"vectors_count"`
			Config       struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &out); err != nil {
		return CollectionInfo{}, fmt.Errorf("failed to get collection %s: %w", name, err)
	}
	return CollectionInfo{
		Name:         name,
		PointsCount:  out.Result.PointsCount,
		VectorsCount: out.Result.VectorsCount,
		VectorSize:   out.Result.Config.Params.Vectors.Size,
	}, nil
}

// EnsureCollections creates every missing logical collection with the
// configured dimension and distance. Existing collections are left alone.
func (c *Client) EnsureCollections(ctx context.Context, names []string) error {
	existing, err := c.ListCollections(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}

	for _, name := range names {
		if have[name] {
			continue
		}
		body := map[string]any{
			"vectors": map[string]any{
				"size":     c.dimension,
				"distance": c.distance,
			},
		}
		if err := c.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		c.log.Info("Created vector collection", "collection", name, "dimension", c.dimension)
	}
	return nil
}

// Search runs similarity search in one collection.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	if len(vector) != c.dimension {
		return nil, fmt.Errorf("vector dimension %d does not match configured %d", len(vector), c.dimension)
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		body["score_threshold"] = scoreThreshold
	}

	var out struct {
		Result []ScoredPoint `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &out); err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	return out.Result, nil
}

// Upsert writes points into a collection, inserting or replacing by id.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if len(p.Vector) != c.dimension {
			return fmt.Errorf("point %s vector dimension %d does not match configured %d", p.ID, len(p.Vector), c.dimension)
		}
	}
	body := map[string]any{"points": points}
	if err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points", body, nil); err != nil {
		return fmt.Errorf("failed to upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

// Retrieve fetches points by id with payloads and vectors. Missing ids are
// simply absent from the result.
func (c *Client) Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}
	var out struct {
		Result []Point `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points", body, &out); err != nil {
		return nil, fmt.Errorf("failed to retrieve points from %s: %w", collection, err)
	}
	return out.Result, nil
}

// Scroll pages through a collection's points without scoring. Returns the
// batch and the offset for the next page; a nil next offset means the end.
func (c *Client) Scroll(ctx context.Context, collection string, limit int, offset *string) ([]Point, *string, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if offset != nil {
		body["offset"] = *offset
	}

	var out struct {
		Result struct {
			Points         []Point `json:"points"`
			NextPageOffset *string `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &out); err != nil {
		return nil, nil, fmt.Errorf("failed to scroll %s: %w", collection, err)
	}
	return out.Result.Points, out.Result.NextPageOffset, nil
}

// do issues one request through the breaker and the retry policy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return resilience.Retry(ctx, c.retry, ServiceName, func() error {
		return c.breaker.Execute(func() error {
			return c.doOnce(ctx, method, path, payload, out)
		})
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.UpstreamError{
			Service:    ServiceName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode vector store response: %w", err)
	}
	return nil
}

// HitFromPoint converts a scored point into the pipeline's SearchHit shape,
// lifting well-known payload fields into the ContextItem.
func HitFromPoint(p ScoredPoint, collection string) models.SearchHit {
	item := models.ContextItem{
		ID:         p.ID,
		Collection: collection,
		Payload:    p.Payload,
	}
	if content, ok := p.Payload["content"].(string); ok {
		item.Content = content
	}
	if rate, ok := p.Payload["success_rate"].(float64); ok {
		item.SuccessRate = rate
	}
	if n, ok := p.Payload["access_count"].(float64); ok {
		item.AccessCount = int(n)
	}
	return models.SearchHit{Item: item, Score: p.Score, Collection: collection}
}
