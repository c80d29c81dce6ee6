// Package llm talks to the local inference engine and the embedding service
// over their OpenAI-compatible HTTP surfaces. Every call traverses the
// service's circuit breaker and the shared retry policy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

// Breaker names registered for the inference path. The engine gets the
// stricter inference settings because reloading the model is expensive.
const (
	ServiceLlamaCpp   = "llama-cpp"
	ServiceEmbeddings = "ai-embeddings"
)

// Client fronts the local engine and the embedding service.
type Client struct {
	engineURL   string
	embedURL    string
	selfHealURL string
	model       string

	httpClient *http.Client
	engineCB   *resilience.Breaker
	embedCB    *resilience.Breaker
	retry      config.RetrySettings
	log        *slog.Logger
}

// NewClient builds a client from configuration, registering the inference
// and embedding breakers on the shared registry.
func NewClient(cfg *config.Config, registry *resilience.Registry) *Client {
	return &Client{
		engineURL:   strings.TrimRight(cfg.Endpoints.LlamaCppURL, "/"),
		embedURL:    strings.TrimRight(cfg.Endpoints.EmbeddingURL, "/"),
		selfHealURL: strings.TrimRight(cfg.Endpoints.SelfHealingURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Endpoints.RequestTimeout,
		},
		engineCB: registry.GetOrCreate(ServiceLlamaCpp, cfg.Resilience.Inference),
		embedCB:  registry.GetOrCreate(ServiceEmbeddings, cfg.Resilience.HTTP),
		retry:    cfg.Resilience.Retry,
		log:      slog.With("component", "llm"),
	}
}

// Chat runs a chat completion against the local engine and returns the first
// choice's content plus token usage.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, Usage, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	var resp ChatResponse
	err := c.post(ctx, c.engineCB, c.engineURL+"/v1/chat/completions", req, &resp)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to run chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage, fmt.Errorf("engine returned no choices")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		content = resp.Choices[0].Text
	}
	return content, resp.Usage, nil
}

// Complete runs a plain completion against the local engine.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, Usage, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	var resp ChatResponse
	err := c.post(ctx, c.engineCB, c.engineURL+"/v1/completions", req, &resp)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to run completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage, fmt.Errorf("engine returned no choices")
	}
	return resp.Choices[0].Text, resp.Usage, nil
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds a batch of texts in one request, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp EmbeddingResponse
	err := c.post(ctx, c.embedCB, c.embedURL+"/v1/embeddings", EmbeddingRequest{Input: texts}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to embed batch of %d: %w", len(texts), err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding service returned out-of-range index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// Reload asks a service to reload its model. Only the engine and the
// embedding service are reloadable. When a self-healing supervisor is
// configured the request goes through it so the supervisor can restart the
// process instead of an in-place reload; otherwise the service's own
// /reload endpoint is hit directly.
func (c *Client) Reload(ctx context.Context, service string) error {
	var url string
	var breaker *resilience.Breaker
	switch service {
	case ServiceLlamaCpp:
		url = c.engineURL + "/reload"
		breaker = c.engineCB
	case ServiceEmbeddings:
		url = c.embedURL + "/reload"
		breaker = c.embedCB
	default:
		return fmt.Errorf("service %q is not reloadable", service)
	}
	body := map[string]any{}
	if c.selfHealURL != "" {
		url = c.selfHealURL + "/reload"
		body["service"] = service
	}
	var out map[string]any
	if err := c.post(ctx, breaker, url, body, &out); err != nil {
		return fmt.Errorf("failed to reload %s: %w", service, err)
	}
	return nil
}

// Health probes the engine's /health endpoint. The probe bypasses the
// breaker: health checks must observe a sick engine, not an open breaker.
func (c *Client) Health(ctx context.Context) (EngineStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.engineURL+"/health", nil)
	if err != nil {
		return EngineStatus{}, fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return EngineStatus{}, fmt.Errorf("failed to probe engine health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status EngineStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return EngineStatus{}, fmt.Errorf("failed to decode engine health: %w", err)
	}
	return status, nil
}

// post issues one JSON request through the breaker and the retry policy.
// Retry wraps the breaker-protected call so an open breaker short-circuits
// the remaining attempts.
func (c *Client) post(ctx context.Context, breaker *resilience.Breaker, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return resilience.Retry(ctx, c.retry, breaker.Name(), func() error {
		return breaker.Execute(func() error {
			return c.doOnce(ctx, url, payload, out, breaker.Name())
		})
	})
}

func (c *Client) doOnce(ctx context.Context, url string, payload []byte, out any, service string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.UpstreamError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", service, err)
	}
	c.log.Debug("LLM request completed", "url", url, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
