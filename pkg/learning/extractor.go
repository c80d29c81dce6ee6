package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// Embedder is the slice of the llm client the extractor needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the vector client the extractor needs.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, points []vector.Point) error
}

// IssueRecorder classifies failure events into the issue tracker.
type IssueRecorder interface {
	Record(ctx context.Context, in services.RecordInput) (models.Issue, error)
}

// DedupStats are the lifetime content-dedup counters.
type DedupStats struct {
	Total      int64 `json:"total"`
	Duplicates int64 `json:"duplicates"`
	Unique     int64 `json:"unique"`
}

type candidate struct {
	Prompt   string
	Response string
	TaskType string
	Source   string
}

// Extractor turns terminal telemetry events into interaction patterns:
// vector points in the skills collection plus fine-tuning JSONL records.
type Extractor struct {
	cfg     *config.LearningConfig
	llm     Embedder
	vectors VectorStore
	issues  IssueRecorder
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	stats DedupStats
}

// NewExtractor creates an extractor. issues may be nil when failure
// classification is disabled; m may be nil in tests.
func NewExtractor(cfg *config.LearningConfig, llm Embedder, vectors VectorStore, issues IssueRecorder, m *metrics.Metrics) *Extractor {
	return &Extractor{
		cfg:     cfg,
		llm:     llm,
		vectors: vectors,
		issues:  issues,
		metrics: m,
		log:     slog.With("component", "learning"),
		seen:    map[string]struct{}{},
	}
}

// Stats returns the dedup counters.
func (e *Extractor) Stats() DedupStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Process mines events for reusable patterns and classifies failures.
// Individual failures are logged and never abort the batch. Returns the
// number of patterns stored.
func (e *Extractor) Process(ctx context.Context, events []models.TelemetryEvent) int {
	var candidates []candidate
	for _, ev := range events {
		switch ev.EventType {
		case models.EventTaskCompleted:
			if !ev.Success {
				continue
			}
			if e.cfg.MaxIterationsForPattern > 0 && ev.Iterations > e.cfg.MaxIterationsForPattern {
				continue
			}
			if c, ok := e.candidate(ev, "task_completed"); ok {
				candidates = append(candidates, c)
			}
		case models.EventErrorResolution:
			if c, ok := e.candidate(ev, "error_resolution"); ok {
				candidates = append(candidates, c)
			}
		case models.EventTaskFailed:
			e.classifyFailure(ctx, ev)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	return e.store(ctx, candidates)
}

// candidate applies the quality filter and the SHA-256 content dedup.
func (e *Extractor) candidate(ev models.TelemetryEvent, source string) (candidate, bool) {
	prompt := strings.TrimSpace(ev.Prompt)
	response := strings.TrimSpace(ev.Response)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++

	if len(prompt) < e.cfg.MinPromptLen || len(response) < e.cfg.MinResponseLen {
		return candidate{}, false
	}
	if prompt == response {
		return candidate{}, false
	}

	hash := contentHash(prompt, response)
	if _, dup := e.seen[hash]; dup {
		e.stats.Duplicates++
		if e.metrics != nil {
			e.metrics.PatternsDeduplicated.Inc()
		}
		return candidate{}, false
	}
	e.seen[hash] = struct{}{}
	e.stats.Unique++

	return candidate{
		Prompt:   prompt,
		Response: response,
		TaskType: ev.TaskType,
		Source:   source,
	}, true
}

func (e *Extractor) store(ctx context.Context, candidates []candidate) int {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Prompt + "\n" + c.Response
	}
	embeddings, err := e.llm.EmbedBatch(ctx, texts)
	if err != nil {
		e.log.Error("Failed to embed pattern batch", "count", len(texts), "error", err)
		return 0
	}
	if len(embeddings) != len(candidates) {
		e.log.Error("Embedding batch size mismatch",
			"expected", len(candidates), "got", len(embeddings))
		return 0
	}

	now := time.Now().UTC().Format(time.RFC3339)
	points := make([]vector.Point, len(candidates))
	for i, c := range candidates {
		points[i] = vector.Point{
			ID:     uuid.NewString(),
			Vector: embeddings[i],
			Payload: map[string]any{
				"content":      c.Prompt,
				"response":     c.Response,
				"task_type":    c.TaskType,
				"source":       c.Source,
				"success_rate": 1.0,
				"access_count": 0,
				"created_at":   now,
				"last_updated": now,
			},
		}
	}
	if err := e.vectors.Upsert(ctx, models.CollectionSkills, points); err != nil {
		e.log.Error("Failed to upsert patterns", "count", len(points), "error", err)
		return 0
	}

	if err := e.appendDataset(candidates); err != nil {
		e.log.Error("Failed to append fine-tuning dataset", "error", err)
	}

	if e.metrics != nil {
		e.metrics.PatternsExtracted.Add(float64(len(points)))
	}
	return len(points)
}

// appendDataset writes one JSONL fine-tuning record per candidate.
func (e *Extractor) appendDataset(candidates []candidate) error {
	if e.cfg.DatasetPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.DatasetPath), 0o755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}
	f, err := os.OpenFile(e.cfg.DatasetPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	for _, c := range candidates {
		rec := map[string]any{
			"prompt":     c.Prompt,
			"completion": c.Response,
			"task_type":  c.TaskType,
			"source":     c.Source,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write dataset record: %w", err)
		}
	}
	return nil
}

func (e *Extractor) classifyFailure(ctx context.Context, ev models.TelemetryEvent) {
	if e.issues == nil || strings.TrimSpace(ev.LastError) == "" {
		return
	}
	_, err := e.issues.Record(ctx, services.RecordInput{
		Severity:  "warning",
		Category:  "task_failure",
		Component: ev.Backend,
		Message:   ev.LastError,
	})
	if err != nil {
		e.log.Warn("Failed to record failure issue", "task_id", ev.TaskID, "error", err)
	}
}

func contentHash(prompt, response string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(prompt)))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.ToLower(response)))
	return hex.EncodeToString(h.Sum(nil))
}
