// Package telemetry writes append-only JSONL event streams consumed by the
// continuous-learning pipeline. Writers are fire-and-forget: a failed write
// is logged and dropped, never surfaced to the producing code path.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// Stream names. Each service appends to its own file under the telemetry
// directory so the learning pipeline can track one byte offset per source.
const (
	StreamRalph  = "ralph"
	StreamAidb   = "aidb"
	StreamHybrid = "hybrid"
)

// Archiver mirrors events into a secondary queryable store. The JSONL file
// stays authoritative; archive failures are logged and dropped.
type Archiver interface {
	RecordEvent(ctx context.Context, event models.TelemetryEvent) error
}

// Writer appends events to one JSONL stream. Safe for concurrent use; a
// mutex serializes appends so lines are never interleaved.
type Writer struct {
	service string
	path    string

	mu      sync.Mutex
	file    *os.File
	archive Archiver
	log     *slog.Logger
}

// NewWriter opens (or creates) the stream file for the named service under
// dir. The file is opened in append mode so multiple process restarts keep
// extending the same stream.
func NewWriter(dir, service string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry dir: %w", err)
	}
	path := filepath.Join(dir, service+"-events.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry stream: %w", err)
	}
	return &Writer{
		service: service,
		path:    path,
		file:    file,
		log:     slog.With("component", "telemetry", "stream", service),
	}, nil
}

// Path returns the stream file path.
func (w *Writer) Path() string {
	return w.path
}

// SetArchive mirrors every subsequent event into a. Archive writes happen
// off the producing goroutine so a slow store cannot stall the hot path.
func (w *Writer) SetArchive(a Archiver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.archive = a
}

// Emit appends one event. The service and timestamp fields are stamped when
// unset. Errors are logged and swallowed: telemetry must never break the
// code path that produced the event.
func (w *Writer) Emit(event models.TelemetryEvent) {
	if event.Service == "" {
		event.Service = w.service
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		w.log.Warn("Failed to marshal telemetry event", "event_type", event.EventType, "error", err)
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	if w.file == nil {
		w.mu.Unlock()
		return
	}
	_, writeErr := w.file.Write(line)
	archive := w.archive
	w.mu.Unlock()

	if writeErr != nil {
		w.log.Warn("Failed to append telemetry event", "event_type", event.EventType, "error", writeErr)
	}
	if archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.RecordEvent(ctx, event); err != nil {
				w.log.Warn("Failed to archive telemetry event", "event_type", event.EventType, "error", err)
			}
		}()
	}
}

// Close flushes and closes the stream file. Emit after Close is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
