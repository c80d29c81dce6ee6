// Package learning is the continuous-learning pipeline: it tails the
// telemetry JSONL streams, extracts reusable interaction patterns, generates
// optimization proposals, and exports fine-tuning data.
package learning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// Tailer consumes one append-only JSONL file from a byte offset. Only
// newline-terminated lines are consumed, so a partially written final line
// is picked up whole on the next read.
type Tailer struct {
	path      string
	offset    int64
	malformed int64
	log       *slog.Logger
}

// NewTailer resumes the file from offset.
func NewTailer(path string, offset int64) *Tailer {
	return &Tailer{
		path:   path,
		offset: offset,
		log:    slog.With("component", "learning", "file", path),
	}
}

// Path returns the tailed file.
func (t *Tailer) Path() string { return t.path }

// Offset returns the current resume position.
func (t *Tailer) Offset() int64 { return t.offset }

// Malformed returns the running count of skipped unparseable lines.
func (t *Tailer) Malformed() int64 { return t.malformed }

// Backlog returns file_size − offset. A missing file is zero backlog.
func (t *Tailer) Backlog() int64 {
	info, err := os.Stat(t.path)
	if err != nil {
		return 0
	}
	if info.Size() < t.offset {
		// File was truncated or rotated; start over.
		t.offset = 0
	}
	return info.Size() - t.offset
}

// Read consumes every complete line currently in the file and advances the
// offset past them. Malformed lines are counted and skipped.
func (t *Tailer) Read() ([]models.TelemetryEvent, error) {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat telemetry file: %w", err)
	}
	if info.Size() < t.offset {
		t.log.Warn("Telemetry file shrank, restarting from the beginning",
			"size", info.Size(), "offset", t.offset)
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek telemetry file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry file: %w", err)
	}

	// Only consume through the last newline; the remainder is a line still
	// being written.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	consumed := data[:end+1]

	var events []models.TelemetryEvent
	for _, line := range bytes.Split(consumed, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev models.TelemetryEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.malformed++
			t.log.Warn("Skipping malformed telemetry line", "error", err)
			continue
		}
		events = append(events, ev)
	}

	t.offset += int64(len(consumed))
	return events, nil
}
