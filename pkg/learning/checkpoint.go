package learning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const checkpointSchemaVersion = 1

// Checkpoint records the resume position per telemetry file plus a lifetime
// processed counter. It is written atomically so a crash mid-save never
// leaves a torn file behind.
type Checkpoint struct {
	LastPositions  map[string]int64 `json:"last_positions"`
	ProcessedCount int64            `json:"processed_count"`
	SchemaVersion  int              `json:"schema_version"`
	Timestamp      time.Time        `json:"timestamp"`
}

// LoadCheckpoint reads the checkpoint at path. A missing file yields an
// empty checkpoint; a legacy file without schema_version is discarded with
// a warning rather than trusted.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	empty := &Checkpoint{
		LastPositions: map[string]int64{},
		SchemaVersion: checkpointSchemaVersion,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		slog.Warn("Discarding unparseable checkpoint", "path", path, "error", err)
		return empty, nil
	}
	if cp.SchemaVersion == 0 {
		slog.Warn("Discarding checkpoint with unknown schema", "path", path)
		return empty, nil
	}
	if cp.LastPositions == nil {
		cp.LastPositions = map[string]int64{}
	}
	return &cp, nil
}

// SaveCheckpoint writes the checkpoint via tempfile + fsync + rename.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	cp.SchemaVersion = checkpointSchemaVersion
	cp.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint tempfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
