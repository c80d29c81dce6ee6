package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/masking"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
)

// AuditWriter appends tool-call records to a JSONL audit log. It never
// returns errors to callers: a broken audit log must not take the dispatch
// path down with it.
type AuditWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	screener *masking.Screener
	log      *slog.Logger
}

// NewAuditWriter opens (creating parents if needed) the audit log in append
// mode. An open failure is reported so startup can decide whether to proceed
// without auditing.
func NewAuditWriter(path string) (*AuditWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditWriter{
		path:     path,
		file:     f,
		screener: masking.NewScreener(),
		log:      slog.With("component", "audit"),
	}, nil
}

// Record appends one entry. Parameters are redacted before hashing so a
// leaked hash preimage cannot carry a secret. Failures are logged and
// swallowed.
func (w *AuditWriter) Record(toolName, caller string, params any, outcome string, callErr error, latency time.Duration) {
	entry := models.AuditEntry{
		Timestamp:      time.Now().UTC(),
		Service:        "hybrid-coordinator",
		ToolName:       toolName,
		CallerHash:     hashString(caller),
		ParametersHash: w.hashParams(params),
		Outcome:        outcome,
		LatencyMS:      latency.Milliseconds(),
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		w.log.Warn("Failed to encode audit entry", "tool", toolName, "error", err)
		return
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if _, err := w.file.Write(data); err != nil {
		w.log.Warn("Failed to append audit entry", "tool", toolName, "error", err)
	}
}

// Path returns the log location.
func (w *AuditWriter) Path() string {
	return w.path
}

// Close flushes and closes the log. Record after Close is a no-op.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *AuditWriter) hashParams(params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		return hashString("unserializable")
	}
	return hashString(w.screener.Redact(string(data)))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
