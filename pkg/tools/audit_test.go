package tools

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

func readAuditEntries(t *testing.T, path string) []models.AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []models.AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e models.AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestAuditRecordAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewAuditWriter(path)
	require.NoError(t, err)
	defer w.Close()

	w.Record("augment_query", "client-1", map[string]any{"query": "fix flake"}, OutcomeSuccess, nil, 42*time.Millisecond)
	w.Record("augment_query", "client-1", nil, OutcomeError, errors.New("boom"), time.Millisecond)

	entries := readAuditEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "augment_query", entries[0].ToolName)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, int64(42), entries[0].LatencyMS)
	assert.Equal(t, "boom", entries[1].ErrorMessage)
}

func TestAuditHashesNotRawValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewAuditWriter(path)
	require.NoError(t, err)
	defer w.Close()

	w.Record("search", "secret-caller", map[string]any{"query": "sensitive text"}, OutcomeSuccess, nil, 0)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-caller")
	assert.NotContains(t, string(raw), "sensitive text")

	entries := readAuditEntries(t, path)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].CallerHash, 64)
	assert.Len(t, entries[0].ParametersHash, 64)
}

func TestAuditSameParamsSameHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewAuditWriter(path)
	require.NoError(t, err)
	defer w.Close()

	params := map[string]any{"query": "stable"}
	w.Record("search", "c", params, OutcomeSuccess, nil, 0)
	w.Record("search", "c", params, OutcomeSuccess, nil, 0)

	entries := readAuditEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].ParametersHash, entries[1].ParametersHash)
}

func TestAuditRecordAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewAuditWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w.Record("search", "c", nil, OutcomeSuccess, nil, 0)
	entries := readAuditEntries(t, path)
	assert.Empty(t, entries)
}
