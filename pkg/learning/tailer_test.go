package learning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestTailerConsumesCompleteLinesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path,
		`{"event_type":"task_completed","service":"ralph"}`+"\n"+
			`{"event_type":"task_failed","service":"ralph"}`+"\n"+
			`{"event_type":"partial`)

	tailer := NewTailer(path, 0)
	events, err := tailer.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "task_completed", events[0].EventType)
	assert.Equal(t, "task_failed", events[1].EventType)

	// The partial line is untouched; completing it yields exactly one event.
	appendFile(t, path, `","service":"ralph"}`+"\n")
	events, err = tailer.Read()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].EventType)

	events, err = tailer.Read()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTailerSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path,
		`{"event_type":"interaction_tracked"}`+"\n"+
			"not json at all\n"+
			`{"event_type":"query_routed"}`+"\n")

	tailer := NewTailer(path, 0)
	events, err := tailer.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), tailer.Malformed())
}

func TestTailerMissingFile(t *testing.T) {
	tailer := NewTailer(filepath.Join(t.TempDir(), "absent.jsonl"), 0)
	events, err := tailer.Read()
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, tailer.Backlog())
}

func TestTailerRestartsAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	writeFile(t, path, `{"event_type":"a"}`+"\n"+`{"event_type":"b"}`+"\n")

	tailer := NewTailer(path, 0)
	events, err := tailer.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Rotation: a shorter file replaces the old one.
	writeFile(t, path, `{"event_type":"c"}`+"\n")
	events, err = tailer.Read()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c", events[0].EventType)
}

func TestTailerBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	line := `{"event_type":"a"}` + "\n"
	writeFile(t, path, line+line)

	tailer := NewTailer(path, 0)
	assert.Equal(t, int64(2*len(line)), tailer.Backlog())

	_, err := tailer.Read()
	require.NoError(t, err)
	assert.Zero(t, tailer.Backlog())
}
