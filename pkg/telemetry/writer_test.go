package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

func TestWriterAppendsOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, StreamHybrid)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.Emit(models.TelemetryEvent{EventType: models.EventQueryRouted, TaskID: "t1"})
	w.Emit(models.TelemetryEvent{EventType: models.EventTaskCompleted, TaskID: "t2", Iterations: 3})

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	var events []models.TelemetryEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var ev models.TelemetryEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, models.EventQueryRouted, events[0].EventType)
	assert.Equal(t, StreamHybrid, events[0].Service, "service is stamped when unset")
	assert.False(t, events[0].Timestamp.IsZero(), "timestamp is stamped when unset")
	assert.Equal(t, 3, events[1].Iterations)
}

func TestWriterConcurrentEmitsDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, StreamRalph)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Emit(models.TelemetryEvent{EventType: models.EventTaskCompleted, Prompt: "concurrent append safety"})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var ev models.TelemetryEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "every line must be valid JSON")
		count++
	}
	assert.Equal(t, 20, count)
}

type recordingArchiver struct {
	mu     sync.Mutex
	events []models.TelemetryEvent
}

func (a *recordingArchiver) RecordEvent(_ context.Context, event models.TelemetryEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func TestWriterMirrorsEventsToArchive(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, StreamHybrid)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	archive := &recordingArchiver{}
	w.SetArchive(archive)

	w.Emit(models.TelemetryEvent{EventType: models.EventQueryRouted})
	w.Emit(models.TelemetryEvent{EventType: models.EventTaskCompleted})

	require.Eventually(t, func() bool {
		return archive.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriterEmitAfterCloseIsNoop(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, StreamAidb)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w.Emit(models.TelemetryEvent{EventType: models.EventTaskFailed})

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Empty(t, data)
}
