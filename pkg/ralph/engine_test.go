package ralph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedBackend replays canned results, one per iteration.
type scriptedBackend struct {
	mu      sync.Mutex
	results []models.IterationResult
	calls   int
}

func (b *scriptedBackend) Invoke(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.calls
	b.calls++
	if idx >= len(b.results) {
		idx = len(b.results) - 1
	}
	r := b.results[idx]
	r.Iteration = iteration
	return r, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testEngine(t *testing.T, backend Backend) *Engine {
	t.Helper()
	cfg := &config.RalphConfig{
		QueueSize:        8,
		MinIterations:    1,
		MaxIterationsCap: 50,
		BlockedExitCode:  75,
		ApprovalTimeout:  50 * time.Millisecond,
		IterationTimeout: time.Second,
		DefaultBackend:   "scripted",
	}
	registry := NewBackendRegistry()
	registry.Register("scripted", backend)
	e := NewEngine(cfg, registry, nil, nil)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func waitTerminal(t *testing.T, e *Engine, id string) models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.GetTask(id)
		require.NoError(t, err)
		if models.TerminalTaskStatus(task.Status) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return models.Task{}
}

func TestExplicitCompletion(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 0, Output: "progress"},
		{ExitCode: 0, Output: "all done", Completed: true},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{Prompt: "fix the typo"})
	require.NoError(t, err)

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, ReasonSuccess, task.CompletionReason)
	assert.Equal(t, 2, task.Iteration)
}

func TestCompletionHeuristicThreeCleanIterations(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 0, Output: "clean one"},
		{ExitCode: 0, Output: "clean two"},
		{ExitCode: 0, Output: "clean three"},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{Prompt: "do some moderate work"})
	require.NoError(t, err)

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, 3, task.Iteration)
}

func TestIncompleteMarkersBlockHeuristic(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 0, Output: "clean"},
		{ExitCode: 0, Output: "still a TODO left"},
		{ExitCode: 0, Output: "clean"},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{
		Prompt:        "small fixed job",
		IterationMode: models.ModeFixed,
		MaxIterations: 4,
	})
	require.NoError(t, err)

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, ReasonLimitReached, task.CompletionReason)
	assert.Equal(t, 4, backend.callCount())
}

func TestBlockedCodeReentersWithHooks(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 75, Output: "waiting on lock"},
		{ExitCode: 0, Output: "finished", Completed: true},
	}}
	e := testEngine(t, backend)

	var mu sync.Mutex
	var hooks []string
	e.SetHooks(
		func(ctx context.Context, task *models.Task) error {
			mu.Lock()
			defer mu.Unlock()
			hooks = append(hooks, "stop")
			return nil
		},
		func(ctx context.Context, task *models.Task) error {
			mu.Lock()
			defer mu.Unlock()
			hooks = append(hooks, "recovery")
			return nil
		},
	)

	id, err := e.Submit(SubmitRequest{Prompt: "task that blocks once"})
	require.NoError(t, err)

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskCompleted, task.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stop", "recovery"}, hooks)
}

func TestApprovalTimeoutRejects(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 0, Output: "first iteration"},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{Prompt: "needs sign-off", RequireApproval: true})
	require.NoError(t, err)

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskRejected, task.Status)
	assert.Equal(t, ReasonApprovalTimeout, task.CompletionReason)
}

func TestApprovalGrantedContinues(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 0, Output: "first"},
		{ExitCode: 0, Output: "done", Completed: true},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{Prompt: "needs sign-off", RequireApproval: true})
	require.NoError(t, err)

	// Wait for the gate, then approve.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := e.Approve(id, true); err == nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskCompleted, task.Status)
}

func TestApprovalDeniedRejects(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 0, Output: "first"},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{Prompt: "needs sign-off", RequireApproval: true})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := e.Approve(id, false); err == nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskRejected, task.Status)
	assert.Equal(t, ReasonApprovalRejected, task.CompletionReason)
}

func TestStopTaskCooperative(t *testing.T) {
	backend := &scriptedBackend{results: []models.IterationResult{
		{ExitCode: 1, Output: "never finishes", Error: "still broken"},
	}}
	e := testEngine(t, backend)

	id, err := e.Submit(SubmitRequest{
		Prompt:        "endless job",
		IterationMode: models.ModeInfinite,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.StopTask(id))

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskStopped, task.Status)
	assert.Equal(t, "still broken", task.Error)
}

type panickyBackend struct{ after int }

func (b *panickyBackend) Invoke(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error) {
	if iteration <= b.after {
		panic("backend exploded")
	}
	return models.IterationResult{Iteration: iteration, ExitCode: 0, Output: "recovered", Completed: true}, nil
}

func TestBackendPanicIsRecovered(t *testing.T) {
	e := testEngine(t, &panickyBackend{after: 1})

	id, err := e.Submit(SubmitRequest{Prompt: "panicky job"})
	require.NoError(t, err)

	task := waitTerminal(t, e, id)
	assert.Equal(t, models.TaskCompleted, task.Status)
	require.GreaterOrEqual(t, len(task.Results), 2)
	assert.Contains(t, task.Results[0].Error, "backend panic")
	assert.Equal(t, "backend panic: backend exploded", task.Context["last_exception"])
}

func TestSubmitValidation(t *testing.T) {
	e := testEngine(t, &scriptedBackend{results: []models.IterationResult{{}}})

	_, err := e.Submit(SubmitRequest{})
	assert.True(t, services.IsValidationError(err))

	_, err = e.Submit(SubmitRequest{Prompt: "x", Backend: "nope"})
	assert.True(t, services.IsValidationError(err))

	_, err = e.Submit(SubmitRequest{Prompt: "x", IterationMode: models.ModeFixed})
	assert.True(t, services.IsValidationError(err))
}

func TestFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	backend := backendFunc(func(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error) {
		mu.Lock()
		order = append(order, task.Prompt)
		mu.Unlock()
		return models.IterationResult{Iteration: iteration, ExitCode: 0, Completed: true}, nil
	})
	e := testEngine(t, backend)

	ids := make([]string, 0, 3)
	for _, prompt := range []string{"first", "second", "third"} {
		id, err := e.Submit(SubmitRequest{Prompt: prompt})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitTerminal(t, e, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

type backendFunc func(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error)

func (f backendFunc) Invoke(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error) {
	return f(ctx, task, iteration)
}
