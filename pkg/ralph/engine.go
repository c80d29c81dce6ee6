// Package ralph is the autonomous loop engine: a single-consumer task queue
// whose worker keeps a backend iterating on each task until completion, an
// iteration limit, or an approval rejection.
package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/telemetry"
)

// Completion reasons recorded on terminal tasks.
const (
	ReasonSuccess          = "success"
	ReasonLimitReached     = "iteration_limit_reached"
	ReasonApprovalTimeout  = "approval_timeout"
	ReasonApprovalRejected = "approval_rejected"
	ReasonStopRequested    = "stop_requested"
)

// incompleteMarkers veto the completion heuristic when present in output.
var incompleteMarkers = []string{"TODO", "FIXME", "ERROR", "FAILED"}

// Hook runs on blocked-code re-entry. Hooks are best-effort; panics and
// errors are logged.
type Hook func(ctx context.Context, task *models.Task) error

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Prompt          string         `json:"prompt"`
	Backend         string         `json:"backend,omitempty"`
	TaskType        string         `json:"task_type,omitempty"`
	IterationMode   string         `json:"iteration_mode,omitempty"`
	MaxIterations   int            `json:"max_iterations,omitempty"`
	RequireApproval bool           `json:"require_approval,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// Stats is the engine's aggregate snapshot.
type Stats struct {
	Queued    int        `json:"queued"`
	Running   int        `json:"running"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Stopped   int        `json:"stopped"`
	Rejected  int        `json:"rejected"`
	Adaptive  []KeyStats `json:"adaptive"`
}

type taskState struct {
	mu       sync.Mutex
	task     models.Task
	taskType string
	stop     bool
	approval chan bool
}

// Engine processes tasks strictly in submission order. Safe for concurrent
// Submit/Stop/Approve while the worker runs.
type Engine struct {
	cfg       *config.RalphConfig
	backends  *BackendRegistry
	telemetry *telemetry.Writer
	metrics   *metrics.Metrics
	advisor   *limitAdvisor
	log       *slog.Logger

	queue chan string

	mu    sync.RWMutex
	tasks map[string]*taskState

	stopHook     Hook
	recoveryHook Hook

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewEngine creates a stopped engine. telemetry and metrics may be nil.
func NewEngine(cfg *config.RalphConfig, backends *BackendRegistry, tw *telemetry.Writer, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		backends:  backends,
		telemetry: tw,
		metrics:   m,
		advisor:   newLimitAdvisor(cfg.MinIterations, cfg.MaxIterationsCap),
		log:       slog.With("component", "ralph"),
		queue:     make(chan string, cfg.QueueSize),
		tasks:     make(map[string]*taskState),
		stopCh:    make(chan struct{}),
	}
}

// SetHooks wires the optional stop and recovery hooks run on blocked-code
// re-entry.
func (e *Engine) SetHooks(stop, recovery Hook) {
	e.stopHook = stop
	e.recoveryHook = recovery
}

// Start launches the worker goroutine. Duplicate calls are no-ops.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		e.log.Warn("Engine already started, ignoring duplicate Start call")
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	e.log.Info("Ralph engine started", "queue_size", e.cfg.QueueSize)
}

// Stop signals the worker and waits for the in-flight task to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.log.Info("Ralph engine stopped")
}

// Submit enqueues a task without blocking. A full queue is an error.
func (e *Engine) Submit(req SubmitRequest) (string, error) {
	if req.Prompt == "" {
		return "", services.NewValidationError("prompt", "prompt is required")
	}
	backend := req.Backend
	if backend == "" {
		backend = e.cfg.DefaultBackend
	}
	if _, ok := e.backends.Get(backend); !ok {
		return "", services.NewValidationError("backend", fmt.Sprintf("unknown backend %q", backend))
	}
	mode := req.IterationMode
	if mode == "" {
		mode = models.ModeAdaptive
	}
	switch mode {
	case models.ModeAdaptive, models.ModeFixed, models.ModeInfinite:
	default:
		return "", services.NewValidationError("iteration_mode", "must be adaptive, fixed, or infinite")
	}
	if mode == models.ModeFixed && req.MaxIterations < 1 {
		return "", services.NewValidationError("max_iterations", "fixed mode requires max_iterations >= 1")
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}
	taskCtx := req.Context
	if taskCtx == nil {
		taskCtx = make(map[string]any)
	}

	now := time.Now().UTC()
	state := &taskState{
		task: models.Task{
			TaskID:          uuid.NewString(),
			Prompt:          req.Prompt,
			Backend:         backend,
			MaxIterations:   req.MaxIterations,
			IterationMode:   mode,
			RequireApproval: req.RequireApproval,
			Context:         taskCtx,
			Status:          models.TaskQueued,
			StartedAt:       now,
			LastUpdate:      now,
		},
		taskType: taskType,
		approval: make(chan bool, 1),
	}

	e.mu.Lock()
	e.tasks[state.task.TaskID] = state
	e.mu.Unlock()

	select {
	case e.queue <- state.task.TaskID:
	default:
		e.mu.Lock()
		delete(e.tasks, state.task.TaskID)
		e.mu.Unlock()
		return "", fmt.Errorf("task queue is full (%d waiting)", e.cfg.QueueSize)
	}

	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(len(e.queue)))
	}
	return state.task.TaskID, nil
}

// GetTask returns a copy of the task.
func (e *Engine) GetTask(id string) (models.Task, error) {
	e.mu.RLock()
	state, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return models.Task{}, fmt.Errorf("task %q: %w", id, services.ErrNotFound)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.task, nil
}

// StopTask requests cooperative termination. The current iteration finishes;
// the loop then exits with status stopped.
func (e *Engine) StopTask(id string) error {
	e.mu.RLock()
	state, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %q: %w", id, services.ErrNotFound)
	}
	state.mu.Lock()
	state.stop = true
	state.mu.Unlock()
	return nil
}

// Approve resolves a pending approval gate.
func (e *Engine) Approve(id string, approved bool) error {
	e.mu.RLock()
	state, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %q: %w", id, services.ErrNotFound)
	}
	select {
	case state.approval <- approved:
		return nil
	default:
		return services.NewValidationError("task_id", "task is not awaiting approval")
	}
}

// Stats snapshots queue and task counts plus the adaptive history.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{Queued: len(e.queue), Adaptive: e.advisor.Stats()}
	for _, state := range e.tasks {
		state.mu.Lock()
		status := state.task.Status
		state.mu.Unlock()
		switch status {
		case models.TaskRunning:
			s.Running++
		case models.TaskCompleted:
			s.Completed++
		case models.TaskFailed:
			s.Failed++
		case models.TaskStopped:
			s.Stopped++
		case models.TaskRejected:
			s.Rejected++
		}
	}
	return s
}

func (e *Engine) run() {
	for {
		select {
		case <-e.stopCh:
			return
		case id := <-e.queue:
			if e.metrics != nil {
				e.metrics.QueueDepth.Set(float64(len(e.queue)))
			}
			e.processTask(id)
		}
	}
}

func (e *Engine) processTask(id string) {
	e.mu.RLock()
	state := e.tasks[id]
	e.mu.RUnlock()
	if state == nil {
		return
	}

	state.mu.Lock()
	state.task.Status = models.TaskRunning
	state.task.LastUpdate = time.Now().UTC()
	backendName := state.task.Backend
	prompt := state.task.Prompt
	mode := state.task.IterationMode
	fixedLimit := state.task.MaxIterations
	taskType := state.taskType
	state.mu.Unlock()

	backend, _ := e.backends.Get(backendName)

	limit := fixedLimit
	switch mode {
	case models.ModeAdaptive:
		decision := e.advisor.Decide(prompt, taskType, backendName)
		limit = decision.Limit
		e.emitAdaptiveDecision(id, taskType, backendName, decision)
	case models.ModeInfinite:
		limit = 0
	}
	state.mu.Lock()
	state.task.MaxIterations = limit
	state.mu.Unlock()

	log := e.log.With("task_id", id, "backend", backendName, "limit", limit)
	log.Info("Task started", "mode", mode)

	for i := 1; limit == 0 || i <= limit; i++ {
		if e.stopRequested(state) {
			e.finish(state, models.TaskStopped, ReasonStopRequested, i-1, taskType)
			return
		}

		if state.task.RequireApproval && i > 1 {
			if !e.awaitApproval(state, i) {
				e.finish(state, models.TaskRejected, rejectionReason(state), i-1, taskType)
				return
			}
		}

		result := e.invoke(backend, state, i)

		state.mu.Lock()
		state.task.Iteration = i
		state.task.Results = append(state.task.Results, result)
		state.task.LastUpdate = time.Now().UTC()
		state.mu.Unlock()

		switch {
		case result.ExitCode == e.cfg.BlockedExitCode && e.cfg.BlockedExitCode != 0:
			log.Info("Backend reported blocked, re-entering loop", "iteration", i)
			e.runHook(e.stopHook, state, "stop")
			e.runHook(e.recoveryHook, state, "recovery")
			continue
		case result.ExitCode == 0 && e.isComplete(state, result):
			e.finish(state, models.TaskCompleted, ReasonSuccess, i, taskType)
			return
		case result.ExitCode == 0:
			e.stashError(state, result)
		default:
			log.Debug("Iteration ended with nonzero exit", "iteration", i, "exit_code", result.ExitCode)
			e.stashError(state, result)
		}
	}

	e.finish(state, models.TaskFailed, ReasonLimitReached, limit, taskType)
}

// invoke calls the backend under the iteration timeout, converting panics
// into failed iteration results.
func (e *Engine) invoke(backend Backend, state *taskState, iteration int) (result models.IterationResult) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.IterationTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Backend panicked", "task_id", state.task.TaskID, "panic", r)
			result = models.IterationResult{
				Iteration: iteration,
				ExitCode:  -1,
				Error:     fmt.Sprintf("backend panic: %v", r),
			}
			state.mu.Lock()
			state.task.Context["last_exception"] = result.Error
			state.mu.Unlock()
		}
	}()

	state.mu.Lock()
	taskCopy := state.task
	state.mu.Unlock()

	result, err := backend.Invoke(ctx, &taskCopy, iteration)
	if err != nil {
		result.Iteration = iteration
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		result.Error = err.Error()
		state.mu.Lock()
		state.task.Context["last_exception"] = err.Error()
		state.mu.Unlock()
	}
	return result
}

// isComplete applies the completion heuristic: an explicit completed flag,
// or three consecutive clean exits whose output carries no incomplete-work
// markers.
func (e *Engine) isComplete(state *taskState, last models.IterationResult) bool {
	if last.Completed {
		return true
	}

	state.mu.Lock()
	results := state.task.Results
	state.mu.Unlock()
	if len(results) < 3 {
		return false
	}
	for _, r := range results[len(results)-3:] {
		if r.ExitCode != 0 {
			return false
		}
		for _, marker := range incompleteMarkers {
			if strings.Contains(r.Output, marker) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) stashError(state *taskState, result models.IterationResult) {
	if result.Error == "" {
		return
	}
	state.mu.Lock()
	state.task.Context["last_error"] = result.Error
	state.mu.Unlock()
}

// awaitApproval blocks for the approval window. Returns false on rejection
// or timeout.
func (e *Engine) awaitApproval(state *taskState, iteration int) bool {
	state.mu.Lock()
	state.task.AwaitingApproval = true
	state.mu.Unlock()

	timer := time.NewTimer(e.cfg.ApprovalTimeout)
	defer timer.Stop()

	var approved bool
	var timedOut bool
	select {
	case approved = <-state.approval:
	case <-timer.C:
		timedOut = true
	case <-e.stopCh:
		timedOut = true
	}

	state.mu.Lock()
	state.task.AwaitingApproval = false
	if !timedOut {
		state.task.Approved = &approved
	}
	state.mu.Unlock()

	if timedOut {
		e.log.Warn("Approval timed out", "task_id", state.task.TaskID, "iteration", iteration)
		return false
	}
	return approved
}

func rejectionReason(state *taskState) string {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.task.Approved != nil && !*state.task.Approved {
		return ReasonApprovalRejected
	}
	return ReasonApprovalTimeout
}

func (e *Engine) finish(state *taskState, status, reason string, iterations int, taskType string) {
	state.mu.Lock()
	state.task.Status = status
	state.task.CompletionReason = reason
	state.task.LastUpdate = time.Now().UTC()
	taskID := state.task.TaskID
	backend := state.task.Backend
	prompt := state.task.Prompt
	var lastOutput, lastError string
	if n := len(state.task.Results); n > 0 {
		lastOutput = state.task.Results[n-1].Output
	}
	if lastErr, ok := state.task.Context["last_error"].(string); ok {
		state.task.Error = lastErr
		lastError = lastErr
	}
	state.mu.Unlock()

	e.advisor.Record(taskType, backend, status == models.TaskCompleted, iterations)

	if e.metrics != nil {
		e.metrics.TasksProcessed.WithLabelValues(status).Inc()
		e.metrics.TaskIterations.Observe(float64(iterations))
	}
	e.emitTerminal(taskID, taskType, backend, status, reason, prompt, lastOutput, lastError, iterations)
	e.log.Info("Task finished", "task_id", taskID, "status", status, "reason", reason, "iterations", iterations)
}

func (e *Engine) stopRequested(state *taskState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.stop
}

func (e *Engine) runHook(h Hook, state *taskState, name string) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Hook panicked", "hook", name, "panic", r)
		}
	}()
	state.mu.Lock()
	taskCopy := state.task
	state.mu.Unlock()
	if err := h(context.Background(), &taskCopy); err != nil {
		e.log.Warn("Hook failed", "hook", name, "error", err)
	}
}

func (e *Engine) emitAdaptiveDecision(taskID, taskType, backend string, d Decision) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.Emit(models.TelemetryEvent{
		EventType:     models.EventAdaptiveLimit,
		TaskID:        taskID,
		TaskType:      taskType,
		Backend:       backend,
		MaxIterations: d.Limit,
		Data: map[string]any{
			"bucket":     d.Bucket,
			"base_limit": d.BaseLimit,
			"adjustment": d.Adjustment,
		},
	})
}

func (e *Engine) emitTerminal(taskID, taskType, backend, status, reason, prompt, output, lastError string, iterations int) {
	if e.telemetry == nil {
		return
	}
	eventType := models.EventTaskCompleted
	if status != models.TaskCompleted {
		eventType = models.EventTaskFailed
	}
	e.telemetry.Emit(models.TelemetryEvent{
		EventType:  eventType,
		TaskID:     taskID,
		TaskType:   taskType,
		Backend:    backend,
		Iterations: iterations,
		Success:    status == models.TaskCompleted,
		Prompt:     prompt,
		Response:   output,
		LastError:  lastError,
		Data:       map[string]any{"reason": reason, "status": status},
	})
}
