package models

import "time"

// Task status lifecycle: queued → running → terminal
// (completed | rejected | stopped | failed).
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskRejected  = "rejected"
	TaskStopped   = "stopped"
	TaskFailed    = "failed"
)

// Iteration budget modes for the autonomous loop.
const (
	ModeAdaptive = "adaptive"
	ModeInfinite = "infinite"
	ModeFixed    = "fixed"
)

// ValidIterationMode reports whether a mode string is a known budget mode.
func ValidIterationMode(mode string) bool {
	switch mode {
	case ModeAdaptive, ModeInfinite, ModeFixed:
		return true
	}
	return false
}

// TerminalTaskStatus reports whether a status is a terminal state.
func TerminalTaskStatus(s string) bool {
	switch s {
	case TaskCompleted, TaskRejected, TaskStopped, TaskFailed:
		return true
	}
	return false
}

// Task is one unit of autonomous-loop work. The iteration history is appended
// on every cycle; the terminal state feeds adaptive-limit learning keyed by
// (task_type, backend).
type Task struct {
	TaskID           string            `json:"task_id"`
	Prompt           string            `json:"prompt"`
	Backend          string            `json:"backend"`
	MaxIterations    int               `json:"max_iterations"`
	IterationMode    string            `json:"iteration_mode"`
	RequireApproval  bool              `json:"require_approval"`
	Context          map[string]any    `json:"context,omitempty"`
	Status           string            `json:"status"`
	Iteration        int               `json:"iteration"`
	StartedAt        time.Time         `json:"started_at"`
	LastUpdate       time.Time         `json:"last_update"`
	Results          []IterationResult `json:"results,omitempty"`
	Error            string            `json:"error,omitempty"`
	AwaitingApproval bool              `json:"awaiting_approval"`
	Approved         *bool             `json:"approved,omitempty"`
	CompletionReason string            `json:"completion_reason,omitempty"`
}

// IterationResult is the outcome of one backend invocation.
type IterationResult struct {
	Iteration int    `json:"iteration"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
	Completed bool   `json:"completed"`
	Duration  int64  `json:"duration_ms"`
}
