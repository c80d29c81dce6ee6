package ralph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// Backend names.
const (
	BackendCommand = "command"
	BackendLLM     = "llm"
)

// Structured markers an LLM backend emits to signal loop state.
const (
	markerDone    = "DONE"
	markerBlocked = "BLOCKED"
)

// Backend runs one iteration of a task.
type Backend interface {
	Invoke(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error)
}

// BackendRegistry maps backend names to implementations.
type BackendRegistry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewBackendRegistry creates an empty registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{backends: make(map[string]Backend)}
}

// Register adds or replaces a backend.
func (r *BackendRegistry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Get looks up a backend by name.
func (r *BackendRegistry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names lists registered backends.
func (r *BackendRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	return out
}

// CommandBackend executes the task's command with a shell, capturing the
// exit code. The command comes from task context key "command", falling back
// to the prompt itself.
type CommandBackend struct {
	Shell string // defaults to /bin/sh
}

// Invoke runs one command iteration.
func (b *CommandBackend) Invoke(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error) {
	shell := b.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	command := task.Prompt
	if c, ok := task.Context["command"].(string); ok && c != "" {
		command = c
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	result := models.IterationResult{
		Iteration: iteration,
		Output:    out.String(),
		Duration:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = err.Error()
			return result, nil
		}
		return result, fmt.Errorf("failed to run command: %w", err)
	}
	return result, nil
}

// LLMBackend drives the loop with the local inference engine. The model is
// told to end its reply with DONE or BLOCKED; those markers map to exit
// codes.
type LLMBackend struct {
	Client interface {
		Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error)
	}
	BlockedExitCode int
}

const llmBackendSystemPrompt = `You are an autonomous agent working on a task over multiple iterations.
Make concrete progress each turn. End your reply with exactly one marker on its own line:
DONE when the task is fully complete, BLOCKED when you cannot proceed without outside help, or CONTINUE otherwise.`

// Invoke runs one inference iteration.
func (b *LLMBackend) Invoke(ctx context.Context, task *models.Task, iteration int) (models.IterationResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\nIteration: %d\n", task.Prompt, iteration)
	if lastErr, ok := task.Context["last_error"].(string); ok && lastErr != "" {
		fmt.Fprintf(&sb, "Previous error: %s\n", lastErr)
	}
	if lastExc, ok := task.Context["last_exception"].(string); ok && lastExc != "" {
		fmt.Fprintf(&sb, "Previous exception: %s\n", lastExc)
	}

	start := time.Now()
	reply, _, err := b.Client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: llmBackendSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	result := models.IterationResult{
		Iteration: iteration,
		Output:    reply,
		Duration:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		return result, fmt.Errorf("failed to invoke llm backend: %w", err)
	}

	switch lastMarker(reply) {
	case markerDone:
		result.Completed = true
	case markerBlocked:
		result.ExitCode = b.BlockedExitCode
	}
	return result, nil
}

// lastMarker returns the final non-empty line when it is a recognized marker.
func lastMarker(reply string) string {
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if line == markerDone || line == markerBlocked {
			return line
		}
		return ""
	}
	return ""
}
