package ralph

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

func TestCommandBackendCapturesExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	b := &CommandBackend{}
	task := &models.Task{Prompt: "echo hello", Context: map[string]any{}}

	result, err := b.Invoke(context.Background(), task, 1)
	require.NoError(t, err)
	assert.Zero(t, result.ExitCode)
	assert.Contains(t, result.Output, "hello")

	task.Context["command"] = "exit 75"
	result, err = b.Invoke(context.Background(), task, 2)
	require.NoError(t, err)
	assert.Equal(t, 75, result.ExitCode)
}

type markerLLM struct{ reply string }

func (m *markerLLM) Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error) {
	return m.reply, llm.Usage{}, nil
}

func TestLLMBackendMarkers(t *testing.T) {
	task := &models.Task{Prompt: "do the thing", Context: map[string]any{}}

	b := &LLMBackend{Client: &markerLLM{reply: "finished everything\nDONE"}, BlockedExitCode: 75}
	result, err := b.Invoke(context.Background(), task, 1)
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Zero(t, result.ExitCode)

	b.Client = &markerLLM{reply: "need credentials\nBLOCKED"}
	result, err = b.Invoke(context.Background(), task, 2)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, 75, result.ExitCode)

	b.Client = &markerLLM{reply: "made some progress\nCONTINUE"}
	result, err = b.Invoke(context.Background(), task, 3)
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Zero(t, result.ExitCode)
}
