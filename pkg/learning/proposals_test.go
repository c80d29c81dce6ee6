package learning

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []ralph.SubmitRequest
}

func (f *fakeSubmitter) Submit(req ralph.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "task-1", nil
}

func capHitEvent(taskType string, maxIter int) models.TelemetryEvent {
	return models.TelemetryEvent{
		EventType:     models.EventTaskFailed,
		TaskType:      taskType,
		MaxIterations: maxIter,
		Data:          map[string]any{"reason": "iteration_limit_reached"},
	}
}

func TestProposerIterationLimitIncrease(t *testing.T) {
	cfg := learningConfig(t)
	p := NewProposer(cfg, nil, nil)

	props := p.Process([]models.TelemetryEvent{
		capHitEvent("bugfix", 10),
		capHitEvent("bugfix", 10),
	})
	require.Len(t, props, 1)
	prop := props[0]
	assert.Equal(t, models.ProposalIterationLimitIncrease, prop.ProposalType)
	assert.Contains(t, prop.RecommendedAction, "from 10 to 13") // ceil(10*1.25)
	assert.Equal(t, models.ProposalPending, prop.Status)
	assert.True(t, prop.ApprovalRequired)
	assert.NotEmpty(t, prop.ProposalID)
	assert.Equal(t, 2, prop.Evidence["failure_count"])
}

func TestProposerDependencyAndTimeoutSignals(t *testing.T) {
	cfg := learningConfig(t)
	p := NewProposer(cfg, nil, nil)

	props := p.Process([]models.TelemetryEvent{
		{EventType: models.EventTaskFailed, Backend: "command",
			LastError: "dial tcp 10.0.0.5:5432: connection refused"},
		{EventType: models.EventTaskFailed, Backend: "llm",
			LastError: "context deadline exceeded"},
	})
	require.Len(t, props, 2)

	types := []string{props[0].ProposalType, props[1].ProposalType}
	assert.Contains(t, types, models.ProposalDependencyCheck)
	assert.Contains(t, types, models.ProposalTimeoutAdjustment)
}

func TestProposerDeduplicatesAcrossBatches(t *testing.T) {
	cfg := learningConfig(t)
	p := NewProposer(cfg, nil, nil)

	events := []models.TelemetryEvent{capHitEvent("bugfix", 10)}
	first := p.Process(events)
	require.Len(t, first, 1)

	second := p.Process(events)
	assert.Empty(t, second)
	assert.Len(t, p.Proposals(), 1)
}

func TestProposerDeduplicatesAcrossRestarts(t *testing.T) {
	cfg := learningConfig(t)
	events := []models.TelemetryEvent{capHitEvent("bugfix", 10)}

	first := NewProposer(cfg, nil, nil)
	require.Len(t, first.Process(events), 1)

	// A fresh proposer reads the persisted hash log.
	restarted := NewProposer(cfg, nil, nil)
	assert.Empty(t, restarted.Process(events))
}

func TestProposerCapsBatch(t *testing.T) {
	cfg := learningConfig(t)
	cfg.MaxProposalsPerBatch = 2
	p := NewProposer(cfg, nil, nil)

	props := p.Process([]models.TelemetryEvent{
		capHitEvent("bugfix", 10),
		capHitEvent("refactor", 25),
		capHitEvent("docs", 3),
	})
	assert.Len(t, props, 2)
}

func TestProposerSubmitsWhenEnabled(t *testing.T) {
	cfg := learningConfig(t)
	cfg.SubmitProposals = true
	sub := &fakeSubmitter{}
	p := NewProposer(cfg, sub, nil)

	props := p.Process([]models.TelemetryEvent{capHitEvent("bugfix", 10)})
	require.Len(t, props, 1)
	assert.Equal(t, models.ProposalSubmitted, props[0].Status)
	assert.Equal(t, "task-1", props[0].SubmittedAsTask)

	require.Len(t, sub.requests, 1)
	assert.True(t, sub.requests[0].RequireApproval)
	assert.Equal(t, "proposal", sub.requests[0].TaskType)
}

func TestProposerIgnoresUnrelatedFailures(t *testing.T) {
	cfg := learningConfig(t)
	p := NewProposer(cfg, nil, nil)

	props := p.Process([]models.TelemetryEvent{
		{EventType: models.EventTaskFailed, LastError: "assertion failed in test suite"},
		{EventType: models.EventTaskCompleted, Success: true},
	})
	assert.Empty(t, props)
}
