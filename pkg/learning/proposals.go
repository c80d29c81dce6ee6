package learning

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

var (
	dependencyErrRe = regexp.MustCompile(`(?i)(connection refused|no such host|dial tcp|connection reset|broken pipe|name resolution)`)
	timeoutErrRe    = regexp.MustCompile(`(?i)(timed? ?out|context deadline exceeded|deadline exceeded)`)
)

// TaskSubmitter hands generated proposals to the autonomous loop engine.
type TaskSubmitter interface {
	Submit(req ralph.SubmitRequest) (string, error)
}

// Proposer mines failure telemetry into optimization proposals. Generated
// proposals are deduplicated against an append-only on-disk hash log so a
// restart never re-raises the same suggestion.
type Proposer struct {
	cfg       *config.LearningConfig
	submitter TaskSubmitter
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	loaded    bool
	proposals []models.Proposal
}

// NewProposer creates a proposer. submitter may be nil when proposal
// submission is disabled; m may be nil in tests.
func NewProposer(cfg *config.LearningConfig, submitter TaskSubmitter, m *metrics.Metrics) *Proposer {
	return &Proposer{
		cfg:       cfg,
		submitter: submitter,
		metrics:   m,
		log:       slog.With("component", "learning"),
		seen:      map[string]struct{}{},
	}
}

// Apply marks a pending proposal as applied and returns it.
func (p *Proposer) Apply(proposalID string) (models.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.proposals {
		if p.proposals[i].ProposalID != proposalID {
			continue
		}
		if p.proposals[i].Status == models.ProposalApplied {
			return p.proposals[i], nil
		}
		p.proposals[i].Status = models.ProposalApplied
		return p.proposals[i], nil
	}
	return models.Proposal{}, fmt.Errorf("proposal %q: %w", proposalID, services.ErrNotFound)
}

// Proposals returns every proposal generated since startup, newest last.
func (p *Proposer) Proposals() []models.Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Proposal, len(p.proposals))
	copy(out, p.proposals)
	return out
}

// Process scans a batch of telemetry for proposal signals and returns the
// proposals that survived deduplication, capped per batch.
func (p *Proposer) Process(events []models.TelemetryEvent) []models.Proposal {
	type limitSignal struct {
		count   int
		maxIter int
	}
	limitHits := map[string]*limitSignal{}
	dependencyHits := map[string]int{}
	timeoutHits := map[string]int{}

	for _, ev := range events {
		if ev.EventType != models.EventTaskFailed {
			continue
		}
		if reason, _ := ev.Data["reason"].(string); reason == "iteration_limit_reached" {
			taskType := ev.TaskType
			if taskType == "" {
				taskType = "general"
			}
			sig := limitHits[taskType]
			if sig == nil {
				sig = &limitSignal{}
				limitHits[taskType] = sig
			}
			sig.count++
			if ev.MaxIterations > sig.maxIter {
				sig.maxIter = ev.MaxIterations
			}
		}
		if dependencyErrRe.MatchString(ev.LastError) {
			dependencyHits[helperBackend(ev)]++
		} else if timeoutErrRe.MatchString(ev.LastError) {
			timeoutHits[helperBackend(ev)]++
		}
	}

	var candidates []models.Proposal
	for _, taskType := range sortedKeys(limitHits) {
		sig := limitHits[taskType]
		raised := int(math.Ceil(float64(sig.maxIter) * 1.25))
		if raised <= sig.maxIter {
			raised = sig.maxIter + 1
		}
		candidates = append(candidates, models.Proposal{
			ProposalType: models.ProposalIterationLimitIncrease,
			Title:        fmt.Sprintf("Raise iteration limit for %s tasks", taskType),
			Rationale: fmt.Sprintf("%d %s task(s) exhausted their iteration limit of %d without completing",
				sig.count, taskType, sig.maxIter),
			RecommendedAction: fmt.Sprintf("Increase the %s iteration limit from %d to %d", taskType, sig.maxIter, raised),
			Evidence: map[string]any{
				"task_type":     taskType,
				"failure_count": sig.count,
				"current_limit": sig.maxIter,
			},
		})
	}
	for _, backend := range sortedKeys(dependencyHits) {
		candidates = append(candidates, models.Proposal{
			ProposalType: models.ProposalDependencyCheck,
			Title:        fmt.Sprintf("Add a dependency pre-flight check for %s tasks", backend),
			Rationale: fmt.Sprintf("%d task(s) failed on connection errors to an external dependency",
				dependencyHits[backend]),
			RecommendedAction: fmt.Sprintf("Probe required services before starting %s iterations and fail fast with a clear error", backend),
			Evidence: map[string]any{
				"backend":       backend,
				"failure_count": dependencyHits[backend],
			},
		})
	}
	for _, backend := range sortedKeys(timeoutHits) {
		candidates = append(candidates, models.Proposal{
			ProposalType: models.ProposalTimeoutAdjustment,
			Title:        fmt.Sprintf("Raise the iteration timeout for %s tasks", backend),
			Rationale: fmt.Sprintf("%d task(s) failed on timeouts, suggesting the per-iteration budget is too tight",
				timeoutHits[backend]),
			RecommendedAction: fmt.Sprintf("Increase the %s iteration timeout by 20%%", backend),
			Evidence: map[string]any{
				"backend":       backend,
				"failure_count": timeoutHits[backend],
			},
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	return p.commit(candidates)
}

// commit deduplicates against the hash log, caps the batch, persists the new
// hashes, and optionally submits each proposal as an approval-gated task.
func (p *Proposer) commit(candidates []models.Proposal) []models.Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		p.loadHashLog()
		p.loaded = true
	}

	var accepted []models.Proposal
	for i := range candidates {
		if len(accepted) >= p.cfg.MaxProposalsPerBatch {
			break
		}
		prop := candidates[i]
		hash := prop.Hash()
		if _, dup := p.seen[hash]; dup {
			continue
		}
		p.seen[hash] = struct{}{}

		prop.ProposalID = uuid.NewString()
		prop.Status = models.ProposalPending
		prop.ApprovalRequired = true
		prop.CreatedAt = time.Now().UTC()

		if err := p.appendHash(hash); err != nil {
			p.log.Warn("Failed to persist proposal hash", "error", err)
		}
		p.submit(&prop)
		if p.metrics != nil {
			p.metrics.ProposalsGenerated.WithLabelValues(prop.ProposalType).Inc()
		}
		p.proposals = append(p.proposals, prop)
		accepted = append(accepted, prop)
	}
	return accepted
}

func (p *Proposer) submit(prop *models.Proposal) {
	if !p.cfg.SubmitProposals || p.submitter == nil {
		return
	}
	taskID, err := p.submitter.Submit(ralph.SubmitRequest{
		Prompt:          prop.RecommendedAction + "\n\nRationale: " + prop.Rationale,
		TaskType:        "proposal",
		IterationMode:   models.ModeAdaptive,
		RequireApproval: true,
	})
	if err != nil {
		p.log.Warn("Failed to submit proposal as task",
			"type", prop.ProposalType, "error", err)
		return
	}
	prop.Status = models.ProposalSubmitted
	prop.SubmittedAsTask = taskID
}

func (p *Proposer) loadHashLog() {
	if p.cfg.ProposalLogPath == "" {
		return
	}
	f, err := os.Open(p.cfg.ProposalLogPath)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("Failed to read proposal log", "error", err)
		}
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			p.seen[line] = struct{}{}
		}
	}
}

func (p *Proposer) appendHash(hash string) error {
	if p.cfg.ProposalLogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.cfg.ProposalLogPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p.cfg.ProposalLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(hash + "\n")
	return err
}

func helperBackend(ev models.TelemetryEvent) string {
	if ev.Backend != "" {
		return ev.Backend
	}
	return "command"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
