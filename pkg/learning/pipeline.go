package learning

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

const cycleTimeout = 2 * time.Minute

// PipelineStats is the snapshot served by the learning API.
type PipelineStats struct {
	ProcessedCount   int64      `json:"processed_count"`
	MalformedCount   int64      `json:"malformed_count"`
	PatternsStored   int64      `json:"patterns_stored"`
	Dedup            DedupStats `json:"dedup"`
	ProposalCount    int        `json:"proposal_count"`
	Paused           bool       `json:"paused"`
	UnprocessedBytes int64      `json:"unprocessed_bytes"`
	LastCycle        time.Time  `json:"last_cycle,omitempty"`
	FilesTracked     int        `json:"files_tracked"`
}

// ExportResult describes the fine-tuning dataset on disk.
type ExportResult struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
}

// Pipeline supervises the learning loop: it tails every telemetry file under
// the telemetry directory, checkpoints progress, and applies backpressure
// when the unprocessed backlog grows past the configured threshold.
type Pipeline struct {
	cfg       *config.LearningConfig
	extractor *Extractor
	proposer  *Proposer
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu         sync.Mutex
	tailers    map[string]*Tailer
	checkpoint *Checkpoint
	sinceSave  int
	paused     bool
	patterns   int64
	lastCycle  time.Time
	lastUnproc int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewPipeline loads the checkpoint and builds the supervisor. The loop does
// not run until Start.
func NewPipeline(cfg *config.LearningConfig, extractor *Extractor, proposer *Proposer, m *metrics.Metrics) (*Pipeline, error) {
	cp, err := LoadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load learning checkpoint: %w", err)
	}
	return &Pipeline{
		cfg:        cfg,
		extractor:  extractor,
		proposer:   proposer,
		metrics:    m,
		log:        slog.With("component", "learning"),
		tailers:    map[string]*Tailer{},
		checkpoint: cp,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the supervised loop. Calling Start twice is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	p.log.Info("Learning pipeline started",
		"interval", p.cfg.Interval,
		"backpressure_threshold_mb", p.cfg.BackpressureThresholdMB)
}

// Stop shuts the loop down and saves a final checkpoint.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := SaveCheckpoint(p.cfg.CheckpointPath, p.checkpoint); err != nil {
		p.log.Error("Failed to save final checkpoint", "error", err)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		interval := p.cfg.Interval

		if backlog := p.backlog(); backlog > int64(p.cfg.BackpressureThresholdMB)*1024*1024 {
			p.setPaused(true, backlog)
			interval = p.cfg.PauseInterval
		} else {
			p.setPaused(false, backlog)
			if _, err := p.RunOnce(context.Background()); err != nil {
				p.log.Error("Learning cycle failed", "error", err)
			}
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce executes a single ingest cycle: read every tailer, mine patterns
// and proposals, and checkpoint. Per-event failures never abort the batch.
func (p *Pipeline) RunOnce(ctx context.Context) (processed int, err error) {
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("learning cycle panicked: %v", r)
			p.log.Error("Recovered from learning cycle panic",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.discoverLocked()

	for _, path := range p.sortedTailerPaths() {
		tailer := p.tailers[path]
		events, readErr := tailer.Read()
		if readErr != nil {
			p.log.Error("Failed to read telemetry file", "file", path, "error", readErr)
			continue
		}
		if len(events) == 0 {
			p.checkpoint.LastPositions[path] = tailer.Offset()
			continue
		}

		stored := p.extractor.Process(ctx, events)
		p.patterns += int64(stored)
		p.proposer.Process(events)

		processed += len(events)
		p.checkpoint.ProcessedCount += int64(len(events))
		p.checkpoint.LastPositions[path] = tailer.Offset()
		if p.metrics != nil {
			p.metrics.EventsProcessed.Add(float64(len(events)))
		}

		p.sinceSave += len(events)
		if p.sinceSave >= p.cfg.CheckpointEvery {
			p.saveLocked()
		}
	}

	if p.sinceSave > 0 {
		p.saveLocked()
	}
	p.lastCycle = time.Now().UTC()
	return processed, nil
}

// Process runs one cycle on demand, outside the supervised schedule.
func (p *Pipeline) Process(ctx context.Context) (int, error) {
	return p.RunOnce(ctx)
}

// Proposals returns the proposals generated since startup.
func (p *Pipeline) Proposals() []models.Proposal {
	return p.proposer.Proposals()
}

// Stats snapshots the pipeline state.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var malformed int64
	for _, t := range p.tailers {
		malformed += t.Malformed()
	}
	return PipelineStats{
		ProcessedCount:   p.checkpoint.ProcessedCount,
		MalformedCount:   malformed,
		PatternsStored:   p.patterns,
		Dedup:            p.extractor.Stats(),
		ProposalCount:    len(p.proposer.Proposals()),
		Paused:           p.paused,
		UnprocessedBytes: p.lastUnproc,
		LastCycle:        p.lastCycle,
		FilesTracked:     len(p.tailers),
	}
}

// Export reports the fine-tuning dataset location and size.
func (p *Pipeline) Export() (ExportResult, error) {
	res := ExportResult{Path: p.cfg.DatasetPath}
	data, err := os.ReadFile(p.cfg.DatasetPath)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to read dataset: %w", err)
	}
	res.Bytes = int64(len(data))
	for _, b := range data {
		if b == '\n' {
			res.Records++
		}
	}
	return res, nil
}

// backlog sums file_size − last_offset across every telemetry file, picking
// up newly appeared files as it goes.
func (p *Pipeline) backlog() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discoverLocked()
	var total int64
	for _, t := range p.tailers {
		total += t.Backlog()
	}
	p.lastUnproc = total
	if p.metrics != nil {
		p.metrics.UnprocessedBytes.Set(float64(total))
	}
	return total
}

func (p *Pipeline) setPaused(paused bool, backlog int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused == p.paused {
		return
	}
	p.paused = paused
	if paused {
		if p.metrics != nil {
			p.metrics.BackpressurePaused.Set(1)
		}
		p.log.Warn("Pausing telemetry ingestion under backpressure",
			"unprocessed_bytes", backlog,
			"threshold_mb", p.cfg.BackpressureThresholdMB)
	} else {
		if p.metrics != nil {
			p.metrics.BackpressurePaused.Set(0)
		}
		p.log.Info("Resuming telemetry ingestion", "unprocessed_bytes", backlog)
	}
}

func (p *Pipeline) discoverLocked() {
	paths, err := filepath.Glob(filepath.Join(p.cfg.TelemetryDir, "*.jsonl"))
	if err != nil {
		p.log.Error("Failed to list telemetry directory", "error", err)
		return
	}
	for _, path := range paths {
		if _, ok := p.tailers[path]; !ok {
			p.tailers[path] = NewTailer(path, p.checkpoint.LastPositions[path])
		}
	}
}

func (p *Pipeline) sortedTailerPaths() []string {
	paths := make([]string, 0, len(p.tailers))
	for path := range p.tailers {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (p *Pipeline) saveLocked() {
	if err := SaveCheckpoint(p.cfg.CheckpointPath, p.checkpoint); err != nil {
		p.log.Error("Failed to save checkpoint", "error", err)
		return
	}
	p.sinceSave = 0
}
