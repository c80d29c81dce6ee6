package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// latencyWindowSize bounds the in-memory sample window for percentile
// reporting.
const latencyWindowSize = 1024

// perfTracker keeps a ring buffer of request latencies in milliseconds.
type perfTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newPerfTracker() *perfTracker {
	return &perfTracker{samples: make([]float64, latencyWindowSize)}
}

func (p *perfTracker) observe(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[p.next] = float64(d.Milliseconds())
	p.next = (p.next + 1) % len(p.samples)
	if p.next == 0 {
		p.full = true
	}
}

func (p *perfTracker) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.next
	if p.full {
		n = len(p.samples)
	}
	out := make([]float64, n)
	copy(out, p.samples[:n])
	return out
}

// Performance samples host CPU, memory, and disk usage of the data root and
// reports request latency percentiles from the sample window. Threshold
// breaches degrade the service rather than failing it.
func (c *Checker) Performance(ctx context.Context, dataRoot string) CheckResult {
	start := time.Now()
	status := StatusHealthy
	details := make(map[string]any, 8)
	var breaches []string

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		details["cpu_percent"] = percents[0]
		if percents[0] > c.cfg.CPUPercent {
			status = StatusDegraded
			breaches = append(breaches, "cpu")
		}
	} else if err != nil {
		details["cpu_error"] = err.Error()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		details["mem_percent"] = vm.UsedPercent
		if vm.UsedPercent > c.cfg.MemPercent {
			status = StatusDegraded
			breaches = append(breaches, "memory")
		}
	} else {
		details["mem_error"] = err.Error()
	}

	if usage, err := disk.UsageWithContext(ctx, dataRoot); err == nil {
		details["disk_percent"] = usage.UsedPercent
		if usage.UsedPercent > c.cfg.DiskPercent {
			status = StatusDegraded
			breaches = append(breaches, "disk")
		}
	} else {
		details["disk_error"] = err.Error()
	}

	if samples := c.perf.snapshot(); len(samples) > 0 {
		if p50, err := stats.Percentile(samples, 50); err == nil {
			details["latency_p50_ms"] = p50
		}
		if p95, err := stats.Percentile(samples, 95); err == nil {
			details["latency_p95_ms"] = p95
		}
		if p99, err := stats.Percentile(samples, 99); err == nil {
			details["latency_p99_ms"] = p99
		}
		details["latency_samples"] = len(samples)
	}

	message := "resource usage within thresholds"
	if len(breaches) > 0 {
		message = fmt.Sprintf("resource thresholds exceeded: %v", breaches)
	}

	result := CheckResult{
		Status:     status,
		CheckType:  CheckPerformance,
		Message:    message,
		Details:    details,
		Timestamp:  start,
		DurationMS: time.Since(start).Milliseconds(),
	}
	c.record(result)
	return result
}
