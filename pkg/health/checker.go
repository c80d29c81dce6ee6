package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
)

// Checker runs probes over the registered dependency checks and the breaker
// registry.
type Checker struct {
	service  string
	cfg      *config.HealthConfig
	metrics  *metrics.Metrics
	breakers *resilience.Registry

	// criticalBreakers names the breakers whose open state takes readiness
	// to unhealthy rather than degraded.
	criticalBreakers map[string]bool

	mu     sync.RWMutex
	checks []DependencyCheck

	startupMu       sync.Mutex
	startupComplete bool
	startupResult   CheckResult

	perf *perfTracker
	log  *slog.Logger
}

// NewChecker creates a checker for the named service. metrics and breakers
// may be nil in tests.
func NewChecker(service string, cfg *config.HealthConfig, m *metrics.Metrics, breakers *resilience.Registry, criticalBreakers []string) *Checker {
	critical := make(map[string]bool, len(criticalBreakers))
	for _, name := range criticalBreakers {
		critical[name] = true
	}
	return &Checker{
		service:          service,
		cfg:              cfg,
		metrics:          m,
		breakers:         breakers,
		criticalBreakers: critical,
		perf:             newPerfTracker(),
		log:              slog.With("component", "health", "service", service),
	}
}

// Register adds a dependency check. Zero weight defaults to 1; zero timeout
// defaults to the configured check timeout.
func (c *Checker) Register(check DependencyCheck) {
	if check.Weight == 0 {
		check.Weight = 1
	}
	if check.Timeout == 0 {
		check.Timeout = c.cfg.CheckTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// ObserveLatency records one request latency sample for the performance
// probe's percentile window.
func (c *Checker) ObserveLatency(d time.Duration) {
	c.perf.observe(d)
}

// Liveness is the trivial responsiveness probe. It must complete in under a
// second and fails only when the process is deadlocked enough to time out.
func (c *Checker) Liveness(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Status:    StatusHealthy,
		CheckType: CheckLiveness,
		Message:   "service is responsive",
		Timestamp: start,
	}
	result.DurationMS = time.Since(start).Milliseconds()
	c.record(result)
	return result
}

// Readiness runs every registered check concurrently with per-check
// timeouts, folds in breaker state, and reports a weighted composite score.
func (c *Checker) Readiness(ctx context.Context) CheckResult {
	return c.runChecks(ctx, CheckReadiness, true)
}

// Dependency is readiness without the degraded distinction: any failing
// dependency makes the probe unhealthy.
func (c *Checker) Dependency(ctx context.Context) CheckResult {
	return c.runChecks(ctx, CheckDependency, false)
}

func (c *Checker) runChecks(ctx context.Context, checkType string, distinguishDegraded bool) CheckResult {
	start := time.Now()
	c.mu.RLock()
	checks := make([]DependencyCheck, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	outcomes := make([]checkOutcome, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, check.Timeout)
			defer cancel()
			checkStart := time.Now()
			err := check.Fn(checkCtx)
			outcomes[i] = checkOutcome{
				name:     check.Name,
				critical: check.Critical,
				weight:   check.Weight,
				err:      err,
				duration: time.Since(checkStart),
			}
			return nil // failures are folded into the composite, never abort the run
		})
	}
	_ = g.Wait()

	status := StatusHealthy
	details := make(map[string]any, len(outcomes)+2)
	var totalWeight, healthyWeight float64
	var failures []string

	for _, out := range outcomes {
		totalWeight += out.weight
		entry := map[string]any{
			"critical":    out.critical,
			"duration_ms": out.duration.Milliseconds(),
		}
		if out.err != nil {
			entry["status"] = StatusUnhealthy
			entry["error"] = out.err.Error()
			failures = append(failures, out.name)
			if out.critical {
				status = StatusUnhealthy
			} else if status == StatusHealthy && distinguishDegraded {
				status = StatusDegraded
			} else if !distinguishDegraded {
				status = StatusUnhealthy
			}
		} else {
			entry["status"] = StatusHealthy
			healthyWeight += out.weight
		}
		details[out.name] = entry
	}

	// Open breakers feed readiness: a critical breaker open is an outage,
	// any other open breaker is degradation.
	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state != models.BreakerOpen {
				continue
			}
			details["breaker_"+name] = state
			if c.criticalBreakers[name] {
				status = StatusUnhealthy
			} else if status == StatusHealthy && distinguishDegraded {
				status = StatusDegraded
			}
		}
	}

	if totalWeight > 0 {
		details["composite_score"] = healthyWeight / totalWeight
	}

	message := "all dependencies healthy"
	if len(failures) > 0 {
		message = fmt.Sprintf("failing dependencies: %v", failures)
	}

	result := CheckResult{
		Status:     status,
		CheckType:  checkType,
		Message:    message,
		Details:    details,
		Timestamp:  start,
		DurationMS: time.Since(start).Milliseconds(),
	}
	c.record(result)
	return result
}

// Startup verifies bootstrap tasks once and latches the result; subsequent
// calls return the cached status without re-running the checks.
func (c *Checker) Startup(ctx context.Context, bootstrap func(ctx context.Context) error) CheckResult {
	c.startupMu.Lock()
	defer c.startupMu.Unlock()

	if c.startupComplete {
		return c.startupResult
	}

	start := time.Now()
	result := CheckResult{
		CheckType: CheckStartup,
		Timestamp: start,
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	if err := bootstrap(checkCtx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("bootstrap verification failed: %v", err)
		result.DurationMS = time.Since(start).Milliseconds()
		c.record(result)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "startup complete"
	result.DurationMS = time.Since(start).Milliseconds()
	c.startupComplete = true
	c.startupResult = result
	c.log.Info("Startup verification complete", "duration_ms", result.DurationMS)
	c.record(result)
	return result
}

// record updates the probe's counter/histogram/gauge triple.
func (c *Checker) record(result CheckResult) {
	if c.metrics == nil {
		return
	}
	c.metrics.HealthChecks.WithLabelValues(c.service, result.CheckType, result.Status).Inc()
	c.metrics.HealthLatency.WithLabelValues(c.service, result.CheckType).
		Observe(float64(result.DurationMS) / 1000)

	var v float64
	switch result.Status {
	case StatusHealthy:
		v = 1
	case StatusDegraded:
		v = 0.5
	}
	c.metrics.HealthStatus.WithLabelValues(c.service, result.CheckType).Set(v)
}
