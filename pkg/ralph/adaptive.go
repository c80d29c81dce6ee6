package ralph

import (
	"strings"
	"sync"
)

// Complexity buckets with their base iteration limits.
const (
	complexitySimple      = "simple"
	complexityModerate    = "moderate"
	complexityComplex     = "complex"
	complexityVeryComplex = "very_complex"
)

var baseLimits = map[string]int{
	complexitySimple:      3,
	complexityModerate:    10,
	complexityComplex:     25,
	complexityVeryComplex: 50,
}

// Keyword scores feeding the complexity bucket. Heavier terms describe work
// that historically needs more iterations.
var complexityKeywords = map[string]int{
	"typo": -2, "rename": -2, "comment": -2, "format": -1, "bump": -2,
	"refactor": 2, "migrate": 2, "integrate": 2, "optimize": 2,
	"redesign": 3, "architecture": 3, "rewrite": 3,
	"distributed": 3, "concurrency": 3, "end-to-end": 3,
}

// historyWindow is how many recent records feed the adjustment factor, and
// historyCap bounds retained records per (task_type, backend) key.
const (
	historyWindow = 10
	historyCap    = 100
	minHistory    = 3
)

type historyRecord struct {
	success    bool
	iterations int
}

type historyKey struct {
	taskType string
	backend  string
}

// KeyStats is the exported per-key adaptive snapshot.
type KeyStats struct {
	TaskType      string  `json:"task_type"`
	Backend       string  `json:"backend"`
	Records       int     `json:"records"`
	SuccessRate   float64 `json:"success_rate"`
	AvgIterations float64 `json:"avg_iterations"`
	Adjustment    float64 `json:"adjustment"`
}

// Decision explains one adaptive-limit computation.
type Decision struct {
	Bucket     string  `json:"bucket"`
	BaseLimit  int     `json:"base_limit"`
	Adjustment float64 `json:"adjustment"`
	Limit      int     `json:"limit"`
}

// limitAdvisor computes adaptive iteration limits from prompt complexity and
// recent per-(task_type, backend) history.
type limitAdvisor struct {
	minIterations int
	maxCap        int

	mu      sync.Mutex
	history map[historyKey][]historyRecord
}

func newLimitAdvisor(minIterations, maxCap int) *limitAdvisor {
	return &limitAdvisor{
		minIterations: minIterations,
		maxCap:        maxCap,
		history:       make(map[historyKey][]historyRecord),
	}
}

// Decide buckets the prompt, applies the history factor, and clamps.
func (a *limitAdvisor) Decide(prompt, taskType, backend string) Decision {
	bucket := complexityBucket(prompt)
	base := baseLimits[bucket]
	factor := a.adjustment(historyKey{taskType: taskType, backend: backend})

	limit := int(float64(base) * factor)
	if limit < a.minIterations {
		limit = a.minIterations
	}
	if limit > a.maxCap {
		limit = a.maxCap
	}
	return Decision{Bucket: bucket, BaseLimit: base, Adjustment: factor, Limit: limit}
}

// Record appends a terminal-state observation, trimming to the cap.
func (a *limitAdvisor) Record(taskType, backend string, success bool, iterations int) {
	key := historyKey{taskType: taskType, backend: backend}
	a.mu.Lock()
	defer a.mu.Unlock()
	records := append(a.history[key], historyRecord{success: success, iterations: iterations})
	if len(records) > historyCap {
		records = records[len(records)-historyCap:]
	}
	a.history[key] = records
}

// adjustment derives the multiplier from the last window of records. Fewer
// than three records always yields exactly 1.0.
func (a *limitAdvisor) adjustment(key historyKey) float64 {
	a.mu.Lock()
	records := a.history[key]
	if len(records) > historyWindow {
		records = records[len(records)-historyWindow:]
	}
	window := make([]historyRecord, len(records))
	copy(window, records)
	a.mu.Unlock()

	if len(window) < minHistory {
		return 1.0
	}

	var successes, totalIterations int
	for _, r := range window {
		if r.success {
			successes++
		}
		totalIterations += r.iterations
	}
	successRate := float64(successes) / float64(len(window))
	avgIterations := float64(totalIterations) / float64(len(window))

	switch {
	case successRate > 0.8 && avgIterations < 5:
		return 0.8
	case successRate > 0.6:
		return 1.0
	case successRate > 0.4:
		return 1.2
	default:
		return 1.5
	}
}

// Stats snapshots every key's recent history.
func (a *limitAdvisor) Stats() []KeyStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]KeyStats, 0, len(a.history))
	for key, records := range a.history {
		window := records
		if len(window) > historyWindow {
			window = window[len(window)-historyWindow:]
		}
		var successes, totalIterations int
		for _, r := range window {
			if r.success {
				successes++
			}
			totalIterations += r.iterations
		}
		stats := KeyStats{
			TaskType: key.taskType,
			Backend:  key.backend,
			Records:  len(records),
		}
		if len(window) > 0 {
			stats.SuccessRate = float64(successes) / float64(len(window))
			stats.AvgIterations = float64(totalIterations) / float64(len(window))
		}
		out = append(out, stats)
	}
	for i := range out {
		out[i].Adjustment = a.adjustmentFromStats(out[i])
	}
	return out
}

func (a *limitAdvisor) adjustmentFromStats(s KeyStats) float64 {
	window := s.Records
	if window > historyWindow {
		window = historyWindow
	}
	if window < minHistory {
		return 1.0
	}
	switch {
	case s.SuccessRate > 0.8 && s.AvgIterations < 5:
		return 0.8
	case s.SuccessRate > 0.6:
		return 1.0
	case s.SuccessRate > 0.4:
		return 1.2
	default:
		return 1.5
	}
}

// complexityBucket scores keywords plus a length bias.
func complexityBucket(prompt string) string {
	lower := strings.ToLower(prompt)
	var score int
	for kw, weight := range complexityKeywords {
		if strings.Contains(lower, kw) {
			score += weight
		}
	}
	switch n := len(prompt); {
	case n > 1500:
		score += 2
	case n > 500:
		score++
	}

	switch {
	case score <= -1:
		return complexitySimple
	case score <= 1:
		return complexityModerate
	case score <= 3:
		return complexityComplex
	default:
		return complexityVeryComplex
	}
}
