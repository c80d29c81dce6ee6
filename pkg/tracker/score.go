package tracker

import (
	"strings"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// noveltyPlaceholder stands in until novelty is measured against the corpus.
const noveltyPlaceholder = 0.5

// reusabilityKeywords signal that an exchange generalizes beyond its
// immediate question.
var reusabilityKeywords = []string{
	"how to", "pattern", "configure", "setup", "install",
	"best practice", "example", "template", "workflow", "debug",
}

// ValueScore rates an interaction in [0,1]. Weights: outcome 0.4, user
// feedback 0.2, reusability 0.2, complexity 0.1, novelty 0.1.
func ValueScore(outcome string, feedback int, query, response string) float64 {
	var score float64

	switch outcome {
	case models.OutcomeSuccess:
		score += 0.4
	case models.OutcomePartial:
		score += 0.2
	}

	switch feedback {
	case 1:
		score += 0.2
	case 0:
		score += 0.1
	}

	score += 0.2 * reusability(query, response)
	score += 0.1 * complexity(response)
	score += 0.1 * noveltyPlaceholder
	return score
}

// reusability counts generalization keywords, saturating at four hits.
func reusability(query, response string) float64 {
	text := strings.ToLower(query + " " + response)
	var hits int
	for _, kw := range reusabilityKeywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	score := float64(hits) * 0.25
	if score > 1 {
		return 1
	}
	return score
}

// complexity scores response structure: code fences, enumerated steps, and
// substantial length each contribute.
func complexity(response string) float64 {
	var score float64
	if strings.Contains(response, "```") {
		score += 0.4
	}
	if hasEnumeration(response) {
		score += 0.3
	}
	if len(response) > 800 {
		score += 0.3
	}
	if score > 1 {
		return 1
	}
	return score
}

func hasEnumeration(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			return true
		}
		if len(trimmed) > 2 && trimmed[0] >= '1' && trimmed[0] <= '9' && trimmed[1] == '.' {
			return true
		}
	}
	return false
}
