package query

import (
	"fmt"
	"strings"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// tokensPerWord is the rough token estimate used for budget truncation.
const tokensPerWord = 1.3

// TokenEstimate approximates the token cost of text.
func TokenEstimate(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * tokensPerWord)
}

// Assemble formats the hits at the requested detail level and truncates to
// the token budget, keeping whole entries. Returns the assembled context,
// the ids actually included, and the token estimate.
func Assemble(hits []models.SearchHit, format string, maxTokens int) (string, []string, int) {
	var b strings.Builder
	var ids []string
	var total int

	for _, hit := range hits {
		entry := formatHit(hit, format)
		cost := TokenEstimate(entry)
		if maxTokens > 0 && total+cost > maxTokens && total > 0 {
			break
		}
		b.WriteString(entry)
		b.WriteString("\n\n")
		ids = append(ids, hit.Item.ID)
		total += cost
	}
	return strings.TrimRight(b.String(), "\n"), ids, total
}

func formatHit(hit models.SearchHit, format string) string {
	switch format {
	case models.FormatVerbose:
		var extras []string
		for _, key := range []string{"source", "solution", "error_pattern"} {
			if v, ok := hit.Item.Payload[key].(string); ok && v != "" {
				extras = append(extras, fmt.Sprintf("%s: %s", key, v))
			}
		}
		header := fmt.Sprintf("[%s | score %.2f | success %.0f%%]",
			hit.Collection, hit.Score, hit.Item.SuccessRate*100)
		if len(extras) > 0 {
			return header + "\n" + hit.Item.Content + "\n" + strings.Join(extras, "\n")
		}
		return header + "\n" + hit.Item.Content
	case models.FormatFull:
		return fmt.Sprintf("[%s] %s", hit.Collection, hit.Item.Content)
	default: // concise
		return truncateWords(hit.Item.Content, 60)
	}
}

func truncateWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) <= max {
		return s
	}
	return strings.Join(words[:max], " ") + " …"
}
