package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// mmrLambda balances relevance against diversity in the MMR pass.
const mmrLambda = 0.3

// Metadata boost multipliers.
const (
	boostVerified    = 1.5
	boostSuccessRate = 1.3
	boostRecent7d    = 1.25
	boostRecent90d   = 1.2
	boostCodeBlock   = 1.15
)

// CrossEncoder reorders hits with a heavier model. Implementations may be
// unavailable at runtime; the pipeline falls back to the boosted order.
type CrossEncoder interface {
	Rerank(ctx context.Context, query string, hits []models.SearchHit) ([]models.SearchHit, error)
}

// Rerank applies metadata boosts, sorts, diversifies with MMR, and finally
// hands the order to the cross-encoder when one is wired.
func (p *Pipeline) Rerank(ctx context.Context, query string, hits []models.SearchHit) []models.SearchHit {
	now := time.Now().UTC()
	for i := range hits {
		hits[i].Score *= boostFactor(hits[i], now)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	hits = mmr(hits, mmrLambda)

	if p.crossEncoder != nil {
		reordered, err := p.crossEncoder.Rerank(ctx, query, hits)
		if err != nil {
			p.log.Warn("Cross-encoder rerank failed, keeping boosted order", "error", err)
			return hits
		}
		return reordered
	}
	return hits
}

func boostFactor(hit models.SearchHit, now time.Time) float64 {
	factor := 1.0
	payload := hit.Item.Payload

	if verified, ok := payload["solution_verified"].(bool); ok && verified {
		factor *= boostVerified
	}
	if hit.Item.SuccessRate >= 0.8 {
		factor *= boostSuccessRate
	}
	if updated := payloadTime(payload, "last_updated"); !updated.IsZero() {
		switch age := now.Sub(updated); {
		case age <= 7*24*time.Hour:
			factor *= boostRecent7d
		case age <= 90*24*time.Hour:
			factor *= boostRecent90d
		}
	}
	if strings.Contains(hit.Item.Content, "```") {
		factor *= boostCodeBlock
	}
	return factor
}

// mmr greedily reorders hits by marginal relevance: each pick maximizes
// λ·score − (1−λ)·max-similarity-to-already-picked. Input must be sorted by
// score descending; the top hit is always kept first.
func mmr(hits []models.SearchHit, lambda float64) []models.SearchHit {
	if len(hits) <= 2 {
		return hits
	}

	remaining := make([]models.SearchHit, len(hits))
	copy(remaining, hits)
	out := make([]models.SearchHit, 0, len(hits))
	out = append(out, remaining[0])
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx, bestVal := 0, -1e18
		for i, cand := range remaining {
			maxSim := 0.0
			for _, picked := range out {
				if sim := hitSimilarity(cand, picked); sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*cand.Score - (1-lambda)*maxSim
			if val > bestVal {
				bestIdx, bestVal = i, val
			}
		}
		out = append(out, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out
}

// hitSimilarity prefers embedding cosine; falls back to token overlap when
// vectors were not returned with the hit.
func hitSimilarity(a, b models.SearchHit) float64 {
	if len(a.Item.Vector) > 0 && len(b.Item.Vector) > 0 {
		return vector.Cosine(a.Item.Vector, b.Item.Vector)
	}
	return tokenOverlap(a.Item.Content, b.Item.Content)
}

// tokenOverlap is the Jaccard index over lowercase word sets.
func tokenOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	var common int
	for w := range setA {
		if setB[w] {
			common++
		}
	}
	return float64(common) / float64(len(setA)+len(setB)-common)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func payloadTime(payload map[string]any, key string) time.Time {
	raw, ok := payload[key].(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
