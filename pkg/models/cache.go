package models

import "time"

// Cache hit kinds reported by the semantic cache.
const (
	CacheHitExact    = "exact"
	CacheHitSemantic = "semantic"
)

// CacheEntry is one cached response in the semantic cache.
type CacheEntry struct {
	ID             string    `json:"id"`
	QueryHash      string    `json:"query_hash"`
	QueryText      string    `json:"query_text"`
	QueryEmbedding []float32 `json:"query_embedding,omitempty"`
	Response       string    `json:"response"`
	LLMUsed        string    `json:"llm_used"`
	TokensSaved    int       `json:"tokens_saved"`
	HitCount       int       `json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastHitAt      time.Time `json:"last_hit_at"`
}
