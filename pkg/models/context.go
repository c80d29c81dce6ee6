package models

import "time"

// Logical collections in the vector store. The set is fixed; collection names
// double as routing keys in the query pipeline.
const (
	CollectionCodebase     = "codebase-context"
	CollectionSkills       = "skills-patterns"
	CollectionErrors       = "error-solutions"
	CollectionPractices    = "best-practices"
	CollectionInteractions = "interaction-history"
)

// AllCollections lists every logical collection in search priority order.
var AllCollections = []string{
	CollectionCodebase,
	CollectionSkills,
	CollectionErrors,
	CollectionPractices,
	CollectionInteractions,
}

// ValidCollection reports whether name is one of the fixed collections.
func ValidCollection(name string) bool {
	for _, c := range AllCollections {
		if c == name {
			return true
		}
	}
	return false
}

// ContextItem is a retrieval record in one of the logical collections.
// Payload shape depends on the collection; error-solutions carry
// {error_pattern, context, solution, source, confidence_score, solution_verified}.
type ContextItem struct {
	ID           string         `json:"id"`
	Vector       []float32      `json:"vector,omitempty"`
	Content      string         `json:"content"`
	Collection   string         `json:"collection"`
	Payload      map[string]any `json:"payload,omitempty"`
	AccessCount  int            `json:"access_count"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	SuccessRate  float64        `json:"success_rate"`
	LastAccessed time.Time      `json:"last_accessed"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// SearchHit is a scored retrieval result flowing through the query pipeline.
type SearchHit struct {
	Item       ContextItem `json:"item"`
	Score      float64     `json:"score"`
	Collection string      `json:"collection"`
}
