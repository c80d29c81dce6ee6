// Package models contains request/response models and business domain types.
package models

import "time"

// Outcome classifies how an interaction ended.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
	OutcomeUnknown = "unknown"
)

// Agent classes for the requesting side of an interaction.
const (
	AgentLocal  = "local"
	AgentRemote = "remote"
)

// Interaction is the core record of one query/response exchange. Created when
// a query completes; mutated only by outcome/feedback updates.
type Interaction struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	Response     string    `json:"response"`
	AgentType    string    `json:"agent_type"`
	Model        string    `json:"model"`
	ContextIDs   []string  `json:"context_ids"`
	Outcome      string    `json:"outcome"`
	UserFeedback int       `json:"user_feedback"` // -1, 0, +1
	TokensUsed   int       `json:"tokens_used"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
	ValueScore   float64   `json:"value_score"`
}

// ValidOutcome reports whether s is a recognized outcome value.
func ValidOutcome(s string) bool {
	switch s {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}
