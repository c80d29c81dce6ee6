package models

import "time"

// Issue severities, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue is an error-taxonomy record, deduplicated by a normalized error hash
// with timestamps, UUIDs, and integers scrubbed before hashing.
type Issue struct {
	ID                  string    `json:"id"`
	Severity            string    `json:"severity"`
	Category            string    `json:"category"`
	Component           string    `json:"component"`
	OccurrenceCount     int       `json:"occurrence_count"`
	FirstSeen           time.Time `json:"first_seen"`
	LastSeen            time.Time `json:"last_seen"`
	ErrorHash           string    `json:"error_hash"`
	SuggestedFixes      []string  `json:"suggested_fixes,omitempty"`
	SystemChangesNeeded []string  `json:"system_changes_needed,omitempty"`
	Status              string    `json:"status"`
}
