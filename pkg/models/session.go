package models

import "time"

// Session is multi-turn conversation state keyed by an opaque session id.
// Held in the KV cache with a TTL refreshed on every access.
type Session struct {
	SessionID          string         `json:"session_id"`
	CreatedAt          time.Time      `json:"created_at"`
	LastAccessed       time.Time      `json:"last_accessed"`
	Queries            []string       `json:"queries"`
	ContextItemIDsSent []string       `json:"context_item_ids_sent"`
	TotalTokensSent    int            `json:"total_tokens_sent"`
	TurnCount          int            `json:"turn_count"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Seen reports whether a context item id was already sent in this session.
func (s *Session) Seen(id string) bool {
	for _, sent := range s.ContextItemIDsSent {
		if sent == id {
			return true
		}
	}
	return false
}
