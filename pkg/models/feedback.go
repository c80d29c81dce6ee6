package models

import "time"

// FeedbackRecord captures explicit user feedback on an interaction or a
// free-standing correction.
type FeedbackRecord struct {
	FeedbackID    string    `json:"feedback_id"`
	InteractionID string    `json:"interaction_id,omitempty"`
	Query         string    `json:"query,omitempty"`
	Rating        int       `json:"rating"` // -1, 0, +1
	Note          string    `json:"note,omitempty"`
	Correction    string    `json:"correction,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Model         string    `json:"model,omitempty"`
	Variant       string    `json:"variant,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
