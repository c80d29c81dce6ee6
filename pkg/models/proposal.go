package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Proposal types generated by the learning pipeline.
const (
	ProposalIterationLimitIncrease = "iteration_limit_increase"
	ProposalDependencyCheck        = "dependency_check_addition"
	ProposalTimeoutAdjustment      = "timeout_adjustment"
)

// Proposal statuses.
const (
	ProposalPending   = "pending"
	ProposalApplied   = "applied"
	ProposalRejected  = "rejected"
	ProposalSubmitted = "submitted"
)

// Proposal is an optimization suggestion mined from telemetry. Deduplicated
// across the persistent proposal log via Hash.
type Proposal struct {
	ProposalID        string         `json:"proposal_id"`
	ProposalType      string         `json:"proposal_type"`
	Title             string         `json:"title"`
	Rationale         string         `json:"rationale"`
	RecommendedAction string         `json:"recommended_action"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	Status            string         `json:"status"`
	ApprovalRequired  bool           `json:"approval_required"`
	CreatedAt         time.Time      `json:"created_at"`
	SubmittedAsTask   string         `json:"submitted_as_task,omitempty"`
}

// Hash is the stable dedup identity: SHA-256 over type, title, and
// recommended action. Two proposals with the same hash are the same proposal.
func (p *Proposal) Hash() string {
	h := sha256.New()
	h.Write([]byte(p.ProposalType))
	h.Write([]byte{'|'})
	h.Write([]byte(p.Title))
	h.Write([]byte{'|'})
	h.Write([]byte(p.RecommendedAction))
	return hex.EncodeToString(h.Sum(nil))
}
