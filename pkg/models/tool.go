package models

import "time"

// Disclosure modes for tool listings. Minimal is safe for anonymous callers;
// full exposes manifests and requires an API key when one is configured.
const (
	DisclosureMinimal = "minimal"
	DisclosureFull    = "full"
)

// Skill lifecycle statuses.
const (
	SkillPending  = "pending"
	SkillApproved = "approved"
	SkillRejected = "rejected"
)

// Tool is one registered capability with its manifest and cost estimate.
type Tool struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Manifest           map[string]any `json:"manifest,omitempty"`
	CostEstimateTokens int            `json:"cost_estimate_tokens,omitempty"`
}

// ToolSummary is the minimal-disclosure view of a tool.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Summary strips the tool down to its public fields.
func (t Tool) Summary() ToolSummary {
	return ToolSummary{Name: t.Name, Description: t.Description}
}

// Skill is an imported markdown skill document. Imports land as pending and
// stay that way until an operator approves them.
type Skill struct {
	Slug        string         `json:"slug"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Tags        []string       `json:"tags,omitempty"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	ImportedAt  time.Time      `json:"imported_at"`
}

// AuditEntry is one line of the tool-call audit log. Caller identity and
// parameters are stored as hashes, never raw values.
type AuditEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Service        string    `json:"service"`
	ToolName       string    `json:"tool_name"`
	CallerHash     string    `json:"caller_hash"`
	ParametersHash string    `json:"parameters_hash"`
	Outcome        string    `json:"outcome"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	LatencyMS      int64     `json:"latency_ms"`
}
