package models

import "time"

// Pattern is generalized knowledge extracted from a high-value interaction.
// Stored in the skills-patterns collection; similar existing patterns are
// merged with an exponential-moving-average update rather than duplicated.
type Pattern struct {
	ProblemType          string    `json:"problem_type"`
	SolutionApproach     string    `json:"solution_approach"`
	SkillsUsed           []string  `json:"skills_used"`
	GeneralizablePattern string    `json:"generalizable_pattern"`
	SuccessExamples      []string  `json:"success_examples"`
	FailureExamples      []string  `json:"failure_examples,omitempty"`
	ValueScore           float64   `json:"value_score"`
	LastUpdated          time.Time `json:"last_updated"`
}
