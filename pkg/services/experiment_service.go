package services

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/montanaflynn/stats"
)

// ExperimentService assigns subjects to A/B variants and records outcome
// metrics for the learning comparison endpoint.
type ExperimentService struct {
	db *sqlx.DB
}

// NewExperimentService creates a new ExperimentService.
func NewExperimentService(db *sqlx.DB) *ExperimentService {
	return &ExperimentService{db: db}
}

// Assign returns the subject's variant, creating a sticky assignment on
// first sight. Assignment is a stable hash over (experiment, subject) so the
// same subject always lands on the same arm even across instances.
func (s *ExperimentService) Assign(ctx context.Context, experiment, subjectID string, variants []string) (string, error) {
	if experiment == "" || subjectID == "" {
		return "", NewValidationError("experiment", "experiment and subject_id are required")
	}
	if len(variants) == 0 {
		variants = []string{"control", "treatment"}
	}

	var existing string
	err := s.db.GetContext(ctx, &existing, `
		SELECT variant FROM experiment_assignments WHERE experiment = $1 AND subject_id = $2`,
		experiment, subjectID)
	if err == nil {
		return existing, nil
	}

	sum := sha256.Sum256([]byte(experiment + "|" + subjectID))
	variant := variants[int(sum[0])%len(variants)]

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiment_assignments (experiment, subject_id, variant)
		VALUES ($1, $2, $3)
		ON CONFLICT (experiment, subject_id) DO NOTHING`,
		experiment, subjectID, variant)
	if err != nil {
		return "", fmt.Errorf("failed to record assignment: %w", err)
	}
	return variant, nil
}

// RecordResult stores one outcome metric for a variant.
func (s *ExperimentService) RecordResult(ctx context.Context, experiment, variant, metric string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_results (experiment, variant, metric_name, value)
		VALUES ($1, $2, $3, $4)`, experiment, variant, metric, value)
	if err != nil {
		return fmt.Errorf("failed to record experiment result: %w", err)
	}
	return nil
}

// VariantStats summarizes one arm of an experiment.
type VariantStats struct {
	Variant string  `json:"variant"`
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
}

// Compare aggregates a metric per variant.
func (s *ExperimentService) Compare(ctx context.Context, experiment, metric string) ([]VariantStats, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT variant, value FROM experiment_results
		WHERE experiment = $1 AND metric_name = $2`, experiment, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiment results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	samples := map[string][]float64{}
	var order []string
	for rows.Next() {
		var variant string
		var value float64
		if err := rows.Scan(&variant, &value); err != nil {
			return nil, fmt.Errorf("failed to scan experiment result: %w", err)
		}
		if _, seen := samples[variant]; !seen {
			order = append(order, variant)
		}
		samples[variant] = append(samples[variant], value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]VariantStats, 0, len(order))
	for _, variant := range order {
		values := samples[variant]
		mean, _ := stats.Mean(values)
		sd, _ := stats.StandardDeviation(values)
		result = append(result, VariantStats{
			Variant: variant,
			Count:   len(values),
			Mean:    mean,
			StdDev:  sd,
		})
	}
	return result, nil
}
