package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/montanaflynn/stats"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// TelemetryService archives telemetry events and performance metrics in the
// relational store for ad-hoc analysis. The JSONL streams remain the source
// the learning pipeline tails; this table is the queryable copy.
type TelemetryService struct {
	db *sqlx.DB
}

// NewTelemetryService creates a new TelemetryService.
func NewTelemetryService(db *sqlx.DB) *TelemetryService {
	return &TelemetryService{db: db}
}

// RecordEvent archives one telemetry event.
func (s *TelemetryService) RecordEvent(ctx context.Context, event models.TelemetryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (event_type, service, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		event.EventType, event.Service, payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry event: %w", err)
	}
	return nil
}

// RecordMetric stores one performance metric sample.
func (s *TelemetryService) RecordMetric(ctx context.Context, service, name string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (service, metric_name, value)
		VALUES ($1, $2, $3)`, service, name, value)
	if err != nil {
		return fmt.Errorf("failed to insert performance metric: %w", err)
	}
	return nil
}

// MetricSummary aggregates recent samples of one metric.
type MetricSummary struct {
	Service string  `json:"service"`
	Metric  string  `json:"metric"`
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	P95     float64 `json:"p95"`
	Max     float64 `json:"max"`
}

// SummarizeMetric computes mean/p95/max over the most recent limit samples.
func (s *TelemetryService) SummarizeMetric(ctx context.Context, service, name string, limit int) (MetricSummary, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT value FROM performance_metrics
		WHERE service = $1 AND metric_name = $2
		ORDER BY recorded_at DESC LIMIT $3`, service, name, limit)
	if err != nil {
		return MetricSummary{}, fmt.Errorf("failed to query metric samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return MetricSummary{}, fmt.Errorf("failed to scan metric sample: %w", err)
		}
		samples = append(samples, v)
	}
	if err := rows.Err(); err != nil {
		return MetricSummary{}, err
	}

	summary := MetricSummary{Service: service, Metric: name, Count: len(samples)}
	if len(samples) == 0 {
		return summary, nil
	}
	summary.Mean, _ = stats.Mean(samples)
	summary.P95, _ = stats.Percentile(samples, 95)
	summary.Max, _ = stats.Max(samples)
	return summary, nil
}
