package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// QueryGap is a query the pipeline answered with low confidence. The
// learning loop mines gaps for missing knowledge.
type QueryGap struct {
	ID         int64     `json:"id" db:"id"`
	Query      string    `json:"query" db:"query"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Collection string    `json:"collection" db:"collection"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// GapService records low-confidence queries.
type GapService struct {
	db *sqlx.DB
}

// NewGapService creates a new GapService.
func NewGapService(db *sqlx.DB) *GapService {
	return &GapService{db: db}
}

// Record stores one gap.
func (s *GapService) Record(ctx context.Context, query string, confidence float64, collection string) error {
	if strings.TrimSpace(query) == "" {
		return NewValidationError("query", "is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_gaps (query, confidence, collection) VALUES ($1, $2, $3)`,
		query, confidence, collection)
	if err != nil {
		return fmt.Errorf("failed to insert query gap: %w", err)
	}
	return nil
}

// ListRecent returns the newest gaps up to limit.
func (s *GapService) ListRecent(ctx context.Context, limit int) ([]QueryGap, error) {
	var gaps []QueryGap
	err := s.db.SelectContext(ctx, &gaps, `
		SELECT id, query, confidence, collection, created_at
		FROM query_gaps ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list query gaps: %w", err)
	}
	return gaps, nil
}
