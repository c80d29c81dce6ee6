package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// FeedbackService persists user feedback records.
type FeedbackService struct {
	db *sqlx.DB
}

// NewFeedbackService creates a new FeedbackService.
func NewFeedbackService(db *sqlx.DB) *FeedbackService {
	return &FeedbackService{db: db}
}

// Create validates and stores one feedback record, assigning its id and
// creation instant.
func (s *FeedbackService) Create(ctx context.Context, record models.FeedbackRecord) (models.FeedbackRecord, error) {
	if record.Rating < -1 || record.Rating > 1 {
		return models.FeedbackRecord{}, NewValidationError("rating", "must be -1, 0, or +1")
	}
	if record.InteractionID == "" && record.Query == "" {
		return models.FeedbackRecord{}, NewValidationError("query", "either interaction_id or query is required")
	}

	record.FeedbackID = uuid.New().String()
	record.CreatedAt = time.Now().UTC()

	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_feedback
			(feedback_id, interaction_id, query, rating, note, correction, tags, model, variant, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.FeedbackID, record.InteractionID, record.Query, record.Rating,
		record.Note, record.Correction, tags, record.Model, record.Variant, record.CreatedAt)
	if err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("failed to insert feedback: %w", err)
	}
	return record, nil
}

// Get returns one feedback record by id.
func (s *FeedbackService) Get(ctx context.Context, feedbackID string) (models.FeedbackRecord, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT feedback_id, interaction_id, query, rating, note, correction, tags, model, variant, created_at
		FROM learning_feedback WHERE feedback_id = $1`, feedbackID)

	record, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeedbackRecord{}, ErrNotFound
	}
	if err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("failed to load feedback %s: %w", feedbackID, err)
	}
	return record, nil
}

// ListForInteraction returns feedback attached to one interaction, newest
// first.
func (s *FeedbackService) ListForInteraction(ctx context.Context, interactionID string) ([]models.FeedbackRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT feedback_id, interaction_id, query, rating, note, correction, tags, model, variant, created_at
		FROM learning_feedback WHERE interaction_id = $1 ORDER BY created_at DESC`, interactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.FeedbackRecord
	for rows.Next() {
		record, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row rowScanner) (models.FeedbackRecord, error) {
	var record models.FeedbackRecord
	var interactionID sql.NullString
	var tags []byte

	err := row.Scan(&record.FeedbackID, &interactionID, &record.Query, &record.Rating,
		&record.Note, &record.Correction, &tags, &record.Model, &record.Variant, &record.CreatedAt)
	if err != nil {
		return models.FeedbackRecord{}, err
	}
	record.InteractionID = interactionID.String
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &record.Tags); err != nil {
			return models.FeedbackRecord{}, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	return record, nil
}
