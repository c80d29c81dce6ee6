package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

func TestCreateFeedbackAssignsIDAndTimestamp(t *testing.T) {
	db, mock := mockDB(t)
	svc := NewFeedbackService(db)

	mock.ExpectExec(`INSERT INTO learning_feedback`).
		WithArgs(sqlmock.AnyArg(), "int-1", "how to fix keyring", 1, "worked",
			"", sqlmock.AnyArg(), "local", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	record, err := svc.Create(context.Background(), models.FeedbackRecord{
		InteractionID: "int-1",
		Query:         "how to fix keyring",
		Rating:        1,
		Note:          "worked",
		Model:         "local",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.FeedbackID)
	assert.WithinDuration(t, time.Now(), record.CreatedAt, time.Minute)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFeedbackValidatesRating(t *testing.T) {
	db, _ := mockDB(t)
	svc := NewFeedbackService(db)

	_, err := svc.Create(context.Background(), models.FeedbackRecord{Query: "q", Rating: 5})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCreateFeedbackRequiresTarget(t *testing.T) {
	db, _ := mockDB(t)
	svc := NewFeedbackService(db)

	_, err := svc.Create(context.Background(), models.FeedbackRecord{Rating: 1})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestGetFeedbackNotFound(t *testing.T) {
	db, mock := mockDB(t)
	svc := NewFeedbackService(db)

	mock.ExpectQuery(`SELECT .+ FROM learning_feedback`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"feedback_id"}))

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFeedbackDecodesTags(t *testing.T) {
	db, mock := mockDB(t)
	svc := NewFeedbackService(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM learning_feedback`).
		WithArgs("fb-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"feedback_id", "interaction_id", "query", "rating", "note",
			"correction", "tags", "model", "variant", "created_at",
		}).AddRow("fb-1", "int-1", "q", -1, "wrong answer", "use flakes", []byte(`["nixos","keyring"]`), "", "", now))

	record, err := svc.Get(context.Background(), "fb-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"nixos", "keyring"}, record.Tags)
	assert.Equal(t, -1, record.Rating)
}
