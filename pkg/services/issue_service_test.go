package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestNormalizeErrorScrubsVolatileFragments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"timestamp and pid",
			"2026-08-26T10:15:30Z worker 4821 crashed",
			"<ts> worker <n> crashed",
		},
		{
			"uuid",
			"session 7f3e8a12-0042-4afe-9b31-8cde12345678 not found",
			"session <uuid> not found",
		},
		{
			"hex address",
			"panic at 0xDEADBEEF",
			"panic at <hex>",
		},
		{
			"case and whitespace folded",
			"Connection   REFUSED",
			"connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeError(tt.in))
		})
	}
}

func TestErrorHashStableAcrossVolatileDifferences(t *testing.T) {
	a := ErrorHash("2026-08-26T10:15:30Z connection refused to host 10")
	b := ErrorHash("2026-08-25T09:00:00Z connection refused to host 99")
	assert.Equal(t, a, b, "equivalent errors must hash to the same issue")

	c := ErrorHash("permission denied")
	assert.NotEqual(t, a, c)
}

func TestRecordUpsertsByHash(t *testing.T) {
	db, mock := mockDB(t)
	svc := NewIssueService(db)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO issues`).
		WithArgs(sqlmock.AnyArg(), "high", "dependency", "ralph", sqlmock.AnyArg(),
			ErrorHash("connection refused"), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "severity", "category", "component", "occurrence_count",
			"first_seen", "last_seen", "error_hash", "status",
		}).AddRow("issue-1", "high", "dependency", "ralph", 2, now, now, ErrorHash("connection refused"), "open"))

	issue, err := svc.Record(context.Background(), RecordInput{
		Severity:  "high",
		Category:  "dependency",
		Component: "ralph",
		Message:   "connection refused",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, issue.OccurrenceCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRejectsEmptyMessage(t *testing.T) {
	db, _ := mockDB(t)
	svc := NewIssueService(db)

	_, err := svc.Record(context.Background(), RecordInput{Message: "   "})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestGetMissingIssueIsNotFound(t *testing.T) {
	db, mock := mockDB(t)
	svc := NewIssueService(db)

	mock.ExpectQuery(`SELECT .+ FROM issues`).
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
