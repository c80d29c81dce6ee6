package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

// Volatile fragments scrubbed before hashing so the same logical error
// always lands on the same issue row.
var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	uuidRe      = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	hexRe       = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	intRe       = regexp.MustCompile(`\b\d+\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// NormalizeError scrubs timestamps, UUIDs, hex addresses, and integers from
// an error message, collapsing whitespace, so equivalent failures hash alike.
func NormalizeError(message string) string {
	msg := timestampRe.ReplaceAllString(message, "<ts>")
	msg = uuidRe.ReplaceAllString(msg, "<uuid>")
	msg = hexRe.ReplaceAllString(msg, "<hex>")
	msg = intRe.ReplaceAllString(msg, "<n>")
	msg = spaceRe.ReplaceAllString(msg, " ")
	return strings.TrimSpace(strings.ToLower(msg))
}

// ErrorHash returns the dedup hash for an error message.
func ErrorHash(message string) string {
	sum := sha256.Sum256([]byte(NormalizeError(message)))
	return hex.EncodeToString(sum[:])
}

// IssueService maintains the deduplicated error taxonomy.
type IssueService struct {
	db *sqlx.DB
}

// NewIssueService creates a new IssueService.
func NewIssueService(db *sqlx.DB) *IssueService {
	return &IssueService{db: db}
}

// RecordInput describes one observed error occurrence.
type RecordInput struct {
	Severity       string
	Category       string
	Component      string
	Message        string
	SuggestedFixes []string
}

// Record upserts an issue by normalized error hash: a known error bumps its
// occurrence count and last-seen instant, a new one inserts a fresh row.
func (s *IssueService) Record(ctx context.Context, in RecordInput) (models.Issue, error) {
	if strings.TrimSpace(in.Message) == "" {
		return models.Issue{}, NewValidationError("message", "is required")
	}
	if in.Severity == "" {
		in.Severity = models.SeverityMedium
	}

	hash := ErrorHash(in.Message)
	now := time.Now().UTC()
	fixes, err := json.Marshal(in.SuggestedFixes)
	if err != nil {
		return models.Issue{}, fmt.Errorf("failed to encode fixes: %w", err)
	}

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO issues (id, severity, category, component, occurrence_count, first_seen, last_seen, error_hash, suggested_fixes, status)
		VALUES ($1, $2, $3, $4, 1, $5, $5, $6, $7, 'open')
		ON CONFLICT (error_hash) DO UPDATE SET
			occurrence_count = issues.occurrence_count + 1,
			last_seen = EXCLUDED.last_seen
		RETURNING id, severity, category, component, occurrence_count, first_seen, last_seen, error_hash, status`,
		uuid.New().String(), in.Severity, in.Category, in.Component, now, hash, fixes)

	var issue models.Issue
	err = row.Scan(&issue.ID, &issue.Severity, &issue.Category, &issue.Component,
		&issue.OccurrenceCount, &issue.FirstSeen, &issue.LastSeen, &issue.ErrorHash, &issue.Status)
	if err != nil {
		return models.Issue{}, fmt.Errorf("failed to upsert issue: %w", err)
	}
	return issue, nil
}

// Get returns one issue by id.
func (s *IssueService) Get(ctx context.Context, id string) (models.Issue, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, severity, category, component, occurrence_count, first_seen, last_seen, error_hash, status
		FROM issues WHERE id = $1`, id)

	var issue models.Issue
	err := row.Scan(&issue.ID, &issue.Severity, &issue.Category, &issue.Component,
		&issue.OccurrenceCount, &issue.FirstSeen, &issue.LastSeen, &issue.ErrorHash, &issue.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Issue{}, ErrNotFound
	}
	if err != nil {
		return models.Issue{}, fmt.Errorf("failed to load issue %s: %w", id, err)
	}
	return issue, nil
}
