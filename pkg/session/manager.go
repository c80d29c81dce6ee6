// Package session provides the stateful multi-turn wrapper around the query
// pipeline. Session state lives in Redis so any coordinator replica can
// continue a conversation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/kv"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/query"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

// Detail levels for multi-turn context.
const (
	LevelStandard      = "standard"
	LevelDetailed      = "detailed"
	LevelComprehensive = "comprehensive"
)

// levelSpec fixes search breadth and format per detail level.
type levelSpec struct {
	collections int
	hits        int
	format      string
}

var levels = map[string]levelSpec{
	LevelStandard:      {collections: 2, hits: 3, format: models.FormatConcise},
	LevelDetailed:      {collections: 3, hits: 5, format: models.FormatFull},
	LevelComprehensive: {collections: 5, hits: 10, format: models.FormatVerbose},
}

const suggestionsSystemPrompt = `Given the conversation so far, suggest 2-3 short follow-up questions, one per line. No numbering, no commentary.`

// TurnRequest is one conversational turn.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
	Level     string `json:"level,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	// PreviousContextIDs lets stateless callers extend the dedupe set
	// beyond what the session has recorded.
	PreviousContextIDs []string `json:"previous_context_ids,omitempty"`
}

// TurnResponse is the assembled context for one turn.
type TurnResponse struct {
	SessionID           string   `json:"session_id"`
	TurnNumber          int      `json:"turn_number"`
	Context             string   `json:"context"`
	ContextIDs          []string `json:"context_ids"`
	Suggestions         []string `json:"suggestions,omitempty"`
	TokenCount          int      `json:"token_count"`
	CollectionsSearched []string `json:"collections_searched"`
}

// Searcher is the retrieval surface the manager drives; satisfied by
// *query.Pipeline.
type Searcher interface {
	Expand(ctx context.Context, q string) []string
	HybridSearch(ctx context.Context, variants []string, firstEmbedding []float32, collections []string, limit int) ([]models.SearchHit, error)
	Rerank(ctx context.Context, q string, hits []models.SearchHit) []models.SearchHit
}

// LLM is the slice of the inference client the manager needs.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, llm.Usage, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Manager loads, searches for, and persists multi-turn sessions.
type Manager struct {
	cfg      *config.SessionConfig
	store    *kv.Store
	searcher Searcher
	llm      LLM
	log      *slog.Logger
}

// NewManager creates a manager over the shared KV store.
func NewManager(cfg *config.SessionConfig, store *kv.Store, searcher Searcher, llmClient LLM) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		searcher: searcher,
		llm:      llmClient,
		log:      slog.With("component", "session"),
	}
}

func sessionKey(id string) string {
	return "session:" + id
}

// Turn executes one conversational turn: load or create the session, search
// at the configured level, drop context already sent, persist, and optionally
// suggest follow-ups.
func (m *Manager) Turn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.Query == "" {
		return nil, services.NewValidationError("query", "query is required")
	}
	level := req.Level
	if level == "" {
		level = LevelStandard
	}
	spec, ok := levels[level]
	if !ok {
		return nil, services.NewValidationError("level", "must be standard, detailed, or comprehensive")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.cfg.DefaultMaxTokens
	}

	sess, err := m.loadOrCreate(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.Queries = append(sess.Queries, req.Query)

	collections := models.AllCollections[:spec.collections]

	embedding, err := m.llm.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	variants := m.searcher.Expand(ctx, req.Query)
	hits, err := m.searcher.HybridSearch(ctx, variants, embedding, collections, spec.hits)
	if err != nil {
		return nil, err
	}
	hits = m.searcher.Rerank(ctx, req.Query, hits)

	// Dedupe against everything this session has already seen plus any
	// caller-supplied ids.
	seen := make(map[string]bool, len(req.PreviousContextIDs))
	for _, id := range req.PreviousContextIDs {
		seen[id] = true
	}
	fresh := hits[:0]
	for _, hit := range hits {
		if seen[hit.Item.ID] || sess.Seen(hit.Item.ID) {
			continue
		}
		fresh = append(fresh, hit)
	}
	if len(fresh) > spec.hits {
		fresh = fresh[:spec.hits]
	}

	contextText, contextIDs, tokenCount := query.Assemble(fresh, spec.format, maxTokens)

	sess.ContextItemIDsSent = append(sess.ContextItemIDsSent, contextIDs...)
	sess.TotalTokensSent += tokenCount
	sess.TurnCount++
	sess.LastAccessed = time.Now().UTC()
	if err := m.store.SetJSON(ctx, sessionKey(sess.SessionID), sess, m.cfg.TTL); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	resp := &TurnResponse{
		SessionID:           sess.SessionID,
		TurnNumber:          sess.TurnCount,
		Context:             contextText,
		ContextIDs:          contextIDs,
		TokenCount:          tokenCount,
		CollectionsSearched: collections,
	}
	if m.cfg.SuggestionsEnabled && sess.TurnCount > 1 {
		resp.Suggestions = m.suggest(ctx, sess.Queries)
	}
	return resp, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	found, err := m.store.GetJSON(ctx, sessionKey(id), &sess)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("session %q: %w", id, services.ErrNotFound)
	}
	// Reads refresh the TTL the same as turns do.
	if err := m.store.Touch(ctx, sessionKey(id), m.cfg.TTL); err != nil {
		m.log.Warn("Failed to refresh session TTL", "session_id", id, "error", err)
	}
	return &sess, nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, sessionKey(id))
}

func (m *Manager) loadOrCreate(ctx context.Context, id string) (*models.Session, error) {
	if id != "" {
		var sess models.Session
		found, err := m.store.GetJSON(ctx, sessionKey(id), &sess)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if found {
			return &sess, nil
		}
	}
	now := time.Now().UTC()
	sid := id
	if sid == "" {
		sid = uuid.NewString()
	}
	return &models.Session{
		SessionID:    sid,
		CreatedAt:    now,
		LastAccessed: now,
	}, nil
}

// suggest asks the local LLM for follow-up questions. Best-effort: failures
// return no suggestions.
func (m *Manager) suggest(ctx context.Context, queries []string) []string {
	history := strings.Join(queries, "\n")
	reply, _, err := m.llm.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: suggestionsSystemPrompt},
			{Role: "user", Content: history},
		},
		MaxTokens: 128,
	})
	if err != nil {
		m.log.Warn("Follow-up suggestions failed", "error", err)
		return nil
	}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}
