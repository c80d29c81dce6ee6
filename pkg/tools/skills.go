package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/database"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/masking"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// frontMatter is the YAML block between the leading --- markers of a skill
// document.
type frontMatter struct {
	Slug        string         `yaml:"slug"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Version     string         `yaml:"version"`
	Tags        []string       `yaml:"tags"`
	Metadata    map[string]any `yaml:"metadata"`
}

// SkillStore manages imported skills. Imports are held pending until
// approved. When a database client is attached, imports are also upserted to
// the skills table best-effort so they survive restarts.
type SkillStore struct {
	maxBytes int
	db       *database.Client
	http     *http.Client
	screener *masking.Screener
	log      *slog.Logger

	mu     sync.RWMutex
	skills map[string]models.Skill
}

// NewSkillStore creates a store with the given per-skill size cap in bytes.
// db may be nil.
func NewSkillStore(maxBytes int, db *database.Client) *SkillStore {
	return &SkillStore{
		maxBytes: maxBytes,
		db:       db,
		http:     &http.Client{Timeout: 15 * time.Second},
		screener: masking.NewScreener(),
		log:      slog.With("component", "skills"),
		skills:   make(map[string]models.Skill),
	}
}

// ImportInline parses a markdown skill document supplied in the request body.
func (s *SkillStore) ImportInline(ctx context.Context, content string) (*models.Skill, error) {
	return s.importContent(ctx, content)
}

// ImportURL fetches a skill document over HTTP. Reads are capped one byte
// past the size limit so oversized documents fail the same validation as
// inline ones.
func (s *SkillStore) ImportURL(ctx context.Context, url string) (*models.Skill, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, services.NewValidationError("url", "malformed url")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch skill: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch skill: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read skill body: %w", err)
	}
	return s.importContent(ctx, string(data))
}

func (s *SkillStore) importContent(ctx context.Context, content string) (*models.Skill, error) {
	if len(content) > s.maxBytes {
		return nil, services.NewValidationError("content",
			fmt.Sprintf("skill exceeds %d byte limit", s.maxBytes))
	}
	if strings.ContainsRune(content, 0) {
		return nil, services.NewValidationError("content", "skill contains NUL bytes")
	}
	if s.screener.ContainsSecret(content) {
		return nil, services.NewValidationError("content", "skill contains secret material")
	}

	fm, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, services.NewValidationError("content", err.Error())
	}
	if fm.Name == "" {
		return nil, services.NewValidationError("name", "front matter must set name")
	}

	slug := fm.Slug
	if slug == "" {
		slug = Slugify(fm.Name)
	}

	skill := models.Skill{
		Slug:        slug,
		Name:        fm.Name,
		Description: fm.Description,
		Version:     fm.Version,
		Tags:        fm.Tags,
		Content:     body,
		Metadata:    fm.Metadata,
		Status:      models.SkillPending,
		ImportedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.skills[slug] = skill
	s.mu.Unlock()

	s.persist(ctx, skill)
	return &skill, nil
}

// persist upserts the skill row. Failures are logged; the in-memory copy is
// authoritative for this process either way.
func (s *SkillStore) persist(ctx context.Context, skill models.Skill) {
	if s.db == nil {
		return
	}
	tags, _ := json.Marshal(skill.Tags)
	metadata, _ := json.Marshal(skill.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (slug, name, description, version, tags, content, metadata, status, imported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			tags = EXCLUDED.tags,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			imported_at = EXCLUDED.imported_at`,
		skill.Slug, skill.Name, skill.Description, skill.Version,
		tags, skill.Content, metadata, skill.Status, skill.ImportedAt)
	if err != nil {
		s.log.Warn("Failed to persist skill", "slug", skill.Slug, "error", err)
	}
}

// List returns imported skills sorted by slug.
func (s *SkillStore) List() []models.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Skill, 0, len(s.skills))
	for _, sk := range s.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Get looks up a skill by slug.
func (s *SkillStore) Get(slug string) (models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skills[slug]
	if !ok {
		return models.Skill{}, fmt.Errorf("skill %q: %w", slug, services.ErrNotFound)
	}
	return sk, nil
}

// Approve flips a pending skill to approved.
func (s *SkillStore) Approve(ctx context.Context, slug string) error {
	s.mu.Lock()
	sk, ok := s.skills[slug]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("skill %q: %w", slug, services.ErrNotFound)
	}
	sk.Status = models.SkillApproved
	s.skills[slug] = sk
	s.mu.Unlock()

	s.persist(ctx, sk)
	return nil
}

// Slugify lowercases the name and collapses every non-alphanumeric run into
// a single hyphen.
func Slugify(name string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

func splitFrontMatter(content string) (frontMatter, string, error) {
	var fm frontMatter
	trimmed := strings.TrimLeft(content, "\n\r\t ")
	if !strings.HasPrefix(trimmed, "---") {
		return fm, "", fmt.Errorf("missing YAML front matter")
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return fm, "", fmt.Errorf("unterminated YAML front matter")
	}
	header := rest[:idx]
	body := strings.TrimPrefix(rest[idx+4:], "\n")
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return fm, "", fmt.Errorf("invalid front matter: %v", err)
	}
	return fm, strings.TrimSpace(body), nil
}
