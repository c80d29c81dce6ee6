// Package tools holds the tool/skill registry: curated tool dispatch, the
// three-tier warm cache (disk snapshot, Redis, database), skill imports, and
// the tool-call audit log.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/database"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/kv"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

// cacheKey is the Redis key holding the shared tool-cache tier.
const cacheKey = "tools:cache"

// Handler executes one curated tool. Params arrive as decoded JSON.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Registry is the in-process tool registry. Curated tools registered at
// startup always win over warm-cache entries.
type Registry struct {
	cfg   *config.ToolsConfig
	kv    *kv.Store
	db    *database.Client
	audit *AuditWriter
	log   *slog.Logger

	mu       sync.RWMutex
	tools    map[string]models.Tool
	handlers map[string]Handler
	curated  map[string]bool
}

// NewRegistry creates an empty registry. kv, db, and audit may be nil; the
// corresponding tiers are then skipped.
func NewRegistry(cfg *config.ToolsConfig, store *kv.Store, db *database.Client, audit *AuditWriter) *Registry {
	return &Registry{
		cfg:      cfg,
		kv:       store,
		db:       db,
		audit:    audit,
		log:      slog.With("component", "tools"),
		tools:    make(map[string]models.Tool),
		handlers: make(map[string]Handler),
		curated:  make(map[string]bool),
	}
}

// Register adds a curated tool with its dispatch handler. Later registrations
// of the same name replace earlier ones.
func (r *Registry) Register(tool models.Tool, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	r.handlers[tool.Name] = h
	r.curated[tool.Name] = true
}

// GetTools lists the registry at the requested disclosure level. Minimal
// returns name+description only; full includes manifests. The API layer is
// responsible for gating full disclosure behind the API key.
func (r *Registry) GetTools(mode string) any {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	if mode == models.DisclosureFull {
		out := make([]models.Tool, 0, len(names))
		for _, name := range names {
			out = append(out, r.tools[name])
		}
		r.mu.RUnlock()
		return out
	}
	out := make([]models.ToolSummary, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].Summary())
	}
	r.mu.RUnlock()
	return out
}

// ExecuteTool dispatches a curated tool call and records it in the audit log.
// Unknown names return a not-found error without touching any handler.
func (r *Registry) ExecuteTool(ctx context.Context, name, caller string, params map[string]any) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	start := time.Now()
	if !ok {
		err := fmt.Errorf("tool %q: %w", name, services.ErrNotFound)
		r.recordAudit(name, caller, params, OutcomeDenied, err, start)
		return nil, err
	}

	result, err := h(ctx, params)
	if err != nil {
		r.recordAudit(name, caller, params, OutcomeError, err, start)
		return nil, fmt.Errorf("failed to execute tool %s: %w", name, err)
	}
	r.recordAudit(name, caller, params, OutcomeSuccess, nil, start)
	return result, nil
}

// WarmCache hydrates the registry from the first tier that yields entries:
// disk snapshot, then Redis, then the database. Curated tools are never
// overwritten. An empty result from every tier is not an error.
func (r *Registry) WarmCache(ctx context.Context) error {
	if tools, err := r.loadSnapshot(); err != nil {
		r.log.Warn("Failed to read tool cache snapshot", "path", r.cfg.CacheSnapshotPath, "error", err)
	} else if len(tools) > 0 {
		r.merge(tools)
		r.log.Info("Tool cache warmed from disk snapshot", "count", len(tools))
		return nil
	}

	if r.kv != nil {
		var tools []models.Tool
		found, err := r.kv.GetJSON(ctx, cacheKey, &tools)
		if err != nil {
			r.log.Warn("Failed to read tool cache from redis", "error", err)
		} else if found && len(tools) > 0 {
			r.merge(tools)
			r.log.Info("Tool cache warmed from redis", "count", len(tools))
			return nil
		}
	}

	if r.db != nil {
		tools, err := r.loadFromDB(ctx)
		if err != nil {
			return fmt.Errorf("failed to warm tool cache from database: %w", err)
		}
		if len(tools) > 0 {
			r.merge(tools)
			r.log.Info("Tool cache warmed from database", "count", len(tools))
		}
	}
	return nil
}

// PersistCache writes the current registry to the disk snapshot atomically
// and refreshes the Redis tier. Redis failure is logged, not fatal.
func (r *Registry) PersistCache(ctx context.Context) error {
	tools := r.snapshot()

	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("failed to encode tool cache: %w", err)
	}

	path := r.cfg.CacheSnapshotPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tools-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot tempfile: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot tempfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	if r.kv != nil {
		if err := r.kv.SetJSON(ctx, cacheKey, tools, 0); err != nil {
			r.log.Warn("Failed to refresh redis tool cache", "error", err)
		}
	}
	return nil
}

func (r *Registry) snapshot() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]models.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *Registry) merge(tools []models.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if r.curated[t.Name] {
			continue
		}
		r.tools[t.Name] = t
	}
}

func (r *Registry) loadSnapshot() ([]models.Tool, error) {
	data, err := os.ReadFile(r.cfg.CacheSnapshotPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tools []models.Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

func (r *Registry) loadFromDB(ctx context.Context) ([]models.Tool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, description, manifest, cost_estimate_tokens FROM tools_cache ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []models.Tool
	for rows.Next() {
		var t models.Tool
		var manifest []byte
		if err := rows.Scan(&t.Name, &t.Description, &manifest, &t.CostEstimateTokens); err != nil {
			return nil, err
		}
		if len(manifest) > 0 {
			if err := json.Unmarshal(manifest, &t.Manifest); err != nil {
				r.log.Warn("Skipping tool with malformed manifest", "name", t.Name, "error", err)
				continue
			}
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (r *Registry) recordAudit(name, caller string, params map[string]any, outcome string, err error, start time.Time) {
	if r.audit == nil {
		return
	}
	r.audit.Record(name, caller, params, outcome, err, time.Since(start))
}
