package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/kv"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
)

func testToolsConfig(t *testing.T) *config.ToolsConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.ToolsConfig{
		AuditLogPath:      filepath.Join(dir, "audit.jsonl"),
		CacheSnapshotPath: filepath.Join(dir, "tools.json"),
		SkillMaxBytes:     100 * 1024,
	}
}

func testKV(t *testing.T) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return kv.NewStoreFromClient(client)
}

func TestExecuteToolDispatch(t *testing.T) {
	r := NewRegistry(testToolsConfig(t), nil, nil, nil)
	r.Register(models.Tool{Name: "echo", Description: "echoes params"},
		func(ctx context.Context, params map[string]any) (any, error) {
			return params["value"], nil
		})

	result, err := r.ExecuteTool(context.Background(), "echo", "caller-1", map[string]any{"value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}

func TestExecuteToolUnknownIsNotFound(t *testing.T) {
	r := NewRegistry(testToolsConfig(t), nil, nil, nil)

	_, err := r.ExecuteTool(context.Background(), "nope", "caller-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestGetToolsDisclosure(t *testing.T) {
	r := NewRegistry(testToolsConfig(t), nil, nil, nil)
	r.Register(models.Tool{
		Name:        "search",
		Description: "semantic search",
		Manifest:    map[string]any{"params": []string{"query"}},
	}, func(ctx context.Context, params map[string]any) (any, error) { return nil, nil })

	minimal, ok := r.GetTools(models.DisclosureMinimal).([]models.ToolSummary)
	require.True(t, ok)
	require.Len(t, minimal, 1)
	assert.Equal(t, "search", minimal[0].Name)

	full, ok := r.GetTools(models.DisclosureFull).([]models.Tool)
	require.True(t, ok)
	require.Len(t, full, 1)
	assert.NotNil(t, full[0].Manifest)
}

func TestPersistThenWarmFromSnapshot(t *testing.T) {
	cfg := testToolsConfig(t)
	r := NewRegistry(cfg, nil, nil, nil)
	r.Register(models.Tool{Name: "search", Description: "semantic search"},
		func(ctx context.Context, params map[string]any) (any, error) { return nil, nil })
	require.NoError(t, r.PersistCache(context.Background()))

	fresh := NewRegistry(cfg, nil, nil, nil)
	require.NoError(t, fresh.WarmCache(context.Background()))
	tools := fresh.GetTools(models.DisclosureMinimal).([]models.ToolSummary)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
}

func TestWarmFallsBackToRedis(t *testing.T) {
	cfg := testToolsConfig(t)
	store := testKV(t)
	require.NoError(t, store.SetJSON(context.Background(), cacheKey,
		[]models.Tool{{Name: "cached", Description: "from redis"}}, 0))

	r := NewRegistry(cfg, store, nil, nil)
	require.NoError(t, r.WarmCache(context.Background()))
	tools := r.GetTools(models.DisclosureMinimal).([]models.ToolSummary)
	require.Len(t, tools, 1)
	assert.Equal(t, "cached", tools[0].Name)
}

func TestWarmNeverOverwritesCuratedTools(t *testing.T) {
	cfg := testToolsConfig(t)
	data := `[{"name":"search","description":"stale snapshot copy"}]`
	require.NoError(t, os.WriteFile(cfg.CacheSnapshotPath, []byte(data), 0o644))

	r := NewRegistry(cfg, nil, nil, nil)
	r.Register(models.Tool{Name: "search", Description: "curated"},
		func(ctx context.Context, params map[string]any) (any, error) { return nil, nil })
	require.NoError(t, r.WarmCache(context.Background()))

	tools := r.GetTools(models.DisclosureMinimal).([]models.ToolSummary)
	require.Len(t, tools, 1)
	assert.Equal(t, "curated", tools[0].Description)
}
