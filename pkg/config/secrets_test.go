package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAPIKeyFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "api_key")
	require.NoError(t, os.WriteFile(keyFile, []byte("  file-secret\n"), 0644))

	t.Setenv("COORD_API_KEY", "env-secret")
	t.Setenv("COORD_API_KEY_FILE", keyFile)

	key, err := ResolveAPIKey("COORD")

	require.NoError(t, err)
	assert.Equal(t, "file-secret", key, "file should win over env and be trimmed")
}

func TestResolveAPIKeyEnvFallback(t *testing.T) {
	t.Setenv("COORD2_API_KEY", "env-secret")

	key, err := ResolveAPIKey("COORD2")

	require.NoError(t, err)
	assert.Equal(t, "env-secret", key)
}

func TestResolveAPIKeyMissingFile(t *testing.T) {
	t.Setenv("COORD3_API_KEY_FILE", filepath.Join(t.TempDir(), "absent"))

	_, err := ResolveAPIKey("COORD3")

	require.Error(t, err)
}

func TestLoadSecretsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redis-password"), []byte("hunter2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api-key"), []byte("abc123"), 0644))

	store := NewSecretStore()
	require.NoError(t, LoadSecretsDir(dir, store))

	assert.Equal(t, "hunter2", store.Get("redis-password"))
	assert.Equal(t, "abc123", store.Get("api-key"))
	assert.Empty(t, store.Get("unknown"))
}

func TestLoadSecretsDirMissing(t *testing.T) {
	store := NewSecretStore()
	assert.NoError(t, LoadSecretsDir(filepath.Join(t.TempDir(), "absent"), store))
}

func TestWatchSecretsReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api-key")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0644))

	store := NewSecretStore()
	require.NoError(t, LoadSecretsDir(dir, store))
	require.Equal(t, "before", store.Get("api-key"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchSecrets(ctx, dir, store))

	require.NoError(t, os.WriteFile(path, []byte("after\n"), 0644))

	assert.Eventually(t, func() bool {
		return store.Get("api-key") == "after"
	}, 3*time.Second, 20*time.Millisecond, "watcher should hot-reload the rotated key")
}
