package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SecretStore holds resolved secrets behind a read lock so the auth
// middleware can consult the current value on every request while the
// watcher swaps rotated keys in place.
type SecretStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSecretStore creates an empty secret store.
func NewSecretStore() *SecretStore {
	return &SecretStore{values: make(map[string]string)}
}

// Get returns the secret value for name, or "" when unset.
func (s *SecretStore) Get(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

// Set stores a secret value.
func (s *SecretStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// ResolveAPIKey resolves the API key for a logical name, e.g. "API" resolves
// API_KEY_FILE then API_KEY. The secret-file path variable takes precedence
// when both are set; file contents are trimmed of surrounding whitespace.
func ResolveAPIKey(name string) (string, error) {
	fileVar := name + "_API_KEY_FILE"
	if path := os.Getenv(fileVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", fileVar, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(name + "_API_KEY"), nil
}

// LoadSecretsDir reads every regular file in dir into the store, keyed by
// file base name. A missing directory is not an error.
func LoadSecretsDir(dir string, store *SecretStore) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read secrets dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable secret file", "path", path, "error", err)
			continue
		}
		store.Set(entry.Name(), strings.TrimSpace(string(data)))
	}
	return nil
}

// WatchSecrets watches dir for secret-file rewrites and hot-reloads changed
// values into the store until ctx is cancelled. Rotation therefore needs no
// process restart.
func WatchSecrets(ctx context.Context, dir string, store *SecretStore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create secrets watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch secrets dir: %w", err)
	}

	log := slog.With("component", "secrets", "dir", dir)
	log.Info("Watching secrets directory for rotation")

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				data, err := os.ReadFile(event.Name)
				if err != nil {
					log.Warn("Failed to reload secret", "path", event.Name, "error", err)
					continue
				}
				name := filepath.Base(event.Name)
				store.Set(name, strings.TrimSpace(string(data)))
				log.Info("Secret reloaded", "name", name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Secrets watcher error", "error", err)
			}
		}
	}()

	return nil
}
