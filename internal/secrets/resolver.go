// Package secrets resolves named secret references to short-lived
// token values at call time. Tokens are never stored on project or
// work-item records; only secret names are.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no value exists for a secret name.
var ErrNotFound = errors.New("secret not found")

// Resolver resolves a secret name to its current value.
type Resolver interface {
	// Resolve returns the value for the named secret, or ErrNotFound.
	Resolve(name string) (string, error)
}

// EnvResolver resolves secrets from environment variables. The secret
// name is upper-cased and prefixed, e.g. "push_token" becomes
// QUARRY_SECRET_PUSH_TOKEN.
type EnvResolver struct{}

// Resolve returns the environment value for the named secret.
func (EnvResolver) Resolve(name string) (string, error) {
	key := "QUARRY_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// FileResolver resolves secrets from a YAML file mapping names to
// values. The file is reloaded when it changes on disk, so rotated
// tokens are picked up without a restart.
type FileResolver struct {
	path    string
	mu      sync.RWMutex
	values  map[string]string
	watcher *fsnotify.Watcher
}

// NewFileResolver loads the file and starts watching it for changes.
func NewFileResolver(path string) (*FileResolver, error) {
	r := &FileResolver{path: path}
	if err := r.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch secrets file: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch secrets file: %w", err)
	}
	r.watcher = watcher

	go r.watch()
	return r, nil
}

// Resolve returns the current value for the named secret.
func (r *FileResolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.values[name]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Close stops watching the secrets file.
func (r *FileResolver) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *FileResolver) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}
	r.mu.Lock()
	r.values = values
	r.mu.Unlock()
	return nil
}

func (r *FileResolver) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Reload failures keep the last good values.
				_ = r.load()
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Chain tries each resolver in order, returning the first hit.
type Chain []Resolver

// Resolve returns the first resolver's value for the named secret.
func (c Chain) Resolve(name string) (string, error) {
	for _, r := range c {
		v, err := r.Resolve(name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Verify implementations at compile time.
var (
	_ Resolver = EnvResolver{}
	_ Resolver = (*FileResolver)(nil)
	_ Resolver = Chain(nil)
)
