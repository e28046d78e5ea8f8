package datastore

import (
	"sync"
)

// Config is the subset of a datastore's configuration the registry needs
// to decide whether a cached Store is still valid.
type Config struct {
	Path   string
	RunDir string
}

// Registry caches opened Store handles by name, so repeated lookups (one
// per incoming session) reuse the same chunk-store lock file descriptor and
// writer registry instead of reopening it every time. A cached entry is
// invalidated and replaced whenever its backing config changes underneath
// it, mirroring how a reloaded TLS certificate replaces a stale one without
// the caller needing to know that happened.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*entry
}

type entry struct {
	store *Store
	cfg   Config
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

// Lookup returns the cached Store for name if cfg matches what it was
// opened with, opening (or reopening) it otherwise.
func (r *Registry) Lookup(name string, cfg Config) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byName[name]; ok {
		if e.cfg == cfg {
			return e.store, nil
		}
		_ = e.store.Close()
		delete(r.byName, name)
	}

	store, err := Open(name, cfg.Path, cfg.RunDir)
	if err != nil {
		return nil, err
	}
	r.byName[name] = &entry{store: store, cfg: cfg}
	return store, nil
}

// Invalidate drops a cached entry, closing its Store. Used when a datastore
// is removed from configuration entirely.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		_ = e.store.Close()
		delete(r.byName, name)
	}
}
