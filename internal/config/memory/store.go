// Package memory provides an in-memory config.Store implementation.
// Intended for testing. Configuration is not persisted across restarts.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"chunkvault/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu         sync.RWMutex
	datastores map[string]config.DatastoreConfig
	remotes    map[string]config.RemoteConfig
	settings   map[string]string
	tls        *config.TLSConfig
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory config.Store.
func NewStore() *Store {
	return &Store{
		datastores: make(map[string]config.DatastoreConfig),
		remotes:    make(map[string]config.RemoteConfig),
		settings:   make(map[string]string),
	}
}

// Load returns the full configuration, or nil if nothing has been stored.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.datastores) == 0 && len(s.remotes) == 0 {
		return nil, nil
	}

	cfg := &config.Config{}
	if len(s.datastores) > 0 {
		cfg.Datastores = make([]config.DatastoreConfig, 0, len(s.datastores))
		for _, ds := range s.datastores {
			cfg.Datastores = append(cfg.Datastores, copyDatastoreConfig(ds))
		}
		slices.SortFunc(cfg.Datastores, func(a, b config.DatastoreConfig) int {
			return compareStrings(a.ID, b.ID)
		})
	}
	if len(s.remotes) > 0 {
		cfg.Remotes = make([]config.RemoteConfig, 0, len(s.remotes))
		for _, r := range s.remotes {
			cfg.Remotes = append(cfg.Remotes, copyRemoteConfig(r))
		}
		slices.SortFunc(cfg.Remotes, func(a, b config.RemoteConfig) int {
			return compareStrings(a.ID, b.ID)
		})
	}
	return cfg, nil
}

// Save replaces the full configuration.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.datastores = make(map[string]config.DatastoreConfig, len(cfg.Datastores))
	for _, ds := range cfg.Datastores {
		s.datastores[ds.ID] = copyDatastoreConfig(ds)
	}
	s.remotes = make(map[string]config.RemoteConfig, len(cfg.Remotes))
	for _, r := range cfg.Remotes {
		s.remotes[r.ID] = copyRemoteConfig(r)
	}
	return nil
}

// Datastores

func (s *Store) PutDatastore(ctx context.Context, ds config.DatastoreConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.datastores[ds.ID] = copyDatastoreConfig(ds)
	return nil
}

func (s *Store) GetDatastore(ctx context.Context, id string) (*config.DatastoreConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.datastores[id]
	if !ok {
		return nil, nil
	}
	c := copyDatastoreConfig(ds)
	return &c, nil
}

func (s *Store) DeleteDatastore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.datastores, id)
	return nil
}

// Remotes

func (s *Store) PutRemote(ctx context.Context, r config.RemoteConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remotes[r.ID] = copyRemoteConfig(r)
	return nil
}

func (s *Store) GetRemote(ctx context.Context, id string) (*config.RemoteConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.remotes[id]
	if !ok {
		return nil, nil
	}
	c := copyRemoteConfig(r)
	return &c, nil
}

func (s *Store) DeleteRemote(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.remotes, id)
	return nil
}

// Settings

func (s *Store) GetSetting(ctx context.Context, key string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

// TLS

func (s *Store) GetTLSConfig(ctx context.Context) (*config.TLSConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tls == nil {
		return nil, nil
	}
	c := copyTLSConfig(*s.tls)
	return &c, nil
}

func (s *Store) PutTLSConfig(ctx context.Context, cfg *config.TLSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyTLSConfig(*cfg)
	s.tls = &c
	return nil
}

// Deep copy helpers

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func copyDatastoreConfig(ds config.DatastoreConfig) config.DatastoreConfig {
	c := config.DatastoreConfig{
		ID:         ds.ID,
		Path:       ds.Path,
		Polynomial: ds.Polynomial,
		Retention:  ds.Retention,
	}
	if ds.GCSchedule != nil {
		c.GCSchedule = config.StringPtr(*ds.GCSchedule)
	}
	if ds.GCSafetyMargin != nil {
		c.GCSafetyMargin = config.StringPtr(*ds.GCSafetyMargin)
	}
	if ds.PruneSchedule != nil {
		c.PruneSchedule = config.StringPtr(*ds.PruneSchedule)
	}
	if ds.RemoteID != nil {
		c.RemoteID = config.StringPtr(*ds.RemoteID)
	}
	return c
}

func copyRemoteConfig(r config.RemoteConfig) config.RemoteConfig {
	return config.RemoteConfig{
		ID:     r.ID,
		Type:   r.Type,
		Params: copyParams(r.Params),
	}
}

func copyTLSConfig(t config.TLSConfig) config.TLSConfig {
	c := config.TLSConfig{TLSEnabled: t.TLSEnabled, DefaultCert: t.DefaultCert}
	if t.Certs != nil {
		c.Certs = make(map[string]config.CertPEM, len(t.Certs))
		maps.Copy(c.Certs, t.Certs)
	}
	return c
}

func copyParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	cp := make(map[string]string, len(params))
	maps.Copy(cp, params)
	return cp
}
