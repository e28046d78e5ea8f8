// Package config provides configuration persistence for the system.
//
// Store persists and reloads the desired system configuration across
// restarts: which datastores exist, where their roots live, their
// garbage-collection and prune schedules, and which remotes they sync to.
// This is control-plane state, not data-plane state.
//
// Store is a first-class component at the same level as chunkstore,
// datastore, gc, and scheduler.
//
// Store does not:
//   - Inspect chunks or indexes
//   - Perform garbage collection or pruning itself
//   - Watch for live changes (v1 is load-on-start only)
package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// Store persists and loads system configuration.
//
// Config describes the desired system shape. The server loads config at
// startup and instantiates datastores, schedules, and remotes from it.
// Config changes are not hot-reloaded in v1.
//
// Store is not accessed on the backup or restore hot path. Persistence
// must not block chunk or index I/O.
type Store interface {
	// Load reads the full configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the full configuration, replacing anything stored.
	Save(ctx context.Context, cfg *Config) error

	// PutDatastore creates or replaces a single datastore definition.
	PutDatastore(ctx context.Context, ds DatastoreConfig) error
	// GetDatastore returns a datastore definition by ID, or nil if absent.
	GetDatastore(ctx context.Context, id string) (*DatastoreConfig, error)
	// DeleteDatastore removes a datastore definition by ID.
	DeleteDatastore(ctx context.Context, id string) error

	// PutRemote creates or replaces a single remote sync target definition.
	PutRemote(ctx context.Context, r RemoteConfig) error
	// GetRemote returns a remote definition by ID, or nil if absent.
	GetRemote(ctx context.Context, id string) (*RemoteConfig, error)
	// DeleteRemote removes a remote definition by ID.
	DeleteRemote(ctx context.Context, id string) error

	// GetSetting reads an opaque named setting blob (e.g. "server" for
	// ServerConfig JSON). Returns nil if not set.
	GetSetting(ctx context.Context, key string) (*string, error)
	// PutSetting writes an opaque named setting blob.
	PutSetting(ctx context.Context, key, value string) error

	// GetTLSConfig reads the wire-protocol TLS configuration.
	GetTLSConfig(ctx context.Context) (*TLSConfig, error)
	// PutTLSConfig writes the wire-protocol TLS configuration.
	PutTLSConfig(ctx context.Context, cfg *TLSConfig) error
}

// Config describes the desired system shape.
// It is declarative: it defines what should exist, not how to create it.
type Config struct {
	Datastores []DatastoreConfig
	Remotes    []RemoteConfig
}

// DatastoreConfig describes a datastore to instantiate: its on-disk root
// and the schedules that keep it healthy.
type DatastoreConfig struct {
	// ID uniquely identifies this datastore (used as the directory name
	// under the home directory's "datastores/" and "run/" subtrees).
	ID string

	// Path is the datastore root. Empty means the home directory's
	// default layout (home.Dir.DatastoreRoot(ID)) is used.
	Path string

	// GCSchedule is a cron expression controlling how often garbage
	// collection runs against this datastore. Nil disables scheduled GC.
	GCSchedule *string

	// GCSafetyMargin overrides gc.DefaultSafetyMargin for this datastore,
	// expressed as a Go duration string (e.g. "24h").
	GCSafetyMargin *string

	// PruneSchedule is a cron expression controlling how often the
	// retention policy below is applied. Nil disables scheduled pruning.
	PruneSchedule *string

	Retention RetentionConfig

	// RemoteID references a RemoteConfig this datastore syncs new
	// snapshots to after a successful backup. Nil means no sync.
	RemoteID *string

	// Polynomial is the hex-encoded content-defined-chunking polynomial
	// fixed for this datastore at creation time (internal/chunker.Polynomial,
	// formatted with chunker.FormatPolynomial). Every backup against this
	// datastore must chunk archives with this same polynomial, or
	// cross-snapshot digests won't align and dedup silently breaks. Empty
	// until the datastore's first backup picks one.
	Polynomial string
}

// RetentionConfig mirrors the keep-N buckets of a prune policy: how many
// of the most recent snapshots to keep at each granularity. A nil field
// means that bucket is not applied.
type RetentionConfig struct {
	KeepLast    *int64
	KeepHourly  *int64
	KeepDaily   *int64
	KeepWeekly  *int64
	KeepMonthly *int64
	KeepYearly  *int64
}

// Empty reports whether no retention rule is configured.
func (r RetentionConfig) Empty() bool {
	return r.KeepLast == nil && r.KeepHourly == nil && r.KeepDaily == nil &&
		r.KeepWeekly == nil && r.KeepMonthly == nil && r.KeepYearly == nil
}

// RemoteConfig describes a remote sync target to instantiate.
type RemoteConfig struct {
	// ID is a unique identifier for this remote.
	ID string

	// Type identifies the mirror backend ("s3", "azure", "gcs").
	Type string

	// Params contains type-specific configuration (bucket, container,
	// account URL, prefix, region, endpoint — see internal/mirror).
	Params map[string]string
}

// StringPtr returns a pointer to s. Convenience for populating the
// optional *string fields above in tests and bootstrap code.
func StringPtr(s string) *string { return &s }

// Int64Ptr returns a pointer to n.
func Int64Ptr(n int64) *int64 { return &n }

// ValidateCron reports whether expr parses as a standard 5-field (or
// 6-field, seconds-first) cron expression. A nil or empty expr is valid
// (it simply means "no schedule").
func ValidateCron(expr *string) error {
	if expr == nil || *expr == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if strings.Count(*expr, " ") == 5 {
		parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	}
	if _, err := parser.Parse(*expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", *expr, err)
	}
	return nil
}

// ParseBytes parses a human-readable byte size like "64MB" or "1GB".
// Bare numbers are interpreted as bytes. Recognizes B, KB, MB, GB
// (powers of 1024); anything larger is rejected as implausible for a
// single config value.
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	upper := strings.ToUpper(s)
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numPart := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			n, err := strconv.ParseUint(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n, nil
}
