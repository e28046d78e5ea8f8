package config

import "context"

// DefaultConfig returns the bootstrap configuration for first-run: a
// single "default" datastore with a nightly GC and a weekly prune,
// keeping the last 3 snapshots plus the last 7 daily and 4 weekly ones.
func DefaultConfig() *Config {
	return &Config{
		Datastores: []DatastoreConfig{
			{
				ID:             "default",
				GCSchedule:     StringPtr("0 3 * * *"),
				PruneSchedule:  StringPtr("0 4 * * 0"),
				Retention: RetentionConfig{
					KeepLast:  Int64Ptr(3),
					KeepDaily: Int64Ptr(7),
					KeepWeekly: Int64Ptr(4),
				},
			},
		},
	}
}

// Bootstrap writes the default configuration to a store using individual
// CRUD operations. Call this when Load returns nil (no config exists).
func Bootstrap(ctx context.Context, store Store) error {
	cfg := DefaultConfig()

	for _, ds := range cfg.Datastores {
		if err := store.PutDatastore(ctx, ds); err != nil {
			return err
		}
	}
	for _, r := range cfg.Remotes {
		if err := store.PutRemote(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
