package config

import (
	"context"
	"encoding/json"
	"fmt"
)

// serverSettingKey is the Store.GetSetting/PutSetting key under which the
// server-wide (not per-datastore) configuration is stored as JSON.
const serverSettingKey = "server"

// ServerConfig holds server-wide settings that apply across all
// datastores: authentication, the job scheduler, and default TLS.
type ServerConfig struct {
	Auth      AuthConfig
	Scheduler SchedulerConfig
	TLS       TLSConfig
}

// AuthConfig configures principal authentication.
type AuthConfig struct {
	JWTSecret         string
	TokenDuration     string
	MinPasswordLength int
}

// SchedulerConfig configures the periodic job runner.
type SchedulerConfig struct {
	MaxConcurrentJobs int
}

// LoadServerConfig reads ServerConfig from the store. A store with no
// server setting yet returns the zero value, not an error.
func LoadServerConfig(ctx context.Context, store Store) (ServerConfig, error) {
	raw, err := store.GetSetting(ctx, serverSettingKey)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: load server config: %w", err)
	}
	if raw == nil {
		return ServerConfig{}, nil
	}
	var sc ServerConfig
	if err := json.Unmarshal([]byte(*raw), &sc); err != nil {
		return ServerConfig{}, fmt.Errorf("config: parse server config: %w", err)
	}
	return sc, nil
}

// SaveServerConfig writes ServerConfig to the store as JSON.
func SaveServerConfig(ctx context.Context, store Store, sc ServerConfig) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("config: marshal server config: %w", err)
	}
	if err := store.PutSetting(ctx, serverSettingKey, string(raw)); err != nil {
		return fmt.Errorf("config: save server config: %w", err)
	}
	return nil
}
