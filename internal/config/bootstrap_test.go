package config_test

import (
	"context"
	"encoding/json"
	"testing"

	"chunkvault/internal/config"
	"chunkvault/internal/config/memory"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if len(cfg.Datastores) != 1 {
		t.Fatalf("expected 1 datastore, got %d", len(cfg.Datastores))
	}
	ds := cfg.Datastores[0]
	if ds.ID != "default" {
		t.Errorf("expected datastore id 'default', got %q", ds.ID)
	}
	if ds.GCSchedule == nil || *ds.GCSchedule == "" {
		t.Error("expected non-empty GC schedule")
	}
	if ds.Retention.Empty() {
		t.Error("expected a non-empty default retention policy")
	}
}

func TestBootstrap(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	cfg, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil before bootstrap")
	}

	if err := config.Bootstrap(ctx, s); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	cfg, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config after bootstrap, got nil")
	}
	if len(cfg.Datastores) != 1 {
		t.Errorf("expected 1 datastore, got %d", len(cfg.Datastores))
	}
}

func TestLoadSaveServerConfig(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	t.Run("load empty returns zero value", func(t *testing.T) {
		sc, err := config.LoadServerConfig(ctx, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sc.Auth.JWTSecret != "" {
			t.Errorf("expected empty JWT secret, got %q", sc.Auth.JWTSecret)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		want := config.ServerConfig{
			Auth: config.AuthConfig{
				JWTSecret:         "test-secret-key",
				TokenDuration:     "24h",
				MinPasswordLength: 12,
			},
			Scheduler: config.SchedulerConfig{
				MaxConcurrentJobs: 8,
			},
			TLS: config.TLSConfig{
				TLSEnabled:  true,
				DefaultCert: "cert-id-123",
			},
		}

		if err := config.SaveServerConfig(ctx, s, want); err != nil {
			t.Fatalf("SaveServerConfig: %v", err)
		}

		got, err := config.LoadServerConfig(ctx, s)
		if err != nil {
			t.Fatalf("LoadServerConfig: %v", err)
		}

		if got.Auth.JWTSecret != want.Auth.JWTSecret {
			t.Errorf("JWTSecret: got %q, want %q", got.Auth.JWTSecret, want.Auth.JWTSecret)
		}
		if got.Auth.TokenDuration != want.Auth.TokenDuration {
			t.Errorf("TokenDuration: got %q, want %q", got.Auth.TokenDuration, want.Auth.TokenDuration)
		}
		if got.Scheduler.MaxConcurrentJobs != want.Scheduler.MaxConcurrentJobs {
			t.Errorf("MaxConcurrentJobs: got %d, want %d", got.Scheduler.MaxConcurrentJobs, want.Scheduler.MaxConcurrentJobs)
		}
		if got.TLS.TLSEnabled != want.TLS.TLSEnabled {
			t.Errorf("TLSEnabled: got %v, want %v", got.TLS.TLSEnabled, want.TLS.TLSEnabled)
		}
		if got.TLS.DefaultCert != want.TLS.DefaultCert {
			t.Errorf("DefaultCert: got %q, want %q", got.TLS.DefaultCert, want.TLS.DefaultCert)
		}
	})

	t.Run("load invalid JSON", func(t *testing.T) {
		if err := s.PutSetting(ctx, "server", "not-valid-json"); err != nil {
			t.Fatalf("PutSetting: %v", err)
		}
		_, err := config.LoadServerConfig(ctx, s)
		if err == nil {
			t.Error("expected error for invalid JSON, got nil")
		}
	})

	t.Run("overwrite preserves only latest", func(t *testing.T) {
		first := config.ServerConfig{Auth: config.AuthConfig{JWTSecret: "first"}}
		second := config.ServerConfig{Auth: config.AuthConfig{JWTSecret: "second"}}

		if err := config.SaveServerConfig(ctx, s, first); err != nil {
			t.Fatalf("save first: %v", err)
		}
		if err := config.SaveServerConfig(ctx, s, second); err != nil {
			t.Fatalf("save second: %v", err)
		}

		got, err := config.LoadServerConfig(ctx, s)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Auth.JWTSecret != "second" {
			t.Errorf("got %q, want %q", got.Auth.JWTSecret, "second")
		}
	})
}

func TestSaveServerConfigJSON(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	cfg := config.ServerConfig{Auth: config.AuthConfig{JWTSecret: "abc"}}
	if err := config.SaveServerConfig(ctx, s, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := s.GetSetting(ctx, "server")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if raw == nil {
		t.Fatal("expected non-nil setting")
	}
	if !json.Valid([]byte(*raw)) {
		t.Errorf("stored value is not valid JSON: %s", *raw)
	}
}
