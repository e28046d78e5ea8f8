package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"chunkvault/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPragmas(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", journalMode)
	}

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign_keys=1, got %d", fk)
	}
}

func TestSchema(t *testing.T) {
	s := newTestStore(t)

	tables := map[string]bool{}
	rows, err := s.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		tables[name] = true
	}

	for _, want := range []string{"datastores", "remotes", "settings", "schema_migrations"} {
		if !tables[want] {
			t.Errorf("expected table %q, got tables: %v", want, tables)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT count(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration version, got %d", count)
	}
}

func TestConnectionLimits(t *testing.T) {
	s := newTestStore(t)

	if got := s.db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("expected MaxOpenConnections=1, got %d", got)
	}
}

func TestCloseReleasesDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatalf("ping after re-open: %v", err)
	}
}

func TestPutGetDeleteDatastore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ds := config.DatastoreConfig{
		ID:         "prod",
		Path:       "/data/prod",
		GCSchedule: config.StringPtr("0 3 * * *"),
		Polynomial: "3da3358b4dc173",
		Retention:  config.RetentionConfig{KeepLast: config.Int64Ptr(5)},
	}
	if err := s.PutDatastore(ctx, ds); err != nil {
		t.Fatalf("PutDatastore: %v", err)
	}

	got, err := s.GetDatastore(ctx, "prod")
	if err != nil {
		t.Fatalf("GetDatastore: %v", err)
	}
	if got == nil || got.Path != "/data/prod" {
		t.Fatalf("got %+v", got)
	}
	if got.Polynomial != "3da3358b4dc173" {
		t.Errorf("expected polynomial round-trip, got %q", got.Polynomial)
	}
	if got.Retention.KeepLast == nil || *got.Retention.KeepLast != 5 {
		t.Errorf("expected KeepLast=5, got %v", got.Retention.KeepLast)
	}

	// Upsert.
	ds.Path = "/data/prod2"
	if err := s.PutDatastore(ctx, ds); err != nil {
		t.Fatalf("PutDatastore (update): %v", err)
	}
	got, err = s.GetDatastore(ctx, "prod")
	if err != nil {
		t.Fatalf("GetDatastore after update: %v", err)
	}
	if got.Path != "/data/prod2" {
		t.Errorf("expected updated path, got %q", got.Path)
	}

	if err := s.DeleteDatastore(ctx, "prod"); err != nil {
		t.Fatalf("DeleteDatastore: %v", err)
	}
	got, err = s.GetDatastore(ctx, "prod")
	if err != nil {
		t.Fatalf("GetDatastore after delete: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestDatastoreNullFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutDatastore(ctx, config.DatastoreConfig{ID: "bare", Path: "/data/bare"}); err != nil {
		t.Fatalf("PutDatastore: %v", err)
	}
	got, err := s.GetDatastore(ctx, "bare")
	if err != nil {
		t.Fatalf("GetDatastore: %v", err)
	}
	if got.GCSchedule != nil || got.PruneSchedule != nil || got.RemoteID != nil {
		t.Errorf("expected nil optional fields, got %+v", got)
	}
	if got.Polynomial != "" {
		t.Errorf("expected empty polynomial, got %q", got.Polynomial)
	}
	if !got.Retention.Empty() {
		t.Errorf("expected empty retention, got %+v", got.Retention)
	}
}

func TestPutGetDeleteRemote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := config.RemoteConfig{ID: "backup-bucket", Type: "s3", Params: map[string]string{"bucket": "b1", "region": "us-east-1"}}
	if err := s.PutRemote(ctx, r); err != nil {
		t.Fatalf("PutRemote: %v", err)
	}

	got, err := s.GetRemote(ctx, "backup-bucket")
	if err != nil {
		t.Fatalf("GetRemote: %v", err)
	}
	if got == nil || got.Type != "s3" || got.Params["bucket"] != "b1" {
		t.Fatalf("got %+v", got)
	}

	if err := s.DeleteRemote(ctx, "backup-bucket"); err != nil {
		t.Fatalf("DeleteRemote: %v", err)
	}
	got, err = s.GetRemote(ctx, "backup-bucket")
	if err != nil {
		t.Fatalf("GetRemote after delete: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestLoadAssemblesFullConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load (empty): %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config before any entity is written")
	}

	if err := s.PutDatastore(ctx, config.DatastoreConfig{ID: "a", Path: "/a"}); err != nil {
		t.Fatalf("PutDatastore: %v", err)
	}
	if err := s.PutRemote(ctx, config.RemoteConfig{ID: "r", Type: "gcs"}); err != nil {
		t.Fatalf("PutRemote: %v", err)
	}

	cfg, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Datastores) != 1 || len(cfg.Remotes) != 1 {
		t.Fatalf("got %d datastores, %d remotes", len(cfg.Datastores), len(cfg.Remotes))
	}
}

func TestSettingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "missing")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != nil {
		t.Fatal("expected nil for missing setting")
	}

	if err := s.PutSetting(ctx, "server", `{"auth":{}}`); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	v, err = s.GetSetting(ctx, "server")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v == nil || *v != `{"auth":{}}` {
		t.Fatalf("got %v", v)
	}

	// Overwrite.
	if err := s.PutSetting(ctx, "server", `{"auth":{"jwt_secret":"x"}}`); err != nil {
		t.Fatalf("PutSetting (overwrite): %v", err)
	}
	v, err = s.GetSetting(ctx, "server")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if *v != `{"auth":{"jwt_secret":"x"}}` {
		t.Errorf("got %q", *v)
	}
}

func TestTLSConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetTLSConfig(ctx)
	if err != nil {
		t.Fatalf("GetTLSConfig (empty): %v", err)
	}
	if got != nil {
		t.Fatal("expected nil before any TLS config is written")
	}

	want := &config.TLSConfig{
		TLSEnabled:  true,
		DefaultCert: "cert-1",
		Certs:       map[string]config.CertPEM{"cert-1": {Cert: "CERT", Key: "KEY"}},
	}
	if err := s.PutTLSConfig(ctx, want); err != nil {
		t.Fatalf("PutTLSConfig: %v", err)
	}

	got, err = s.GetTLSConfig(ctx)
	if err != nil {
		t.Fatalf("GetTLSConfig: %v", err)
	}
	if got.DefaultCert != "cert-1" || got.Certs["cert-1"].Cert != "CERT" {
		t.Fatalf("got %+v", got)
	}
}
