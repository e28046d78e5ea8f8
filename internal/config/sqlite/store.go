// Package sqlite provides a SQLite-based config.Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"chunkvault/internal/config"
)

// Store is a SQLite-based config.Store implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the full configuration. Returns nil if all tables are empty.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM datastores)
		     + (SELECT count(*) FROM remotes)
	`).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	datastores, err := s.listDatastores(ctx)
	if err != nil {
		return nil, err
	}
	remotes, err := s.listRemotes(ctx)
	if err != nil {
		return nil, err
	}
	return &config.Config{Datastores: datastores, Remotes: remotes}, nil
}

// Save replaces the full configuration.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM datastores"); err != nil {
		return fmt.Errorf("clear datastores: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM remotes"); err != nil {
		return fmt.Errorf("clear remotes: %w", err)
	}
	for _, ds := range cfg.Datastores {
		if err := putDatastoreTx(ctx, tx, ds); err != nil {
			return err
		}
	}
	for _, r := range cfg.Remotes {
		if err := putRemoteTx(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Datastores

func scanDatastore(row interface{ Scan(...any) error }) (*config.DatastoreConfig, error) {
	var ds config.DatastoreConfig
	var path string
	var gcSchedule, gcSafetyMargin, pruneSchedule, remoteID, polynomial sql.NullString
	var keepLast, keepHourly, keepDaily, keepWeekly, keepMonthly, keepYearly sql.NullInt64

	err := row.Scan(&ds.ID, &path, &gcSchedule, &gcSafetyMargin, &pruneSchedule, &remoteID, &polynomial,
		&keepLast, &keepHourly, &keepDaily, &keepWeekly, &keepMonthly, &keepYearly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ds.Path = path
	if gcSchedule.Valid {
		ds.GCSchedule = config.StringPtr(gcSchedule.String)
	}
	if gcSafetyMargin.Valid {
		ds.GCSafetyMargin = config.StringPtr(gcSafetyMargin.String)
	}
	if pruneSchedule.Valid {
		ds.PruneSchedule = config.StringPtr(pruneSchedule.String)
	}
	if remoteID.Valid {
		ds.RemoteID = config.StringPtr(remoteID.String)
	}
	if polynomial.Valid {
		ds.Polynomial = polynomial.String
	}
	if keepLast.Valid {
		ds.Retention.KeepLast = config.Int64Ptr(keepLast.Int64)
	}
	if keepHourly.Valid {
		ds.Retention.KeepHourly = config.Int64Ptr(keepHourly.Int64)
	}
	if keepDaily.Valid {
		ds.Retention.KeepDaily = config.Int64Ptr(keepDaily.Int64)
	}
	if keepWeekly.Valid {
		ds.Retention.KeepWeekly = config.Int64Ptr(keepWeekly.Int64)
	}
	if keepMonthly.Valid {
		ds.Retention.KeepMonthly = config.Int64Ptr(keepMonthly.Int64)
	}
	if keepYearly.Valid {
		ds.Retention.KeepYearly = config.Int64Ptr(keepYearly.Int64)
	}
	return &ds, nil
}

const datastoreColumns = `id, path, gc_schedule, gc_safety_margin, prune_schedule, remote_id, polynomial,
	keep_last, keep_hourly, keep_daily, keep_weekly, keep_monthly, keep_yearly`

func (s *Store) GetDatastore(ctx context.Context, id string) (*config.DatastoreConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+datastoreColumns+" FROM datastores WHERE id = ?", id)
	ds, err := scanDatastore(row)
	if err != nil {
		return nil, fmt.Errorf("get datastore %q: %w", id, err)
	}
	return ds, nil
}

func (s *Store) listDatastores(ctx context.Context) ([]config.DatastoreConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+datastoreColumns+" FROM datastores ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list datastores: %w", err)
	}
	defer rows.Close()

	var result []config.DatastoreConfig
	for rows.Next() {
		ds, err := scanDatastore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan datastore: %w", err)
		}
		result = append(result, *ds)
	}
	return result, rows.Err()
}

func putDatastoreTx(ctx context.Context, tx *sql.Tx, ds config.DatastoreConfig) error {
	var polynomial *string
	if ds.Polynomial != "" {
		polynomial = &ds.Polynomial
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO datastores (id, path, gc_schedule, gc_safety_margin, prune_schedule, remote_id, polynomial,
			keep_last, keep_hourly, keep_daily, keep_weekly, keep_monthly, keep_yearly)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			gc_schedule = excluded.gc_schedule,
			gc_safety_margin = excluded.gc_safety_margin,
			prune_schedule = excluded.prune_schedule,
			remote_id = excluded.remote_id,
			polynomial = excluded.polynomial,
			keep_last = excluded.keep_last,
			keep_hourly = excluded.keep_hourly,
			keep_daily = excluded.keep_daily,
			keep_weekly = excluded.keep_weekly,
			keep_monthly = excluded.keep_monthly,
			keep_yearly = excluded.keep_yearly
	`, ds.ID, ds.Path, ds.GCSchedule, ds.GCSafetyMargin, ds.PruneSchedule, ds.RemoteID, polynomial,
		ds.Retention.KeepLast, ds.Retention.KeepHourly, ds.Retention.KeepDaily,
		ds.Retention.KeepWeekly, ds.Retention.KeepMonthly, ds.Retention.KeepYearly)
	if err != nil {
		return fmt.Errorf("put datastore %q: %w", ds.ID, err)
	}
	return nil
}

func (s *Store) PutDatastore(ctx context.Context, ds config.DatastoreConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for put datastore %q: %w", ds.ID, err)
	}
	defer tx.Rollback()
	if err := putDatastoreTx(ctx, tx, ds); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteDatastore(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM datastores WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete datastore %q: %w", id, err)
	}
	return nil
}

// Remotes

func (s *Store) GetRemote(ctx context.Context, id string) (*config.RemoteConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, type, params FROM remotes WHERE id = ?", id)

	var r config.RemoteConfig
	var paramsJSON *string
	err := row.Scan(&r.ID, &r.Type, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remote %q: %w", id, err)
	}
	if paramsJSON != nil {
		if err := json.Unmarshal([]byte(*paramsJSON), &r.Params); err != nil {
			return nil, fmt.Errorf("unmarshal remote %q params: %w", id, err)
		}
	}
	return &r, nil
}

func (s *Store) listRemotes(ctx context.Context) ([]config.RemoteConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, type, params FROM remotes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	defer rows.Close()

	var result []config.RemoteConfig
	for rows.Next() {
		var r config.RemoteConfig
		var paramsJSON *string
		if err := rows.Scan(&r.ID, &r.Type, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scan remote: %w", err)
		}
		if paramsJSON != nil {
			if err := json.Unmarshal([]byte(*paramsJSON), &r.Params); err != nil {
				return nil, fmt.Errorf("unmarshal remote params: %w", err)
			}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func putRemoteTx(ctx context.Context, tx *sql.Tx, r config.RemoteConfig) error {
	var paramsJSON *string
	if r.Params != nil {
		data, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("marshal remote %q params: %w", r.ID, err)
		}
		v := string(data)
		paramsJSON = &v
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO remotes (id, type, params)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			params = excluded.params
	`, r.ID, r.Type, paramsJSON)
	if err != nil {
		return fmt.Errorf("put remote %q: %w", r.ID, err)
	}
	return nil
}

func (s *Store) PutRemote(ctx context.Context, r config.RemoteConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for put remote %q: %w", r.ID, err)
	}
	defer tx.Rollback()
	if err := putRemoteTx(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteRemote(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM remotes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete remote %q: %w", id, err)
	}
	return nil
}

// Settings

func (s *Store) GetSetting(ctx context.Context, key string) (*string, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %q: %w", key, err)
	}
	return &value, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

// TLS

func (s *Store) GetTLSConfig(ctx context.Context) (*config.TLSConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'tls'")
	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tls config: %w", err)
	}
	var cfg config.TLSConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal tls config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) PutTLSConfig(ctx context.Context, cfg *config.TLSConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tls config: %w", err)
	}
	return s.PutSetting(ctx, "tls", string(data))
}
