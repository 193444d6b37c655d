package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/featurewatch/featurewatch/internal/monitor/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var sqliteSchema string

// SQLite is a Store backed by an embedded SQLite database.
// Timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, unavailable("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("failed to connect to database: %v", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %v", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %v", err)
	}

	slog.Debug("Opened SQLite version store", "path", path)
	return &SQLite{db: db}, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) (models.VersionRecord, bool, error) {
	var (
		version  int64
		notified sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_version, last_notified_at FROM version_records WHERE entity_key = ?`, key,
	).Scan(&version, &notified)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VersionRecord{}, false, nil
	}
	if err != nil {
		return models.VersionRecord{}, false, unavailable("failed to read version of %q: %v", key, err)
	}

	return models.VersionRecord{
		Key:            key,
		LastVersion:    version,
		LastNotifiedAt: fromMillis(notified),
	}, true, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, rec models.VersionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO version_records (entity_key, last_version, last_notified_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_key) DO UPDATE SET
			last_version = excluded.last_version,
			last_notified_at = excluded.last_notified_at,
			updated_at = excluded.updated_at
		WHERE version_records.last_version <= excluded.last_version`,
		rec.Key, rec.LastVersion, toMillis(rec.LastNotifiedAt), time.Now().UnixMilli(),
	)
	if err != nil {
		return unavailable("failed to write version of %q: %v", rec.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("failed to write version of %q: %v", rec.Key, err)
	}
	if n > 0 {
		return nil
	}

	cur, _, err := s.Get(ctx, rec.Key)
	if err != nil {
		return err
	}
	return regression(rec.Key, cur.LastVersion, rec.LastVersion)
}

// RunStatus implements Store.
func (s *SQLite) RunStatus(ctx context.Context) (models.RunStatus, error) {
	var (
		status             models.RunStatus
		started, heartbeat sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_running, run_id, started_at, heartbeat_at FROM run_status WHERE id = 1`,
	).Scan(&status.IsRunning, &status.RunID, &started, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunStatus{}, nil
	}
	if err != nil {
		return models.RunStatus{}, unavailable("failed to read run status: %v", err)
	}

	status.StartedAt = fromMillis(started)
	status.HeartbeatAt = fromMillis(heartbeat)
	return status, nil
}

// SetRunStatus implements Store.
func (s *SQLite) SetRunStatus(ctx context.Context, status models.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_status (id, is_running, run_id, started_at, heartbeat_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_running = excluded.is_running,
			run_id = excluded.run_id,
			started_at = excluded.started_at,
			heartbeat_at = excluded.heartbeat_at`,
		status.IsRunning, status.RunID, toMillis(status.StartedAt), toMillis(status.HeartbeatAt),
	)
	if err != nil {
		return unavailable("failed to write run status: %v", err)
	}
	return nil
}

// SwapRunStatus implements Store.
func (s *SQLite) SwapRunStatus(ctx context.Context, prevRunID string, status models.RunStatus) (bool, error) {
	// The insert branch only applies to a database where no status was ever written.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_status (id, is_running, run_id, started_at, heartbeat_at)
		SELECT 1, ?, ?, ?, ? WHERE ? = ''
		ON CONFLICT (id) DO UPDATE SET
			is_running = excluded.is_running,
			run_id = excluded.run_id,
			started_at = excluded.started_at,
			heartbeat_at = excluded.heartbeat_at
		WHERE run_status.run_id = ?`,
		status.IsRunning, status.RunID, toMillis(status.StartedAt), toMillis(status.HeartbeatAt),
		prevRunID, prevRunID,
	)
	if err != nil {
		return false, unavailable("failed to swap run status: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("failed to swap run status: %v", err)
	}
	return n > 0, nil
}

// AcquireCycle implements Store.
func (s *SQLite) AcquireCycle(ctx context.Context, holder string, now, expires time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_lease (id, holder, expires_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE cycle_lease.expires_at <= ?`,
		holder, expires.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, unavailable("failed to acquire cycle lease: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("failed to acquire cycle lease: %v", err)
	}
	return n > 0, nil
}

// ReleaseCycle implements Store.
func (s *SQLite) ReleaseCycle(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cycle_lease WHERE id = 1 AND holder = ?`, holder); err != nil {
		return unavailable("failed to release cycle lease: %v", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
