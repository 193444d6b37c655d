package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryTimeout bounds every round trip to PostgreSQL.
const queryTimeout = 10 * time.Second

// PostgresConfig holds the configuration for connecting to the PostgreSQL database.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Postgres is a Store backed by a PostgreSQL connection pool.
// The schema is managed by the migrations shipped with the daemon.
type Postgres struct {
	dbpool dbPool
}

type pgOptions struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// PostgresOption represents an optional function to override Postgres default values.
type PostgresOption func(*pgOptions)

// ConnectPostgres creates a connection pool using the provided configuration.
// The connection is validated with a ping, but it is not maintained.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig, args ...PostgresOption) (*Postgres, error) {
	opts := pgOptions{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, unavailable("unable to create database connection pool: %v", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, unavailable("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Postgres{dbpool: dbpool}, nil
}

// Get implements Store.
func (db *Postgres) Get(ctx context.Context, key string) (rec models.VersionRecord, found bool, err error) {
	if db.dbpool == nil {
		return rec, false, unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var notified *time.Time
	err = db.dbpool.QueryRow(ctx,
		`SELECT last_version, last_notified_at FROM version_records WHERE entity_key = $1`, key,
	).Scan(&rec.LastVersion, &notified)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VersionRecord{}, false, nil
	}
	if err != nil {
		return models.VersionRecord{}, false, unavailable("failed to read version of %q: %v", key, err)
	}

	rec.Key = key
	if notified != nil {
		rec.LastNotifiedAt = notified.UTC()
	}
	return rec, true, nil
}

// Put implements Store.
func (db *Postgres) Put(ctx context.Context, rec models.VersionRecord) error {
	if db.dbpool == nil {
		return unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx,
		`INSERT INTO version_records (
			entity_key,
			last_version,
			last_notified_at,
			updated_at
		) VALUES ($1, $2, $3, now())
		ON CONFLICT (entity_key) DO UPDATE SET
			last_version = EXCLUDED.last_version,
			last_notified_at = EXCLUDED.last_notified_at,
			updated_at = EXCLUDED.updated_at
		WHERE version_records.last_version <= EXCLUDED.last_version`,
		rec.Key,                      // entity_key
		rec.LastVersion,              // last_version
		nullTime(rec.LastNotifiedAt), // last_notified_at
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("write canceled: %v", err)
		}
		return unavailable("failed to write version of %q: %v", rec.Key, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, _, err := db.Get(ctx, rec.Key)
	if err != nil {
		return err
	}
	return regression(rec.Key, cur.LastVersion, rec.LastVersion)
}

// RunStatus implements Store.
func (db *Postgres) RunStatus(ctx context.Context) (models.RunStatus, error) {
	if db.dbpool == nil {
		return models.RunStatus{}, unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		status             models.RunStatus
		started, heartbeat *time.Time
	)
	err := db.dbpool.QueryRow(ctx,
		`SELECT is_running, run_id, started_at, heartbeat_at FROM run_status WHERE id = 1`,
	).Scan(&status.IsRunning, &status.RunID, &started, &heartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunStatus{}, nil
	}
	if err != nil {
		return models.RunStatus{}, unavailable("failed to read run status: %v", err)
	}

	if started != nil {
		status.StartedAt = started.UTC()
	}
	if heartbeat != nil {
		status.HeartbeatAt = heartbeat.UTC()
	}
	return status, nil
}

// SetRunStatus implements Store.
func (db *Postgres) SetRunStatus(ctx context.Context, status models.RunStatus) error {
	if db.dbpool == nil {
		return unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO run_status (id, is_running, run_id, started_at, heartbeat_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			is_running = EXCLUDED.is_running,
			run_id = EXCLUDED.run_id,
			started_at = EXCLUDED.started_at,
			heartbeat_at = EXCLUDED.heartbeat_at`,
		status.IsRunning,             // is_running
		status.RunID,                 // run_id
		nullTime(status.StartedAt),   // started_at
		nullTime(status.HeartbeatAt), // heartbeat_at
	)
	if err != nil {
		return unavailable("failed to write run status: %v", err)
	}
	return nil
}

// SwapRunStatus implements Store.
func (db *Postgres) SwapRunStatus(ctx context.Context, prevRunID string, status models.RunStatus) (bool, error) {
	if db.dbpool == nil {
		return false, unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx,
		`INSERT INTO run_status (id, is_running, run_id, started_at, heartbeat_at)
		SELECT 1, $1::boolean, $2::text, $3::timestamptz, $4::timestamptz WHERE $5::text = ''
		ON CONFLICT (id) DO UPDATE SET
			is_running = EXCLUDED.is_running,
			run_id = EXCLUDED.run_id,
			started_at = EXCLUDED.started_at,
			heartbeat_at = EXCLUDED.heartbeat_at
		WHERE run_status.run_id = $5::text`,
		status.IsRunning,             // is_running
		status.RunID,                 // run_id
		nullTime(status.StartedAt),   // started_at
		nullTime(status.HeartbeatAt), // heartbeat_at
		prevRunID,                    // expected run_id
	)
	if err != nil {
		return false, unavailable("failed to swap run status: %v", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AcquireCycle implements Store.
func (db *Postgres) AcquireCycle(ctx context.Context, holder string, now, expires time.Time) (bool, error) {
	if db.dbpool == nil {
		return false, unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx,
		`INSERT INTO cycle_lease (id, holder, expires_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE cycle_lease.expires_at <= $3`,
		holder, expires, now,
	)
	if err != nil {
		return false, unavailable("failed to acquire cycle lease: %v", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseCycle implements Store.
func (db *Postgres) ReleaseCycle(ctx context.Context, holder string) error {
	if db.dbpool == nil {
		return unavailable("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := db.dbpool.Exec(ctx, `DELETE FROM cycle_lease WHERE id = 1 AND holder = $1`, holder); err != nil {
		return unavailable("failed to release cycle lease: %v", err)
	}
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Postgres) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(queryTimeout):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c PostgresConfig) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
