// Package store persists the per-entity version watermarks and the run status of the monitor.
//
// Three backends are provided: an in-memory one for tests and dry runs, an embedded SQLite
// database which is the default for a single host, and PostgreSQL for shared deployments.
// Every backend refuses to move a watermark backwards.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/featurewatch/featurewatch/internal/monitor/models"
)

var (
	// ErrUnavailable is returned when the backend cannot be reached or fails to answer.
	ErrUnavailable = errors.New("version store unavailable")
	// ErrVersionRegression is returned when a write would lower the persisted watermark of a key.
	ErrVersionRegression = errors.New("version regression refused")
)

// Store is the persistence contract of the monitor. Each call is atomic per row.
type Store interface {
	// Get returns the version record of key. The boolean is false when the key was never seen.
	Get(ctx context.Context, key string) (models.VersionRecord, bool, error)
	// Put creates or advances the version record of rec.Key.
	Put(ctx context.Context, rec models.VersionRecord) error
	// RunStatus returns the persisted run status, zero valued if none was ever written.
	RunStatus(ctx context.Context) (models.RunStatus, error)
	// SetRunStatus replaces the persisted run status.
	SetRunStatus(ctx context.Context, status models.RunStatus) error
	// SwapRunStatus replaces the persisted run status only if it still names prevRunID, an empty
	// prevRunID matching a cleared status. The boolean is false when another writer got there first.
	SwapRunStatus(ctx context.Context, prevRunID string, status models.RunStatus) (bool, error)
	// AcquireCycle takes the cycle lease for holder until expires. It fails without error while
	// another holder keeps an unexpired lease, as seen at now.
	AcquireCycle(ctx context.Context, holder string, now, expires time.Time) (bool, error)
	// ReleaseCycle gives the cycle lease back if holder still owns it.
	ReleaseCycle(ctx context.Context, holder string) error
	Close() error
}

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the backend.
type Config struct {
	Driver     string
	SQLitePath string
	Postgres   PostgresConfig
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath)
	case DriverPostgres:
		return ConnectPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func unavailable(format string, args ...any) error {
	return errors.Join(ErrUnavailable, fmt.Errorf(format, args...))
}

func regression(key string, current, attempted int64) error {
	return errors.Join(ErrVersionRegression, fmt.Errorf("key %q: stored version %d, attempted %d", key, current, attempted))
}
