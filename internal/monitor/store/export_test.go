package store

import (
	"context"
	"testing"
)

type DBPool = dbPool

// WithNewPool overrides the pool constructor of the PostgreSQL store.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) PostgresOption {
	return func(o *pgOptions) {
		o.newPool = newPool
	}
}

// PoolOf exposes the pool of a PostgreSQL store for assertions.
func PoolOf(t *testing.T, db *Postgres) DBPool {
	t.Helper()
	return db.dbpool
}
