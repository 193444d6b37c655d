package store_test

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/featurewatch/featurewatch/internal/common/testutils"
	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/featurewatch/featurewatch/internal/monitor/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestConnectPostgres(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		pool       mockDBPool
		newPoolErr error

		wantErr error
	}{
		"Valid pool": {},

		"Error when pool creation fails": {newPoolErr: errors.New("requested by test"), wantErr: store.ErrUnavailable},
		"Error when ping fails":          {pool: mockDBPool{pingErr: errors.New("requested by test")}, wantErr: store.ErrUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db, err := store.ConnectPostgres(t.Context(), store.PostgresConfig{Host: "localhost", Port: 5432},
				store.WithNewPool(mockNewDBPool(t, tc.pool, tc.newPoolErr)))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "ConnectPostgres should return the expected error")
				return
			}
			require.NoError(t, err, "ConnectPostgres should not return an error")
			require.NoError(t, db.Close(), "Close should not return an error")
		})
	}
}

func TestPostgresGet(t *testing.T) {
	t.Parallel()

	notified := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	tests := map[string]struct {
		row        mockRow
		earlyClose bool

		wantFound  bool
		wantRecord models.VersionRecord
		wantErr    error
	}{
		"Found notified record": {
			row:        mockRow{values: []any{int64(7), &notified}},
			wantFound:  true,
			wantRecord: models.VersionRecord{Key: "J1", LastVersion: 7, LastNotifiedAt: notified},
		},
		"Found baseline record": {
			row:        mockRow{values: []any{int64(5), (*time.Time)(nil)}},
			wantFound:  true,
			wantRecord: models.VersionRecord{Key: "J1", LastVersion: 5},
		},
		"Unknown key": {row: mockRow{err: pgx.ErrNoRows}},

		// Error cases
		"Error on query failure": {row: mockRow{err: errors.New("requested by test")}, wantErr: store.ErrUnavailable},
		"Error when closed":      {earlyClose: true, wantErr: store.ErrUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := connectMock(t, mockDBPool{row: tc.row})
			if tc.earlyClose {
				require.NoError(t, db.Close(), "Setup: failed to close database connection")
			}

			got, found, err := db.Get(t.Context(), "J1")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "Get should return the expected error")
				return
			}
			require.NoError(t, err, "Get should not return an error")
			require.Equal(t, tc.wantFound, found, "Found should match")
			require.Equal(t, tc.wantRecord, got, "Record should match")
		})
	}
}

func TestPostgresPut(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		pool       mockDBPool
		earlyClose bool

		wantErr error
	}{
		"Row written":                 {pool: mockDBPool{execTag: pgconn.NewCommandTag("INSERT 0 1")}},
		"Error on exec failure":       {pool: mockDBPool{execErr: errors.New("requested by test")}, wantErr: store.ErrUnavailable},
		"Error when closed":           {earlyClose: true, wantErr: store.ErrUnavailable},
		"Error when version regresses": {
			pool:    mockDBPool{execTag: pgconn.NewCommandTag("INSERT 0 0"), row: mockRow{values: []any{int64(9), (*time.Time)(nil)}}},
			wantErr: store.ErrVersionRegression,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := connectMock(t, tc.pool)
			if tc.earlyClose {
				require.NoError(t, db.Close(), "Setup: failed to close database connection")
			}

			err := db.Put(t.Context(), models.VersionRecord{Key: "J1", LastVersion: 7, LastNotifiedAt: time.Now()})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "Put should return the expected error")
				return
			}
			require.NoError(t, err, "Put should not return an error")
		})
	}
}

func TestPostgresRunStatus(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	tests := map[string]struct {
		pool mockDBPool

		want    models.RunStatus
		wantErr error
	}{
		"Running status": {
			pool: mockDBPool{row: mockRow{values: []any{true, "run-1", &started, (*time.Time)(nil)}}},
			want: models.RunStatus{IsRunning: true, RunID: "run-1", StartedAt: started},
		},
		"Missing row is a zero status": {pool: mockDBPool{row: mockRow{err: pgx.ErrNoRows}}},

		"Error on query failure": {pool: mockDBPool{row: mockRow{err: errors.New("requested by test")}}, wantErr: store.ErrUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := connectMock(t, tc.pool)

			got, err := db.RunStatus(t.Context())
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "RunStatus should return the expected error")
				return
			}
			require.NoError(t, err, "RunStatus should not return an error")
			require.Equal(t, tc.want, got, "RunStatus should match")
		})
	}
}

func TestPostgresSetRunStatus(t *testing.T) {
	t.Parallel()

	db := connectMock(t, mockDBPool{execErr: errors.New("requested by test")})
	err := db.SetRunStatus(t.Context(), models.RunStatus{IsRunning: true})
	require.ErrorIs(t, err, store.ErrUnavailable, "SetRunStatus should surface exec failures as unavailable")

	db = connectMock(t, mockDBPool{})
	require.NoError(t, db.SetRunStatus(t.Context(), models.RunStatus{IsRunning: true}), "SetRunStatus should not return an error")
}

func TestPostgresConditionalWrites(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		pool       mockDBPool
		earlyClose bool

		want    bool
		wantErr error
	}{
		"Row written":           {pool: mockDBPool{execTag: pgconn.NewCommandTag("INSERT 0 1")}, want: true},
		"Condition not met":     {pool: mockDBPool{execTag: pgconn.NewCommandTag("INSERT 0 0")}},
		"Error on exec failure": {pool: mockDBPool{execErr: errors.New("requested by test")}, wantErr: store.ErrUnavailable},
		"Error when closed":     {earlyClose: true, wantErr: store.ErrUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := connectMock(t, tc.pool)
			if tc.earlyClose {
				require.NoError(t, db.Close(), "Setup: failed to close database connection")
			}

			swapped, err := db.SwapRunStatus(t.Context(), "run-1", models.RunStatus{IsRunning: true, RunID: "run-2"})
			acquired, leaseErr := db.AcquireCycle(t.Context(), "c1", time.Now(), time.Now().Add(time.Minute))
			releaseErr := db.ReleaseCycle(t.Context(), "c1")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "SwapRunStatus should return the expected error")
				require.ErrorIs(t, leaseErr, tc.wantErr, "AcquireCycle should return the expected error")
				require.ErrorIs(t, releaseErr, tc.wantErr, "ReleaseCycle should return the expected error")
				return
			}
			require.NoError(t, err, "SwapRunStatus should not return an error")
			require.NoError(t, leaseErr, "AcquireCycle should not return an error")
			require.NoError(t, releaseErr, "ReleaseCycle should not return an error")
			require.Equal(t, tc.want, swapped, "SwapRunStatus should report the affected row")
			require.Equal(t, tc.want, acquired, "AcquireCycle should report the affected row")
		})
	}
}

func TestPostgresClose(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		closeDelay time.Duration

		wantErr bool
	}{
		"Closes immediately":     {},
		"Closes within deadline": {closeDelay: 100 * time.Millisecond},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			db := connectMock(t, mockDBPool{closeDelay: tc.closeDelay})
			err := db.Close()
			if tc.wantErr {
				require.Error(t, err, "Close should return an error")
				return
			}
			require.NoError(t, err, "Close should not return an error")
			require.Nil(t, store.PoolOf(t, db), "Pool should be released after Close")
			require.NoError(t, db.Close(), "Closing twice should not return an error")
		})
	}
}

func TestPostgresURI(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cfg store.PostgresConfig

		want string
	}{
		"Full configuration": {
			cfg:  store.PostgresConfig{Host: "db", Port: 5432, User: "fw", Password: "secret", DBName: "featurewatch", SSLMode: "disable"},
			want: "postgres://fw:secret@db:5432/featurewatch?sslmode=disable",
		},
		"Without port and password": {
			cfg:  store.PostgresConfig{Host: "db", User: "fw", DBName: "featurewatch"},
			want: "postgres://fw@db/featurewatch",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, tc.cfg.URI("postgres"), "URI should match")
		})
	}
}

func TestPostgresIntegration(t *testing.T) {
	t.Parallel()

	pc := testutils.StartPostgresContainer(t)
	testutils.ApplyMigrations(t, pc.DSN, testutils.MigrationsDir())

	port, err := strconv.Atoi(pc.Port)
	require.NoError(t, err, "Setup: failed to parse container port")

	db, err := store.ConnectPostgres(t.Context(), store.PostgresConfig{
		Host:     pc.Host,
		Port:     port,
		User:     pc.User,
		Password: pc.Password,
		DBName:   pc.Name,
		SSLMode:  "disable",
	})
	require.NoError(t, err, "Setup: failed to connect to PostgreSQL")
	defer db.Close()

	ctx := t.Context()
	status, err := db.RunStatus(ctx)
	require.NoError(t, err, "RunStatus should not return an error on a fresh database")
	require.False(t, status.IsRunning, "Fresh database should not be running")

	require.NoError(t, db.Put(ctx, models.VersionRecord{Key: "J1", LastVersion: 5}), "Baseline Put should succeed")
	notified := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, db.Put(ctx, models.VersionRecord{Key: "J1", LastVersion: 7, LastNotifiedAt: notified}), "Advancing Put should succeed")
	require.ErrorIs(t, db.Put(ctx, models.VersionRecord{Key: "J1", LastVersion: 6}), store.ErrVersionRegression, "Regressing Put should be refused")

	got, found, err := db.Get(ctx, "J1")
	require.NoError(t, err, "Get should not return an error")
	require.True(t, found, "Get should find the key")
	require.Equal(t, int64(7), got.LastVersion, "Watermark should be the highest version")
	require.True(t, notified.Equal(got.LastNotifiedAt), "LastNotifiedAt should round trip")

	want := models.RunStatus{IsRunning: true, RunID: "run-1", StartedAt: notified, HeartbeatAt: notified}
	require.NoError(t, db.SetRunStatus(ctx, want), "SetRunStatus should succeed")
	status, err = db.RunStatus(ctx)
	require.NoError(t, err, "RunStatus should not return an error")
	require.Equal(t, want.RunID, status.RunID, "RunID should round trip")
	require.True(t, status.IsRunning, "IsRunning should round trip")

	swapped, err := db.SwapRunStatus(ctx, "", models.RunStatus{IsRunning: true, RunID: "run-2"})
	require.NoError(t, err, "SwapRunStatus should not return an error")
	require.False(t, swapped, "SwapRunStatus should not replace a run it does not expect")
	swapped, err = db.SwapRunStatus(ctx, "run-1", models.RunStatus{IsRunning: true, RunID: "run-2", StartedAt: notified})
	require.NoError(t, err, "SwapRunStatus should not return an error")
	require.True(t, swapped, "SwapRunStatus should replace the expected run")

	now := time.Now()
	acquired, err := db.AcquireCycle(ctx, "c1", now, now.Add(time.Minute))
	require.NoError(t, err, "AcquireCycle should not return an error")
	require.True(t, acquired, "Free lease should be granted")
	acquired, err = db.AcquireCycle(ctx, "c2", now, now.Add(time.Minute))
	require.NoError(t, err, "AcquireCycle should not return an error")
	require.False(t, acquired, "Held lease should not be granted")
	require.NoError(t, db.ReleaseCycle(ctx, "c1"), "ReleaseCycle should not return an error")
	acquired, err = db.AcquireCycle(ctx, "c2", now, now.Add(time.Minute))
	require.NoError(t, err, "AcquireCycle should not return an error")
	require.True(t, acquired, "Released lease should be granted")
}

func connectMock(t *testing.T, pool mockDBPool) *store.Postgres {
	t.Helper()

	db, err := store.ConnectPostgres(t.Context(), store.PostgresConfig{}, store.WithNewPool(mockNewDBPool(t, pool, nil)))
	require.NoError(t, err, "Setup: ConnectPostgres error")
	t.Cleanup(func() { db.Close() })
	return db
}

func mockNewDBPool(t *testing.T, pool mockDBPool, err error) func(context.Context, string) (store.DBPool, error) {
	t.Helper()

	return func(context.Context, string) (store.DBPool, error) {
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
}

type mockDBPool struct {
	execTag    pgconn.CommandTag
	execErr    error
	row        mockRow
	pingErr    error
	closeDelay time.Duration
}

func (m mockDBPool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if m.execErr != nil {
		return pgconn.CommandTag{}, m.execErr
	}
	if m.execTag.String() == "" {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return m.execTag, nil
}

func (m mockDBPool) QueryRow(context.Context, string, ...any) pgx.Row {
	return m.row
}

func (m mockDBPool) Ping(context.Context) error {
	return m.pingErr
}

func (m mockDBPool) Close() {
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
}

type mockRow struct {
	values []any
	err    error
}

func (r mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("mock row: column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}
