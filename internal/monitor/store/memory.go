package store

import (
	"context"
	"sync"
	"time"

	"github.com/featurewatch/featurewatch/internal/monitor/models"
)

// Memory is a process local Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.VersionRecord
	status  models.RunStatus
	lease   lease
	closed  bool
}

type lease struct {
	holder  string
	expires time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.VersionRecord)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (models.VersionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return models.VersionRecord{}, false, unavailable("memory store is closed")
	}
	rec, ok := m.records[key]
	return rec, ok, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, rec models.VersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("memory store is closed")
	}
	if cur, ok := m.records[rec.Key]; ok && cur.LastVersion > rec.LastVersion {
		return regression(rec.Key, cur.LastVersion, rec.LastVersion)
	}
	m.records[rec.Key] = rec
	return nil
}

// RunStatus implements Store.
func (m *Memory) RunStatus(_ context.Context) (models.RunStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return models.RunStatus{}, unavailable("memory store is closed")
	}
	return m.status, nil
}

// SetRunStatus implements Store.
func (m *Memory) SetRunStatus(_ context.Context, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("memory store is closed")
	}
	m.status = status
	return nil
}

// SwapRunStatus implements Store.
func (m *Memory) SwapRunStatus(_ context.Context, prevRunID string, status models.RunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, unavailable("memory store is closed")
	}
	if m.status.RunID != prevRunID {
		return false, nil
	}
	m.status = status
	return true, nil
}

// AcquireCycle implements Store.
func (m *Memory) AcquireCycle(_ context.Context, holder string, now, expires time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, unavailable("memory store is closed")
	}
	if m.lease.holder != "" && m.lease.expires.After(now) {
		return false, nil
	}
	m.lease = lease{holder: holder, expires: expires}
	return true, nil
}

// ReleaseCycle implements Store.
func (m *Memory) ReleaseCycle(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("memory store is closed")
	}
	if m.lease.holder == holder {
		m.lease = lease{}
	}
	return nil
}

// Close implements Store. Subsequent calls fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
