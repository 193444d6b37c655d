// Package models holds the types shared by the monitor components.
package models

import "time"

// DefaultName is used when a remote entity carries no human-readable name.
const DefaultName = "No Job Name"

// EntityRecord is one remote entity as observed in a snapshot.
type EntityRecord struct {
	// Key identifies the entity across snapshots.
	Key string
	// Version is the monotonic change counter of the entity. Comparison is done on it only.
	Version int64
	// EditTime is informational only and never used to decide whether an entity changed.
	EditTime time.Time
	// Name is the human-readable name of the entity.
	Name string
	// Payload is the full attribute set of the entity.
	Payload map[string]any
}

// VersionRecord is the persisted watermark of an entity.
type VersionRecord struct {
	Key         string
	LastVersion int64
	// LastNotifiedAt is zero for a baseline record which was never notified.
	LastNotifiedAt time.Time
}

// Baseline reports whether the record was created without any notification.
func (r VersionRecord) Baseline() bool {
	return r.LastNotifiedAt.IsZero()
}

// RunStatus is the persisted singleton describing the monitoring loop.
type RunStatus struct {
	IsRunning bool
	StartedAt time.Time
	// RunID names the loop owning the status.
	RunID string
	// HeartbeatAt is refreshed after each cycle.
	HeartbeatAt time.Time
}

// Stale reports whether a running status has not been refreshed for longer than after.
func (s RunStatus) Stale(now time.Time, after time.Duration) bool {
	if !s.IsRunning || after <= 0 {
		return false
	}
	last := s.HeartbeatAt
	if last.IsZero() {
		last = s.StartedAt
	}
	return now.Sub(last) > after
}
