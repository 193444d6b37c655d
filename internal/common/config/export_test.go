package config

import (
	"log/slog"
	"slices"
)

// WithLogger is an option to set the logger for the Manager.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.Logger = l
	}
}

// MutedKeys returns a copy of the muted keys.
func (cm *Manager) MutedKeys() []string {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return slices.Clone(cm.config.MutedKeys)
}
