// Package config provides a manager that loads and watches the JSON notification policy file.
//
// The policy can be edited while the daemon runs; changes are picked up by the next dispatch cycle.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Conf represents the policy file structure.
type Conf struct {
	// AdvanceOnFailure commits the watermark even when the webhook delivery failed.
	AdvanceOnFailure bool `json:"advanceOnFailure"`
	// MutedKeys lists the entity keys which are never notified.
	MutedKeys []string `json:"mutedKeys"`
}

// Manager is a struct that manages the policy configuration.
type Manager struct {
	config     Conf
	mutedSet   map[string]struct{}
	lock       sync.RWMutex
	configPath string

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a new policy manager reading from path.
//
// An empty path yields a static manager holding the default policy: deliveries are required before
// a watermark advances and no key is muted.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		configPath: path,
		mutedSet:   map[string]struct{}{},
		log:        opts.Logger,
	}
}

// Load reads the policy from the configured file and updates the internal state.
func (cm *Manager) Load() error {
	if cm.configPath == "" {
		return nil
	}

	file, err := os.Open(cm.configPath)
	if err != nil {
		return fmt.Errorf("opening policy file: %w", err)
	}
	defer file.Close()

	var newConfig Conf
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&newConfig); err != nil {
		return fmt.Errorf("decoding policy JSON: %w", err)
	}

	muted := make(map[string]struct{}, len(newConfig.MutedKeys))
	keys := make([]string, 0, len(newConfig.MutedKeys))
	for _, k := range newConfig.MutedKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := muted[k]; dup {
			continue
		}
		muted[k] = struct{}{}
		keys = append(keys, k)
	}
	newConfig.MutedKeys = keys

	cm.lock.Lock()
	cm.config = newConfig
	cm.mutedSet = muted
	cm.lock.Unlock()

	cm.log.Info("Notification policy loaded", "advanceOnFailure", newConfig.AdvanceOnFailure, "mutedKeys", len(keys))
	return nil
}

// Watch starts watching the policy file for changes.
//
// It returns two channels: one for policy changes which result in a successful load and another for unrecoverable watcher errors.
// Without a policy file, both channels stay silent until ctx is done.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if cm.configPath == "" {
		go func() {
			<-ctx.Done()
			close(changesCh)
			close(errorsCh)
		}()
		return changesCh, errorsCh, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir, _ := filepath.Split(cm.configPath)
	if configDir == "" {
		configDir = "."
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	cm.log.Info("Watching notification policy directory", "dir", configDir)

	if err := cm.Load(); err != nil {
		cm.log.Warn("Error loading initial notification policy", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Notification policy watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(cm.configPath) {
					continue
				}

				cm.log.Debug("Notification policy changed. Reloading...")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading notification policy", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// AdvanceOnFailure reports whether failed deliveries still advance the watermark.
func (cm *Manager) AdvanceOnFailure() bool {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.config.AdvanceOnFailure
}

// IsMuted reports whether notifications for key are suppressed.
func (cm *Manager) IsMuted(key string) bool {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	_, ok := cm.mutedSet[key]
	return ok
}
