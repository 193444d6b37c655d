// Package classify decides, per entity of a snapshot, whether it is new, updated or unchanged.
//
// The decision is made on the integer version only. Edit times are never compared.
package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/featurewatch/featurewatch/internal/monitor/models"
)

// Lookup returns the persisted watermark of a key.
type Lookup interface {
	Get(ctx context.Context, key string) (models.VersionRecord, bool, error)
}

// Result partitions a snapshot.
type Result struct {
	// New holds the entities seen for the first time. They are baselined without notification.
	New []models.EntityRecord
	// Updated holds the entities whose version moved past their watermark.
	Updated []models.EntityRecord
	// Unchanged holds the keys of entities at or below their watermark.
	Unchanged []string
	// Skipped counts entities which could not be classified.
	Skipped int

	// Previous maps each updated key to the record it is moving away from.
	Previous map[string]models.VersionRecord
}

type options struct {
	logger *slog.Logger
}

// Options represents an optional function to override Classify default values.
type Options func(*options)

// WithLogger sets the logger receiving the warnings about skipped and duplicate entities.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// Classify partitions snapshot against the watermarks returned by lookup.
//
// Entities with an empty key are skipped. When a key appears more than once, the highest version wins.
// A lookup failure aborts the classification.
func Classify(ctx context.Context, snapshot []models.EntityRecord, lookup Lookup, args ...Options) (Result, error) {
	opts := options{logger: slog.Default()}
	for _, opt := range args {
		opt(&opts)
	}

	res := Result{Previous: make(map[string]models.VersionRecord)}

	for _, rec := range dedup(opts.logger, snapshot, &res.Skipped) {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("classification canceled: %w", err)
		}

		stored, found, err := lookup.Get(ctx, rec.Key)
		if err != nil {
			return Result{}, fmt.Errorf("failed to look up version of %q: %w", rec.Key, err)
		}

		switch {
		case !found:
			res.New = append(res.New, rec)
		case rec.Version > stored.LastVersion:
			res.Updated = append(res.Updated, rec)
			res.Previous[rec.Key] = stored
		default:
			res.Unchanged = append(res.Unchanged, rec.Key)
		}
	}

	return res, nil
}

// dedup drops records without a key and keeps the highest version of repeated keys, preserving
// the order of first appearance.
func dedup(log *slog.Logger, snapshot []models.EntityRecord, skipped *int) []models.EntityRecord {
	out := make([]models.EntityRecord, 0, len(snapshot))
	index := make(map[string]int, len(snapshot))

	for _, rec := range snapshot {
		if rec.Key == "" {
			log.Warn("Skipping entity without key", "version", rec.Version, "name", rec.Name)
			*skipped++
			continue
		}

		i, seen := index[rec.Key]
		if !seen {
			index[rec.Key] = len(out)
			out = append(out, rec)
			continue
		}

		log.Warn("Duplicate key in snapshot", "key", rec.Key, "version", rec.Version, "kept", max(rec.Version, out[i].Version))
		if rec.Version > out[i].Version {
			out[i] = rec
		}
	}
	return out
}
