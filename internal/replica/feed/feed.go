// Package feed pushes full snapshots of replicated flag records into a
// flagstore.Store.
//
// A Feed is the serialized push stream the store expects: each Sync reads one
// complete snapshot from a Source and hands it to Store.Ingest. Concurrent Sync
// calls are serialized, so ingests for one store never overlap.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

// Source yields a full snapshot of flag records.
type Source interface {
	Snapshot(ctx context.Context) ([]flagstore.Row, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]flagstore.Row, error)

// Snapshot implements Source.
func (f SourceFunc) Snapshot(ctx context.Context) ([]flagstore.Row, error) {
	return f(ctx)
}

// Ingester receives snapshots. *flagstore.Store implements it.
type Ingester interface {
	Ingest(rows []flagstore.Row) flagstore.IngestStats
}

// Stats accumulates results across syncs.
type Stats struct {
	Syncs    int
	Failures int
	Rows     int
	Skipped  int
	Changed  int
	LastSync time.Time
	LastErr  error
}

// Feed moves snapshots from a Source into an Ingester.
type Feed struct {
	source Source
	store  Ingester
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Feed. If logger is nil, slog.Default() is used.
//
// Example:
//
//	database, err := db.Open(".habits/flags.db")
//	if err != nil {
//	    return err
//	}
//	f := feed.New(database, store, nil)
//	stats, err := f.Sync(ctx)
func New(source Source, store Ingester, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		source: source,
		store:  store,
		logger: logger.With("component", "feed"),
	}
}

// Sync reads one snapshot and ingests it. A failed read leaves the store
// untouched.
func (f *Feed) Sync(ctx context.Context) (flagstore.IngestStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.source.Snapshot(ctx)
	if err != nil {
		f.stats.Failures++
		f.stats.LastErr = err
		return flagstore.IngestStats{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	stats := f.store.Ingest(rows)

	f.stats.Syncs++
	f.stats.Rows += stats.Rows
	f.stats.Skipped += stats.Skipped
	f.stats.Changed += stats.Changed
	f.stats.LastSync = time.Now()
	f.stats.LastErr = nil

	if stats.Skipped > 0 {
		f.logger.Warn("snapshot had invalid rows", "rows", stats.Rows, "skipped", stats.Skipped)
	}
	f.logger.Debug("snapshot ingested",
		"rows", stats.Rows, "applied", stats.Applied, "changed", stats.Changed)

	return stats, nil
}

// Stats returns the accumulated sync statistics.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
