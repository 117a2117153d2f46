// Package loadtest exercises the record store under concurrent access.
//
// It simulates many clients reading full snapshots into their own flag stores
// while writers race to update the same flags, and verifies that the store
// converges on the newest write of every flag.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/replica/db"
)

// TestDatabase represents a populated record store for load testing.
type TestDatabase struct {
	DB        *db.DB
	Entities  []string
	TotalRows int

	registry *flags.Registry
	base     time.Time
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// CreateTestDatabase creates a record store holding every built-in flag for
// numEntities habits. Values are random but valid and reproducible for a
// given seed.
func CreateTestDatabase(dbPath string, numEntities int, seed int64) (*TestDatabase, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	td := &TestDatabase{
		DB:       database,
		Entities: make([]string, 0, numEntities),
		registry: flags.NewBuiltinRegistry(),
		base:     time.Now().Add(-24 * time.Hour).Truncate(time.Second),
	}

	rng := rand.New(rand.NewSource(seed))
	ctx := context.Background()
	for i := 0; i < numEntities; i++ {
		entityID := fmt.Sprintf("habit-%05d", i)
		for _, key := range td.registry.Keys() {
			row := flagstore.Row{
				EntityID:  entityID,
				Key:       key,
				Value:     randomValue(rng, key),
				UpdatedAt: td.base,
			}
			if err := database.UpsertRow(ctx, row); err != nil {
				_ = database.Close()
				return nil, fmt.Errorf("failed to insert %s: %w", flagstore.CompositeKey(entityID, key), err)
			}
			td.TotalRows++
		}
		td.Entities = append(td.Entities, entityID)
	}

	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// RunConcurrentSnapshots simulates numReaders clients, each ingesting
// snapshotsPerReader full snapshots into its own flag store. Latency covers
// the read and the ingest.
func (td *TestDatabase) RunConcurrentSnapshots(ctx context.Context, numReaders, snapshotsPerReader int) (*LatencyStats, error) {
	var mu sync.Mutex
	var all []time.Duration
	errorCount := 0

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numReaders; i++ {
		readerID := i
		g.Go(func() error {
			store := flagstore.New(td.registry, nil, nil)
			if err := store.Attach(fmt.Sprintf("reader-%d", readerID)); err != nil {
				return err
			}

			durations := make([]time.Duration, 0, snapshotsPerReader)
			for j := 0; j < snapshotsPerReader; j++ {
				start := time.Now()
				rows, err := td.DB.Snapshot(ctx)
				if err != nil {
					mu.Lock()
					errorCount++
					mu.Unlock()
					return fmt.Errorf("reader %d snapshot %d failed: %w", readerID, j, err)
				}
				stats := store.Ingest(rows)
				durations = append(durations, time.Since(start))

				if stats.Skipped > 0 {
					return fmt.Errorf("reader %d skipped %d rows", readerID, stats.Skipped)
				}
			}

			mu.Lock()
			all = append(all, durations...)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if len(all) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no successful snapshots completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, err
}

// PlannedWrite is one timestamped flag write made by a writer.
type PlannedWrite struct {
	EntityID string
	Key      string
	Value    json.RawMessage
	At       time.Time
}

// RunConcurrentWriters has numWriters goroutines each make writesPerWriter
// writes to random flags. Timestamps are unique but handed out in shuffled
// order, so older writes regularly land after newer ones. It returns the
// write latencies and the write every flag must end up holding.
func (td *TestDatabase) RunConcurrentWriters(ctx context.Context, numWriters, writesPerWriter int, seed int64) (*LatencyStats, map[string]PlannedWrite, error) {
	rng := rand.New(rand.NewSource(seed))
	keys := td.registry.Keys()

	total := numWriters * writesPerWriter
	stamps := rng.Perm(total)
	plan := make([][]PlannedWrite, numWriters)
	expected := make(map[string]PlannedWrite)

	for i := 0; i < total; i++ {
		w := PlannedWrite{
			EntityID: td.Entities[rng.Intn(len(td.Entities))],
			Key:      keys[rng.Intn(len(keys))],
			At:       td.base.Add(time.Duration(stamps[i]+1) * time.Millisecond),
		}
		w.Value = randomValue(rng, w.Key)
		plan[i%numWriters] = append(plan[i%numWriters], w)

		ck := flagstore.CompositeKey(w.EntityID, w.Key)
		if prev, ok := expected[ck]; !ok || w.At.After(prev.At) {
			expected[ck] = w
		}
	}

	var mu sync.Mutex
	var all []time.Duration

	g, ctx := errgroup.WithContext(ctx)
	for i := range plan {
		writes := plan[i]
		g.Go(func() error {
			durations := make([]time.Duration, 0, len(writes))
			for _, w := range writes {
				start := time.Now()
				if err := td.DB.Mutate(ctx, w.EntityID, w.Key, w.Value, w.At); err != nil {
					return err
				}
				durations = append(durations, time.Since(start))
			}
			mu.Lock()
			all = append(all, durations...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return computeLatencyStats(all), expected, nil
}

// VerifyLastWriteWins checks that every flag in expected holds the newest
// write made to it.
func (td *TestDatabase) VerifyLastWriteWins(ctx context.Context, expected map[string]PlannedWrite) error {
	for ck, w := range expected {
		row, err := td.DB.GetRow(ctx, w.EntityID, w.Key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", ck, err)
		}
		if !row.UpdatedAt.Equal(w.At) {
			return fmt.Errorf("%s holds the write from %v, want %v", ck, row.UpdatedAt, w.At)
		}

		want, err := td.registry.Parse(w.Key, w.Value)
		if err != nil {
			return err
		}
		got, err := td.registry.Parse(w.Key, row.Value)
		if err != nil {
			return fmt.Errorf("%s holds an invalid value: %w", ck, err)
		}
		if string(got.Canonical) != string(want.Canonical) {
			return fmt.Errorf("%s = %s, want %s", ck, got.Canonical, want.Canonical)
		}
	}
	return nil
}

// VerifyNoRaceConditions runs snapshot readers against a concurrent writer
// for duration and checks that every snapshot is complete and valid.
func (td *TestDatabase) VerifyNoRaceConditions(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		keys := td.registry.Keys()
		for i := 1; gctx.Err() == nil; i++ {
			key := keys[rng.Intn(len(keys))]
			entityID := td.Entities[rng.Intn(len(td.Entities))]
			at := td.base.Add(time.Duration(i) * time.Microsecond)
			if err := td.DB.Mutate(gctx, entityID, key, randomValue(rng, key), at); err != nil && gctx.Err() == nil {
				return fmt.Errorf("writer failed: %w", err)
			}
		}
		return nil
	})

	for i := 0; i < numReaders; i++ {
		readerID := i
		g.Go(func() error {
			for gctx.Err() == nil {
				rows, err := td.DB.Snapshot(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("reader %d snapshot failed: %w", readerID, err)
				}
				if len(rows) != td.TotalRows {
					return fmt.Errorf("reader %d saw %d rows, want %d", readerID, len(rows), td.TotalRows)
				}
				for _, row := range rows {
					if _, err := td.registry.Parse(row.Key, row.Value); err != nil {
						return fmt.Errorf("reader %d found invalid row: %w", readerID, err)
					}
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	return g.Wait()
}

// GetStats returns statistics about the test database.
func (td *TestDatabase) GetStats() map[string]any {
	return map[string]any{
		"entities":   len(td.Entities),
		"total_rows": td.TotalRows,
		"flags":      len(td.registry.Keys()),
	}
}

// randomValue returns a valid value for a built-in key.
func randomValue(rng *rand.Rand, key string) json.RawMessage {
	var v any
	switch key {
	case flags.KeyProgress:
		hi := float64(1 + rng.Intn(100))
		v = flags.Progress{Enabled: rng.Intn(2) == 0, Min: ptr(0.0), Max: &hi}
	case flags.KeyColor:
		v = fmt.Sprintf("#%06X", rng.Intn(0x1000000))
	case flags.KeyFrequency:
		v = []string{"daily", "weekly", "monthly"}[rng.Intn(3)]
	case flags.KeyGoal:
		v = flags.Goal{Target: float64(1 + rng.Intn(20)), Unit: "times"}
	case flags.KeyReminder:
		v = fmt.Sprintf("%02d:%02d", rng.Intn(24), rng.Intn(60))
	case flags.KeyArchived:
		v = flags.Archived{Archived: rng.Intn(10) == 0}
	default:
		v = nil
	}
	raw, _ := json.Marshal(v)
	return raw
}

func ptr[T any](v T) *T { return &v }

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes the latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
