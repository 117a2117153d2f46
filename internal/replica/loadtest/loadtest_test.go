package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flags"
)

func setupTestDatabase(t *testing.T, numEntities int) *TestDatabase {
	t.Helper()

	td, err := CreateTestDatabase(filepath.Join(t.TempDir(), "load.db"), numEntities, 42)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { td.Close() })
	return td
}

func TestCreateTestDatabase(t *testing.T) {
	td := setupTestDatabase(t, 20)

	want := 20 * len(flags.Builtin())
	if td.TotalRows != want {
		t.Errorf("TotalRows = %d, want %d", td.TotalRows, want)
	}

	count, err := td.DB.GetFlagCount(context.Background())
	if err != nil {
		t.Fatalf("GetFlagCount() failed: %v", err)
	}
	if count != want {
		t.Errorf("GetFlagCount() = %d, want %d", count, want)
	}

	stats := td.GetStats()
	if stats["entities"] != 20 {
		t.Errorf("entities = %v, want 20", stats["entities"])
	}
}

func TestRandomValuesAreValid(t *testing.T) {
	td := setupTestDatabase(t, 1)

	rows, err := td.DB.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	for _, row := range rows {
		if _, err := td.registry.Parse(row.Key, row.Value); err != nil {
			t.Errorf("generated invalid %s: %s (%v)", row.Key, row.Value, err)
		}
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	td := setupTestDatabase(t, 50)

	stats, err := td.RunConcurrentSnapshots(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("RunConcurrentSnapshots() failed: %v", err)
	}
	if stats.Operations != 50 {
		t.Errorf("Operations = %d, want 50", stats.Operations)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.Max {
		t.Errorf("percentiles out of order: %+v", stats)
	}
}

func TestConcurrentWritersConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	td := setupTestDatabase(t, 10)
	ctx := context.Background()

	stats, expected, err := td.RunConcurrentWriters(ctx, 8, 25, 7)
	if err != nil {
		t.Fatalf("RunConcurrentWriters() failed: %v", err)
	}
	if stats.Operations != 200 {
		t.Errorf("Operations = %d, want 200", stats.Operations)
	}
	if len(expected) == 0 {
		t.Fatal("no writes planned")
	}

	if err := td.VerifyLastWriteWins(ctx, expected); err != nil {
		t.Errorf("store did not converge: %v", err)
	}

	count, _ := td.DB.GetFlagCount(ctx)
	if count != td.TotalRows {
		t.Errorf("GetFlagCount() = %d, want %d", count, td.TotalRows)
	}
}

func TestVerifyNoRaceConditions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	td := setupTestDatabase(t, 10)

	if err := td.VerifyNoRaceConditions(4, 300*time.Millisecond); err != nil {
		t.Errorf("VerifyNoRaceConditions() failed: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}

	if empty := computeLatencyStats(nil); empty.Operations != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	if !strings.Contains(buf.String(), "Operations:    100") {
		t.Errorf("PrintStats() = %q", buf.String())
	}
}
