package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/replica/db"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "flags.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return database
}

func seed(t *testing.T, database *db.DB) {
	t.Helper()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := []flagstore.Row{
		{EntityID: "h1", Key: "Color", Value: json.RawMessage(`"#111111"`), UpdatedAt: at},
		{EntityID: "h1", Key: "Progress", Value: json.RawMessage(`{"enabled":true,"min":1,"max":3}`), UpdatedAt: at},
		{EntityID: "h2", Key: "Frequency", Value: json.RawMessage(`"weekly"`), UpdatedAt: at},
	}
	for _, r := range rows {
		if err := database.UpsertRow(context.Background(), r); err != nil {
			t.Fatalf("failed to seed %s: %v", r.Key, err)
		}
	}
}

type rejectingSink struct {
	reject string
	rows   []flagstore.Row
}

func (s *rejectingSink) UpsertRow(_ context.Context, row flagstore.Row) error {
	if row.Key == s.reject {
		return errors.New("rejected")
	}
	s.rows = append(s.rows, row)
	return nil
}

func TestReadJSONL(t *testing.T) {
	input := `{"entity_id":"h1","key":"Color","value":"#000000"}

{"entity_id":"h2","key":"Reminder"}
`
	rows, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ReadJSONL() returned %d rows, want 2", len(rows))
	}
	if rows[1].Value != nil {
		t.Errorf("rows[1].Value = %s, want nil", rows[1].Value)
	}

	if _, err := ReadJSONL(strings.NewReader(`{"entity_id":`)); err == nil {
		t.Error("ReadJSONL() accepted truncated input")
	}
}

func TestWriteJSONL_OneRowPerLine(t *testing.T) {
	var buf bytes.Buffer
	rows := []flagstore.Row{
		{EntityID: "h1", Key: "Color", Value: json.RawMessage(`"#000000"`)},
		{EntityID: "h1", Key: "Frequency", Value: json.RawMessage(`"daily"`)},
	}
	if err := WriteJSONL(&buf, rows); err != nil {
		t.Fatalf("WriteJSONL() failed: %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("WriteJSONL() wrote %d lines, want 2", lines)
	}
}

func TestExportImportJSONL(t *testing.T) {
	src := setupTestDB(t)
	seed(t, src)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "flags.jsonl")

	exported, err := ExportJSONL(ctx, src, path)
	if err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}
	if exported.Written != 3 {
		t.Errorf("ExportJSONL() wrote %d rows, want 3", exported.Written)
	}

	dst := setupTestDB(t)
	imported, err := ImportJSONL(ctx, dst, path, Options{Backup: true})
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if imported.Written != 3 || len(imported.Errors) != 0 {
		t.Errorf("ImportJSONL() = %+v", imported)
	}
	if imported.BackupCreated == "" {
		t.Error("backup not created")
	} else if _, err := os.Stat(imported.BackupCreated); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	want, _ := src.Snapshot(ctx)
	got, _ := dst.Snapshot(ctx)
	if len(got) != len(want) {
		t.Fatalf("round trip: %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].EntityID != want[i].EntityID || got[i].Key != want[i].Key ||
			!bytes.Equal(got[i].Value, want[i].Value) || !got[i].UpdatedAt.Equal(want[i].UpdatedAt) {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestImportJSONL_DryRun(t *testing.T) {
	src := setupTestDB(t)
	seed(t, src)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flags.jsonl")
	if _, err := ExportJSONL(ctx, src, path); err != nil {
		t.Fatal(err)
	}

	sink := &rejectingSink{}
	result, err := ImportJSONL(ctx, sink, path, Options{DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if result.Rows != 3 || result.Written != 0 || len(sink.rows) != 0 {
		t.Errorf("dry run wrote: %+v", result)
	}
	if result.BackupCreated != "" {
		t.Error("dry run created a backup")
	}
}

func TestImportJSONL_PartialFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.jsonl")
	input := `{"entity_id":"h1","key":"Color","value":"#000000"}
{"entity_id":"h1","key":"Frequency","value":"daily"}
`
	if err := os.WriteFile(path, []byte(input), 0644); err != nil {
		t.Fatal(err)
	}

	sink := &rejectingSink{reject: "Color"}
	result, err := ImportJSONL(context.Background(), sink, path, Options{})
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if result.Written != 1 || len(result.Errors) != 1 {
		t.Errorf("ImportJSONL() = %+v, want 1 written 1 error", result)
	}
}

func TestImportJSONL_MissingFile(t *testing.T) {
	if _, err := ImportJSONL(context.Background(), &rejectingSink{}, "/nonexistent/flags.jsonl", Options{}); err == nil {
		t.Error("ImportJSONL() succeeded for a missing file")
	}
}

func TestExportImportDir(t *testing.T) {
	src := setupTestDB(t)
	seed(t, src)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "records")

	exported, err := ExportDir(ctx, src, dir)
	if err != nil {
		t.Fatalf("ExportDir() failed: %v", err)
	}
	if exported.Written != 3 {
		t.Errorf("ExportDir() wrote %d files, want 3", exported.Written)
	}
	if _, err := os.Stat(filepath.Join(dir, "h1--Progress.json")); err != nil {
		t.Errorf("record file missing: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "bad--Color.json"), []byte(`{`), 0644); err != nil {
		t.Fatal(err)
	}

	dst := setupTestDB(t)
	imported, err := ImportDir(ctx, dst, dir, Options{})
	if err != nil {
		t.Fatalf("ImportDir() failed: %v", err)
	}
	if imported.Written != 3 || imported.Rows != 4 || len(imported.Errors) != 1 {
		t.Errorf("ImportDir() = %+v, want 4 rows 3 written 1 error", imported)
	}

	count, err := dst.GetFlagCount(ctx)
	if err != nil || count != 3 {
		t.Errorf("GetFlagCount() = %d, %v; want 3", count, err)
	}
}
