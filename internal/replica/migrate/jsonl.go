// Package migrate moves flag snapshots between the record store, JSONL files
// and record file directories.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/replica/records"
)

// Source yields a full snapshot. *db.DB implements it.
type Source interface {
	Snapshot(ctx context.Context) ([]flagstore.Row, error)
}

// Sink accepts records. *db.DB implements it.
type Sink interface {
	UpsertRow(ctx context.Context, row flagstore.Row) error
}

// Options configures an import.
type Options struct {
	DryRun bool // Parse and validate without writing
	Backup bool // Copy the input file aside before importing
}

// Result contains statistics about an import or export.
type Result struct {
	Rows          int
	Written       int
	BackupCreated string
	Errors        []string
}

// ReadJSONL parses one flagstore.Row per line. Blank lines are ignored.
func ReadJSONL(r io.Reader) ([]flagstore.Row, error) {
	var rows []flagstore.Row
	decoder := json.NewDecoder(bufio.NewReader(r))
	lineNum := 0

	for {
		var row flagstore.Row
		if err := decoder.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++
		rows = append(rows, row)
	}

	return rows, nil
}

// WriteJSONL writes one row per line.
func WriteJSONL(w io.Writer, rows []flagstore.Row) error {
	encoder := json.NewEncoder(w)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to encode %s: %w", flagstore.CompositeKey(row.EntityID, row.Key), err)
		}
	}
	return nil
}

// ExportJSONL writes the full snapshot of src to path atomically.
func ExportJSONL(ctx context.Context, src Source, path string) (*Result, error) {
	rows, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	if err := WriteJSONL(w, rows); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to flush JSONL: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return &Result{Rows: len(rows), Written: len(rows)}, nil
}

// ImportJSONL upserts every row of a JSONL file into dst. Rows that dst
// rejects are reported in Result.Errors and do not stop the import.
func ImportJSONL(ctx context.Context, dst Sink, path string, opts Options) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &Result{}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(path) // #nosec G304 - controlled path from CLI
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	file, err := os.Open(path) // #nosec G304 - controlled path from CLI
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	rows, err := ReadJSONL(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	return upsertAll(ctx, dst, rows, opts.DryRun, result)
}

// ExportDir writes one record file per row of src into dir.
func ExportDir(ctx context.Context, src Source, dir string) (*Result, error) {
	rows, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	result := &Result{Rows: len(rows)}
	for _, row := range rows {
		if err := records.Write(dir, records.FromRow(row)); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to write %s: %v", flagstore.CompositeKey(row.EntityID, row.Key), err))
			continue
		}
		result.Written++
	}
	return result, nil
}

// ImportDir upserts every valid record file in dir into dst.
func ImportDir(ctx context.Context, dst Sink, dir string, opts Options) (*Result, error) {
	files, skipped, err := records.ListAll(dir)
	if err != nil {
		return nil, err
	}

	result := &Result{Errors: skipped}
	rows := make([]flagstore.Row, 0, len(files))
	for _, f := range files {
		rows = append(rows, f.Row())
	}
	result.Rows = len(skipped)
	return upsertAll(ctx, dst, rows, opts.DryRun, result)
}

func upsertAll(ctx context.Context, dst Sink, rows []flagstore.Row, dryRun bool, result *Result) (*Result, error) {
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Rows++
		if dryRun {
			continue
		}
		if err := dst.UpsertRow(ctx, row); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to import %s: %v", flagstore.CompositeKey(row.EntityID, row.Key), err))
			continue
		}
		result.Written++
	}
	return result, nil
}
