// Package db provides the embedded SQLite record store for replicated flags.
//
// The record store is the local end of the replication layer: it holds one row
// per (entity, flag key), serves full snapshots to the feed and accepts writes
// from the flag store through Mutate.
//
// Architecture:
//   - Database file: .habits/flags.db
//   - WAL mode: the daemon and CLI read while another process writes
//   - Schema: flags table keyed by (entity_id, key)
//   - Conflict rule: last write wins by updated_at
//
// Workflow:
//  1. Store.Write validates a value and calls DB.Mutate
//  2. The write lands in the WAL, which the daemon watches
//  3. The daemon asks the feed for a new snapshot (DB.Snapshot)
//  4. Store.Ingest notifies subscribers of the changed keys
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

// ErrNotFound is returned when a flag record does not exist.
var ErrNotFound = errors.New("flag record not found")

// DB wraps the SQLite connection holding flag records.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL for concurrent reads. The caller MUST call
// Close() when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open(".habits/flags.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the flags table if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS flags (
		entity_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,  -- JSON, NULL when the record carries no value
		updated_at INTEGER NOT NULL DEFAULT 0,  -- unix nanoseconds
		PRIMARY KEY (entity_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_flags_key ON flags(key);
	CREATE INDEX IF NOT EXISTS idx_flags_updated ON flags(updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Mutate writes one flag value. It implements flagstore.Mutator.
//
// A write older than the stored record is ignored, so replaying an import or a
// late write never rolls a record back.
func (db *DB) Mutate(ctx context.Context, entityID, key string, value json.RawMessage, at time.Time) error {
	return db.UpsertRow(ctx, flagstore.Row{EntityID: entityID, Key: key, Value: value, UpdatedAt: at})
}

// UpsertRow inserts or updates a record, last write wins by UpdatedAt.
func (db *DB) UpsertRow(ctx context.Context, row flagstore.Row) error {
	if row.EntityID == "" || row.Key == "" {
		return fmt.Errorf("invalid flag record: entity_id and key are required")
	}
	if len(row.Value) > 0 && !json.Valid(row.Value) {
		return fmt.Errorf("invalid flag record %s: value is not JSON", flagstore.CompositeKey(row.EntityID, row.Key))
	}

	query := `
	INSERT INTO flags (entity_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at >= flags.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		row.EntityID,
		row.Key,
		rawToNullString(row.Value),
		timeToNanos(row.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert flag %s: %w", flagstore.CompositeKey(row.EntityID, row.Key), err)
	}
	return nil
}

// DeleteFlag removes one record. Returns nil if it doesn't exist.
func (db *DB) DeleteFlag(ctx context.Context, entityID, key string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM flags WHERE entity_id = ? AND key = ?`, entityID, key)
	if err != nil {
		return fmt.Errorf("failed to delete flag %s: %w", flagstore.CompositeKey(entityID, key), err)
	}
	return nil
}

// DeleteEntity removes every record of an entity and returns how many went.
func (db *DB) DeleteEntity(ctx context.Context, entityID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM flags WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete flags of %s: %w", entityID, err)
	}
	return res.RowsAffected()
}

// GetRow returns one record, or ErrNotFound.
func (db *DB) GetRow(ctx context.Context, entityID, key string) (*flagstore.Row, error) {
	query := `SELECT entity_id, key, value, updated_at FROM flags WHERE entity_id = ? AND key = ?`
	row, err := scanRow(db.conn.QueryRowContext(ctx, query, entityID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, flagstore.CompositeKey(entityID, key))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %s: %w", flagstore.CompositeKey(entityID, key), err)
	}
	return row, nil
}

// Snapshot returns every record ordered by entity and key. It is the full
// snapshot the feed hands to Store.Ingest.
func (db *DB) Snapshot(ctx context.Context) ([]flagstore.Row, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_id, key, value, updated_at FROM flags ORDER BY entity_id, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	var out []flagstore.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flags: %w", err)
	}
	return out, nil
}

// ListEntities returns the distinct entity ids holding at least one record.
func (db *DB) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT entity_id FROM flags ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetFlagCount returns the total number of records.
func (db *DB) GetFlagCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM flags`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count flags: %w", err)
	}
	return count, nil
}

// GetEntityCount returns the number of distinct entities.
func (db *DB) GetEntityCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT entity_id) FROM flags`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*flagstore.Row, error) {
	var (
		row       flagstore.Row
		value     sql.NullString
		updatedAt int64
	)
	if err := s.Scan(&row.EntityID, &row.Key, &value, &updatedAt); err != nil {
		return nil, err
	}
	if value.Valid {
		row.Value = json.RawMessage(value.String)
	}
	row.UpdatedAt = nanosToTime(updatedAt)
	return &row, nil
}

// rawToNullString stores an absent value as NULL.
func rawToNullString(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
