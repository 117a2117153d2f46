// Package records stores flag records as individual JSON files.
//
// Each record lives in its own file named after its composite key:
//
//	{entityId}--{key}.json
//
// The directory is a human-editable export of the record store. The daemon
// watches it and imports edited files back into the database.
package records

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

// Ext is the record file extension.
const Ext = ".json"

// File is the on-disk form of one flag record.
type File struct {
	EntityID  string          `json:"entity_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FromRow converts a record store row.
func FromRow(row flagstore.Row) *File {
	return &File{
		EntityID:  row.EntityID,
		Key:       row.Key,
		Value:     row.Value,
		UpdatedAt: row.UpdatedAt,
	}
}

// Row converts the file back to a record store row.
func (f *File) Row() flagstore.Row {
	return flagstore.Row{
		EntityID:  f.EntityID,
		Key:       f.Key,
		Value:     f.Value,
		UpdatedAt: f.UpdatedAt,
	}
}

// Validate checks the identifying fields and that Value is JSON.
func (f *File) Validate() error {
	if f.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if f.Key == "" {
		return fmt.Errorf("key is required")
	}
	if strings.Contains(f.Key, flagstore.KeySeparator) {
		return fmt.Errorf("key %q must not contain %q", f.Key, flagstore.KeySeparator)
	}
	if strings.ContainsAny(f.EntityID, `/\`) {
		return fmt.Errorf("entity_id %q must not contain a path separator", f.EntityID)
	}
	if len(f.Value) > 0 && !json.Valid(f.Value) {
		return fmt.Errorf("value is not valid JSON")
	}
	return nil
}

// FileName returns "{entityId}--{key}.json".
func (f *File) FileName() string {
	return FileName(f.EntityID, f.Key)
}

// FileName returns the record file name for (entityID, key).
func FileName(entityID, key string) string {
	return flagstore.CompositeKey(entityID, key) + Ext
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (entityID, key string, err error) {
	if !strings.HasSuffix(name, Ext) {
		return "", "", fmt.Errorf("invalid record filename %s: expected {entity}--{key}.json", name)
	}
	return flagstore.SplitCompositeKey(strings.TrimSuffix(name, Ext))
}

// Read reads and validates a record file. The file name must match the
// record's composite key.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the records directory
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse record file: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file: %w", err)
	}

	if base := filepath.Base(path); base != f.FileName() {
		return nil, fmt.Errorf("record file %s holds %s", base, f.FileName())
	}

	return &f, nil
}

// Write writes a record file atomically via a temp file.
func Write(dir string, f *File) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create records directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := filepath.Join(dir, f.FileName())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Delete removes the record file of (entityID, key). Missing files are not an error.
func Delete(dir, entityID, key string) error {
	if err := os.Remove(filepath.Join(dir, FileName(entityID, key))); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// ListAll reads every valid record file in dir, ordered by file name.
// Invalid files are skipped and reported in the second return value.
func ListAll(dir string) ([]*File, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*File{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read records directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		files   []*File
		skipped []string
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Ext) {
			continue
		}
		f, err := Read(filepath.Join(dir, entry.Name()))
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		files = append(files, f)
	}

	return files, skipped, nil
}

// ListForEntity reads the record files of one entity.
func ListForEntity(dir, entityID string) ([]*File, error) {
	all, _, err := ListAll(dir)
	if err != nil {
		return nil, err
	}
	var out []*File
	for _, f := range all {
		if f.EntityID == entityID {
			out = append(out, f)
		}
	}
	return out, nil
}
