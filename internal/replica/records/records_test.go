package records

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

func TestFile_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		file    File
		wantErr bool
	}{
		{"valid", File{EntityID: "h1", Key: "Color", Value: json.RawMessage(`"#000000"`), UpdatedAt: now}, false},
		{"valid without value", File{EntityID: "h1", Key: "Reminder"}, false},
		{"missing entity", File{Key: "Color"}, true},
		{"missing key", File{EntityID: "h1"}, true},
		{"key with separator", File{EntityID: "h1", Key: "A--B"}, true},
		{"entity with slash", File{EntityID: "../h1", Key: "Color"}, true},
		{"invalid json", File{EntityID: "h1", Key: "Color", Value: json.RawMessage(`{`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		wantEntity string
		wantKey    string
		wantErr    bool
	}{
		{"simple", "h1--Color.json", "h1", "Color", false},
		{"entity with separator", "habit--42--Goal.json", "habit--42", "Goal", false},
		{"wrong extension", "h1--Color.txt", "", "", true},
		{"no separator", "h1Color.json", "", "", true},
		{"empty key", "h1--.json", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, key, err := ParseFileName(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFileName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if entity != tt.wantEntity || key != tt.wantKey {
				t.Errorf("ParseFileName() = (%q, %q), want (%q, %q)", entity, key, tt.wantEntity, tt.wantKey)
			}
		})
	}
}

func TestWriteRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	at := time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)
	want := FromRow(flagstore.Row{
		EntityID:  "h1",
		Key:       "Progress",
		Value:     json.RawMessage(`{"enabled":true,"min":0,"max":5}`),
		UpdatedAt: at,
	})

	if err := Write(dir, want); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "h1--Progress.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := Read(filepath.Join(dir, "h1--Progress.json"))
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	row := got.Row()
	if row.EntityID != "h1" || row.Key != "Progress" || !row.UpdatedAt.Equal(at) {
		t.Errorf("Row() = %+v", row)
	}

	var v map[string]any
	if err := json.Unmarshal(row.Value, &v); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if v["max"] != 5.0 {
		t.Errorf("value max = %v, want 5", v["max"])
	}
}

func TestRead_NameMismatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"entity_id":"h2","key":"Color","value":"#000000"}`)
	path := filepath.Join(dir, "h1--Color.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Read(path); err == nil {
		t.Error("Read() accepted a file whose name does not match its record")
	}
}

func TestListAll(t *testing.T) {
	dir := t.TempDir()

	for _, f := range []*File{
		{EntityID: "h2", Key: "Color", Value: json.RawMessage(`"#222222"`)},
		{EntityID: "h1", Key: "Color", Value: json.RawMessage(`"#111111"`)},
		{EntityID: "h1", Key: "Frequency", Value: json.RawMessage(`"weekly"`)},
	} {
		if err := Write(dir, f); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "broken--Color.json"), []byte(`not json`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0644); err != nil {
		t.Fatal(err)
	}

	files, skipped, err := ListAll(dir)
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("ListAll() returned %d files, want 3", len(files))
	}
	if files[0].FileName() != "h1--Color.json" {
		t.Errorf("first file = %s, want h1--Color.json", files[0].FileName())
	}
	if len(skipped) != 1 {
		t.Errorf("skipped = %v, want 1 entry", skipped)
	}

	mine, err := ListForEntity(dir, "h1")
	if err != nil {
		t.Fatalf("ListForEntity() failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("ListForEntity() returned %d files, want 2", len(mine))
	}
}

func TestListAll_MissingDir(t *testing.T) {
	files, _, err := ListAll(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ListAll() = %v, want empty", files)
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, &File{EntityID: "h1", Key: "Color", Value: json.RawMessage(`"#111111"`)}); err != nil {
		t.Fatal(err)
	}

	if err := Delete(dir, "h1", "Color"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := Delete(dir, "h1", "Color"); err != nil {
		t.Errorf("Delete() of missing file failed: %v", err)
	}
}
