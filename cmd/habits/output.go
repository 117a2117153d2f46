package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

type definitionView struct {
	Key         string `json:"key" yaml:"key"`
	Kind        string `json:"kind" yaml:"kind"`
	Default     any    `json:"default" yaml:"default"`
	Description string `json:"description" yaml:"description"`

	raw json.RawMessage
}

func newDefinitionView(d flags.Definition) definitionView {
	return definitionView{
		Key:         d.Key,
		Kind:        d.Kind.String(),
		Default:     decodeJSON(d.Default),
		Description: d.Description,
		raw:         d.Default,
	}
}

type entryView struct {
	EntityID  string     `json:"entity_id" yaml:"entity_id"`
	Key       string     `json:"key" yaml:"key"`
	Value     any        `json:"value" yaml:"value"`
	Default   bool       `json:"default" yaml:"default"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`

	raw json.RawMessage
}

func newEntryView(e flagstore.Entry) entryView {
	v := entryView{
		EntityID: e.EntityID,
		Key:      e.Key,
		Value:    decodeJSON(e.Canonical),
		Default:  e.Default,
		raw:      e.Canonical,
	}
	if !e.UpdatedAt.IsZero() {
		at := e.UpdatedAt
		v.UpdatedAt = &at
	}
	return v
}

// decodeJSON turns raw JSON into plain values so YAML output reads naturally.
func decodeJSON(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func renderStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
	}
}

func renderDefinitions(w io.Writer, format string, defs []definitionView) error {
	if done, err := renderStructured(w, format, defs); done {
		return err
	}

	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, []string{d.Key, d.Kind, string(d.raw), d.Description})
	}
	_, err := fmt.Fprintln(w, ui.Table([]string{"KEY", "KIND", "DEFAULT", "DESCRIPTION"}, rows))
	return err
}

func renderEntries(w io.Writer, format string, entries []entryView) error {
	if done, err := renderStructured(w, format, entries); done {
		return err
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		value := formatValue(e.Key, e.raw)
		updated := ""
		if e.Default {
			value = ui.RenderMuted(string(e.raw) + " (default)")
		}
		if e.UpdatedAt != nil {
			updated = e.UpdatedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{e.EntityID, e.Key, value, updated})
	}
	_, err := fmt.Fprintln(w, ui.Table([]string{"ENTITY", "KEY", "VALUE", "UPDATED"}, rows))
	return err
}

// formatValue renders a canonical value for the terminal, with a swatch for
// colors.
func formatValue(key string, raw json.RawMessage) string {
	if key == flags.KeyColor && ui.IsTerminal() {
		var hex string
		if json.Unmarshal(raw, &hex) == nil && strings.HasPrefix(hex, "#") {
			return ui.RenderSwatch(hex)
		}
	}
	return string(raw)
}
