package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
)

func newTestEditField(t *testing.T, key string) *editField {
	t.Helper()
	registry := flags.NewBuiltinRegistry()
	d, ok := registry.Get(key)
	if !ok {
		t.Fatalf("no definition for %s", key)
	}
	def, err := registry.Default(key)
	if err != nil {
		t.Fatalf("Default(%s) failed: %v", key, err)
	}
	return newEditField(registry, d, flagstore.Entry{Key: key, Canonical: def.Canonical, Default: true})
}

func TestEditFieldPrefill(t *testing.T) {
	color := newTestEditField(t, flags.KeyColor)
	if color.value != "#20B9B4" {
		t.Errorf("Color value = %q, want unquoted default", color.value)
	}

	freq := newTestEditField(t, flags.KeyFrequency)
	if freq.value != "daily" {
		t.Errorf("Frequency value = %q", freq.value)
	}
	if len(freq.options) != 3 {
		t.Errorf("Frequency options = %v", freq.options)
	}

	progress := newTestEditField(t, flags.KeyProgress)
	if !strings.Contains(progress.value, "\n") {
		t.Errorf("Progress value not indented: %q", progress.value)
	}
}

func TestEditFieldRaw(t *testing.T) {
	color := newTestEditField(t, flags.KeyColor)
	if got := string(color.raw("#FFFFFF")); got != `"#FFFFFF"` {
		t.Errorf("raw() = %s", got)
	}

	goal := newTestEditField(t, flags.KeyGoal)
	raw := goal.raw("  {\"target\": 3, \"unit\": \"km\"}\n")
	if !json.Valid(raw) || strings.HasPrefix(string(raw), " ") {
		t.Errorf("raw() = %q", raw)
	}
}

func TestEditFieldValidate(t *testing.T) {
	color := newTestEditField(t, flags.KeyColor)
	if err := color.validate("#E74C3C"); err != nil {
		t.Errorf("validate(valid) = %v", err)
	}
	if err := color.validate("red"); err == nil {
		t.Error("validate(red) should fail")
	}

	goal := newTestEditField(t, flags.KeyGoal)
	if err := goal.validate(`{"target":0,"unit":"km"}`); err == nil {
		t.Error("validate(zero target) should fail")
	}
	if err := goal.validate(`{"target":`); err == nil {
		t.Error("validate(truncated JSON) should fail")
	}
}

func TestEditFieldChanged(t *testing.T) {
	progress := newTestEditField(t, flags.KeyProgress)
	if progress.changed() {
		t.Error("untouched field reported as changed")
	}

	progress.value = `{ "enabled" : false }`
	if progress.changed() {
		t.Error("reformatted but equal value reported as changed")
	}

	progress.value = `{"enabled":true,"max":5}`
	if !progress.changed() {
		t.Error("new value not reported as changed")
	}

	progress.value = `not json`
	if progress.changed() {
		t.Error("invalid value reported as changed")
	}
}

func TestEditFieldKinds(t *testing.T) {
	for _, key := range flags.NewBuiltinRegistry().Keys() {
		if newTestEditField(t, key).field() == nil {
			t.Errorf("field(%s) = nil", key)
		}
	}
}
