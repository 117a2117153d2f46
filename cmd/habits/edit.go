package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

var flagsEditCmd = &cobra.Command{
	Use:   "edit <entity>",
	Short: "Edit every flag of an entity in an interactive form",
	Long: `Open a form with one field per registered flag, prefilled with the
entity's current values. Enum flags are picked from a list, object flags are
edited as JSON. Only fields that changed are written.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		entityID := args[0]

		s, err := openSession(cmd.Context())
		exitOnErr("opening record store", err)
		defer s.Close()

		registry := s.store.Registry()
		var fields []*editField
		for _, key := range registry.Keys() {
			d, _ := registry.Get(key)
			e, err := s.store.Lookup(entityID, key)
			exitOnErr("reading flag", err)
			fields = append(fields, newEditField(registry, d, e))
		}

		huhFields := make([]huh.Field, 0, len(fields))
		for _, f := range fields {
			huhFields = append(huhFields, f.field())
		}
		form := huh.NewForm(huh.NewGroup(huhFields...).Title("Flags of " + entityID)).
			WithAccessible(os.Getenv("ACCESSIBLE") != "" || !ui.IsTerminal())

		if err := form.RunWithContext(cmd.Context()); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Aborted, nothing written")
				return
			}
			exitOnErr("running form", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var written []*editField
		for _, f := range fields {
			if !f.changed() {
				continue
			}
			if err := s.store.Write(ctx, entityID, f.key, f.raw(f.value)); err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), f.key, err)
				continue
			}
			written = append(written, f)
		}
		if len(written) == 0 {
			fmt.Println("No changes")
			return
		}

		_, err = s.feed.Sync(ctx)
		exitOnErr("syncing", err)
		for _, f := range written {
			e, err := s.store.Lookup(entityID, f.key)
			exitOnErr("reading flag", err)
			fmt.Printf("%s %s = %s\n", ui.RenderPass("✓"), f.key, formatValue(f.key, e.Canonical))
		}
	},
}

// editField is one form field bound to a flag.
type editField struct {
	registry    *flags.Registry
	key         string
	description string
	kind        flags.Kind
	options     []string
	original    json.RawMessage
	value       string
}

func newEditField(registry *flags.Registry, d flags.Definition, e flagstore.Entry) *editField {
	f := &editField{
		registry:    registry,
		key:         d.Key,
		description: d.Description,
		kind:        d.Kind,
		options:     d.Options,
		original:    e.Canonical,
	}

	switch d.Kind {
	case flags.KindString, flags.KindEnum:
		_ = json.Unmarshal(e.Canonical, &f.value)
	default:
		var buf bytes.Buffer
		if err := json.Indent(&buf, e.Canonical, "", "  "); err != nil {
			f.value = string(e.Canonical)
		} else {
			f.value = buf.String()
		}
	}
	return f
}

// raw converts form text into the flag's JSON form.
func (f *editField) raw(text string) json.RawMessage {
	switch f.kind {
	case flags.KindString, flags.KindEnum:
		quoted, _ := json.Marshal(text)
		return quoted
	default:
		return json.RawMessage(strings.TrimSpace(text))
	}
}

func (f *editField) validate(text string) error {
	_, err := f.registry.Parse(f.key, f.raw(text))
	return err
}

// changed reports whether the edited value differs from the stored one.
func (f *editField) changed() bool {
	p, err := f.registry.Parse(f.key, f.raw(f.value))
	if err != nil {
		return false
	}
	return !bytes.Equal(p.Canonical, f.original)
}

func (f *editField) field() huh.Field {
	switch f.kind {
	case flags.KindEnum:
		return huh.NewSelect[string]().
			Title(f.key).
			Description(f.description).
			Options(huh.NewOptions(f.options...)...).
			Value(&f.value)
	case flags.KindString:
		return huh.NewInput().
			Title(f.key).
			Description(f.description).
			Value(&f.value).
			Validate(f.validate)
	default:
		return huh.NewText().
			Title(f.key).
			Description(f.description).
			Lines(4).
			Value(&f.value).
			Validate(f.validate)
	}
}

func init() {
	flagsCmd.AddCommand(flagsEditCmd)
}
