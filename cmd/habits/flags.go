package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

var flagsCmd = &cobra.Command{
	Use:     "flags",
	GroupID: "flags",
	Short:   "Inspect and edit habit flags",
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered flags with their kinds and defaults",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		registry := flags.NewBuiltinRegistry()
		var defs []definitionView
		for _, key := range registry.Keys() {
			d, _ := registry.Get(key)
			defs = append(defs, newDefinitionView(d))
		}

		exitOnErr("rendering flags", renderDefinitions(os.Stdout, output, defs))
	},
}

var flagsGetCmd = &cobra.Command{
	Use:   "get <entity> [key]",
	Short: "Show the resolved flags of an entity",
	Long: `Show the resolved value of one flag, or of every registered flag, for an
entity. Flags without a valid record show their default.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		s, err := openSession(cmd.Context())
		exitOnErr("opening record store", err)
		defer s.Close()

		keys := s.store.Registry().Keys()
		if len(args) == 2 {
			keys = []string{args[1]}
		}

		var entries []entryView
		for _, key := range keys {
			e, err := s.store.Lookup(args[0], key)
			exitOnErr("reading flag", err)
			entries = append(entries, newEntryView(e))
		}

		exitOnErr("rendering flags", renderEntries(os.Stdout, output, entries))
	},
}

var flagsSetCmd = &cobra.Command{
	Use:   "set <entity> <key> <value>",
	Short: "Write a flag value",
	Long: `Write a flag value to the record store.

The value is JSON. Anything that is not valid JSON is taken as a string, so
quotes can be omitted for string flags:

  habits flags set run-5k Color '#E74C3C'
  habits flags set run-5k Frequency weekly
  habits flags set run-5k Progress '{"enabled":true,"min":0,"max":5}'`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		entityID, key := args[0], args[1]
		value := parseValueArg(args[2])

		s, err := openSession(cmd.Context())
		exitOnErr("opening record store", err)
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := s.store.Write(ctx, entityID, key, value); err != nil {
			s.Close()
			exitOnErr("writing flag", err)
		}
		_, err = s.feed.Sync(ctx)
		exitOnErr("syncing", err)

		e, err := s.store.Lookup(entityID, key)
		exitOnErr("reading flag", err)
		fmt.Printf("%s %s %s = %s\n", ui.RenderPass("✓"), entityID, key, formatValue(key, e.Canonical))
	},
}

var flagsUnsetCmd = &cobra.Command{
	Use:   "unset <entity> [key]",
	Short: "Delete a flag record, or every record of an entity",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		database, err := openDB(cmd.Context())
		exitOnErr("opening record store", err)
		defer database.Close()

		if len(args) == 2 {
			if err := database.DeleteFlag(cmd.Context(), args[0], args[1]); err != nil {
				database.Close()
				exitOnErr("deleting flag", err)
			}
			fmt.Printf("%s %s reverts to its default\n", ui.RenderPass("✓"), flagstore.CompositeKey(args[0], args[1]))
			return
		}

		n, err := database.DeleteEntity(cmd.Context(), args[0])
		exitOnErr("deleting entity", err)
		fmt.Printf("%s Deleted %d records of %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

// parseValueArg returns arg as raw JSON, quoting it when it is not JSON.
func parseValueArg(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}

func init() {
	flagsListCmd.Flags().StringP("output", "o", "table", "Output format: table, yaml or json")
	flagsGetCmd.Flags().StringP("output", "o", "table", "Output format: table, yaml or json")

	flagsCmd.AddCommand(flagsListCmd)
	flagsCmd.AddCommand(flagsGetCmd)
	flagsCmd.AddCommand(flagsSetCmd)
	flagsCmd.AddCommand(flagsUnsetCmd)
	rootCmd.AddCommand(flagsCmd)
}
