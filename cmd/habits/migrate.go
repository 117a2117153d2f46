package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/habitsync/internal/replica/migrate"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "advanced",
	Short:   "Move record snapshots in and out of JSONL files",
}

var migrateExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the full record snapshot to a JSONL file",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("jsonl")

		database, err := openDB(cmd.Context())
		exitOnErr("opening record store", err)
		defer database.Close()

		result, err := migrate.ExportJSONL(cmd.Context(), database, path)
		exitOnErr("exporting JSONL", err)

		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), result.Written, path)
	},
}

var migrateImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Upsert every record of a JSONL file",
	Long: `Upsert every record of a JSONL file into the record store.

Each line is one record:

  {"entity_id":"run-5k","key":"Frequency","value":"weekly","updated_at":"2026-03-01T08:00:00Z"}

Records the store rejects (bad ids, values that are not JSON) are reported
and skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("jsonl")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		database, err := openDB(cmd.Context())
		exitOnErr("opening record store", err)
		defer database.Close()

		result, err := migrate.ImportJSONL(cmd.Context(), database, path, migrate.Options{DryRun: dryRun, Backup: backup})
		exitOnErr("importing JSONL", err)

		if result.BackupCreated != "" {
			fmt.Printf("%s Backup: %s\n", ui.RenderAccent("→"), result.BackupCreated)
		}
		if dryRun {
			fmt.Printf("%s Dry run: %d records parsed from %s\n", ui.RenderAccent("→"), result.Rows, path)
		} else {
			fmt.Printf("%s Imported %d of %d records from %s\n", ui.RenderPass("✓"), result.Written, result.Rows, path)
		}
		printResultErrors(result)
	},
}

func init() {
	for _, c := range []*cobra.Command{migrateExportCmd, migrateImportCmd} {
		c.Flags().String("jsonl", "", "JSONL file path")
		_ = c.MarkFlagRequired("jsonl")
	}
	migrateImportCmd.Flags().Bool("dry-run", false, "Parse without writing")
	migrateImportCmd.Flags().Bool("backup", true, "Copy the input file aside before importing")

	migrateCmd.AddCommand(migrateExportCmd)
	migrateCmd.AddCommand(migrateImportCmd)
	rootCmd.AddCommand(migrateCmd)
}
