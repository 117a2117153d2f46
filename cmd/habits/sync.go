package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/habitsync/internal/replica/db"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Ingest a full snapshot of the record store",
	Long: `Read every record from the record store and ingest it into a fresh flag
store, reporting how many rows were applied and how many were skipped as
invalid (unknown key, missing value or a value the flag rejects).`,
	Run: func(cmd *cobra.Command, args []string) {
		start := time.Now()

		s, err := openSession(cmd.Context())
		exitOnErr("opening record store", err)
		defer s.Close()

		stats := s.feed.Stats()
		entities, err := s.db.GetEntityCount(cmd.Context())
		exitOnErr("getting entity count", err)

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Scope: %s\n", s.scope)
		fmt.Printf("   Rows: %d\n", stats.Rows)
		fmt.Printf("   Applied: %d\n", stats.Rows-stats.Skipped)
		fmt.Printf("   Entities: %d\n", entities)
		if stats.Skipped > 0 {
			fmt.Printf("   %s Skipped: %d invalid rows\n", ui.RenderWarn("⚠"), stats.Skipped)
		}
		fmt.Printf("   Store: %s\n", s.db.Path())
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show record store status",
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.DB.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Record store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'habits flags set' or 'habits import' to create it\n\n")
			return
		}
		exitOnErr("checking record store", err)

		database, err := db.Open(cfg.DB.Path)
		exitOnErr("opening database", err)
		defer database.Close()

		flagCount, err := database.GetFlagCount(cmd.Context())
		exitOnErr("getting flag count", err)
		entityCount, err := database.GetEntityCount(cmd.Context())
		exitOnErr("getting entity count", err)

		fmt.Printf("\n%s Record Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", cfg.DB.Path)
		fmt.Printf("Size: %s\n", formatSize(info.Size()))
		fmt.Printf("Flags: %d\n", flagCount)
		fmt.Printf("Entities: %d\n", entityCount)
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		if cfg.Records.Dir != "" {
			fmt.Printf("Records dir: %s\n", cfg.Records.Dir)
		}
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
