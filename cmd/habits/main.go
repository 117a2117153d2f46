package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/habitsync/internal/config"
	"github.com/mschirtzinger/habitsync/internal/logging"
)

var (
	cfgFile   string
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "habits",
	Short: "Habit flags replicated through a local record store",
	Long: `habits manages per-habit feature flags (progress tracking, color,
frequency, goal, reminder, archived) stored as replicated records.

Records live in a local SQLite store (.habits/flags.db by default). The
daemon watches that store and pushes every change to connected dashboard
clients, which can edit flags back through debounced writes.

Configuration is read from .habits/habits.yaml (or --config) and HABITS_*
environment variables, e.g. HABITS_DB_PATH or HABITS_LOG_LEVEL.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("db"); v != "" {
			loaded.DB.Path = v
		}
		if v, _ := cmd.Flags().GetString("scope"); v != "" {
			loaded.Scope = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			loaded.Log.Level = v
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		closer, err := logging.Setup(cfg.Log)
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "flags", Title: "Flag Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .habits/habits.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Record store path (overrides db.path)")
	rootCmd.PersistentFlags().String("scope", "", "Scope id to attach (overrides scope)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
