package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/habitsync/internal/clock"
	"github.com/mschirtzinger/habitsync/internal/replica/daemon"
	"github.com/mschirtzinger/habitsync/internal/replica/dashboard"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Watch the record store and serve the live dashboard (foreground)",
	Long: `Run the sync daemon and the WebSocket dashboard in the foreground.

The daemon will:
  1. Ingest a full snapshot of the record store
  2. Watch the store (and records.dir) for changes and re-ingest
  3. Push every flag change to dashboard clients
  4. Accept flag edits from clients and write them back after a quiet period
  5. Broadcast minute, hour and day boundaries

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		defer s.Close()

		logger := slog.Default()

		server := dashboard.NewServer(&dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: logger,
		})
		handler := dashboard.NewHandler(server, s.store, &dashboard.HandlerConfig{
			Debounce: cfg.Binder.Debounce,
			Logger:   logger,
		})

		scheduler := clock.NewScheduler(&clock.Config{Logger: logger})
		handler.SubscribeClock(scheduler)
		stopDayLog := scheduler.SubscribeToNow(clock.Day, func(now time.Time) {
			logger.Info("day boundary", "date", now.Format("2006-01-02"))
		})
		defer stopDayLog()

		d, err := daemon.NewWithConfig(s.feed, s.db.Path(), &daemon.Config{
			ResyncInterval:   cfg.Feed.Resync,
			DebounceInterval: cfg.Feed.Debounce,
			RecordsDir:       cfg.Records.Dir,
			Records:          s.db,
			OnSync:           handler.OnSync,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if !noDashboard {
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
		}

		fmt.Printf("%s Starting habits daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Scope: %s\n", s.scope)
		fmt.Printf("   Store: %s\n", s.db.Path())
		if cfg.Records.Dir != "" {
			fmt.Printf("   Records dir: %s\n", cfg.Records.Dir)
		}
		if !noDashboard {
			fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return d.Start(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()

			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := handler.Close(flushCtx)
			if !noDashboard {
				err = errors.Join(err, server.Stop())
			}
			return err
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Printf("%s Daemon stopped after %d syncs\n", ui.RenderPass("✓"), d.Syncs())
		return nil
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Run the sync daemon without the WebSocket dashboard")

	rootCmd.AddCommand(daemonCmd)
}
