package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/habitsync/internal/clock"
	"github.com/mschirtzinger/habitsync/internal/ui"
)

var clockCmd = &cobra.Command{
	Use:     "clock",
	GroupID: "advanced",
	Short:   "Show the minute, hour and day buckets of an instant",
	Long: `Show the minute, hour and day buckets of now, or of an instant given in
natural language, and when the next minute boundary fires.

  habits clock
  habits clock --at "tomorrow at 9am"
  habits clock --at "next friday 18:30"
  habits clock --watch        # print every boundary until Ctrl+C`,
	Run: func(cmd *cobra.Command, args []string) {
		at, _ := cmd.Flags().GetString("at")
		watch, _ := cmd.Flags().GetBool("watch")

		now := time.Now()
		if at != "" {
			t, err := parseInstant(at, now)
			exitOnErr("parsing --at", err)
			now = t
		}
		printBuckets(os.Stdout, now)

		if !watch {
			return
		}

		scheduler := clock.NewScheduler(nil)
		for _, g := range clock.Granularities {
			unsubscribe := scheduler.SubscribeToNow(g, func(t time.Time) {
				fmt.Printf("%s %-6s %s\n", ui.RenderAccent("⏱"), g, t.Format("2006-01-02 15:04:05"))
			})
			defer unsubscribe()
		}
		fmt.Printf("\nWatching boundaries, press Ctrl+C to stop\n\n")
		<-cmd.Context().Done()
	},
}

// parseInstant resolves a natural-language time relative to base.
func parseInstant(text string, base time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("no time found in %q", text)
	}
	return r.Time, nil
}

func printBuckets(w io.Writer, t time.Time) {
	fmt.Fprintf(w, "%s %s\n\n", ui.RenderAccent("Instant:"), t.Format("2006-01-02 15:04:05 MST"))
	for _, g := range clock.Granularities {
		fmt.Fprintf(w, "  %-6s %s\n", g, clock.Bucket(t, g).Format("2006-01-02 15:04"))
	}
	next := clock.NextMinuteBoundary(t)
	fmt.Fprintf(w, "\n  next tick in %v at %s\n", next.Sub(t).Round(time.Millisecond), next.Format("15:04:05"))
}

func init() {
	clockCmd.Flags().String("at", "", "Natural-language instant, e.g. \"tomorrow at 9am\"")
	clockCmd.Flags().Bool("watch", false, "Print every minute, hour and day boundary")

	rootCmd.AddCommand(clockCmd)
}
