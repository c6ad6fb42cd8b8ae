package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and queue status",
	Long: `Display what the sync engine would see right now:

  - Whether the remote service is reachable
  - Pending outbox operations per collection
  - Dead-lettered operations per collection
  - Pull watermarks per collection`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, store := manualEngine(ctx)
		defer store.Close()
		defer eng.Cleanup()

		st := eng.Status()
		if jsonOutput {
			printJSON(st)
			return
		}

		online := ui.RenderPass("online")
		if !st.Online {
			online = ui.RenderWarn("offline")
		}
		user := cfg.Identity.UserID
		if user == "" {
			user = ui.RenderWarn("(signed out)")
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s\n", cfg.Store.Path)
		fmt.Printf("Remote:   %s (%s)\n", remoteLabel(), online)
		fmt.Printf("User:     %s\n", user)
		fmt.Println()

		collections := slices.Clone(eng.Config().Collections)
		slices.Sort(collections)
		fmt.Printf("%-16s %8s %8s  %s\n", "COLLECTION", "PENDING", "FAILED", "WATERMARK")
		for _, c := range collections {
			wm, ok, err := store.GetCursor(ctx, c)
			watermark := ui.RenderMuted("none")
			if err == nil && ok {
				t := time.UnixMilli(wm)
				watermark = fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04:05"), ui.RenderAgo(&t, time.Now()))
			}
			fmt.Printf("%-16s %8s %8s  %s\n", c,
				ui.RenderCount(st.PendingCounts[c], false),
				ui.RenderCount(st.FailedCounts[c], true),
				watermark)
		}
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("%-16s %8d %8d\n\n", "total", st.TotalPending(), st.TotalFailed())
	},
}

func remoteLabel() string {
	if remoteKind == "memory" {
		return "in-memory"
	}
	if cfg.Remote.URL == "" {
		return ui.RenderWarn("not configured")
	}
	return cfg.Remote.URL
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
