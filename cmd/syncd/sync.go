package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/engine"
	"github.com/mindjournal/syncd/internal/store/schema"
	"github.com/mindjournal/syncd/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one push and pull pass",
	Long: `Run a single sync pass over every configured collection.

For each collection the pass:
  1. Pushes queued outbox operations in order (retrying, then dead-lettering)
  2. Pulls records created remotely since the last watermark

With --full the pull watermarks are reset first, so the pull re-reads the
whole lookback window. Records already present locally are not duplicated.

The pass is skipped when offline, signed out, or when the remote service is
not configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, store := manualEngine(ctx)
		defer store.Close()
		defer eng.Cleanup()

		if full, _ := cmd.Flags().GetBool("full"); full {
			for _, c := range eng.Config().Collections {
				if err := store.ResetCursor(ctx, c); err != nil {
					exitf("%v", err)
				}
			}
		}

		if !jsonOutput {
			fmt.Printf("%s Syncing %d collections...\n", ui.RenderAccent("🔄"), len(eng.Config().Collections))
		}
		res := eng.SyncAll(ctx)

		if jsonOutput {
			printJSON(res)
		} else {
			printResult(res)
		}
		if res.Skipped == engine.SkipNone && !res.Success {
			shutdown()
			os.Exit(1)
		}
	},
}

func printResult(res *engine.Result) {
	if res.Skipped != engine.SkipNone {
		fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn(ui.IconWarn), res.Skipped.Err())
		return
	}

	collections := make([]schema.Collection, 0, len(res.Collections))
	for c := range res.Collections {
		collections = append(collections, c)
	}
	slices.Sort(collections)

	fmt.Printf("\n%-16s %7s %7s %7s %7s %7s\n", "COLLECTION", "PUSHED", "FAILED", "DLQ", "SKIPPED", "PULLED")
	for _, c := range collections {
		cr := res.Collections[c]
		icon := ui.RenderPass(ui.IconPass)
		if !cr.Success {
			icon = ui.RenderFail(ui.IconFail)
		}
		fmt.Printf("%-16s %7d %7s %7s %7d %7d %s\n",
			c, cr.Pushed,
			ui.RenderCount(cr.Failed, true),
			ui.RenderCount(cr.DeadLettered, true),
			cr.Skipped, cr.Pulled, icon)
		for _, e := range cr.ErrorStrings() {
			fmt.Printf("   %s\n", ui.RenderMuted(e))
		}
	}

	t := res.Totals()
	fmt.Println()
	if res.Success {
		fmt.Printf("%s Sync complete in %v (pushed %d, pulled %d)\n",
			ui.RenderPass(ui.IconPass), res.Duration().Round(time.Millisecond), t.Pushed, t.Pulled)
	} else {
		fmt.Printf("%s Sync finished with errors in %v (pushed %d, failed %d, dead-lettered %d)\n",
			ui.RenderFail(ui.IconFail), res.Duration().Round(time.Millisecond), t.Pushed, t.Failed, t.DeadLettered)
	}
}

func init() {
	syncCmd.Flags().Bool("full", false, "Reset pull watermarks before syncing")
	rootCmd.AddCommand(syncCmd)
}
