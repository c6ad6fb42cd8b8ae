package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/store/schema"
	"github.com/mindjournal/syncd/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "data",
	Short:   "Inspect or clear queued operations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in push order",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		ops, err := store.ListAllOutbox(ctx)
		if err != nil {
			exitf("%v", err)
		}
		if coll, _ := cmd.Flags().GetString("collection"); coll != "" {
			c, err := schema.ParseCollection(coll)
			if err != nil {
				exitf("%v", err)
			}
			filtered := ops[:0]
			for _, op := range ops {
				if op.Collection == c {
					filtered = append(filtered, op)
				}
			}
			ops = filtered
		}

		if jsonOutput {
			printJSON(ops)
			return
		}
		if len(ops) == 0 {
			fmt.Printf("%s Outbox is empty\n", ui.RenderPass(ui.IconPass))
			return
		}
		fmt.Printf("%8s  %-16s %-7s %5s  %s\n", "OP", "COLLECTION", "KIND", "TRIES", "QUEUED")
		for _, op := range ops {
			fmt.Printf("%8d  %-16s %-7s %5s  %s\n",
				op.ID, op.Collection, op.Kind,
				ui.RenderCount(op.Tries, false),
				op.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%d operation(s) queued\n", len(ops))
	},
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation",
	Long: `Drop every queued operation without pushing it. Local records stay as
they are; their changes will not reach the remote service.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		if !confirm(yes, "Drop all queued operations?", "Unpushed local changes will never reach the remote service.") {
			fmt.Println("Aborted")
			return
		}

		store := openStore()
		defer store.Close()
		n, err := store.ClearOutbox(context.Background())
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Cleared %d operation(s)\n", ui.RenderPass(ui.IconPass), n)
	},
}

// confirm asks before a destructive action. Non-interactive sessions must
// pass --yes.
func confirm(yes bool, title, description string) bool {
	if yes {
		return true
	}
	if !ui.IsInteractive() {
		exitf("refusing to continue without --yes in a non-interactive session")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false
	}
	return ok
}

func init() {
	outboxListCmd.Flags().String("collection", "", "Only show one collection")
	outboxClearCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxClearCmd)
	rootCmd.AddCommand(outboxCmd)
}
