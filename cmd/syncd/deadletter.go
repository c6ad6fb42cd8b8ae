package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/export"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
	"github.com/mindjournal/syncd/internal/ui"
)

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	GroupID: "data",
	Short:   "Inspect, purge, export or requeue failed operations",
	Long: `Operations that fail sync.max_retries times are moved out of the outbox
into the dead-letter queue so they stop blocking later writes.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		defer store.Close()

		entries, err := store.ListDeadLetters(context.Background(), deadLetterFilter(cmd))
		if err != nil {
			exitf("%v", err)
		}
		if jsonOutput {
			out := make([]export.Entry, 0, len(entries))
			for _, d := range entries {
				out = append(out, export.FromDeadLetter(d))
			}
			printJSON(out)
			return
		}
		if len(entries) == 0 {
			fmt.Printf("%s Dead-letter queue is empty\n", ui.RenderPass(ui.IconPass))
			return
		}
		now := time.Now()
		for _, d := range entries {
			failed := d.FailedAt
			fmt.Printf("%s #%d %s %s (op %d, %d tries, %s)\n",
				ui.RenderFail(ui.IconFail), d.ID, ui.RenderCategory(string(d.Collection)), d.Kind,
				d.OpID, d.Tries, ui.RenderAgo(&failed, now))
			fmt.Printf("   %s\n", ui.RenderMuted(d.LastError))
		}
		fmt.Printf("\n%d dead letter(s)\n", len(entries))
	},
}

var deadletterPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters",
	Long: `Delete dead letters that failed before --before. Without --before the
configured retention policy (deadletter.max_age, deadletter.max_per_collection)
is applied, as after every sync pass.

--before accepts a duration ("72h"), a date ("2026-01-31"), an RFC 3339
timestamp, or natural language ("2 weeks ago", "last monday").`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		beforeStr, _ := cmd.Flags().GetString("before")
		var (
			n   int64
			err error
		)
		if beforeStr == "" {
			n, err = store.PurgeStaleDeadLetter(ctx, engineConfig().DeadLetter)
		} else {
			before, perr := parseBefore(beforeStr, time.Now())
			if perr != nil {
				exitf("%v", perr)
			}
			yes, _ := cmd.Flags().GetBool("yes")
			if !confirm(yes, fmt.Sprintf("Delete dead letters that failed before %s?", before.Format(time.RFC1123)), "Deleted entries cannot be requeued.") {
				fmt.Println("Aborted")
				return
			}
			n, err = store.DeleteDeadLetters(ctx, collectionFlag(cmd), before)
		}
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Purged %d dead letter(s)\n", ui.RenderPass(ui.IconPass), n)
	},
}

var deadletterExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write dead letters as JSON Lines",
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		defer store.Close()

		entries, err := store.ListDeadLetters(context.Background(), deadLetterFilter(cmd))
		if err != nil {
			exitf("%v", err)
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" || output == "-" {
			if _, err := export.WriteDeadLettersJSONL(os.Stdout, entries); err != nil {
				exitf("%v", err)
			}
			return
		}
		n, err := export.WriteFile(output, entries)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d dead letter(s) to %s\n", ui.RenderPass(ui.IconPass), n, output)
	},
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue [id...]",
	Short: "Move dead letters back to the outbox",
	Long: `Move dead letters back to the end of the outbox with their retry count
reset. Pass ids, --file with an export, or --all.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore()
		defer store.Close()

		file, _ := cmd.Flags().GetString("file")
		all, _ := cmd.Flags().GetBool("all")

		var ids []int64
		switch {
		case file != "":
			entries, err := export.ReadFile(file)
			if err != nil {
				exitf("%v", err)
			}
			ids = export.IDs(entries)
		case all:
			entries, err := store.ListDeadLetters(ctx, deadLetterFilter(cmd))
			if err != nil {
				exitf("%v", err)
			}
			ids = export.IDs(entries)
		default:
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					exitf("invalid dead-letter id %q", arg)
				}
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			exitf("nothing to requeue: pass ids, --file or --all")
		}

		n, err := store.RequeueDeadLetter(ctx, ids)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Requeued %d of %d dead letter(s)\n", ui.RenderPass(ui.IconPass), n, len(ids))
	},
}

func collectionFlag(cmd *cobra.Command) schema.Collection {
	name, _ := cmd.Flags().GetString("collection")
	if name == "" {
		return ""
	}
	c, err := schema.ParseCollection(name)
	if err != nil {
		exitf("%v", err)
	}
	return c
}

func deadLetterFilter(cmd *cobra.Command) db.DeadLetterFilter {
	f := db.DeadLetterFilter{Collection: collectionFlag(cmd)}
	if cmd.Flags().Lookup("limit") != nil {
		f.Limit, _ = cmd.Flags().GetInt("limit")
	}
	return f
}

// parseBefore turns a user-supplied cutoff into a time.
func parseBefore(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return r.Time, nil
}

func init() {
	deadletterListCmd.Flags().String("collection", "", "Only show one collection")
	deadletterListCmd.Flags().Int("limit", 0, "Maximum entries to show (0 = all)")

	deadletterPurgeCmd.Flags().String("collection", "", "Only purge one collection (with --before)")
	deadletterPurgeCmd.Flags().String("before", "", "Delete entries that failed before this time")
	deadletterPurgeCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	deadletterExportCmd.Flags().String("collection", "", "Only export one collection")
	deadletterExportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	deadletterRequeueCmd.Flags().String("collection", "", "With --all, only requeue one collection")
	deadletterRequeueCmd.Flags().String("file", "", "Requeue the entries listed in an export file")
	deadletterRequeueCmd.Flags().Bool("all", false, "Requeue every dead letter")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterPurgeCmd)
	deadletterCmd.AddCommand(deadletterExportCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)
	rootCmd.AddCommand(deadletterCmd)
}
