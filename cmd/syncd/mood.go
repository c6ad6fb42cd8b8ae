package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/store/schema"
	"github.com/mindjournal/syncd/internal/ui"
)

var moodCmd = &cobra.Command{
	Use:     "mood",
	GroupID: "data",
	Short:   "Record and list mood check-ins",
	Long: `Write mood check-ins to the local store. Every write is queued in the
outbox and pushed on the next sync pass, so this works offline.`,
}

var moodAddCmd = &cobra.Command{
	Use:   "add <1-5>",
	Short: "Record a mood check-in",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Identity.UserID == "" {
			exitf("not signed in: set identity.user_id or pass --user")
		}
		mood, err := strconv.Atoi(args[0])
		if err != nil {
			exitf("mood must be a number between 1 and 5")
		}
		note, _ := cmd.Flags().GetString("note")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		entry := &schema.MoodEntry{
			Meta:       schema.Meta{UserID: cfg.Identity.UserID},
			Mood:       mood,
			Note:       note,
			Tags:       tags,
			RecordedAt: time.Now(),
		}

		store := openStore()
		defer store.Close()
		opID, err := store.SaveRecord(context.Background(), entry)
		if err != nil {
			exitf("%v", err)
		}
		if jsonOutput {
			printJSON(entry)
			return
		}
		fmt.Printf("%s Recorded mood %d (%s), queued as op %d\n",
			ui.RenderPass(ui.IconPass), entry.Mood, entry.LocalID, opID)
	},
}

var moodListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent mood check-ins",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		store := openStore()
		defer store.Close()

		recs, err := store.ListRecords(context.Background(), schema.Moods, limit)
		if err != nil {
			exitf("%v", err)
		}
		if jsonOutput {
			printJSON(recs)
			return
		}
		if len(recs) == 0 {
			fmt.Println("No mood entries")
			return
		}
		now := time.Now()
		for _, rec := range recs {
			m, ok := rec.(*schema.MoodEntry)
			if !ok {
				continue
			}
			status := ui.RenderPass(string(m.SyncStatus))
			if m.SyncStatus != schema.StatusSynced {
				status = ui.RenderWarn(string(m.SyncStatus))
			}
			at := m.RecordedAt
			line := fmt.Sprintf("%s %d/5  %-10s %s", shortID(m.LocalID), m.Mood, status, ui.RenderAgo(&at, now))
			if m.Note != "" {
				line += "  " + m.Note
			}
			if len(m.Tags) > 0 {
				line += "  " + ui.RenderMuted("#"+strings.Join(m.Tags, " #"))
			}
			fmt.Println(line)
		}
	},
}

var moodRmCmd = &cobra.Command{
	Use:   "rm <local-id>",
	Short: "Delete a mood check-in",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		defer store.Close()
		opID, err := store.DeleteRecord(context.Background(), schema.Moods, args[0])
		if err != nil {
			exitf("%v", err)
		}
		if opID == 0 {
			fmt.Printf("%s Deleted %s (never synced, nothing to push)\n", ui.RenderPass(ui.IconPass), args[0])
			return
		}
		fmt.Printf("%s Deleted %s, remote delete queued as op %d\n", ui.RenderPass(ui.IconPass), args[0], opID)
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	moodAddCmd.Flags().String("note", "", "Optional note")
	moodAddCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	moodListCmd.Flags().Int("limit", 20, "Maximum entries to show")
	moodCmd.AddCommand(moodAddCmd)
	moodCmd.AddCommand(moodListCmd)
	moodCmd.AddCommand(moodRmCmd)
	rootCmd.AddCommand(moodCmd)
}
