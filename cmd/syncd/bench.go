package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/loadtest"
	"github.com/mindjournal/syncd/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure outbox drain throughput against an in-memory remote",
	Long: `Seed a temporary database with synthetic records, then sync against an
in-memory remote until the outbox is empty. Your real database is not touched.

Example usage:
  syncd bench                               # 1000 records, one run
  syncd bench --records 5000 --runs 3       # larger, repeated
  syncd bench --latency 20ms --batch 25     # simulate a slow network`,
	Run: func(cmd *cobra.Command, args []string) {
		records, _ := cmd.Flags().GetInt("records")
		runs, _ := cmd.Flags().GetInt("runs")
		latency, _ := cmd.Flags().GetDuration("latency")
		batch, _ := cmd.Flags().GetInt("batch")
		parallel, _ := cmd.Flags().GetInt("parallel")

		ec := engineConfig()
		if batch > 0 {
			ec.BatchSize = batch
		}
		if cmd.Flags().Changed("parallel") {
			ec.MaxParallel = parallel
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !jsonOutput {
			fmt.Printf("%s Benchmarking %d records x %d run(s), batch %d, latency %v...\n",
				ui.RenderAccent("⏱"), records, runs, ec.BatchSize, latency)
		}
		report, err := loadtest.Run(ctx, loadtest.Options{
			Records:       records,
			Runs:          runs,
			Collections:   ec.Collections,
			Config:        &ec,
			RemoteLatency: latency,
			Logger:        logger,
		})
		if err != nil {
			exitf("benchmark failed: %v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{
				"records":        report.Records,
				"runs":           report.Runs,
				"pushed":         report.Pushed,
				"failed":         report.Failed,
				"passes":         report.Passes,
				"elapsed_ms":     report.Elapsed.Milliseconds(),
				"ops_per_second": report.Throughput(),
				"pass_p50_ms":    report.PassLatency.P50.Milliseconds(),
				"pass_p95_ms":    report.PassLatency.P95.Milliseconds(),
				"pass_p99_ms":    report.PassLatency.P99.Milliseconds(),
			})
			return
		}

		fmt.Printf("\n%s Drained %d operation(s) in %v over %d pass(es)\n",
			ui.RenderPass(ui.IconPass), report.Pushed, report.Elapsed.Round(time.Millisecond), report.Passes)
		fmt.Printf("   Throughput: %.0f ops/s\n\n", report.Throughput())
		report.PassLatency.PrintStats(os.Stdout, "Sync pass latency")
		if report.Runs > 1 {
			fmt.Println()
			report.DrainLatency.PrintStats(os.Stdout, "Drain latency per run")
		}
	},
}

func init() {
	benchCmd.Flags().Int("records", 1000, "Records seeded per run")
	benchCmd.Flags().Int("runs", 1, "Number of seed-and-drain runs")
	benchCmd.Flags().Duration("latency", 0, "Simulated latency per remote create")
	benchCmd.Flags().Int("batch", 0, "Operations pushed per collection per pass (default: sync.batch_size)")
	benchCmd.Flags().Int("parallel", 0, "Collections synced concurrently (0 = all)")
	rootCmd.AddCommand(benchCmd)
}
