package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/daemon"
	"github.com/mindjournal/syncd/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  - Syncs once at startup and then every sync.interval
  - Syncs again whenever connectivity comes back
  - Reloads the config file when it changes
  - Serves the live dashboard with --dashboard

Press Ctrl+C (or send SIGTERM) for a graceful shutdown; a sync in progress
is cancelled and the daemon waits for it to return.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		store := openStore()
		defer store.Close()

		poller := newPoller()
		eng := newEngine(store, newRemote(), poller)

		dcfg := daemon.Config{
			Identity:   cfg.Identity.UserID,
			Sync:       engineConfig(),
			ConfigPath: cfg.File,
			Logger:     logger,
		}
		if withDashboard {
			dcfg.DashboardAddr = fmt.Sprintf(":%d", port)
		}

		d, err := daemon.New(eng, poller, dcfg)
		if err != nil {
			exitf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s syncd daemon started (interval %v, db %s)\n", ui.RenderAccent("🔄"), dcfg.Sync.Interval, cfg.Store.Path)
		if cfg.File != "" {
			fmt.Printf("   Watching config: %s\n", cfg.File)
		}
		if withDashboard {
			fmt.Printf("   Dashboard: http://localhost:%d\n", port)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Run(ctx); err != nil {
			exitf("daemon: %v", err)
		}
		fmt.Println("\nDaemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard")
	daemonCmd.Flags().Int("port", 8787, "Dashboard port (default: dashboard.port)")
	rootCmd.AddCommand(daemonCmd)
}
