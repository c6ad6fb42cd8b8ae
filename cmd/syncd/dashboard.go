package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve the live sync dashboard without auto sync",
	Long: `Start the dashboard server on its own. Syncs only run when a client
posts to /sync; use 'syncd daemon --dashboard' for automatic syncing.

Endpoints:
  GET  /         HTML status page
  GET  /health   liveness probe
  GET  /status   current engine status (JSON)
  POST /sync     run one sync pass and return the result (409 when skipped)
  GET  /ws       WebSocket feed of status, sync_complete and connectivity messages

Example usage:
  syncd dashboard                # Start on dashboard.port (8787)
  syncd dashboard --port 9000    # Start on custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store := openStore()
		defer store.Close()

		poller := newPoller()
		if err := poller.Start(ctx); err != nil {
			exitf("%v", err)
		}
		defer poller.Stop()

		eng := newEngine(store, newRemote(), poller)
		ec := engineConfig()
		ec.AutoSync = false
		if err := eng.Initialize(ctx, cfg.Identity.UserID, ec); err != nil {
			exitf("failed to initialize sync engine: %v", err)
		}
		defer eng.Cleanup()

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Engine: eng,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			exitf("failed to start dashboard: %v", err)
		}
		detach := dashboard.NewHandler(server, logger).Attach(eng, poller)

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		detach()
		if err := server.Stop(); err != nil {
			exitf("during shutdown: %v", err)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().Int("port", 8787, "Port to listen on (default: dashboard.port)")
	rootCmd.AddCommand(dashboardCmd)
}
