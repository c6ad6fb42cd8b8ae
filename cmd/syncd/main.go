// Command syncd keeps a local journal store in sync with the remote service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mindjournal/syncd/internal/config"
	"github.com/mindjournal/syncd/internal/logging"
	"github.com/mindjournal/syncd/internal/telemetry"
)

var (
	Version = "0.3.0"
	Build   = "dev"
)

var (
	configPath string
	dbPath     string
	userFlag   string
	remoteKind string
	logLevel   string
	jsonOutput bool

	cfg       *config.Config
	cfgViper  *viper.Viper
	logger    = logging.Discard()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - offline-first sync for the journal store",
	Long: `syncd pushes locally queued writes to the remote service and pulls
records created on other devices, so the app keeps working offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("syncd version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, v, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if dbPath != "" {
			loaded.Store.Path = dbPath
		}
		if userFlag != "" {
			loaded.Identity.UserID = userFlag
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg, cfgViper = loaded, v

		l, closer, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid log settings: %v\n", err)
			os.Exit(1)
		}
		logger, logCloser = l, closer
		slog.SetDefault(logger)

		if err := telemetry.Init(context.Background(), "syncd", Version); err != nil {
			logger.Warn("telemetry disabled", "err", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

// shutdown flushes telemetry and closes the log file. It also runs before
// os.Exit paths that go through exitf.
func shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", "err", err)
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

// exitf prints an error and exits with status 1.
func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	shutdown()
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitf("failed to encode JSON: %v", err)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Sync:"})
	rootCmd.AddGroup(&cobra.Group{ID: "data", Title: "Local Data:"})
	rootCmd.AddGroup(&cobra.Group{ID: "advanced", Title: "Advanced:"})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/syncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Local database path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "Signed-in user id (overrides identity.user_id)")
	rootCmd.PersistentFlags().StringVar(&remoteKind, "remote", "http", "Remote backend: http or memory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
