package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mindjournal/syncd/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and SYNCD_*
environment variables are merged. The remote token is redacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if cfg.File != "" {
			fmt.Fprintf(os.Stderr, "# config file: %s\n", cfg.File)
		} else {
			fmt.Fprintln(os.Stderr, "# no config file found, showing defaults and environment")
		}
		if err := config.Write(os.Stdout, config.Settings(cfgViper), format); err != nil {
			exitf("%v", err)
		}
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every configuration key",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.Keys(cfgViper) {
			fmt.Println(k)
		}
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeysCmd)
	rootCmd.AddCommand(configCmd)
}
