package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate - browser paywall and focus agent",
	Long: `Tollgate meters time on distracting sites against a wallet, enforces the
focus allowlist pushed by the desktop app, and keeps working offline by
queueing everything for the desktop until it is reachable again.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to the agent when no subcommand is provided
		return runAgent(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/tollgate/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
