// Package cmd provides the CLI commands for the aggregator.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpagg/mcpagg/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpagg",
	Short: "mcpagg - semantic MCP aggregating proxy",
	Long: `mcpagg fronts a fleet of downstream MCP servers behind two tools,
find and run: find locates the right downstream tool by meaning rather
than by enumerating the full catalog, and run dispatches to it.

Quick start:
  1. Create a config file: mcpagg.yaml
  2. Run: mcpagg start

Configuration is loaded from mcpagg.yaml in the current directory,
$HOME/.mcpagg/, or /etc/mcpagg/. Environment variables override config
values with the AGGREGATOR_ prefix, e.g. AGGREGATOR_LOG_LEVEL=debug.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpagg.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
