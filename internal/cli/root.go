// Package cli implements the moat command line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "moat",
	Short: "Trust kernel for a personal AI agent",
	Long:  "Keeps raw untrusted input and tool-calling power structurally apart: label lattice, taint tracking, capability tokens, and a plan-then-execute pipeline around every agent action.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to moat config YAML (default ~/.moat/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
