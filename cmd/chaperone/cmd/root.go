// Package cmd provides the CLI commands for Chaperone.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaperone-dev/chaperone/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chaperone",
	Short: "Chaperone - Governance runtime for agentic actions",
	Long: `Chaperone is a governance runtime that sits between AI agents and the
systems they act on.

Agents propose actions instead of executing them. Each proposal is
evaluated against policies, scored for risk, routed for human approval
when needed, and recorded in a hash-chained audit ledger.

Configuration:
  Config is loaded from chaperone.yaml in the current directory,
  $HOME/.chaperone/, or /etc/chaperone/.

  Environment variables can override config values with the CHAPERONE_ prefix.
  Example: CHAPERONE_LEDGER_BACKEND=sqlite

Commands:
  simulate       Evaluate a proposal file without side effects
  verify-ledger  Verify the hash chain of a ledger export
  hash-key       Generate an argon2id hash for an approver API key
  version        Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./chaperone.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
