package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge/internal/logging"
)

var (
	debug   bool
	rootLog bool
)

var rootCmd = &cobra.Command{
	Use:   "evalforge",
	Short: "EvalForge - turn LLM failure traces into evals, guardrails and runbooks",
	Long: `EvalForge watches an observability provider for failed LLM traces,
distills each failure into a structured pattern, deduplicates patterns by
embedding similarity, drafts eval tests, guardrails and runbooks, and routes
every draft through human review before export.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := logging.Init(debug); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		rootLog = true
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootLog {
			logging.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
