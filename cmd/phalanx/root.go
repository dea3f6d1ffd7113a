package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "phalanx",
	Short: "Multi-agent coding orchestrator",
	Long: `Phalanx orchestrates teams of Claude agents against a shared codebase.

Work runs in one of two modes:
- Workflow mode (phalanx run): an ordered sequence of phases, each executed
  by one or more agents, with optional human approval gates between phases.
- Swarm mode (phalanx swarm): a flat task list drained fully in parallel
  through isolated git worktrees, with each finished task merged onto a
  staging branch.

Agents run inside sandboxed runtime sessions; guarded actions surface as
approval decisions you resolve from the terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(swarmCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
