package main

import (
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "codex-monitor",
	Short: "Autonomous task execution engine for AI coding agents",
	Long: `codex-monitor drives a fleet of AI coding agents to complete tasks from a
kanban backlog end-to-end: branch, implement, test, commit, push, PR,
rebase, merge.

Core Commands:
  run       Start the monitor loop (scheduler + maintenance daemon)
  status    Show registries, worktrees, and fleet presence
  worktree  Inspect or prune automation worktrees
  version   Show version information`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}
