package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var worktreeDryRun bool

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Inspect or prune automation worktrees",
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered worktrees",
	RunE: func(cmd *cobra.Command, args []string) error {
		parts, err := buildRuntime()
		if err != nil {
			return err
		}
		entries := parts.worktree.List()
		if len(entries) == 0 {
			fmt.Println("no registered worktrees")
			return nil
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Branch < entries[j].Branch })
		for _, e := range entries {
			task := e.TaskKey
			if task == "" {
				task = "-"
			}
			fmt.Printf("%-40s %-8s task=%-20s %s\n", e.Branch, e.Status, task, e.Path)
		}
		return nil
	},
}

var worktreePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove idle and zombie worktrees past the age threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		parts, err := buildRuntime()
		if err != nil {
			return err
		}
		maxIdle := parts.cfg.Worktree.MaxVKIdleAge

		if worktreeDryRun {
			candidates := parts.worktree.PruneCandidates(cmd.Context(), maxIdle)
			if len(candidates) == 0 {
				fmt.Println("nothing to prune")
				return nil
			}
			fmt.Printf("would prune: %s\n", strings.Join(candidates, ", "))
			return nil
		}

		pruned, err := parts.worktree.Prune(cmd.Context(), maxIdle)
		if err != nil {
			return err
		}
		if len(pruned) == 0 {
			fmt.Println("nothing to prune")
			return nil
		}
		fmt.Printf("pruned: %s\n", strings.Join(pruned, ", "))
		return nil
	},
}

func init() {
	worktreePruneCmd.Flags().BoolVar(&worktreeDryRun, "dry-run", false, "Show what would be pruned without removing anything")
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreePruneCmd)
	rootCmd.AddCommand(worktreeCmd)
}
