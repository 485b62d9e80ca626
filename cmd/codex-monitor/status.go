package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registries, worktrees, and fleet presence",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	parts, err := buildRuntime()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	stats := parts.worktree.PoolStats(ctx)
	fmt.Printf("Worktrees: %d total (%d active, %d idle, %d zombie)\n",
		stats.Total, stats.Active, stats.Idle, stats.Zombie)
	entries := parts.worktree.List()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Branch < entries[j].Branch })
	for _, e := range entries {
		fmt.Printf("  %-40s %-8s %s\n", e.Branch, e.Status, e.Path)
	}

	threads := parts.registry.ListActive()
	fmt.Printf("\nActive agent threads: %d\n", len(threads))
	sort.Slice(threads, func(i, j int) bool { return threads[i].TaskKey < threads[j].TaskKey })
	for _, t := range threads {
		fmt.Printf("  %-30s sdk=%-8s turns=%-3d last-used=%s\n",
			t.TaskKey, t.SDK, t.Turns, t.LastUsedAt.Format("2006-01-02 15:04:05"))
	}

	if parts.fleet != nil {
		fmt.Printf("\nInstance: %s\n", parts.fleet.InstanceID())
		instances, err := parts.fleet.ActiveInstances()
		if err != nil {
			return err
		}
		fmt.Printf("Fleet: %d active instance(s)", len(instances))
		if parts.fleet.IsCoordinator() {
			fmt.Printf(" (this instance is coordinator)")
		}
		fmt.Println()
		for _, p := range instances {
			fmt.Printf("  %-28s role=%-12s prio=%-4d host=%s last-seen=%s\n",
				p.InstanceID, p.Role, p.Priority, p.Host, p.LastSeenAt.Format("15:04:05"))
		}
	}
	return nil
}
