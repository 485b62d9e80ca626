package hooks

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/boshu2/codex-monitor/internal/ghcli"
)

// RegisterPrePushPreflight wires the built-in PrePush hook: a blocking,
// 5-minute platform-appropriate agent-preflight script run before any push.
func (p *Pipeline) RegisterPrePushPreflight(scriptPath string) {
	command, args := preflightCommand(scriptPath)
	p.Register(PrePush, Hook{
		ID:       "builtin:agent-preflight",
		Command:  command,
		Args:     args,
		Timeout:  5 * time.Minute,
		Blocking: true,
	})
}

func preflightCommand(scriptPath string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "pwsh", []string{"-NoProfile", "-File", scriptPath}
	}
	return "sh", []string{scriptPath}
}

// TaskCompleteChecker implements the built-in TaskComplete hook, verifying
// at least one commit ahead of the default upstream before the task is
// allowed to transition to completed.
type TaskCompleteChecker struct {
	GitTimeout      time.Duration
	DefaultUpstream string
}

// NewTaskCompleteChecker constructs a checker with the given git subprocess
// timeout and upstream ref to compare against (e.g. "origin/main").
func NewTaskCompleteChecker(gitTimeout time.Duration, defaultUpstream string) *TaskCompleteChecker {
	if defaultUpstream == "" {
		defaultUpstream = "origin/main"
	}
	return &TaskCompleteChecker{GitTimeout: gitTimeout, DefaultUpstream: defaultUpstream}
}

// Check returns nil if worktreePath's HEAD is at least one commit ahead of
// the default upstream, otherwise an error describing the shortfall.
func (c *TaskCompleteChecker) Check(ctx context.Context, worktreePath string) error {
	ahead, err := ghcli.CommitsAheadOf(ctx, worktreePath, c.GitTimeout, c.DefaultUpstream)
	if err != nil {
		return fmt.Errorf("taskcomplete: %w", err)
	}
	if ahead < 1 {
		return fmt.Errorf("taskcomplete: branch has no commits ahead of %s", c.DefaultUpstream)
	}
	return nil
}
