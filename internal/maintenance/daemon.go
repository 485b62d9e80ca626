// Package maintenance is the background janitor: singleton PID lock and
// periodic sweeps that reap stale processes, prune worktrees, fast-forward
// tracking branches, garbage-collect automation branches, and heal the
// core.bare config corruption git worktree can leave behind.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/boshu2/codex-monitor/internal/board"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/worktree"
)

// automationBranchPrefixes are the branch families the sweep may delete.
var automationBranchPrefixes = []string{"ve/", "copilot-worktree-"}

// Daemon runs the periodic sweep alongside the scheduler.
type Daemon struct {
	cfg      config.MaintenanceConfig
	wtCfg    config.WorktreeConfig
	repoRoot string

	worktrees  *worktree.Manager
	board      board.Adapter // optional, for completed-task archival
	logger     *log.Logger
	gitTimeout time.Duration
}

// New constructs a Daemon. board may be nil when task archival is off.
func New(cfg config.MaintenanceConfig, wtCfg config.WorktreeConfig, repoRoot string, wm *worktree.Manager, b board.Adapter, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.New(log.Writer(), "[maintenance] ", log.LstdFlags)
	}
	return &Daemon{
		cfg:        cfg,
		wtCfg:      wtCfg,
		repoRoot:   repoRoot,
		worktrees:  wm,
		board:      b,
		logger:     logger,
		gitTimeout: 30 * time.Second,
	}
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Each step is independent: a failure is
// logged and the remaining steps still run.
func (d *Daemon) Sweep(ctx context.Context) {
	if n, err := d.killStaleGitPushes(ctx); err != nil {
		d.logger.Printf("kill stale git pushes: %v", err)
	} else if n > 0 {
		d.logger.Printf("killed %d stale git-push processes", n)
	}

	if d.worktrees != nil {
		if pruned, err := d.worktrees.Prune(ctx, d.wtCfg.MaxVKIdleAge); err != nil {
			d.logger.Printf("prune worktrees: %v", err)
		} else if len(pruned) > 0 {
			d.logger.Printf("pruned worktrees: %s", strings.Join(pruned, ", "))
		}
		if err := d.worktrees.GuardBareRepo(ctx); err != nil {
			d.logger.Printf("bare-repo guard: %v", err)
		}
	}

	if err := d.fastForwardMain(ctx); err != nil {
		d.logger.Printf("fast-forward main: %v", err)
	}

	if deleted, err := d.pruneStaleBranches(ctx); err != nil {
		d.logger.Printf("prune stale branches: %v", err)
	} else if len(deleted) > 0 {
		d.logger.Printf("deleted stale branches: %s", strings.Join(deleted, ", "))
	}

	if d.cfg.ArchiveCompleted && d.board != nil {
		if err := d.archiveCompleted(ctx); err != nil {
			d.logger.Printf("archive completed tasks: %v", err)
		}
	}
}

// fastForwardMain brings the local main branch up to its remote: update-ref
// when main is not the checked-out branch, pull --ff-only when it is and
// the tree is clean.
func (d *Daemon) fastForwardMain(ctx context.Context) error {
	const branch = "main"
	remote := "origin/" + branch

	if _, err := d.git(ctx, "fetch", "origin", branch); err != nil {
		return fmt.Errorf("fetch origin %s: %w", branch, err)
	}

	current, err := d.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}

	if strings.TrimSpace(current) != branch {
		// Only move the ref forward; a diverged main is left for a human.
		if _, err := d.git(ctx, "merge-base", "--is-ancestor", branch, remote); err != nil {
			return nil
		}
		_, err := d.git(ctx, "update-ref", "refs/heads/"+branch, remote)
		return err
	}

	if _, err := d.git(ctx, "diff-index", "--quiet", "HEAD"); err != nil {
		// Dirty checkout: skip rather than risk a merge prompt.
		return nil
	}
	_, err = d.git(ctx, "pull", "--ff-only", "origin", branch)
	return err
}

// archiveCompleted marks completed board tasks (up to 50 per sweep) ignored,
// taking them out of the active columns; how long ago a task completed is
// not checked.
func (d *Daemon) archiveCompleted(ctx context.Context) error {
	tasks, err := d.board.ListTasks(ctx, board.ListOptions{State: board.StateCompleted, Limit: 50})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := d.board.MarkIgnored(ctx, t.ID, "archived by maintenance sweep"); err != nil {
			d.logger.Printf("archive %s: %v", t.ID, err)
		}
	}
	return nil
}

// killStaleGitPushes terminates git-push subprocesses older than the
// configured kill age, which on flaky networks can wedge holding the repo
// lock.
func (d *Daemon) killStaleGitPushes(ctx context.Context) (int, error) {
	age := d.cfg.GitPushKillAge
	if age <= 0 {
		age = 15 * time.Minute
	}
	procs, err := listProcesses(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range procs {
		if !strings.Contains(p.command, "git push") {
			continue
		}
		if p.age < age {
			continue
		}
		if err := killProcess(p.pid); err != nil {
			d.logger.Printf("kill git-push pid %d: %v", p.pid, err)
			continue
		}
		killed++
	}
	return killed, nil
}

func (d *Daemon) git(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, d.gitTimeout)
	defer cancel()

	cmd := execCommandContext(cctx, "git", args...)
	cmd.Dir = d.repoRoot
	cmd.Env = append(cmd.Environ(),
		"GIT_EDITOR=:",
		"GIT_MERGE_AUTOEDIT=no",
		"GIT_TERMINAL_PROMPT=0",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// staleBranch pairs a branch name with its last-commit age.
type staleBranch struct {
	name          string
	lastCommitAge time.Duration
}

// pruneStaleBranches deletes automation branches (ve/*,
// copilot-worktree-*) whose last commit is older than StaleBranchAge,
// subject to safety checks: not the current branch, not checked out in any
// worktree, and either in sync with its remote or fully merged into main.
func (d *Daemon) pruneStaleBranches(ctx context.Context) ([]string, error) {
	candidates, err := d.listAutomationBranches(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	current, err := d.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	currentBranch := strings.TrimSpace(current)

	checkedOut, err := d.worktreeBranches(ctx)
	if err != nil {
		return nil, err
	}

	maxAge := d.cfg.StaleBranchAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	var deleted []string
	for _, b := range candidates {
		if b.name == currentBranch || checkedOut[b.name] {
			continue
		}
		if b.lastCommitAge < maxAge {
			continue
		}
		if !d.branchSafeToDelete(ctx, b.name) {
			continue
		}
		if _, err := d.git(ctx, "branch", "-D", b.name); err != nil {
			d.logger.Printf("delete branch %s: %v", b.name, err)
			continue
		}
		deleted = append(deleted, b.name)
	}
	return deleted, nil
}

// listAutomationBranches returns the automation-prefixed local branches
// with their last-commit ages, via for-each-ref's committerdate.
func (d *Daemon) listAutomationBranches(ctx context.Context) ([]staleBranch, error) {
	out, err := d.git(ctx, "for-each-ref", "--format=%(refname:short) %(committerdate:unix)", "refs/heads")
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var branches []staleBranch
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		if !hasAutomationPrefix(name) {
			continue
		}
		unix, convErr := strconv.ParseInt(fields[1], 10, 64)
		if convErr != nil {
			continue
		}
		branches = append(branches, staleBranch{
			name:          name,
			lastCommitAge: now.Sub(time.Unix(unix, 0)),
		})
	}
	return branches, nil
}

func hasAutomationPrefix(name string) bool {
	for _, prefix := range automationBranchPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// worktreeBranches parses `git worktree list --porcelain` into the set of
// branches currently checked out somewhere.
func (d *Daemon) worktreeBranches(ctx context.Context) (map[string]bool, error) {
	out, err := d.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeBranches(out), nil
}

// parseWorktreeBranches extracts "branch refs/heads/<name>" lines from
// porcelain worktree output.
func parseWorktreeBranches(out string) map[string]bool {
	branches := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if ref, ok := strings.CutPrefix(line, "branch "); ok {
			branches[strings.TrimPrefix(ref, "refs/heads/")] = true
		}
	}
	return branches
}

// branchSafeToDelete reports whether branch is in sync with its remote or
// merged into main; a branch with unpushed unmerged work is never deleted.
func (d *Daemon) branchSafeToDelete(ctx context.Context, branch string) bool {
	localSHA, err := d.git(ctx, "rev-parse", branch)
	if err != nil {
		return false
	}
	remoteSHA, err := d.git(ctx, "rev-parse", "origin/"+branch)
	if err == nil && strings.TrimSpace(localSHA) == strings.TrimSpace(remoteSHA) {
		return true
	}
	// No remote (or diverged): only safe when main already contains it.
	if _, err := d.git(ctx, "merge-base", "--is-ancestor", branch, "main"); err == nil {
		return true
	}
	return false
}
