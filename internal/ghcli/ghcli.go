// Package ghcli wraps the gh/git subprocess contracts shared by the merge
// executor, the scheduler and the built-in hooks: PR merge/close, CI status,
// diff stats, rebase and commits-ahead checks. Git and gh remain the source of truth for branch/PR/merge state;
// this package never caches what they report for longer than one call.
package ghcli

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// execCommandContext is swappable so tests never shell out to a real gh/git
// binary.
var execCommandContext = exec.CommandContext

// env returns the environment every git subprocess is launched with: no
// interactive editor, no auto-merge-message editor, no terminal prompts.
func env() []string {
	return []string{
		"GIT_EDITOR=:",
		"GIT_MERGE_AUTOEDIT=no",
		"GIT_TERMINAL_PROMPT=0",
	}
}

func run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := execCommandContext(cctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), env()...)
	out, err := cmd.CombinedOutput()
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("%s %s timed out after %s", name, strings.Join(args, " "), timeout)
	}
	return string(out), err
}

// CIStatus is the aggregate CI outcome for a PR's head commit.
type CIStatus string

const (
	CIPassing CIStatus = "passing"
	CIFailing CIStatus = "failing"
	CIPending CIStatus = "pending"
	CIUnknown CIStatus = "unknown"
)

// PR summarizes a pull request's mergeable state for the Merge Strategy.
type PR struct {
	Number       int
	CIStatus     CIStatus
	ChangedFiles []string
	Additions    int
	Deletions    int
}

// MergeAuto merges PR number via `gh pr merge <n> --auto --squash`. On
// failure the caller should leave the task for the next assessment cycle
// rather than retry inline.
func MergeAuto(ctx context.Context, dir string, timeout time.Duration, number int) error {
	_, err := run(ctx, dir, timeout, "gh", "pr", "merge", strconv.Itoa(number), "--auto", "--squash")
	if err != nil {
		return fmt.Errorf("gh pr merge %d --auto --squash: %w", number, err)
	}
	return nil
}

// Close closes PR number with a comment, escaping embedded quotes for the
// gh argument.
func Close(ctx context.Context, dir string, timeout time.Duration, number int, reason string) error {
	escaped := strings.ReplaceAll(reason, `"`, `\"`)
	_, err := run(ctx, dir, timeout, "gh", "pr", "close", strconv.Itoa(number), "--comment", escaped)
	if err != nil {
		return fmt.Errorf("gh pr close %d: %w", number, err)
	}
	return nil
}

// View fetches PR number's mergeable state: CI status, changed files, and
// diff stats, via `gh pr view --json`.
func View(ctx context.Context, dir string, timeout time.Duration, number int) (*PR, error) {
	out, err := run(ctx, dir, timeout, "gh", "pr", "view", strconv.Itoa(number),
		"--json", "statusCheckRollup,files,additions,deletions")
	if err != nil {
		return nil, fmt.Errorf("gh pr view %d: %w", number, err)
	}
	return parsePRView(number, out)
}

// ViewForBranch fetches the open PR for branch, if any. A missing PR is not
// an error: gh exits non-zero with "no pull requests found", which callers
// treat as "no PR yet".
func ViewForBranch(ctx context.Context, dir string, timeout time.Duration, branch string) (*PR, error) {
	out, err := run(ctx, dir, timeout, "gh", "pr", "view", branch,
		"--json", "number,statusCheckRollup,files,additions,deletions")
	if err != nil {
		if strings.Contains(out, "no pull requests found") {
			return nil, nil
		}
		return nil, fmt.Errorf("gh pr view %s: %w", branch, err)
	}
	return parsePRView(0, out)
}

// RebaseOntoUpstream rebases the current branch onto upstream's HEAD.
func RebaseOntoUpstream(ctx context.Context, dir string, timeout time.Duration, upstream string) (string, error) {
	return run(ctx, dir, timeout, "git", "rebase", upstream)
}

// ConflictFiles returns the paths currently in conflict during an in-progress
// rebase/merge, via `git diff --name-only --diff-filter=U`.
func ConflictFiles(ctx context.Context, dir string, timeout time.Duration) ([]string, error) {
	out, err := run(ctx, dir, timeout, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("git diff --diff-filter=U: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CommitsAheadOf reports how many commits the current HEAD of dir is ahead
// of ref, used by the task-completion check before a merge is enacted.
func CommitsAheadOf(ctx context.Context, dir string, timeout time.Duration, ref string) (int, error) {
	out, err := run(ctx, dir, timeout, "git", "rev-list", "--count", ref+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("git rev-list --count %s..HEAD: %w", ref, err)
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, convErr)
	}
	return n, nil
}
