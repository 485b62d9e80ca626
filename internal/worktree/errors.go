package worktree

import "errors"

// Sentinel errors for the worktree package. Callers use errors.Is for
// reliable branching instead of string matching.
var (
	// ErrNotGitRepo is returned when a command is run outside a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeCollision is returned after repeated failed attempts to
	// create a unique worktree path.
	ErrWorktreeCollision = errors.New("failed to create unique worktree path after retries")

	// ErrWorktreeBusy is returned when Acquire is called for a branch that
	// already has an active (non-idle) worktree checked out.
	ErrWorktreeBusy = errors.New("worktree already active for branch")

	// ErrNotFound is returned when a lookup finds no registered worktree.
	ErrNotFound = errors.New("worktree not found")
)
