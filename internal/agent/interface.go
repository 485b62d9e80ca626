// Package agent defines the adapter interface codex-monitor uses to drive
// interchangeable AI coding-agent backends (codex, copilot, claude) through a
// single uniform contract, plus a registry for resolving an adapter by name.
package agent

import "context"

// LaunchContext carries everything an adapter needs to run one turn.
type LaunchContext struct {
	TaskKey      string
	AttemptID    string
	WorktreePath string
	Prompt       string
	Env          map[string]string
	Turn         int
}

// Result is the outcome of one adapter turn.
type Result struct {
	Output     string
	ExitCode   int
	ThreadID   string
	TokensUsed int
}

// Adapter is the uniform interface every agent backend implements.
type Adapter interface {
	// Name returns the adapter's SDK name, e.g. "codex".
	Name() string
	// Resolve verifies the backend's CLI/toolchain is available, caching the
	// result for subsequent calls.
	Resolve(ctx context.Context) error
	// Launch runs a single ephemeral turn and returns its result.
	Launch(ctx context.Context, lc LaunchContext) (*Result, error)
}

// ContinuationCapable is implemented by adapters that can resume a prior
// thread instead of starting a fresh one, avoiding repeated context setup.
type ContinuationCapable interface {
	Adapter
	// Resume continues threadID with a new prompt/turn.
	Resume(ctx context.Context, threadID string, lc LaunchContext) (*Result, error)
}
