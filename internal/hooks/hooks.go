// Package hooks is the Hook Pipeline: subprocess quality gates fired at
// named lifecycle events. Blocking hooks run sequentially and stop the
// caller at the first failure; non-blocking hooks run in parallel,
// fire-and-forget, with failures logged only.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Event names the fixed set of lifecycle points hooks can bind to.
type Event string

const (
	SessionStart  Event = "SessionStart"
	SessionStop   Event = "SessionStop"
	PreToolUse    Event = "PreToolUse"
	PostToolUse   Event = "PostToolUse"
	SubagentStart Event = "SubagentStart"
	SubagentStop  Event = "SubagentStop"
	PreCommit     Event = "PreCommit"
	PostCommit    Event = "PostCommit"
	PrePush       Event = "PrePush"
	PostPush      Event = "PostPush"
	PrePR         Event = "PrePR"
	PostPR        Event = "PostPR"
	TaskComplete  Event = "TaskComplete"
)

// AllEvents returns the 13 named lifecycle events in canonical order.
func AllEvents() []Event {
	return []Event{
		SessionStart, SessionStop,
		PreToolUse, PostToolUse,
		SubagentStart, SubagentStop,
		PreCommit, PostCommit,
		PrePush, PostPush,
		PrePR, PostPR,
		TaskComplete,
	}
}

// MaxOutputBytes bounds captured stdout/stderr per hook; output beyond this
// is truncated with a marker.
const MaxOutputBytes = 64 * 1024

const truncationMarker = "\n... [output truncated]"

// Hook declares one pipeline step.
type Hook struct {
	ID       string
	Command  string
	Args     []string
	Timeout  time.Duration
	Blocking bool
	SDKs     []string // "*" or empty matches any SDK
	Env      map[string]string
}

func (h Hook) matchesSDK(sdk string) bool {
	if len(h.SDKs) == 0 {
		return true
	}
	for _, s := range h.SDKs {
		if s == "*" || s == sdk {
			return true
		}
	}
	return false
}

// Context carries the per-attempt values exposed to every hook as VE_* env
// vars.
type Context struct {
	TaskID       string
	TaskTitle    string
	BranchName   string
	WorktreePath string
	SDK          string
	RepoRoot     string
	Extra        map[string]string
}

func (c Context) env(event Event, blocking bool) map[string]string {
	env := map[string]string{
		"VE_HOOK_EVENT":    string(event),
		"VE_TASK_ID":       c.TaskID,
		"VE_TASK_TITLE":    c.TaskTitle,
		"VE_BRANCH_NAME":   c.BranchName,
		"VE_WORKTREE_PATH": c.WorktreePath,
		"VE_SDK":           c.SDK,
		"VE_REPO_ROOT":     c.RepoRoot,
		"VE_HOOK_BLOCKING": fmt.Sprintf("%t", blocking),
	}
	for k, v := range c.Extra {
		env["VE_HOOK_"+k] = v
	}
	return env
}

// Result is one hook's outcome.
type Result struct {
	ID       string
	Success  bool
	Output   string
	Err      error
	Duration time.Duration
}

// execCommandContext is swappable so tests never shell out to a real binary.
var execCommandContext = exec.CommandContext

// Pipeline holds the hook declarations for every event.
type Pipeline struct {
	groups map[Event][]Hook
}

// New constructs an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{groups: make(map[Event][]Hook)}
}

// Register appends a hook to event's group.
func (p *Pipeline) Register(event Event, h Hook) {
	p.groups[event] = append(p.groups[event], h)
}

// Run executes every hook registered for event whose SDK filter matches
// ctx.SDK. Blocking hooks run sequentially and stop the whole pipeline at
// the first failure (executeBlockingHooks); non-blocking hooks run
// concurrently, fire-and-forget, with errors only logged in their Result.
func (p *Pipeline) Run(ctx context.Context, event Event, hctx Context) []Result {
	all := p.groups[event]
	if len(all) == 0 {
		return nil
	}

	var blocking, nonBlocking []Hook
	for _, h := range all {
		if !h.matchesSDK(hctx.SDK) {
			continue
		}
		if h.Blocking {
			blocking = append(blocking, h)
		} else {
			nonBlocking = append(nonBlocking, h)
		}
	}

	var results []Result
	results = append(results, p.executeBlockingHooks(ctx, event, blocking, hctx)...)
	results = append(results, p.executeNonBlockingHooks(ctx, event, nonBlocking, hctx)...)
	return results
}

// executeBlockingHooks runs hooks in declaration order, stopping at the
// first failure; results for hooks after the failure are not produced.
func (p *Pipeline) executeBlockingHooks(ctx context.Context, event Event, list []Hook, hctx Context) []Result {
	var out []Result
	for _, h := range list {
		res := p.runOne(ctx, event, h, hctx, true)
		out = append(out, res)
		if !res.Success {
			break
		}
	}
	return out
}

// executeNonBlockingHooks runs every hook concurrently and always returns a
// Result per hook; failures are recorded but never propagate to the caller.
func (p *Pipeline) executeNonBlockingHooks(ctx context.Context, event Event, list []Hook, hctx Context) []Result {
	if len(list) == 0 {
		return nil
	}
	results := make([]Result, len(list))
	var wg sync.WaitGroup
	for i, h := range list {
		wg.Add(1)
		go func(i int, h Hook) {
			defer wg.Done()
			results[i] = p.runOne(ctx, event, h, hctx, false)
		}(i, h)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (p *Pipeline) runOne(ctx context.Context, event Event, h Hook, hctx Context, blocking bool) Result {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := execCommandContext(runCtx, h.Command, h.Args...)
	cmd.Env = buildEnv(hctx.env(event, blocking), h.Env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := truncate(buf.String())
	duration := time.Since(start)

	if runCtx.Err() != nil {
		return Result{ID: h.ID, Success: false, Output: output, Err: fmt.Errorf("hook %s timed out after %s", h.ID, timeout), Duration: duration}
	}
	if err != nil {
		return Result{ID: h.ID, Success: false, Output: output, Err: fmt.Errorf("hook %s failed: %w", h.ID, err), Duration: duration}
	}
	return Result{ID: h.ID, Success: true, Output: output, Duration: duration}
}

func truncate(output string) string {
	if len(output) <= MaxOutputBytes {
		return output
	}
	return output[:MaxOutputBytes] + truncationMarker
}

func buildEnv(base map[string]string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
