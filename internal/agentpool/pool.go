// Package agentpool is the Agent Pool: it accepts a prompt plus an optional
// task key and returns the agent's textual response without the caller
// knowing which SDK ran, resolving adapters through internal/agent.Registry
// and tracking resumable conversations through internal/threadregistry.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boshu2/codex-monitor/internal/agent"
	"github.com/boshu2/codex-monitor/internal/agent/event"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/threadregistry"
)

// NoTextPlaceholder is returned as Output when a successful call produced no
// agent text events.
const NoTextPlaceholder = "(agent returned no text output)"

// Options configures one pool call.
type Options struct {
	// SDK is the explicit per-call override, first in the resolution order.
	SDK string
	// KanbanSDK is the board-configured preferred SDK for this task, third
	// in the resolution order (after explicit arg and env override).
	KanbanSDK string
	// TaskKey identifies the task for thread continuation and event tagging.
	TaskKey string
	// AttemptID tags emitted events; a fresh uuid is used if empty.
	AttemptID string
	// OnEvent receives every event the pool emits for this call. Panics
	// raised by OnEvent are recovered and swallowed.
	OnEvent func(*event.Event)
	// Cancel, if non-nil, is a soft-cancellation signal checked alongside
	// the hard timeout; closing it requests the call wind down early.
	Cancel <-chan struct{}
}

// Result is the outcome of a pool call.
type Result struct {
	Success  bool
	Output   string
	SDK      string
	ThreadID string
	Resumed  bool
	Error    error
}

// Pool is the Agent Pool. It owns no shared mutable state beyond the
// lock-protected SDK-resolution cache and the thread registry.
type Pool struct {
	mu sync.Mutex

	fallbackChain     []string
	disabled          map[string]bool
	envOverride       string
	hardTimeoutBuffer time.Duration
	resolveCache      map[string]bool

	registry *threadregistry.Registry
	expiry   threadregistry.Expiry
}

// New constructs a Pool from the agent-pool config section and the shared
// thread registry (already Load()-ed by the caller).
func New(cfg config.AgentPoolConfig, registry *threadregistry.Registry) *Pool {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[name] = true
	}
	chain := cfg.FallbackChain
	if cfg.PrimaryAgent != "" {
		chain = append([]string{cfg.PrimaryAgent}, chain...)
	}
	return &Pool{
		fallbackChain:     chain,
		disabled:          disabled,
		envOverride:       cfg.SDK,
		hardTimeoutBuffer: cfg.HardTimeoutBuffer,
		resolveCache:      make(map[string]bool),
		registry:          registry,
		expiry: threadregistry.Expiry{
			MaxTurns:       cfg.MaxThreadTurns,
			MaxAbsoluteAge: cfg.ThreadMaxAbsoluteAge,
			MaxIdleAge:     cfg.ThreadMaxAge,
		},
	}
}

// SetSDK overrides the env-override slot of the resolution order for every
// subsequent call, until ResetCache or another SetSDK call changes it.
func (p *Pool) SetSDK(sdk string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envOverride = sdk
}

// GetSDK returns the current env-override slot value.
func (p *Pool) GetSDK() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.envOverride
}

// ResetCache clears the resolved-availability cache, forcing every adapter
// to be re-probed on the next call.
func (p *Pool) ResetCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveCache = make(map[string]bool)
}

// GetAvailable resolves every candidate in the fallback chain and returns
// the names that currently resolve successfully.
func (p *Pool) GetAvailable(ctx context.Context) []string {
	var out []string
	for _, name := range p.fallbackChain {
		if _, _, err := p.resolveOne(ctx, name); err == nil {
			out = append(out, name)
		}
	}
	return out
}

// candidateOrder builds the resolution order: explicit arg -> env override
// -> kanban-config SDK -> fixed fallback chain, deduplicated.
func (p *Pool) candidateOrder(explicit, kanbanSDK string) []string {
	p.mu.Lock()
	override := p.envOverride
	chain := append([]string(nil), p.fallbackChain...)
	p.mu.Unlock()

	seen := make(map[string]bool)
	var order []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)
	}
	add(explicit)
	add(override)
	add(kanbanSDK)
	for _, name := range chain {
		add(name)
	}
	return order
}

func (p *Pool) resolveOne(ctx context.Context, name string) (agent.Adapter, string, error) {
	p.mu.Lock()
	if p.disabled[name] {
		p.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s is disabled", agent.ErrAdapterUnavailable, name)
	}
	if cached, ok := p.resolveCache[name]; ok && !cached {
		p.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s", agent.ErrAdapterUnavailable, name)
	}
	p.mu.Unlock()

	adapter, err := agent.Get(name)
	if err != nil {
		return nil, "", err
	}
	if err := adapter.Resolve(ctx); err != nil {
		p.mu.Lock()
		p.resolveCache[name] = false
		p.mu.Unlock()
		return nil, "", err
	}
	p.mu.Lock()
	p.resolveCache[name] = true
	p.mu.Unlock()
	return adapter, name, nil
}

// resolveSDK walks candidateOrder, returning the first adapter that
// resolves. If the primary candidate reports unavailable, resolution
// transparently falls through to the next; any other adapter error from
// Launch itself is the caller's concern, not resolveSDK's.
func (p *Pool) resolveSDK(ctx context.Context, explicit, kanbanSDK string) (agent.Adapter, string, error) {
	var lastErr error
	for _, name := range p.candidateOrder(explicit, kanbanSDK) {
		adapter, resolved, err := p.resolveOne(ctx, name)
		if err == nil {
			return adapter, resolved, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoSDKAvailable
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoSDKAvailable, lastErr)
}

func (p *Pool) emit(opts Options, e *event.Event) {
	if opts.OnEvent == nil {
		return
	}
	defer func() { _ = recover() }()
	opts.OnEvent(e)
}

func attemptID(opts Options) string {
	if opts.AttemptID != "" {
		return opts.AttemptID
	}
	return uuid.NewString()
}

// runWithHardTimeout wraps fn with timeout+HardTimeoutBuffer; if fn ignores
// ctx cancellation and never returns, the call returns ErrTimeout rather
// than hanging forever.
func (p *Pool) runWithHardTimeout(ctx context.Context, timeout time.Duration, opts Options, fn func(context.Context) (*agent.Result, error)) (*agent.Result, error) {
	hard := timeout + p.hardTimeoutBuffer
	hardCtx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	type outcome struct {
		result *agent.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := fn(hardCtx)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-opts.Cancel:
		cancel()
		<-done // let fn observe cancellation and return before we move on
		return nil, context.Canceled
	case <-hardCtx.Done():
		// done is buffered, so an fn that never returns cannot block us or
		// leak a blocked send.
		return nil, fmt.Errorf("%w: %s", ErrTimeout, hardCtx.Err())
	}
}

func extractText(output string) string {
	if output == "" {
		return NoTextPlaceholder
	}
	return output
}

// LaunchEphemeral runs a single fully isolated turn, registering no thread.
func (p *Pool) LaunchEphemeral(ctx context.Context, prompt, cwd string, timeout time.Duration, opts Options) (*Result, error) {
	adapter, sdkName, err := p.resolveSDK(ctx, opts.SDK, opts.KanbanSDK)
	if err != nil {
		return &Result{Error: err}, err
	}

	id := attemptID(opts)
	p.emit(opts, event.New(opts.TaskKey, id, 1, sdkName, event.System, "attempt started", ""))

	lc := agent.LaunchContext{
		TaskKey:      opts.TaskKey,
		AttemptID:    id,
		WorktreePath: cwd,
		Prompt:       prompt,
		Turn:         1,
	}
	res, launchErr := p.runWithHardTimeout(ctx, timeout, opts, func(c context.Context) (*agent.Result, error) {
		return adapter.Launch(c, lc)
	})
	if launchErr != nil {
		p.emit(opts, event.New(opts.TaskKey, id, 1, sdkName, event.Error, "attempt failed", launchErr.Error()))
		return &Result{SDK: sdkName, Error: launchErr}, launchErr
	}

	output := extractText(res.Output)
	p.emit(opts, event.New(opts.TaskKey, id, 1, sdkName, event.Text, event.TruncateSummary(output), output))
	return &Result{Success: true, Output: output, SDK: sdkName, ThreadID: res.ThreadID}, nil
}

// LaunchOrResume continues the live thread registered for opts.TaskKey if
// one exists and has not expired, otherwise spawns a fresh thread and
// registers it.
func (p *Pool) LaunchOrResume(ctx context.Context, prompt, cwd string, timeout time.Duration, opts Options) (*Result, error) {
	if opts.TaskKey == "" {
		return nil, errors.New("agentpool: LaunchOrResume requires a TaskKey")
	}

	existing, ok := p.registry.Get(opts.TaskKey)
	if ok && existing.Alive && !threadregistry.IsExpired(existing, p.expiry) {
		adapter, resolved, err := p.resolveOne(ctx, existing.SDK)
		if err == nil {
			if resumer, okResume := adapter.(agent.ContinuationCapable); okResume {
				id := attemptID(opts)
				turn := existing.Turns + 1
				p.emit(opts, event.New(opts.TaskKey, id, turn, resolved, event.System, "resuming thread", existing.ThreadID))

				lc := agent.LaunchContext{
					TaskKey:      opts.TaskKey,
					AttemptID:    id,
					WorktreePath: cwd,
					Prompt:       prompt,
					Turn:         turn,
				}
				res, launchErr := p.runWithHardTimeout(ctx, timeout, opts, func(c context.Context) (*agent.Result, error) {
					return resumer.Resume(c, existing.ThreadID, lc)
				})
				if launchErr != nil {
					_ = p.registry.Invalidate(opts.TaskKey, launchErr.Error())
					p.emit(opts, event.New(opts.TaskKey, id, turn, resolved, event.Error, "resume failed", launchErr.Error()))
					return &Result{SDK: resolved, Resumed: true, Error: launchErr}, launchErr
				}

				_ = p.registry.RecordTurn(opts.TaskKey)
				output := extractText(res.Output)
				p.emit(opts, event.New(opts.TaskKey, id, turn, resolved, event.Text, event.TruncateSummary(output), output))
				return &Result{Success: true, Output: output, SDK: resolved, ThreadID: existing.ThreadID, Resumed: true}, nil
			}
		}
	}

	res, err := p.LaunchEphemeral(ctx, prompt, cwd, timeout, opts)
	if err != nil {
		return res, err
	}
	now := time.Now()
	threadID := res.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	_ = p.registry.Put(&threadregistry.Thread{
		TaskKey:    opts.TaskKey,
		SDK:        res.SDK,
		ThreadID:   threadID,
		WorkingDir: cwd,
		Turns:      1,
		CreatedAt:  now,
		LastUsedAt: now,
		Alive:      true,
	})
	res.ThreadID = threadID
	return res, nil
}

// RetryOptions extends Options with execWithRetry's retry policy.
type RetryOptions struct {
	Options
	MaxRetries       int
	ShouldRetry      func(err error) bool
	BuildRetryPrompt func(originalPrompt string, lastErr error, attempt int) string
}

// defaultRetryPrompt wraps the previous error with a standard
// error-recovery preamble around the original prompt.
func defaultRetryPrompt(originalPrompt string, lastErr error, attempt int) string {
	return fmt.Sprintf("The previous attempt failed with: %v\n\nPlease address this and retry the following task:\n\n%s", lastErr, originalPrompt)
}

// ExecWithRetry repeats LaunchOrResume up to 1+MaxRetries times, resuming
// the task's thread each time, until ShouldRetry (or the default: any
// error) says to stop retrying or the retry budget is exhausted.
func (p *Pool) ExecWithRetry(ctx context.Context, prompt, cwd string, timeout time.Duration, opts RetryOptions) (*Result, error) {
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	buildPrompt := opts.BuildRetryPrompt
	if buildPrompt == nil {
		buildPrompt = defaultRetryPrompt
	}

	attempts := 1 + opts.MaxRetries
	var lastErr error
	var lastRes *Result
	currentPrompt := prompt

	for attempt := 0; attempt < attempts; attempt++ {
		res, err := p.LaunchOrResume(ctx, currentPrompt, cwd, timeout, opts.Options)
		lastRes, lastErr = res, err
		if err == nil {
			return res, nil
		}
		if !shouldRetry(err) {
			break
		}
		currentPrompt = buildPrompt(prompt, err, attempt+1)
	}
	if lastErr == nil {
		lastErr = ErrRetriesExhausted
	}
	return lastRes, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// InvalidateThread marks taskKey's current thread dead under reason; the
// next LaunchOrResume for the same taskKey starts a fresh thread. Used for
// reprompt_new_session decisions, where the task keeps its key but the
// conversation starts over.
func (p *Pool) InvalidateThread(taskKey, reason string) error {
	return p.registry.ForceNew(taskKey, reason)
}

// InvalidateForReattempt abandons taskKey's current thread under reason and
// returns a fresh taskKey ("<taskKey>-reattempt") for execWithRetry callers
// to use after a new_attempt decision, so the two histories never mingle.
func (p *Pool) InvalidateForReattempt(taskKey, reason string) (string, error) {
	if err := p.registry.ForceNew(taskKey, reason); err != nil {
		return "", err
	}
	return taskKey + "-reattempt", nil
}
