package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/assessor"
	"github.com/boshu2/codex-monitor/internal/board"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/executor"
	"github.com/boshu2/codex-monitor/internal/ghcli"
	"github.com/boshu2/codex-monitor/internal/hooks"
	"github.com/boshu2/codex-monitor/internal/merge"
	"github.com/boshu2/codex-monitor/internal/routing"
	"github.com/boshu2/codex-monitor/internal/worktree"
)

// --- fakes ---------------------------------------------------------------

type fakeBoard struct {
	mu          sync.Mutex
	tasks       []board.Task
	claimOK     bool
	claims      []string
	transitions map[string][]board.State
	heartbeats  int
	ignored     map[string]string
}

func newFakeBoard(tasks ...board.Task) *fakeBoard {
	return &fakeBoard{
		tasks:       tasks,
		claimOK:     true,
		transitions: make(map[string][]board.State),
		ignored:     make(map[string]string),
	}
}

func (f *fakeBoard) ListTasks(_ context.Context, opts board.ListOptions) ([]board.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []board.Task
	for _, t := range f.tasks {
		if t.State == opts.State {
			out = append(out, t)
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeBoard) GetTask(_ context.Context, id string) (board.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return board.Task{}, board.ErrAlreadyClaimed
}

func (f *fakeBoard) ClaimTask(_ context.Context, id string, _ board.SharedState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, id)
	return f.claimOK, nil
}

func (f *fakeBoard) UpdateHeartbeat(_ context.Context, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBoard) Transition(_ context.Context, id string, newState board.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[id] = append(f.transitions[id], newState)
	return nil
}

func (f *fakeBoard) PersistSharedState(context.Context, string, board.SharedState) error { return nil }
func (f *fakeBoard) ReadSharedState(context.Context, string) (board.SharedState, error) {
	return board.SharedState{}, nil
}
func (f *fakeBoard) MarkIgnored(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored[id] = reason
	return nil
}

func (f *fakeBoard) lastState(id string) board.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := f.transitions[id]
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

type fakePool struct {
	mu          sync.Mutex
	prompts     []string
	keys        []string
	sdks        []string
	output      string
	invalidated []string
	reattempts  []string
}

func (f *fakePool) LaunchOrResume(_ context.Context, prompt, _ string, _ time.Duration, opts agentpool.Options) (*agentpool.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.keys = append(f.keys, opts.TaskKey)
	f.sdks = append(f.sdks, opts.SDK)
	return &agentpool.Result{Success: true, Output: f.output, SDK: "codex"}, nil
}

func (f *fakePool) InvalidateThread(taskKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, taskKey)
	return nil
}

func (f *fakePool) InvalidateForReattempt(taskKey, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reattempts = append(f.reattempts, taskKey)
	return taskKey + "-reattempt", nil
}

type fakeWorktrees struct {
	mu       sync.Mutex
	path     string
	acquired []string
	released []string
	baseRefs []string
}

func (f *fakeWorktrees) AcquireFrom(_ context.Context, branch, taskKey, baseRef string) (*worktree.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, branch)
	f.baseRefs = append(f.baseRefs, baseRef)
	return &worktree.Entry{Branch: branch, Path: f.path, TaskKey: taskKey, Status: worktree.StatusActive}, nil
}

func (f *fakeWorktrees) Release(branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, branch)
	return nil
}

// scriptedAssessor returns its decisions in order, repeating the last one.
type scriptedAssessor struct {
	mu        sync.Mutex
	decisions []assessor.Decision
	contexts  []assessor.Context
}

func (f *scriptedAssessor) Assess(_ context.Context, c assessor.Context) assessor.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, c)
	if len(f.decisions) == 0 {
		return assessor.Decision{Action: assessor.ActionNoop}
	}
	d := f.decisions[0]
	if len(f.decisions) > 1 {
		f.decisions = f.decisions[1:]
	}
	return d
}

type fakeStrategy struct {
	decision merge.Decision
}

func (f *fakeStrategy) Decide(context.Context, merge.Context) merge.Decision { return f.decision }

type fakeMergeExec struct {
	mu       sync.Mutex
	outcome  merge.Outcome
	contexts []merge.Context
}

func (f *fakeMergeExec) Execute(_ context.Context, _ merge.Decision, c merge.Context) merge.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, c)
	return f.outcome
}

type fakeFleet struct {
	share int
}

func (f *fakeFleet) InstanceID() string              { return "test-abcd1234" }
func (f *fakeFleet) Heartbeat(context.Context) error { return nil }
func (f *fakeFleet) QuotaShare(globalMax int) int {
	if f.share > 0 {
		return f.share
	}
	return globalMax
}

// --- harness -------------------------------------------------------------

func stubPRLookup(t *testing.T, pr *ghcli.PR) {
	t.Helper()
	orig := prForBranch
	prForBranch = func(context.Context, string, time.Duration, string) (*ghcli.PR, error) {
		return pr, nil
	}
	t.Cleanup(func() { prForBranch = orig })
}

type harness struct {
	sched     *Scheduler
	board     *fakeBoard
	pool      *fakePool
	worktrees *fakeWorktrees
	assess    *scriptedAssessor
	strategy  *fakeStrategy
	mergeExec *fakeMergeExec
	execs     *executor.Scheduler
}

func newHarness(t *testing.T, b *fakeBoard) *harness {
	t.Helper()
	h := &harness{
		board:     b,
		pool:      &fakePool{output: "✅ Task Complete"},
		worktrees: &fakeWorktrees{path: t.TempDir()},
		assess:    &scriptedAssessor{},
		strategy:  &fakeStrategy{decision: merge.Decision{Action: merge.ActionMergeAfterCIPass}},
		mergeExec: &fakeMergeExec{outcome: merge.Outcome{Action: merge.ActionMergeAfterCIPass, Success: true}},
		execs: executor.New([]config.ExecutorConfig{
			{Name: "codex:default", SDK: "codex", Weight: 100, Role: "primary", Enabled: true},
		}, config.FailoverConfig{}),
	}
	h.sched = New(config.SchedulerConfig{
		PollInterval:      time.Second,
		HeartbeatInterval: time.Second,
		StaleThreshold:    10 * time.Minute,
		MaxParallel:       3,
		AttemptTimeout:    time.Minute,
	}, Deps{
		Board:     h.board,
		Pool:      h.pool,
		Worktrees: h.worktrees,
		Assessor:  h.assess,
		Strategy:  h.strategy,
		MergeExec: h.mergeExec,
		Executors: h.execs,
		Hooks:     hooks.New(),
		Router:    routing.New(config.RoutingConfig{DefaultBranch: "origin/main"}),
		Fleet:     &fakeFleet{},
	})
	return h
}

func (h *harness) runTask(ctx context.Context) {
	h.sched.tick(ctx)
	h.sched.wg.Wait()
}

// --- tests ---------------------------------------------------------------

func TestHappyMerge(t *testing.T) {
	stubPRLookup(t, &ghcli.PR{Number: 42, CIStatus: ghcli.CIPassing})

	task := board.Task{ID: "T1", Title: "fix(scope): typo", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionMerge, Reason: "task complete, ci green"}}

	h.runTask(context.Background())

	assert.Equal(t, []string{"T1"}, h.board.claims)
	assert.Equal(t, board.StateCompleted, h.board.lastState("T1"))
	require.Len(t, h.worktrees.released, 1, "worktree released on terminal status")
	require.Len(t, h.mergeExec.contexts, 1)
	assert.Equal(t, 42, h.mergeExec.contexts[0].PR.Number)
}

func TestBranchRoutingPicksScopedBase(t *testing.T) {
	stubPRLookup(t, nil)

	task := board.Task{ID: "T2", Title: "infra(deploy): bump runner", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.sched.deps.Router = routing.New(config.RoutingConfig{
		DefaultBranch: "origin/main",
		ScopeMap:      map[string]string{"deploy": "origin/release"},
	})
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionNoop}}

	h.runTask(context.Background())

	require.Len(t, h.worktrees.baseRefs, 1)
	assert.Equal(t, "origin/release", h.worktrees.baseRefs[0])
}

func TestRepromptSameResumesThread(t *testing.T) {
	stubPRLookup(t, nil)

	task := board.Task{ID: "T3", Title: "fix(lint): unused var", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.assess.decisions = []assessor.Decision{
		{Action: assessor.ActionRepromptSame, Prompt: "fix the eslint warning and push"},
		{Action: assessor.ActionNoop},
	}

	h.runTask(context.Background())

	require.Len(t, h.pool.prompts, 2)
	assert.Equal(t, "fix the eslint warning and push", h.pool.prompts[1])
	assert.Equal(t, h.pool.keys[0], h.pool.keys[1], "reprompt_same keeps the same task key")
	assert.Empty(t, h.pool.invalidated)
}

func TestNewAttemptSwitchesKeyAndSDK(t *testing.T) {
	stubPRLookup(t, nil)

	task := board.Task{ID: "T9", Title: "feat(api): cursor paging", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.assess.decisions = []assessor.Decision{
		{Action: assessor.ActionNewAttempt, AgentType: "copilot", Reason: "stuck"},
		{Action: assessor.ActionNoop},
	}

	h.runTask(context.Background())

	assert.Equal(t, []string{"T9"}, h.pool.reattempts)
	require.Len(t, h.pool.keys, 2)
	assert.Equal(t, "T9", h.pool.keys[0])
	assert.Equal(t, "T9-reattempt", h.pool.keys[1], "new attempt runs under a fresh task key")
	assert.Equal(t, "copilot", h.pool.sdks[1])
}

func TestManualReviewEscalates(t *testing.T) {
	stubPRLookup(t, nil)

	task := board.Task{ID: "T4", Title: "chore(deps): weekly bump", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionManualReview, Reason: "diff too large"}}

	h.runTask(context.Background())

	assert.Equal(t, board.StateReview, h.board.lastState("T4"))
	require.Len(t, h.worktrees.released, 1)
}

func TestCloseAndReplanMarksIgnored(t *testing.T) {
	stubPRLookup(t, nil)

	task := board.Task{ID: "T5", Title: "feat(x): wrong scope", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionCloseAndReplan, Reason: "needs replanning"}}

	h.runTask(context.Background())

	assert.Equal(t, board.StateFailed, h.board.lastState("T5"))
	assert.Equal(t, "needs replanning", h.board.ignored["T5"])
}

func TestClaimRejectedSkipsLaunch(t *testing.T) {
	stubPRLookup(t, nil)

	task := board.Task{ID: "T6", Title: "fix(a): b", State: board.StateTodo}
	b := newFakeBoard(task)
	b.claimOK = false
	h := newHarness(t, b)

	h.runTask(context.Background())

	assert.Equal(t, []string{"T6"}, h.board.claims)
	assert.Empty(t, h.worktrees.acquired, "rejected claim must not start an attempt")
}

func TestQuotaShareLimitsClaims(t *testing.T) {
	stubPRLookup(t, nil)

	t1 := board.Task{ID: "Q1", Title: "fix(a): one", State: board.StateTodo}
	t2 := board.Task{ID: "Q2", Title: "fix(b): two", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(t1, t2))
	h.sched.deps.Fleet = &fakeFleet{share: 1}
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionNoop}}

	h.sched.tick(context.Background())
	h.sched.wg.Wait()

	assert.Len(t, h.board.claims, 1, "quota share of 1 claims at most one task")
}

func TestScopeFromTitle(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"fix(auth): refresh token", "auth"},
		{"feat(api)!: breaking change", "api"},
		{"chore: no scope", ""},
		{"random title", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scopeFromTitle(tt.title), tt.title)
	}
}

func TestBranchForTask(t *testing.T) {
	withBranch := board.Task{ID: "abc", Branch: "ve/custom"}
	assert.Equal(t, "ve/custom", branchForTask(withBranch))

	generated := branchForTask(board.Task{ID: "12345678-9abc", Title: "Fix(Auth): Refresh Token!"})
	assert.Equal(t, "ve/12345678-fix-auth-refresh-token", generated)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "deadbeef", shortID("dead-beef-cafe"))
	assert.Equal(t, "abc", shortID("abc"))
}

func stubRebase(t *testing.T, failures int, conflicts []string) *int {
	t.Helper()
	origRebase, origConflicts := rebaseBranch, conflictFiles

	calls := new(int)
	rebaseBranch = func(context.Context, string, time.Duration, string) (string, error) {
		*calls++
		if *calls <= failures {
			return "CONFLICT (content): Merge conflict", assert.AnError
		}
		return "", nil
	}
	conflictFiles = func(context.Context, string, time.Duration) ([]string, error) {
		return conflicts, nil
	}
	t.Cleanup(func() { rebaseBranch, conflictFiles = origRebase, origConflicts })
	return calls
}

func TestAutoRebaseConflictRepromptsResolution(t *testing.T) {
	stubPRLookup(t, &ghcli.PR{Number: 7, CIStatus: ghcli.CIPassing})
	rebaseCalls := stubRebase(t, 1, []string{"go.sum"})

	task := board.Task{ID: "R1", Title: "fix(deps): bump modules", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.sched.deps.Router = routing.New(config.RoutingConfig{DefaultBranch: "origin/main", AutoRebase: true})
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionMerge}}

	h.runTask(context.Background())

	require.Len(t, h.pool.prompts, 2, "conflicted rebase feeds a resolution prompt back to the agent")
	assert.Contains(t, h.pool.prompts[1], "git checkout --theirs go.sum")
	assert.Contains(t, h.pool.prompts[1], "git rebase --continue")
	assert.Equal(t, 2, *rebaseCalls, "rebase retried after the agent resolved the conflict")
	assert.Equal(t, board.StateCompleted, h.board.lastState("R1"))
}

func TestAutoRebaseUnresolvableConflictEscalates(t *testing.T) {
	stubPRLookup(t, nil)
	stubRebase(t, 99, []string{"internal/server/server.go"})

	task := board.Task{ID: "R2", Title: "feat(api): handler rewrite", State: board.StateTodo}
	h := newHarness(t, newFakeBoard(task))
	h.sched.deps.Router = routing.New(config.RoutingConfig{DefaultBranch: "origin/main", AutoRebase: true})
	h.assess.decisions = []assessor.Decision{{Action: assessor.ActionMerge}}

	h.runTask(context.Background())

	assert.Equal(t, board.StateReview, h.board.lastState("R2"))
	require.Len(t, h.worktrees.released, 1)
}
