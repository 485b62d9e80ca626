// Package scheduler is the backlog poller and per-attempt driver: every
// poll interval it refreshes fleet presence, computes its quota share,
// claims eligible tasks through the board's shared-state protocol, and
// dispatches each claimed task to an independent worker goroutine that
// runs the full attempt lifecycle: worktree, agent thread, assessment,
// decision enactment, release.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/assessor"
	"github.com/boshu2/codex-monitor/internal/audit"
	"github.com/boshu2/codex-monitor/internal/board"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/executor"
	"github.com/boshu2/codex-monitor/internal/ghcli"
	"github.com/boshu2/codex-monitor/internal/hooks"
	"github.com/boshu2/codex-monitor/internal/merge"
	"github.com/boshu2/codex-monitor/internal/notify"
	"github.com/boshu2/codex-monitor/internal/routing"
	"github.com/boshu2/codex-monitor/internal/worktree"
)

// maxAssessmentRounds bounds the reprompt loop within one attempt worker.
// The quick heuristics (attempt cap, session-retry cap) normally terminate
// the loop well before this.
const maxAssessmentRounds = 8

// maxMergeRounds bounds wait-and-retry cycles in the merge phase.
const maxMergeRounds = 3

// shutdownGrace is how long in-flight attempts may finish their current
// turn after the run context is cancelled before their cancel handles fire.
const shutdownGrace = 30 * time.Second

// The gh/git calls are swappable so tests never shell out to real binaries.
var (
	prForBranch   = ghcli.ViewForBranch
	rebaseBranch  = ghcli.RebaseOntoUpstream
	conflictFiles = ghcli.ConflictFiles
)

// agentPool is the slice of the Agent Pool the scheduler drives.
type agentPool interface {
	LaunchOrResume(ctx context.Context, prompt, cwd string, timeout time.Duration, opts agentpool.Options) (*agentpool.Result, error)
	InvalidateThread(taskKey, reason string) error
	InvalidateForReattempt(taskKey, reason string) (string, error)
}

// worktreeManager is the slice of the Worktree Manager the scheduler uses.
type worktreeManager interface {
	AcquireFrom(ctx context.Context, branch, taskKey, baseRef string) (*worktree.Entry, error)
	Release(branch string) error
}

// lifecycleAssessor decides the next action after each agent turn.
type lifecycleAssessor interface {
	Assess(ctx context.Context, c assessor.Context) assessor.Decision
}

// mergeStrategy and mergeExecutor are the post-completion decision pair.
type mergeStrategy interface {
	Decide(ctx context.Context, c merge.Context) merge.Decision
}

type mergeExecutor interface {
	Execute(ctx context.Context, d merge.Decision, c merge.Context) merge.Outcome
}

// Presence is the slice of the Fleet Coordinator the scheduler consults.
type Presence interface {
	InstanceID() string
	Heartbeat(ctx context.Context) error
	QuotaShare(globalMax int) int
}

// Attempt is one in-flight execution of a task.
type Attempt struct {
	ID        string
	ShortID   string
	TaskID    string
	TaskKey   string
	Branch    string
	SDK       string
	StartedAt time.Time

	mu               sync.Mutex
	lastAgentMessage string
	sessionRetries   int
	attemptCount     int
	history          []assessor.Decision
	cancel           context.CancelFunc
}

// LastAgentMessage returns the most recent agent text emission.
func (a *Attempt) LastAgentMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAgentMessage
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Board      board.Adapter
	Pool       agentPool
	Worktrees  worktreeManager
	Assessor   lifecycleAssessor
	Strategy   mergeStrategy
	MergeExec  mergeExecutor
	Executors  *executor.Scheduler
	Hooks      *hooks.Pipeline
	Completion *hooks.TaskCompleteChecker
	Router     *routing.Router
	Fleet      Presence
	Notifier   notify.Sink
	AuditLog   *audit.Logger
	Logger     *log.Logger
	RepoRoot   string
	LogDir     string
	GitTimeout time.Duration
}

// Scheduler pulls work from the board and drives attempts to completion.
type Scheduler struct {
	cfg  config.SchedulerConfig
	deps Deps

	mu     sync.Mutex
	active map[string]*Attempt // taskID -> attempt
	wg     sync.WaitGroup

	attemptsCtx    context.Context
	cancelAttempts context.CancelFunc
}

// New constructs a Scheduler.
func New(cfg config.SchedulerConfig, deps Deps) *Scheduler {
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[scheduler] ", log.LstdFlags)
	}
	if deps.GitTimeout <= 0 {
		deps.GitTimeout = 30 * time.Second
	}
	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		active: make(map[string]*Attempt),
	}
	s.attemptsCtx, s.cancelAttempts = context.WithCancel(context.Background())
	return s
}

// ActiveCount returns the number of in-flight attempts.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Run polls the board until ctx is cancelled, then stops pulling new tasks,
// lets in-flight attempts finish their current turn for shutdownGrace, and
// finally fires their cancel handles.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.cancelAttempts()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx)
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Printf("shutdown: waiting up to %s for %d in-flight attempts", shutdownGrace, s.ActiveCount())
			s.drain()
			<-heartbeatDone
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// drain waits for in-flight attempts, cancelling them after the grace
// window.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.cancelAttempts()
		<-done
	}
}

// tick is one scheduler poll.
func (s *Scheduler) tick(ctx context.Context) {
	if s.deps.Fleet != nil {
		if err := s.deps.Fleet.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			s.deps.Logger.Printf("fleet heartbeat: %v", err)
		}
	}

	free := s.freeSlots()
	if free <= 0 {
		return
	}

	tasks, err := s.deps.Board.ListTasks(ctx, board.ListOptions{State: board.StateTodo, Limit: free})
	if err != nil {
		// Board unreachable: back off until the next tick, keep local
		// in-flight work.
		s.deps.Logger.Printf("board unreachable: %v", err)
		return
	}
	if len(tasks) < free {
		ready, err := s.deps.Board.ListTasks(ctx, board.ListOptions{State: board.StateReady, Limit: free - len(tasks)})
		if err == nil {
			tasks = append(tasks, ready...)
		}
	}

	for _, t := range tasks {
		if !s.claim(ctx, t) {
			continue
		}
		exec, err := s.deps.Executors.Next()
		if err != nil {
			s.deps.Logger.Printf("no executor for task %s: %v", t.ID, err)
			continue
		}
		s.launch(t, exec)
	}
}

// freeSlots is maxParallel capped by the fleet quota share, minus active
// attempts.
func (s *Scheduler) freeSlots() int {
	limit := s.cfg.MaxParallel
	if s.deps.Fleet != nil {
		if share := s.deps.Fleet.QuotaShare(s.cfg.MaxParallel); share < limit {
			limit = share
		}
	}
	return limit - s.ActiveCount()
}

// claim runs the board's shared-state claim protocol for t.
func (s *Scheduler) claim(ctx context.Context, t board.Task) bool {
	s.mu.Lock()
	_, alreadyRunning := s.active[t.ID]
	s.mu.Unlock()
	if alreadyRunning {
		return false
	}

	owner := "local"
	if s.deps.Fleet != nil {
		owner = s.deps.Fleet.InstanceID()
	}
	now := time.Now()
	ok, err := s.deps.Board.ClaimTask(ctx, t.ID, board.SharedState{
		OwnerID:        owner,
		AttemptToken:   uuid.NewString(),
		AttemptStarted: now,
		Heartbeat:      now,
		Status:         "claimed",
	})
	if err != nil {
		s.deps.Logger.Printf("claim %s: %v", t.ID, err)
		return false
	}
	return ok
}

// launch registers an attempt and dispatches its worker goroutine.
func (s *Scheduler) launch(t board.Task, exec config.ExecutorConfig) {
	att := &Attempt{
		ID:           uuid.NewString(),
		ShortID:      shortID(t.ID),
		TaskID:       t.ID,
		TaskKey:      t.ID,
		SDK:          exec.SDK,
		StartedAt:    time.Now(),
		attemptCount: t.Attempts + 1,
	}

	s.mu.Lock()
	s.active[t.ID] = att
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runAttempt(t, att, exec)
}

func (s *Scheduler) finish(att *Attempt) {
	s.mu.Lock()
	delete(s.active, att.TaskID)
	s.mu.Unlock()
	s.wg.Done()
}

// heartbeatLoop refreshes the board heartbeat for every in-flight attempt
// so other workstations can tell it is not abandoned.
func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.active))
			for id := range s.active {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			now := time.Now()
			for _, id := range ids {
				if err := s.deps.Board.UpdateHeartbeat(ctx, id, now); err != nil && ctx.Err() == nil {
					s.deps.Logger.Printf("heartbeat %s: %v", id, err)
				}
			}
		}
	}
}

var scopePattern = regexp.MustCompile(`^[a-z]+\(([^)]+)\)[!]?:`)

// scopeFromTitle extracts the conventional-commit scope from a task title,
// e.g. "fix(auth): refresh" -> "auth".
func scopeFromTitle(title string) string {
	if m := scopePattern.FindStringSubmatch(strings.TrimSpace(title)); m != nil {
		return m[1]
	}
	return ""
}

// shortID returns the 8-char log prefix for an id.
func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 8 {
		return clean[:8]
	}
	return clean
}

// branchForTask returns the task's branch, generating "ve/<shortid>-<slug>"
// when the board did not assign one.
func branchForTask(t board.Task) string {
	if t.Branch != "" {
		return t.Branch
	}
	slug := strings.ToLower(strings.TrimSpace(t.Title))
	slug = regexp.MustCompile(`[^a-z0-9]+`).ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		return "ve/" + shortID(t.ID)
	}
	return "ve/" + shortID(t.ID) + "-" + slug
}

// buildInitialPrompt assembles the attempt's opening prompt: task context,
// branch, and the standing agent instructions.
func buildInitialPrompt(t board.Task, branch, baseBranch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous coding agent working in a dedicated git worktree.\n\n")
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	fmt.Fprintf(&b, "\nBranch: %s (based on %s)\n", branch, baseBranch)
	b.WriteString(`
Work the task end to end:
1. Implement the change with tests.
2. Run the test suite and fix failures.
3. Commit with a conventional-commit message and push the branch.
4. Open a pull request against the base branch.
When everything is pushed and the PR is open, end your final message with "Task Complete".`)
	return b.String()
}
