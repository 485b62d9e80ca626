package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/audit"
	"github.com/boshu2/codex-monitor/internal/ghcli"
	"github.com/boshu2/codex-monitor/internal/notify"
)

// The gh calls are swappable so tests never shell out to gh.
var (
	ghMergeAuto = ghcli.MergeAuto
	ghClose     = ghcli.Close
	ghView      = ghcli.View
)

// maxExecOutput bounds the agent output kept in merge-exec logs.
const maxExecOutput = 4 * 1024

// Outcome reports what the executor did with a decision.
type Outcome struct {
	Action      Action
	Success     bool
	WaitSeconds int
	Detail      string
}

// Pool is the slice of the Agent Pool the executor needs.
type Pool interface {
	LaunchOrResume(ctx context.Context, prompt, cwd string, timeout time.Duration, opts agentpool.Options) (*agentpool.Result, error)
	ExecWithRetry(ctx context.Context, prompt, cwd string, timeout time.Duration, opts agentpool.RetryOptions) (*agentpool.Result, error)
	InvalidateForReattempt(taskKey, reason string) (string, error)
}

// Executor enacts merge decisions.
type Executor struct {
	pool      Pool
	notifier  notify.Sink
	logDir    string
	ghTimeout time.Duration
	sdkTime   time.Duration
	auditLog  *audit.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAuditLogger attaches the structured audit logger.
func WithAuditLogger(l *audit.Logger) ExecutorOption {
	return func(e *Executor) { e.auditLog = l }
}

// WithSDKTimeout overrides the timeout for prompt/re_attempt SDK calls.
func WithSDKTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.sdkTime = d }
}

// NewExecutor constructs an Executor.
func NewExecutor(pool Pool, notifier notify.Sink, logDir string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		pool:      pool,
		notifier:  notifier,
		logDir:    logDir,
		ghTimeout: 60 * time.Second,
		sdkTime:   30 * time.Minute,
	}
	if e.notifier == nil {
		e.notifier = notify.Discard{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute enacts d for c and appends a merge-exec-<shortId>-<ts>.log entry
// recording decision, outcome, and truncated agent output.
func (e *Executor) Execute(ctx context.Context, d Decision, c Context) Outcome {
	out := e.enact(ctx, d, c)
	e.writeLog(d, c, out)
	return out
}

func (e *Executor) enact(ctx context.Context, d Decision, c Context) Outcome {
	switch d.Action {
	case ActionMergeAfterCIPass:
		if c.PR == nil {
			return Outcome{Action: d.Action, Detail: "no PR to merge"}
		}
		// Re-read CI state right before enabling auto-merge; the strategy's
		// snapshot may be stale by the time the decision is enacted.
		if pr, err := ghView(ctx, c.WorktreePath, e.ghTimeout, c.PR.Number); err == nil && pr.CIStatus == ghcli.CIFailing {
			return Outcome{Action: d.Action, Detail: fmt.Sprintf("CI failing on PR #%d, leaving for the next cycle", c.PR.Number)}
		}
		if err := ghMergeAuto(ctx, c.WorktreePath, e.ghTimeout, c.PR.Number); err != nil {
			// Leave the task for the next assessment cycle rather than retry.
			return Outcome{Action: d.Action, Detail: err.Error()}
		}
		return Outcome{Action: d.Action, Success: true, Detail: fmt.Sprintf("auto-merge enabled for PR #%d", c.PR.Number)}

	case ActionPrompt:
		res, err := e.pool.LaunchOrResume(ctx, d.Message, c.WorktreePath, e.sdkTime, agentpool.Options{TaskKey: c.TaskKey})
		if err != nil {
			return Outcome{Action: d.Action, Detail: err.Error()}
		}
		return Outcome{Action: d.Action, Success: true, Detail: truncateOutput(res.Output)}

	case ActionClosePR:
		if c.PR == nil {
			return Outcome{Action: d.Action, Detail: "no PR to close"}
		}
		if err := ghClose(ctx, c.WorktreePath, e.ghTimeout, c.PR.Number, d.Reason); err != nil {
			return Outcome{Action: d.Action, Detail: err.Error()}
		}
		return Outcome{Action: d.Action, Success: true, Detail: fmt.Sprintf("closed PR #%d", c.PR.Number)}

	case ActionReAttempt:
		newKey, err := e.pool.InvalidateForReattempt(c.TaskKey, d.Reason)
		if err != nil {
			return Outcome{Action: d.Action, Detail: err.Error()}
		}
		prompt := d.Message
		if prompt == "" {
			prompt = fmt.Sprintf("The previous attempt at this task did not succeed (%s). Start fresh: implement the task, run the tests, commit, and push.\n\nTask: %s", d.Reason, c.Title)
		}
		res, err := e.pool.ExecWithRetry(ctx, prompt, c.WorktreePath, e.sdkTime, agentpool.RetryOptions{
			Options:    agentpool.Options{TaskKey: newKey},
			MaxRetries: 1,
		})
		if err != nil {
			return Outcome{Action: d.Action, Detail: err.Error()}
		}
		return Outcome{Action: d.Action, Success: true, Detail: truncateOutput(res.Output)}

	case ActionWait:
		secs := d.WaitSeconds
		if secs <= 0 {
			secs = 300
		}
		return Outcome{Action: d.Action, Success: true, WaitSeconds: secs, Detail: d.Reason}

	case ActionManualReview:
		msg := fmt.Sprintf("Task %s (%s) needs manual review: %s", c.TaskID, c.Title, d.Reason)
		_ = e.notifier.Notify(ctx, msg)
		return Outcome{Action: d.Action, Success: true, Detail: msg}

	case ActionNoop:
		return Outcome{Action: d.Action, Success: true, Detail: d.Reason}

	default:
		return Outcome{Action: ActionManualReview, Detail: fmt.Sprintf("unknown action %q", d.Action)}
	}
}

func (e *Executor) writeLog(d Decision, c Context, out Outcome) {
	if e.logDir != "" {
		_, _ = audit.WriteMergeExecLog(e.logDir, c.ShortID, time.Now(), audit.DecisionLog{
			Header: map[string]string{
				"task_id": c.TaskID,
				"action":  string(d.Action),
				"reason":  d.Reason,
				"success": fmt.Sprintf("%t", out.Success),
				"attempt": fmt.Sprintf("%d", c.AttemptCount),
			},
			Raw:     truncateOutput(out.Detail),
			Summary: string(out.Action),
		})
	}
	if e.auditLog != nil {
		e.auditLog.Record(audit.Event{
			Category: audit.MergeExecution,
			TaskID:   c.TaskID,
			Action:   string(d.Action),
			Reason:   d.Reason,
			Message:  truncateOutput(out.Detail),
		})
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	return s[:maxExecOutput] + "\n... [output truncated]"
}
