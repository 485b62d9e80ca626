// Package assessor is the Task Lifecycle Assessor: given an assessment
// context it decides the next action for a task, first through a pure
// heuristic tier (QuickAssess) and then, when no heuristic applies, through
// an AI call whose JSON response is parsed by a cascade of total parsers
// ending in a manual_review default.
package assessor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/audit"
	"github.com/boshu2/codex-monitor/internal/ghcli"
)

// Trigger names the event that caused an assessment.
type Trigger string

const (
	TriggerAgentCompleted     Trigger = "agent_completed"
	TriggerAgentFailed        Trigger = "agent_failed"
	TriggerRebaseFailed       Trigger = "rebase_failed"
	TriggerIdleDetected       Trigger = "idle_detected"
	TriggerPRMergedDownstream Trigger = "pr_merged_downstream"
	TriggerCIFailed           Trigger = "ci_failed"
	TriggerConflictDetected   Trigger = "conflict_detected"
	TriggerManualRequest      Trigger = "manual_request"
)

// Context is everything the assessor may consider for one decision.
type Context struct {
	TaskID     string
	ShortID    string
	Title      string
	Branch     string
	BaseBranch string
	Trigger    Trigger

	AttemptCount   int
	SessionRetries int
	CurrentSDK     string
	AlternateSDK   string

	LastAgentMessage string
	ConflictFiles    []string
	RebaseAttempted  bool
	DecisionHistory  []Decision

	PR           *ghcli.PR
	ChangedFiles []string
}

// DedupWindow is the minimum spacing between assessments of one task.
const DedupWindow = 5 * time.Minute

// AITimeout bounds the AI tier's SDK call.
const AITimeout = 5 * time.Minute

// AgentRunner is the slice of the Agent Pool the assessor needs; satisfied
// by *agentpool.Pool and by test fakes.
type AgentRunner interface {
	LaunchEphemeral(ctx context.Context, prompt, cwd string, timeout time.Duration, opts agentpool.Options) (*agentpool.Result, error)
}

// Assessor decides the next lifecycle action per task.
type Assessor struct {
	runner AgentRunner
	logDir string
	audit  *audit.Logger

	mu           sync.Mutex
	lastAssessed map[string]time.Time
	now          func() time.Time
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithAuditLogger attaches the structured audit logger.
func WithAuditLogger(l *audit.Logger) Option {
	return func(a *Assessor) { a.audit = l }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Assessor) { a.now = now }
}

// New constructs an Assessor. runner may be nil, in which case the AI tier
// is skipped and anything QuickAssess cannot decide becomes manual_review.
func New(runner AgentRunner, logDir string, opts ...Option) *Assessor {
	a := &Assessor{
		runner:       runner,
		logDir:       logDir,
		lastAssessed: make(map[string]time.Time),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess returns the next-action decision for c. One assessment per taskId
// per DedupWindow; within the window the result is a noop with
// reason="dedup". Every non-dedup assessment writes an
// assessment-<shortId>-<trigger>-<ts>.log audit file.
func (a *Assessor) Assess(ctx context.Context, c Context) Decision {
	now := a.now()
	a.mu.Lock()
	if last, ok := a.lastAssessed[c.TaskID]; ok && now.Sub(last) < DedupWindow {
		a.mu.Unlock()
		return Decision{Action: ActionNoop, Reason: "dedup"}
	}
	a.lastAssessed[c.TaskID] = now
	a.mu.Unlock()

	var prompt, raw string
	var d Decision
	if quick := QuickAssess(c); quick != nil {
		d = *quick
		raw = "(quick assess, no SDK call)"
	} else {
		prompt = a.buildPrompt(c)
		d, raw = a.assessWithAI(ctx, c, prompt)
	}

	a.writeLog(c, now, prompt, raw, d)
	return d
}

// assessWithAI runs the AI tier and parses its JSON response.
func (a *Assessor) assessWithAI(ctx context.Context, c Context, prompt string) (Decision, string) {
	if a.runner == nil {
		return Decision{Action: ActionManualReview, Reason: "AI assessment unavailable"}, ""
	}
	res, err := a.runner.LaunchEphemeral(ctx, prompt, "", AITimeout, agentpool.Options{
		TaskKey: c.TaskID + "-assess",
	})
	if err != nil {
		return Decision{Action: ActionManualReview, Reason: fmt.Sprintf("assessment call failed: %v", err)}, ""
	}
	return ParseDecision(res.Output), res.Output
}

func (a *Assessor) writeLog(c Context, ts time.Time, prompt, raw string, d Decision) {
	if a.logDir != "" {
		_, _ = audit.WriteAssessmentLog(a.logDir, c.ShortID, string(c.Trigger), ts, audit.DecisionLog{
			Header: map[string]string{
				"task_id": c.TaskID,
				"trigger": string(c.Trigger),
				"action":  string(d.Action),
				"reason":  d.Reason,
			},
			Prompt:  prompt,
			Raw:     raw,
			Summary: decisionSummary(d),
		})
	}
	if a.audit != nil {
		a.audit.Record(audit.Event{
			Category: audit.Assessment,
			TaskID:   c.TaskID,
			Trigger:  string(c.Trigger),
			Action:   string(d.Action),
			Reason:   d.Reason,
		})
	}
}

func decisionSummary(d Decision) string {
	s := string(d.Action)
	if d.WaitSeconds > 0 {
		s += " wait=" + strconv.Itoa(d.WaitSeconds) + "s"
	}
	if d.AgentType != "" {
		s += " agent=" + d.AgentType
	}
	return s
}

// buildPrompt assembles the structured assessment prompt: trigger-specific
// blocks, decision history, PR & diff stats, changed files, and the agent's
// last message, ending with the JSON response contract.
func (a *Assessor) buildPrompt(c Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the lifecycle assessor for an autonomous coding task.\n\n")
	fmt.Fprintf(&b, "Task: %s\nTitle: %s\nBranch: %s (base %s)\nTrigger: %s\nAttempt: %d, session retries: %d, SDK: %s\n",
		c.TaskID, c.Title, c.Branch, c.BaseBranch, c.Trigger, c.AttemptCount, c.SessionRetries, c.CurrentSDK)

	switch c.Trigger {
	case TriggerRebaseFailed, TriggerConflictDetected:
		fmt.Fprintf(&b, "\nConflicting files:\n")
		for _, f := range c.ConflictFiles {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	case TriggerCIFailed:
		b.WriteString("\nCI failed on the most recent push.\n")
	case TriggerIdleDetected:
		b.WriteString("\nThe agent has produced no activity past the idle threshold.\n")
	}

	if c.PR != nil {
		fmt.Fprintf(&b, "\nPR #%d: CI %s, +%d/-%d across %d files\n",
			c.PR.Number, c.PR.CIStatus, c.PR.Additions, c.PR.Deletions, len(c.PR.ChangedFiles))
	}
	if len(c.ChangedFiles) > 0 {
		b.WriteString("\nChanged files:\n")
		for _, f := range c.ChangedFiles {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	if len(c.DecisionHistory) > 0 {
		b.WriteString("\nPrior decisions (oldest first):\n")
		for _, d := range c.DecisionHistory {
			fmt.Fprintf(&b, "  - %s: %s\n", d.Action, d.Reason)
		}
	}
	if c.LastAgentMessage != "" {
		fmt.Fprintf(&b, "\nAgent's last message:\n%s\n", c.LastAgentMessage)
	}

	b.WriteString(`
Decide the next action. Respond with a single JSON object:
{"action": "<merge|reprompt_same|reprompt_new_session|new_attempt|wait|manual_review|close_and_replan|noop>", "prompt": "<for reprompt actions>", "reason": "<short reason>", "wait_seconds": <for wait>, "agent_type": "<for new_attempt, optional>"}
No prose outside the JSON object.`)

	return b.String()
}
