// Package merge holds the Merge Strategy and the Decision Executor: a
// specialised post-completion assessment whose prompt bakes in the merge
// rule set, and the component that enacts whatever the strategy decides
// against gh, the board, and the Agent Pool.
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/assessor"
	"github.com/boshu2/codex-monitor/internal/audit"
	"github.com/boshu2/codex-monitor/internal/ghcli"
)

// Action enumerates the merge-strategy decisions.
type Action string

const (
	ActionMergeAfterCIPass Action = "merge_after_ci_pass"
	ActionPrompt           Action = "prompt"
	ActionClosePR          Action = "close_pr"
	ActionReAttempt        Action = "re_attempt"
	ActionManualReview     Action = "manual_review"
	ActionWait             Action = "wait"
	ActionNoop             Action = "noop"
)

// ValidAction reports whether a is in the merge action set.
func ValidAction(a Action) bool {
	switch a {
	case ActionMergeAfterCIPass, ActionPrompt, ActionClosePR,
		ActionReAttempt, ActionManualReview, ActionWait, ActionNoop:
		return true
	}
	return false
}

// Decision is the strategy's verdict for one completed attempt.
type Decision struct {
	Action      Action `json:"action"`
	Message     string `json:"message,omitempty"`
	Reason      string `json:"reason,omitempty"`
	WaitSeconds int    `json:"wait_seconds,omitempty"`
}

// ParseDecision parses a model response into a merge Decision through the
// shared total-parser cascade, defaulting to manual_review on any failure.
func ParseDecision(raw string) Decision {
	var d Decision
	if !assessor.ExtractJSON(raw, &d) || !ValidAction(d.Action) {
		return Decision{Action: ActionManualReview, Reason: "unparseable merge decision"}
	}
	return d
}

// Context carries everything the strategy and executor need for one task.
type Context struct {
	TaskID       string
	ShortID      string
	TaskKey      string
	Title        string
	Branch       string
	WorktreePath string

	AttemptCount     int
	LastAgentMessage string
	PR               *ghcli.PR
}

// Strategy decides what to do with a completed attempt.
type Strategy struct {
	runner assessor.AgentRunner
	logDir string
}

// NewStrategy constructs a Strategy. runner may be nil; without it a PR with
// passing CI is merged, one with pending CI waits, and everything else goes
// to manual_review.
func NewStrategy(runner assessor.AgentRunner, logDir string) *Strategy {
	return &Strategy{runner: runner, logDir: logDir}
}

// Decide evaluates c and returns the merge decision, writing a
// merge-strategy-<shortId>-<ts>.log audit file.
func (s *Strategy) Decide(ctx context.Context, c Context) Decision {
	now := time.Now()
	prompt := buildStrategyPrompt(c)

	var d Decision
	var raw string
	switch {
	case s.runner == nil:
		d = quickMergeDecision(c)
		raw = "(no SDK runner, heuristic decision)"
	default:
		res, err := s.runner.LaunchEphemeral(ctx, prompt, "", assessor.AITimeout, agentOpts(c))
		if err != nil {
			d = Decision{Action: ActionManualReview, Reason: fmt.Sprintf("strategy call failed: %v", err)}
		} else {
			raw = res.Output
			d = ParseDecision(raw)
		}
	}

	if s.logDir != "" {
		_, _ = audit.WriteMergeStrategyLog(s.logDir, c.ShortID, now, audit.DecisionLog{
			Header: map[string]string{
				"task_id": c.TaskID,
				"action":  string(d.Action),
				"reason":  d.Reason,
			},
			Prompt: prompt,
			Raw:    raw,
		})
	}
	return d
}

// quickMergeDecision is the SDK-less fallback: merge a passing PR, wait on a
// pending one, escalate everything else.
func quickMergeDecision(c Context) Decision {
	if c.PR == nil {
		return Decision{Action: ActionManualReview, Reason: "no PR found for completed attempt"}
	}
	switch c.PR.CIStatus {
	case ghcli.CIPassing:
		return Decision{Action: ActionMergeAfterCIPass, Reason: "CI passing"}
	case ghcli.CIPending:
		return Decision{Action: ActionWait, WaitSeconds: 300, Reason: "CI still running"}
	default:
		return Decision{Action: ActionManualReview, Reason: "CI not passing"}
	}
}

func agentOpts(c Context) agentpool.Options {
	return agentpool.Options{TaskKey: c.TaskKey + "-merge-strategy"}
}

func buildStrategyPrompt(c Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "An autonomous coding agent reports this task complete.\n\n")
	fmt.Fprintf(&b, "Task: %s\nTitle: %s\nBranch: %s\nAttempt: %d\n", c.TaskID, c.Title, c.Branch, c.AttemptCount)
	if c.PR != nil {
		fmt.Fprintf(&b, "PR #%d: CI %s, +%d/-%d across %d files\n",
			c.PR.Number, c.PR.CIStatus, c.PR.Additions, c.PR.Deletions, len(c.PR.ChangedFiles))
	} else {
		b.WriteString("No PR has been opened yet.\n")
	}
	if c.LastAgentMessage != "" {
		fmt.Fprintf(&b, "\nAgent's last message:\n%s\n", c.LastAgentMessage)
	}
	b.WriteString(`
Rules:
- merge_after_ci_pass: the work looks done and CI is passing (or will auto-merge once it passes).
- prompt: the work is close but needs a concrete fix; put the fix instruction in "message".
- close_pr: the PR is wrong or superseded; put the close reason in "reason".
- re_attempt: the attempt is unsalvageable; a fresh attempt should start over.
- manual_review: a human must look at this.
- wait: CI or an external dependency is still running; set "wait_seconds".
- noop: nothing to do.

Respond with a single JSON object:
{"action": "<merge_after_ci_pass|prompt|close_pr|re_attempt|manual_review|wait|noop>", "message": "...", "reason": "...", "wait_seconds": 0}
No prose outside the JSON object.`)
	return b.String()
}
