package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/boshu2/codex-monitor/internal/agent/event"
	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/assessor"
	"github.com/boshu2/codex-monitor/internal/audit"
	"github.com/boshu2/codex-monitor/internal/board"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/hooks"
	"github.com/boshu2/codex-monitor/internal/merge"
)

// runAttempt drives one attempt: worktree, hooks, agent turn, assessment,
// decision enactment, looping on reprompt-style decisions until a terminal
// one is reached.
func (s *Scheduler) runAttempt(t board.Task, att *Attempt, exec config.ExecutorConfig) {
	defer s.finish(att)

	actx, cancel := context.WithTimeout(s.attemptsCtx, s.cfg.AttemptTimeout)
	defer cancel()
	att.mu.Lock()
	att.cancel = cancel
	att.mu.Unlock()

	scope := t.Scope
	if scope == "" {
		scope = scopeFromTitle(t.Title)
	}
	baseBranch := t.BaseBranch
	if baseBranch == "" {
		baseBranch = s.deps.Router.BaseBranchForScope(scope)
	}
	branch := branchForTask(t)
	att.Branch = branch

	wt, err := s.deps.Worktrees.AcquireFrom(actx, branch, att.TaskKey, baseBranch)
	if err != nil {
		s.deps.Logger.Printf("attempt %s: acquire worktree %s: %v", att.ShortID, branch, err)
		s.deps.Executors.RecordFailure(exec.Name)
		_ = s.deps.Board.Transition(actx, t.ID, board.StateTodo)
		return
	}
	defer func() {
		if err := s.deps.Worktrees.Release(branch); err != nil {
			s.deps.Logger.Printf("attempt %s: release worktree %s: %v", att.ShortID, branch, err)
		}
	}()

	var sink *event.FileSink
	if s.deps.LogDir != "" {
		if fs, err := event.NewFileSink(filepath.Join(s.deps.LogDir, "events-"+att.ShortID+".jsonl")); err == nil {
			sink = fs
			defer func() { _ = sink.Close() }()
		} else {
			s.deps.Logger.Printf("attempt %s: open event sink: %v", att.ShortID, err)
		}
	}

	hctx := hooks.Context{
		TaskID:       t.ID,
		TaskTitle:    t.Title,
		BranchName:   branch,
		WorktreePath: wt.Path,
		SDK:          exec.SDK,
		RepoRoot:     s.deps.RepoRoot,
	}
	s.deps.Hooks.Run(actx, hooks.SessionStart, hctx)
	defer s.deps.Hooks.Run(context.Background(), hooks.SessionStop, hctx)

	_ = s.deps.Board.Transition(actx, t.ID, board.StateInProgress)

	prompt := buildInitialPrompt(t, branch, baseBranch)
	sdkOverride := exec.SDK
	succeeded := false

	for round := 0; round < maxAssessmentRounds; round++ {
		s.deps.Hooks.Run(actx, hooks.PreToolUse, hctx)
		res, runErr := s.deps.Pool.LaunchOrResume(actx, prompt, wt.Path, s.cfg.AttemptTimeout, agentpool.Options{
			TaskKey:   att.TaskKey,
			AttemptID: att.ID,
			SDK:       sdkOverride,
			OnEvent:   s.eventRecorder(att, sink),
		})
		s.deps.Hooks.Run(actx, hooks.PostToolUse, hctx)

		trigger := assessor.TriggerAgentCompleted
		if runErr != nil {
			trigger = assessor.TriggerAgentFailed
			att.mu.Lock()
			att.sessionRetries++
			att.mu.Unlock()
		} else if res != nil && res.SDK != "" {
			att.mu.Lock()
			att.SDK = res.SDK
			att.mu.Unlock()
			hctx.SDK = res.SDK
		}

		d := s.deps.Assessor.Assess(actx, s.assessmentContext(t, att, wt.Path, baseBranch, trigger))
		att.mu.Lock()
		att.history = append(att.history, d)
		att.mu.Unlock()

		switch d.Action {
		case assessor.ActionRepromptSame:
			prompt = d.Prompt
			continue

		case assessor.ActionRepromptNewSession:
			_ = s.deps.Pool.InvalidateThread(att.TaskKey, d.Reason)
			prompt = d.Prompt
			continue

		case assessor.ActionNewAttempt:
			newKey, invErr := s.deps.Pool.InvalidateForReattempt(att.TaskKey, d.Reason)
			if invErr != nil {
				s.deps.Logger.Printf("attempt %s: invalidate for reattempt: %v", att.ShortID, invErr)
				s.escalate(actx, t, d.Reason)
				return
			}
			att.mu.Lock()
			att.TaskKey = newKey
			att.sessionRetries = 0
			att.attemptCount++
			att.mu.Unlock()
			if d.AgentType != "" {
				sdkOverride = d.AgentType
			}
			prompt = buildInitialPrompt(t, branch, baseBranch)
			continue

		case assessor.ActionWait:
			if !s.sleep(actx, time.Duration(d.WaitSeconds)*time.Second) {
				return
			}
			prompt = "Continue the task. Check CI and any pending state, then finish: tests, commit, push, PR."
			continue

		case assessor.ActionMerge:
			if s.deps.Router != nil && s.deps.Router.AutoRebase() {
				reprompt, ok := s.autoRebase(actx, t, att, wt.Path, baseBranch)
				if !ok {
					return
				}
				if reprompt != "" {
					prompt = reprompt
					continue
				}
			}
			succeeded = s.runMergePhase(actx, t, att, wt.Path, hctx)
			if succeeded {
				s.deps.Executors.RecordSuccess(exec.Name)
			}
			return

		case assessor.ActionManualReview:
			s.escalate(actx, t, d.Reason)
			return

		case assessor.ActionCloseAndReplan:
			_ = s.deps.Board.Transition(actx, t.ID, board.StateFailed)
			_ = s.deps.Board.MarkIgnored(actx, t.ID, d.Reason)
			s.deps.Executors.RecordFailure(exec.Name)
			return

		default: // noop
			return
		}
	}

	// The reprompt loop ran dry without a terminal decision.
	s.escalate(actx, t, "assessment loop exceeded round cap")
}

// runMergePhase runs the merge strategy/executor pair, retrying through
// wait decisions a bounded number of times. Returns true when the task
// completed.
func (s *Scheduler) runMergePhase(ctx context.Context, t board.Task, att *Attempt, worktreePath string, hctx hooks.Context) bool {
	pr, err := prForBranch(ctx, worktreePath, s.deps.GitTimeout, att.Branch)
	if err != nil {
		s.deps.Logger.Printf("attempt %s: pr lookup: %v", att.ShortID, err)
	}

	mctx := merge.Context{
		TaskID:           t.ID,
		ShortID:          att.ShortID,
		TaskKey:          att.TaskKey,
		Title:            t.Title,
		Branch:           att.Branch,
		WorktreePath:     worktreePath,
		AttemptCount:     att.attemptCount,
		LastAgentMessage: att.LastAgentMessage(),
		PR:               pr,
	}

	for round := 0; round < maxMergeRounds; round++ {
		d := s.deps.Strategy.Decide(ctx, mctx)
		out := s.deps.MergeExec.Execute(ctx, d, mctx)

		switch {
		case out.Action == merge.ActionMergeAfterCIPass && out.Success:
			if s.deps.Completion != nil {
				if err := s.deps.Completion.Check(ctx, worktreePath); err != nil {
					s.deps.Logger.Printf("attempt %s: completion check: %v", att.ShortID, err)
					s.escalate(ctx, t, err.Error())
					return false
				}
			}
			results := s.deps.Hooks.Run(ctx, hooks.TaskComplete, hctx)
			for _, r := range results {
				if !r.Success {
					s.deps.Logger.Printf("attempt %s: TaskComplete hook %s failed: %v", att.ShortID, r.ID, r.Err)
					s.escalate(ctx, t, "TaskComplete hook failed: "+r.ID)
					return false
				}
			}
			_ = s.deps.Board.Transition(ctx, t.ID, board.StateCompleted)
			return true

		case out.WaitSeconds > 0:
			if !s.sleep(ctx, time.Duration(out.WaitSeconds)*time.Second) {
				return false
			}
			if refreshed, err := prForBranch(ctx, worktreePath, s.deps.GitTimeout, att.Branch); err == nil && refreshed != nil {
				mctx.PR = refreshed
			}
			continue

		case out.Action == merge.ActionClosePR && out.Success:
			_ = s.deps.Board.Transition(ctx, t.ID, board.StateFailed)
			return false

		default:
			// prompt/re_attempt/manual_review/noop: the executor already
			// acted; leave the task where the action put it.
			if out.Action == merge.ActionManualReview {
				_ = s.deps.Board.Transition(ctx, t.ID, board.StateReview)
			}
			return false
		}
	}
	s.escalate(ctx, t, "merge phase exhausted wait rounds")
	return false
}

// autoRebase brings the attempt's branch up to date with its base before
// the merge phase. On a conflict the rebase is left in progress and the
// conflict heuristics produce a resolution prompt for the agent; anything
// they cannot resolve escalates. ok=false means the attempt was escalated
// and should stop.
func (s *Scheduler) autoRebase(ctx context.Context, t board.Task, att *Attempt, worktreePath, baseBranch string) (reprompt string, ok bool) {
	if _, err := rebaseBranch(ctx, worktreePath, s.deps.GitTimeout, baseBranch); err == nil {
		return "", true
	}

	files, filesErr := conflictFiles(ctx, worktreePath, s.deps.GitTimeout)
	if filesErr != nil {
		s.deps.Logger.Printf("attempt %s: list conflicts: %v", att.ShortID, filesErr)
	}
	d := assessor.QuickAssess(assessor.Context{
		TaskID:         t.ID,
		ShortID:        att.ShortID,
		Trigger:        assessor.TriggerRebaseFailed,
		ConflictFiles:  files,
		AttemptCount:   att.attemptCount,
		SessionRetries: att.sessionRetries,
	})
	if d != nil && d.Action == assessor.ActionRepromptSame {
		return d.Prompt, true
	}
	s.escalate(ctx, t, "rebase onto "+baseBranch+" conflicted, manual resolution needed")
	return "", false
}

// escalate notifies the operator and parks the task in review.
func (s *Scheduler) escalate(ctx context.Context, t board.Task, reason string) {
	_ = s.deps.Board.Transition(ctx, t.ID, board.StateReview)
	_ = s.deps.Notifier.Notify(ctx, "Task "+t.ID+" ("+t.Title+") escalated: "+reason)
}

// sleep blocks for d or until ctx is done; false means the context ended.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 5 * time.Minute
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// assessmentContext snapshots the attempt for the assessor.
func (s *Scheduler) assessmentContext(t board.Task, att *Attempt, worktreePath, baseBranch string, trigger assessor.Trigger) assessor.Context {
	att.mu.Lock()
	defer att.mu.Unlock()

	pr, _ := prForBranch(context.Background(), worktreePath, s.deps.GitTimeout, att.Branch)

	return assessor.Context{
		TaskID:           t.ID,
		ShortID:          att.ShortID,
		Title:            t.Title,
		Branch:           att.Branch,
		BaseBranch:       baseBranch,
		Trigger:          trigger,
		AttemptCount:     att.attemptCount,
		SessionRetries:   att.sessionRetries,
		CurrentSDK:       att.SDK,
		AlternateSDK:     alternateSDK(att.SDK),
		LastAgentMessage: att.lastAgentMessage,
		DecisionHistory:  append([]assessor.Decision(nil), att.history...),
		PR:               pr,
	}
}

// alternateSDK returns the next SDK in the codex -> copilot -> claude ->
// codex rotation for new_attempt decisions.
func alternateSDK(current string) string {
	switch current {
	case "codex":
		return "copilot"
	case "copilot":
		return "claude"
	default:
		return "codex"
	}
}

// eventRecorder streams pool events into the per-attempt JSONL sink, records
// error and system events in the audit log, and keeps the attempt's
// lastAgentMessage current.
func (s *Scheduler) eventRecorder(att *Attempt, sink *event.FileSink) func(*event.Event) {
	return func(e *event.Event) {
		if sink != nil {
			_ = sink.Write(e)
		}
		if e.Type == event.Text && e.Content != "" {
			att.mu.Lock()
			att.lastAgentMessage = e.Content
			att.mu.Unlock()
		}
		if s.deps.AuditLog != nil && (e.Type == event.Error || e.Type == event.System) {
			s.deps.AuditLog.Record(audit.Event{
				Category:  audit.Assessment,
				TaskID:    att.TaskID,
				AttemptID: att.ID,
				Trigger:   string(e.Type),
				Message:   e.Summary,
			})
		}
	}
}
