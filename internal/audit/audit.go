// Package audit provides structured logging of every lifecycle decision
// and execution codex-monitor makes, alongside the plain-text per-decision
// log files read by operators.
package audit

import (
	"go.uber.org/zap"
)

// Category classifies the kind of decision or execution an Event records.
type Category string

const (
	// Assessment is a Task Lifecycle Assessor decision.
	Assessment Category = "ASSESSMENT"
	// MergeExecution is a Decision Executor action.
	MergeExecution Category = "MERGE_EXECUTION"
	// HookFailure is a blocking or non-blocking hook failure.
	HookFailure Category = "HOOK_FAILURE"
	// WorktreeRecovery is an error-recovery path taken by the Worktree
	// Manager.
	WorktreeRecovery Category = "WORKTREE_RECOVERY"
)

// Event represents one structured audit line.
type Event struct {
	Category  Category
	TaskID    string
	AttemptID string
	Trigger   string
	Action    string
	Reason    string
	Message   string
}

// Logger wraps a zap.Logger to emit machine-readable Event lines, the
// counterpart to the human-facing plain-text decision logs written by
// WriteAssessmentLog, WriteMergeExecLog and WriteMergeStrategyLog.
type Logger struct {
	zap *zap.Logger
}

// NewLogger builds a Logger backed by a JSON-encoded file core at path.
func NewLogger(path string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{zap: zl}, nil
}

// Record emits one audit Event as a structured log line.
func (l *Logger) Record(e Event) {
	l.zap.Info("audit",
		zap.String("category", string(e.Category)),
		zap.String("task_id", e.TaskID),
		zap.String("attempt_id", e.AttemptID),
		zap.String("trigger", e.Trigger),
		zap.String("action", e.Action),
		zap.String("reason", e.Reason),
		zap.String("message", e.Message),
	)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
