package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DecisionLog is the plain-text, human-facing counterpart to a Logger
// Event: one file per assessment or merge execution.
type DecisionLog struct {
	Header  map[string]string
	Prompt  string
	Raw     string
	Summary string
}

// WriteAssessmentLog writes an `assessment-<shortId>-<trigger>-<ts>.log`
// file under logDir, containing the full prompt, raw model output, and
// parsed decision.
func WriteAssessmentLog(logDir, shortID, trigger string, ts time.Time, log DecisionLog) (string, error) {
	name := fmt.Sprintf("assessment-%s-%s-%s.log", shortID, trigger, ts.UTC().Format("20060102T150405Z"))
	return writeDecisionLog(logDir, name, log)
}

// WriteMergeExecLog writes a `merge-exec-<shortId>-<ts>.log` file under
// logDir, containing decision, outcome, attempts, and truncated agent
// output.
func WriteMergeExecLog(logDir, shortID string, ts time.Time, log DecisionLog) (string, error) {
	name := fmt.Sprintf("merge-exec-%s-%s.log", shortID, ts.UTC().Format("20060102T150405Z"))
	return writeDecisionLog(logDir, name, log)
}

// WriteMergeStrategyLog writes a `merge-strategy-<shortId>-<ts>.log` file
// under logDir, the merge-strategy counterpart to WriteAssessmentLog.
func WriteMergeStrategyLog(logDir, shortID string, ts time.Time, log DecisionLog) (string, error) {
	name := fmt.Sprintf("merge-strategy-%s-%s.log", shortID, ts.UTC().Format("20060102T150405Z"))
	return writeDecisionLog(logDir, name, log)
}

func writeDecisionLog(logDir, name string, log DecisionLog) (string, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("audit: mkdir %s: %w", logDir, err)
	}

	var b strings.Builder
	for _, k := range orderedHeaderKeys(log.Header) {
		fmt.Fprintf(&b, "%s: %s\n", k, log.Header[k])
	}
	b.WriteString("---\n")
	if log.Summary != "" {
		b.WriteString("Summary:\n")
		b.WriteString(log.Summary)
		b.WriteString("\n---\n")
	}
	if log.Prompt != "" {
		b.WriteString("Prompt:\n")
		b.WriteString(log.Prompt)
		b.WriteString("\n---\n")
	}
	b.WriteString("Raw:\n")
	b.WriteString(log.Raw)
	b.WriteString("\n")

	path := filepath.Join(logDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("audit: write %s: %w", path, err)
	}
	return path, nil
}

// orderedHeaderKeys returns a stable key order (task_id, attempt_id, trigger,
// action, reason first, then anything else alphabetically) so decision logs
// are diffable across runs.
func orderedHeaderKeys(h map[string]string) []string {
	priority := []string{"task_id", "attempt_id", "trigger", "action", "reason"}
	seen := make(map[string]bool, len(priority))
	keys := make([]string, 0, len(h))
	for _, k := range priority {
		if _, ok := h[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range h {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
