package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAssessmentLogNamesAndContent(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	path, err := WriteAssessmentLog(dir, "abc123", "agent_completed", ts, DecisionLog{
		Header: map[string]string{"task_id": "task-1", "action": "reprompt_same", "zzz": "last", "aaa": "first"},
		Prompt: "do the thing",
		Raw:    `{"action":"reprompt_same"}`,
	})
	if err != nil {
		t.Fatalf("WriteAssessmentLog: %v", err)
	}
	if got := filepath.Base(path); got != "assessment-abc123-agent_completed-20260729T120000Z.log" {
		t.Errorf("filename = %q", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "task_id: task-1") {
		t.Error("missing task_id header")
	}
	if !strings.Contains(content, "do the thing") {
		t.Error("missing prompt body")
	}
	aaaIdx := strings.Index(content, "aaa:")
	zzzIdx := strings.Index(content, "zzz:")
	if aaaIdx < 0 || zzzIdx < 0 || aaaIdx > zzzIdx {
		t.Errorf("expected non-priority keys in alphabetical order, aaa@%d zzz@%d", aaaIdx, zzzIdx)
	}
}

func TestWriteMergeExecLogCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path, err := WriteMergeExecLog(dir, "xyz", ts, DecisionLog{Raw: "merged"})
	if err != nil {
		t.Fatalf("WriteMergeExecLog: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestOrderedHeaderKeysPriorityFirst(t *testing.T) {
	keys := orderedHeaderKeys(map[string]string{
		"reason":     "x",
		"task_id":    "t",
		"attempt_id": "a",
		"custom":     "c",
	})
	want := []string{"task_id", "attempt_id", "reason", "custom"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], k)
		}
	}
}
