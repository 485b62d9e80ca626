// Package codex adapts the "codex" CLI to the agent.Adapter interface.
package codex

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/boshu2/codex-monitor/internal/agent"
)

func init() {
	agent.Register("codex", func() agent.Adapter { return New() })
}

// execCommandContext is swappable so tests never shell out to a real codex
// binary.
var execCommandContext = exec.CommandContext

// Adapter drives the codex CLI in non-interactive exec mode.
type Adapter struct {
	resolveOnce sync.Once
	resolveErr  error
	binary      string
}

// New constructs a codex Adapter.
func New() *Adapter {
	return &Adapter{binary: "codex"}
}

// Name implements agent.Adapter.
func (a *Adapter) Name() string { return "codex" }

// Resolve implements agent.Adapter.
func (a *Adapter) Resolve(ctx context.Context) error {
	a.resolveOnce.Do(func() {
		if _, err := exec.LookPath(a.binary); err != nil {
			a.resolveErr = fmt.Errorf("%w: %s", agent.ErrAdapterUnavailable, err)
		}
	})
	return a.resolveErr
}

// Launch implements agent.Adapter.
func (a *Adapter) Launch(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
	args := []string{"exec", "--sandbox", "workspace-write", "--skip-git-repo-check", lc.Prompt}
	cmd := execCommandContext(ctx, a.binary, args...)
	cmd.Dir = lc.WorktreePath
	cmd.Env = buildEnv(lc.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &agent.Result{Output: stdout.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return result, fmt.Errorf("codex exec failed: %w: %s", err, stderr.String())
	}
	return result, nil
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
