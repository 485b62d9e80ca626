// Package copilot adapts the "gh copilot" CLI to the agent.Adapter interface.
package copilot

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
	agent.Register("copilot", func() agent.Adapter { return New() })
}

var execCommandContext = exec.CommandContext

// Adapter drives the gh copilot CLI in non-interactive mode.
type Adapter struct {
	resolveOnce sync.Once
	resolveErr  error
	binary      string
}

// New constructs a copilot Adapter.
func New() *Adapter {
	return &Adapter{binary: "gh"}
}

// Name implements agent.Adapter.
func (a *Adapter) Name() string { return "copilot" }

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
	args := []string{"copilot", "-p", lc.Prompt, "--allow-all-tools"}
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
		return result, fmt.Errorf("gh copilot exec failed: %w: %s", err, stderr.String())
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
