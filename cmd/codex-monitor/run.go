package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boshu2/codex-monitor/internal/assessor"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/executor"
	"github.com/boshu2/codex-monitor/internal/hooks"
	"github.com/boshu2/codex-monitor/internal/maintenance"
	"github.com/boshu2/codex-monitor/internal/merge"
	"github.com/boshu2/codex-monitor/internal/notify"
	"github.com/boshu2/codex-monitor/internal/routing"
	"github.com/boshu2/codex-monitor/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitor loop (scheduler + maintenance daemon)",
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	parts, err := buildRuntime()
	if err != nil {
		return err
	}
	cfg := parts.cfg

	lock, stale, err := maintenance.AcquirePIDLock(filepath.Join(cfg.StateDir, "codex-monitor.pid"))
	if err != nil {
		if errors.Is(err, maintenance.ErrSingletonLockHeld) {
			return err // fatal: cobra exits non-zero
		}
		return err
	}
	if stale {
		log.Printf("warning: took over stale PID file from a dead monitor")
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("release PID lock: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := parts.worktree.EnsureBaseDir(); err != nil {
		return err
	}

	execs := executor.New(executorList(cfg), cfg.Failover)
	notifier := &notify.LogSink{Logger: log.New(os.Stderr, "", log.LstdFlags)}
	assess := assessor.New(parts.pool, cfg.LogDir, assessor.WithAuditLogger(parts.auditLog))
	strategy := merge.NewStrategy(parts.pool, cfg.LogDir)
	mergeExec := merge.NewExecutor(parts.pool, notifier, cfg.LogDir, merge.WithAuditLogger(parts.auditLog))

	pipeline := hooks.New()
	registerBuiltinHooks(pipeline, parts.repoRoot)

	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Board:      parts.board,
		Pool:       parts.pool,
		Worktrees:  parts.worktree,
		Assessor:   assess,
		Strategy:   strategy,
		MergeExec:  mergeExec,
		Executors:  execs,
		Hooks:      pipeline,
		Completion: hooks.NewTaskCompleteChecker(30*time.Second, cfg.Routing.DefaultBranch),
		Router:     routing.New(cfg.Routing),
		Fleet:      fleetOrNil(parts),
		Notifier:   notifier,
		AuditLog:   parts.auditLog,
		Logger:     log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
		RepoRoot:   parts.repoRoot,
		LogDir:     cfg.LogDir,
	})

	daemon := maintenance.New(cfg.Maintenance, cfg.Worktree, parts.repoRoot, parts.worktree, parts.board,
		log.New(os.Stderr, "[maintenance] ", log.LstdFlags))

	daemonDone := make(chan struct{})
	go func() {
		defer close(daemonDone)
		_ = daemon.Run(ctx)
	}()

	err = sched.Run(ctx)
	<-daemonDone
	_ = parts.auditLog.Sync()
	return err
}

// fleetOrNil avoids handing the scheduler a typed-nil interface value.
func fleetOrNil(parts *runtimeParts) scheduler.Presence {
	if parts.fleet == nil {
		return nil
	}
	return parts.fleet
}

// executorList falls back to one executor per fallback-chain SDK when the
// config declares none.
func executorList(cfg *config.Config) []config.ExecutorConfig {
	if len(cfg.Executors) > 0 {
		return cfg.Executors
	}
	roles := []string{"primary", "backup", "tertiary"}
	var out []config.ExecutorConfig
	for i, sdk := range cfg.AgentPool.FallbackChain {
		role := "backup"
		if i < len(roles) {
			role = roles[i]
		}
		out = append(out, config.ExecutorConfig{
			Name:    sdk + ":default",
			SDK:     sdk,
			Variant: "default",
			Weight:  100,
			Role:    role,
			Enabled: true,
		})
	}
	return out
}

// registerBuiltinHooks wires the PrePush preflight (when a preflight script
// exists in the repo's scripts dir) and leaves the rest of the pipeline to
// future config-driven hooks.
func registerBuiltinHooks(pipeline *hooks.Pipeline, repoRoot string) {
	for _, candidate := range []string{
		filepath.Join(repoRoot, "scripts", "agent-preflight.sh"),
		filepath.Join(repoRoot, "scripts", "agent-preflight.ps1"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			pipeline.RegisterPrePushPreflight(candidate)
			return
		}
	}
}
