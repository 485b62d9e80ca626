package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/boshu2/codex-monitor/internal/agentpool"
	"github.com/boshu2/codex-monitor/internal/audit"
	"github.com/boshu2/codex-monitor/internal/board"
	"github.com/boshu2/codex-monitor/internal/board/github"
	"github.com/boshu2/codex-monitor/internal/board/jira"
	"github.com/boshu2/codex-monitor/internal/board/vibekanban"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/fleet"
	"github.com/boshu2/codex-monitor/internal/threadregistry"
	"github.com/boshu2/codex-monitor/internal/worktree"
)

// runtimeParts is everything the run/status commands share when standing up
// the monitor's components from config.
type runtimeParts struct {
	cfg      *config.Config
	repoRoot string
	registry *threadregistry.Registry
	pool     *agentpool.Pool
	worktree *worktree.Manager
	board    board.Adapter
	fleet    *fleet.Coordinator
	auditLog *audit.Logger
}

// buildRuntime loads config and constructs the shared component graph.
func buildRuntime() (*runtimeParts, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	repoRoot := cfg.RepoRoot
	if repoRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoRoot, err = worktree.GetRepoRoot(context.Background(), cwd, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("resolve repo root from %s: %w", cwd, err)
		}
	}

	registry := threadregistry.New(
		filepath.Join(cfg.StateDir, "thread-registry.json"),
		threadregistry.Expiry{
			MaxTurns:       cfg.AgentPool.MaxThreadTurns,
			MaxAbsoluteAge: cfg.AgentPool.ThreadMaxAbsoluteAge,
			MaxIdleAge:     cfg.AgentPool.ThreadMaxAge,
		},
	)
	if err := registry.Load(); err != nil {
		return nil, fmt.Errorf("load thread registry: %w", err)
	}

	wm := worktree.NewManager(
		repoRoot,
		cfg.WorktreeBaseDir,
		cfg.Routing.DefaultBranch,
		filepath.Join(cfg.StateDir, "worktree-registry.json"),
		worktree.WithVerbose(verboseLogf),
	)
	if err := wm.Load(); err != nil {
		return nil, fmt.Errorf("load worktree registry: %w", err)
	}

	boardAdapter, err := buildBoard(cfg)
	if err != nil {
		return nil, err
	}

	fleetCfg := cfg.Fleet
	if fleetCfg.RepoIdentity == "" {
		fleetCfg.RepoIdentity = filepath.Base(repoRoot)
	}
	var coordinator *fleet.Coordinator
	if fleetCfg.Enabled {
		coordinator, err = fleet.New(fleetCfg)
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLogger(filepath.Join(cfg.LogDir, "audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &runtimeParts{
		cfg:      cfg,
		repoRoot: repoRoot,
		registry: registry,
		pool:     agentpool.New(cfg.AgentPool, registry),
		worktree: wm,
		board:    boardAdapter,
		fleet:    coordinator,
		auditLog: auditLog,
	}, nil
}

// buildBoard selects the kanban backend from config.
func buildBoard(cfg *config.Config) (board.Adapter, error) {
	switch cfg.Board.Backend {
	case "vibekanban", "":
		return vibekanban.New(cfg.Board.BaseURL, cfg.Board.APIKey), nil
	case "github":
		token := os.Getenv("GITHUB_TOKEN")
		if token == "" {
			token = cfg.Board.APIKey
		}
		return github.New(cfg.Board.Owner, cfg.Board.Repo, staticToken(token)), nil
	case "jira":
		apiToken := os.Getenv("JIRA_API_TOKEN")
		if apiToken == "" {
			apiToken = cfg.Board.APIKey
		}
		return jira.New(cfg.Board.BaseURL, cfg.Board.Email, apiToken), nil
	default:
		return nil, fmt.Errorf("unknown board backend %q", cfg.Board.Backend)
	}
}

func staticToken(token string) github.TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

func verboseLogf(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}
