// Package config provides configuration management for codex-monitor.
// Configuration is loaded from (highest to lowest priority):
// 1. Environment variables
// 2. The project config file (.codex-monitor/config.yaml in cwd)
// 3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codex-monitor configuration.
type Config struct {
	// StateDir is the directory holding registries, presence, and the PID lock.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// LogDir is the directory holding audit logs (logs/).
	LogDir string `yaml:"log_dir" json:"log_dir"`

	// WorktreeBaseDir is the directory under which automation worktrees are created.
	WorktreeBaseDir string `yaml:"worktree_base_dir" json:"worktree_base_dir"`

	// RepoRoot is the root of the repository being automated.
	RepoRoot string `yaml:"repo_root" json:"repo_root"`

	AgentPool   AgentPoolConfig   `yaml:"agent_pool" json:"agent_pool"`
	Board       BoardConfig       `yaml:"board" json:"board"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	Executors   []ExecutorConfig  `yaml:"executors" json:"executors"`
	Failover    FailoverConfig    `yaml:"failover" json:"failover"`
	Worktree    WorktreeConfig    `yaml:"worktree" json:"worktree"`
	Routing     RoutingConfig     `yaml:"routing" json:"routing"`
	Fleet       FleetConfig       `yaml:"fleet" json:"fleet"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
}

// AgentPoolConfig configures SDK resolution and thread lifetime caps.
type AgentPoolConfig struct {
	// SDK is an explicit override (env AGENT_POOL_SDK).
	SDK string `yaml:"sdk" json:"sdk"`
	// PrimaryAgent is the preferred SDK before the fixed fallback chain.
	PrimaryAgent string `yaml:"primary_agent" json:"primary_agent"`
	// FallbackChain is tried in order when PrimaryAgent/SDK is unavailable.
	FallbackChain []string `yaml:"fallback_chain" json:"fallback_chain"`
	// Disabled lists SDK names forced off (e.g. via CODEX_SDK_DISABLED=1).
	Disabled []string `yaml:"disabled" json:"disabled"`

	MaxThreadTurns       int           `yaml:"max_thread_turns" json:"max_thread_turns"`
	ThreadMaxAbsoluteAge time.Duration `yaml:"thread_max_absolute_age" json:"thread_max_absolute_age"`
	ThreadMaxAge         time.Duration `yaml:"thread_max_age" json:"thread_max_age"`
	HardTimeoutBuffer    time.Duration `yaml:"hard_timeout_buffer" json:"hard_timeout_buffer"`
}

// BoardConfig selects and configures the kanban backend. Exactly one
// backend is active; the unused fields are ignored by the others.
type BoardConfig struct {
	Backend string `yaml:"backend" json:"backend"` // vibekanban | github | jira
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Owner   string `yaml:"owner" json:"owner"`
	Repo    string `yaml:"repo" json:"repo"`
	Email   string `yaml:"email" json:"email"`
}

// SchedulerConfig configures the backlog poller.
type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
	MaxParallel       int           `yaml:"max_parallel" json:"max_parallel"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// ExecutorConfig describes one selectable (sdk, variant, weight, role) tuple.
type ExecutorConfig struct {
	Name    string `yaml:"name" json:"name"`
	SDK     string `yaml:"sdk" json:"sdk"`
	Variant string `yaml:"variant" json:"variant"`
	Weight  int    `yaml:"weight" json:"weight"`
	Role    string `yaml:"role" json:"role"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// FailoverConfig configures executor failure handling.
type FailoverConfig struct {
	Strategy       string        `yaml:"strategy" json:"strategy"` // primary-only | round-robin | weighted
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	CooldownMin    time.Duration `yaml:"cooldown_min" json:"cooldown_min"`
	DisableAfter   int           `yaml:"disable_after" json:"disable_after"`
	FailoverOrder  string        `yaml:"failover_order" json:"failover_order"` // next-in-line | weighted-random
}

// WorktreeConfig configures the Worktree Manager.
type WorktreeConfig struct {
	MaxVKIdleAge       time.Duration `yaml:"max_vk_idle_age" json:"max_vk_idle_age"`
	MaxLegacyIdleAge   time.Duration `yaml:"max_legacy_idle_age" json:"max_legacy_idle_age"`
	PruneInterval      time.Duration `yaml:"prune_interval" json:"prune_interval"`
	MaxGlobalWorktrees int           `yaml:"max_global_worktrees" json:"max_global_worktrees"`
}

// RoutingConfig configures conventional-commit-scope branch routing.
type RoutingConfig struct {
	ScopeMap           map[string]string `yaml:"scope_map" json:"scope_map"`
	DefaultBranch      string            `yaml:"default_branch" json:"default_branch"`
	AutoRebase         bool              `yaml:"auto_rebase" json:"auto_rebase"`
	SDKAssistedAssess  bool              `yaml:"sdk_assisted_assess" json:"sdk_assisted_assess"`
}

// FleetConfig configures presence and coordinator election.
type FleetConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Label          string        `yaml:"label" json:"label"`
	Role           string        `yaml:"role" json:"role"`
	Priority       int           `yaml:"priority" json:"priority"`
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	StateRoot      string        `yaml:"state_root" json:"state_root"`
	RepoIdentity   string        `yaml:"repo_identity" json:"repo_identity"`
}

// MaintenanceConfig configures the Maintenance Daemon sweep.
type MaintenanceConfig struct {
	SweepInterval       time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	GitPushKillAge      time.Duration `yaml:"git_push_kill_age" json:"git_push_kill_age"`
	StaleBranchAge      time.Duration `yaml:"stale_branch_age" json:"stale_branch_age"`
	ArchiveCompleted    bool          `yaml:"archive_completed" json:"archive_completed"`
}

const defaultConfigRelPath = ".codex-monitor/config.yaml"

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		StateDir:        ".codex-monitor",
		LogDir:          ".codex-monitor/logs",
		WorktreeBaseDir: ".codex-monitor/worktrees",
		AgentPool: AgentPoolConfig{
			FallbackChain:        []string{"codex", "copilot", "claude"},
			MaxThreadTurns:       30,
			ThreadMaxAbsoluteAge: 8 * time.Hour,
			ThreadMaxAge:         4 * time.Hour,
			HardTimeoutBuffer:    60 * time.Second,
		},
		Board: BoardConfig{
			Backend: "vibekanban",
			BaseURL: "http://127.0.0.1:3000",
		},
		Scheduler: SchedulerConfig{
			PollInterval:      30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
			StaleThreshold:    10 * time.Minute,
			MaxParallel:       3,
			AttemptTimeout:    90 * time.Minute,
		},
		Failover: FailoverConfig{
			Strategy:      "primary-only",
			MaxRetries:    2,
			CooldownMin:   15 * time.Minute,
			DisableAfter:  3,
			FailoverOrder: "next-in-line",
		},
		Worktree: WorktreeConfig{
			MaxVKIdleAge:       12 * time.Hour,
			MaxLegacyIdleAge:   7 * 24 * time.Hour,
			PruneInterval:      10 * time.Minute,
			MaxGlobalWorktrees: 3,
		},
		Routing: RoutingConfig{
			DefaultBranch: "origin/main",
			AutoRebase:    true,
		},
		Fleet: FleetConfig{
			Enabled:   true,
			Role:      "worker",
			Priority:  100,
			TTL:       5 * time.Minute,
			StateRoot: ".codex-monitor/fleet",
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:  10 * time.Minute,
			GitPushKillAge: 15 * time.Minute,
			StaleBranchAge: 24 * time.Hour,
		},
	}
}

// Load loads configuration with precedence: env > project file > defaults.
func Load() (*Config, error) {
	cfg := Default()

	if fileCfg, err := loadFromPath(projectConfigPath()); err == nil && fileCfg != nil {
		cfg = merge(cfg, fileCfg)
	}

	applyEnv(cfg)

	return cfg, nil
}

// projectConfigPath returns the project config path, honoring CODEX_MONITOR_CONFIG.
func projectConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("CODEX_MONITOR_CONFIG")); override != "" {
		return override
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, defaultConfigRelPath)
}

func loadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// merge overlays the non-zero fields of override that it checks below onto
// base and returns base. Fleet enabled/label/role/priority/repo_identity,
// maintenance git_push_kill_age/stale_branch_age/archive_completed and the
// routing auto_rebase/sdk_assisted_assess toggles are not read from
// override; base keeps its values for them.
func merge(base, override *Config) *Config {
	if override.StateDir != "" {
		base.StateDir = override.StateDir
	}
	if override.LogDir != "" {
		base.LogDir = override.LogDir
	}
	if override.WorktreeBaseDir != "" {
		base.WorktreeBaseDir = override.WorktreeBaseDir
	}
	if override.RepoRoot != "" {
		base.RepoRoot = override.RepoRoot
	}
	if override.AgentPool.SDK != "" {
		base.AgentPool.SDK = override.AgentPool.SDK
	}
	if override.AgentPool.PrimaryAgent != "" {
		base.AgentPool.PrimaryAgent = override.AgentPool.PrimaryAgent
	}
	if len(override.AgentPool.FallbackChain) > 0 {
		base.AgentPool.FallbackChain = override.AgentPool.FallbackChain
	}
	if len(override.AgentPool.Disabled) > 0 {
		base.AgentPool.Disabled = override.AgentPool.Disabled
	}
	if override.AgentPool.MaxThreadTurns > 0 {
		base.AgentPool.MaxThreadTurns = override.AgentPool.MaxThreadTurns
	}
	if override.AgentPool.ThreadMaxAbsoluteAge > 0 {
		base.AgentPool.ThreadMaxAbsoluteAge = override.AgentPool.ThreadMaxAbsoluteAge
	}
	if override.AgentPool.ThreadMaxAge > 0 {
		base.AgentPool.ThreadMaxAge = override.AgentPool.ThreadMaxAge
	}
	if override.AgentPool.HardTimeoutBuffer > 0 {
		base.AgentPool.HardTimeoutBuffer = override.AgentPool.HardTimeoutBuffer
	}
	if override.Board.Backend != "" {
		base.Board.Backend = override.Board.Backend
	}
	if override.Board.BaseURL != "" {
		base.Board.BaseURL = override.Board.BaseURL
	}
	if override.Board.APIKey != "" {
		base.Board.APIKey = override.Board.APIKey
	}
	if override.Board.Owner != "" {
		base.Board.Owner = override.Board.Owner
	}
	if override.Board.Repo != "" {
		base.Board.Repo = override.Board.Repo
	}
	if override.Board.Email != "" {
		base.Board.Email = override.Board.Email
	}
	if override.Scheduler.PollInterval > 0 {
		base.Scheduler.PollInterval = override.Scheduler.PollInterval
	}
	if override.Scheduler.HeartbeatInterval > 0 {
		base.Scheduler.HeartbeatInterval = override.Scheduler.HeartbeatInterval
	}
	if override.Scheduler.StaleThreshold > 0 {
		base.Scheduler.StaleThreshold = override.Scheduler.StaleThreshold
	}
	if override.Scheduler.MaxParallel > 0 {
		base.Scheduler.MaxParallel = override.Scheduler.MaxParallel
	}
	if override.Scheduler.AttemptTimeout > 0 {
		base.Scheduler.AttemptTimeout = override.Scheduler.AttemptTimeout
	}
	if len(override.Executors) > 0 {
		base.Executors = override.Executors
	}
	if override.Failover.Strategy != "" {
		base.Failover.Strategy = override.Failover.Strategy
	}
	if override.Failover.MaxRetries > 0 {
		base.Failover.MaxRetries = override.Failover.MaxRetries
	}
	if override.Failover.CooldownMin > 0 {
		base.Failover.CooldownMin = override.Failover.CooldownMin
	}
	if override.Failover.DisableAfter > 0 {
		base.Failover.DisableAfter = override.Failover.DisableAfter
	}
	if override.Failover.FailoverOrder != "" {
		base.Failover.FailoverOrder = override.Failover.FailoverOrder
	}
	if override.Worktree.MaxVKIdleAge > 0 {
		base.Worktree.MaxVKIdleAge = override.Worktree.MaxVKIdleAge
	}
	if override.Worktree.MaxLegacyIdleAge > 0 {
		base.Worktree.MaxLegacyIdleAge = override.Worktree.MaxLegacyIdleAge
	}
	if override.Worktree.PruneInterval > 0 {
		base.Worktree.PruneInterval = override.Worktree.PruneInterval
	}
	if override.Worktree.MaxGlobalWorktrees > 0 {
		base.Worktree.MaxGlobalWorktrees = override.Worktree.MaxGlobalWorktrees
	}
	if override.Routing.ScopeMap != nil {
		base.Routing.ScopeMap = override.Routing.ScopeMap
	}
	if override.Routing.DefaultBranch != "" {
		base.Routing.DefaultBranch = override.Routing.DefaultBranch
	}
	if override.Fleet.StateRoot != "" {
		base.Fleet.StateRoot = override.Fleet.StateRoot
	}
	if override.Fleet.TTL > 0 {
		base.Fleet.TTL = override.Fleet.TTL
	}
	if override.Maintenance.SweepInterval > 0 {
		base.Maintenance.SweepInterval = override.Maintenance.SweepInterval
	}
	return base
}

// applyEnv applies the environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_POOL_SDK"); v != "" {
		cfg.AgentPool.SDK = v
	}
	if v := os.Getenv("PRIMARY_AGENT"); v != "" {
		cfg.AgentPool.PrimaryAgent = v
	}
	for _, sdk := range []string{"codex", "copilot", "claude"} {
		envVar := strings.ToUpper(sdk) + "_SDK_DISABLED"
		if os.Getenv(envVar) == "1" {
			cfg.AgentPool.Disabled = append(cfg.AgentPool.Disabled, sdk)
		}
	}
	if v := os.Getenv("EXECUTORS"); v != "" {
		if parsed, err := parseExecutorsEnv(v); err == nil {
			cfg.Executors = parsed
		}
	}
	if v := os.Getenv("FAILOVER_STRATEGY"); v != "" {
		cfg.Failover.Strategy = v
	}
	if v := os.Getenv("FAILOVER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Failover.MaxRetries = n
		}
	}
	if v := os.Getenv("FAILOVER_COOLDOWN_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Failover.CooldownMin = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("FAILOVER_DISABLE_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Failover.DisableAfter = n
		}
	}
	if v := os.Getenv("EXECUTOR_DISTRIBUTION"); v != "" {
		cfg.Failover.Strategy = v
	}
	if v := os.Getenv("BRANCH_ROUTING_SCOPE_MAP"); v != "" {
		cfg.Routing.ScopeMap = parseScopeMapEnv(v)
	}
	if v := os.Getenv("CODEX_MONITOR_BOARD"); v != "" {
		cfg.Board.Backend = v
	}
	if v := os.Getenv("VK_BASE_URL"); v != "" {
		cfg.Board.Backend = "vibekanban"
		cfg.Board.BaseURL = v
	}
	if v := os.Getenv("VK_API_KEY"); v != "" {
		cfg.Board.APIKey = v
	}
	if v := os.Getenv("GITHUB_REPO"); v != "" {
		if owner, repo, ok := strings.Cut(v, "/"); ok {
			cfg.Board.Backend = "github"
			cfg.Board.Owner = owner
			cfg.Board.Repo = repo
		}
	}
	if v := os.Getenv("JIRA_BASE_URL"); v != "" {
		cfg.Board.Backend = "jira"
		cfg.Board.BaseURL = v
	}
	if v := os.Getenv("JIRA_EMAIL"); v != "" {
		cfg.Board.Email = v
	}
	if v := os.Getenv("FLEET_ROLE"); v != "" {
		cfg.Fleet.Role = v
	}
	if v := os.Getenv("FLEET_LABEL"); v != "" {
		cfg.Fleet.Label = v
	}
	if v := os.Getenv("FLEET_PRIORITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.Priority = n
		}
	}
	if v := os.Getenv("FLEET_STATE_ROOT"); v != "" {
		cfg.Fleet.StateRoot = v
	}
}

// parseExecutorsEnv parses "CODEX:DEFAULT:50,COPILOT:VARIANT:50" into ExecutorConfig entries.
func parseExecutorsEnv(v string) ([]ExecutorConfig, error) {
	var out []ExecutorConfig
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid EXECUTORS entry %q", entry)
		}
		weight, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid weight in EXECUTORS entry %q: %w", entry, err)
		}
		sdk := strings.ToLower(strings.TrimSpace(parts[0]))
		variant := strings.TrimSpace(parts[1])
		out = append(out, ExecutorConfig{
			Name:    sdk + ":" + variant,
			SDK:     sdk,
			Variant: variant,
			Weight:  weight,
			Role:    "primary",
			Enabled: true,
		})
	}
	if len(out) > 0 {
		out[0].Role = "primary"
		for i := 1; i < len(out); i++ {
			out[i].Role = "backup"
		}
	}
	return out, nil
}

// parseScopeMapEnv parses "fix=origin/main,infra=origin/release" into a scope map.
func parseScopeMapEnv(v string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}
