package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.StateDir != ".codex-monitor" {
		t.Errorf("Default StateDir = %q, want %q", cfg.StateDir, ".codex-monitor")
	}
	if cfg.AgentPool.MaxThreadTurns != 30 {
		t.Errorf("Default MaxThreadTurns = %d, want 30", cfg.AgentPool.MaxThreadTurns)
	}
	if cfg.AgentPool.ThreadMaxAbsoluteAge != 8*time.Hour {
		t.Errorf("Default ThreadMaxAbsoluteAge = %v, want 8h", cfg.AgentPool.ThreadMaxAbsoluteAge)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("Default PollInterval = %v, want 30s", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.HeartbeatInterval != 60*time.Second {
		t.Errorf("Default HeartbeatInterval = %v, want 60s", cfg.Scheduler.HeartbeatInterval)
	}
	if cfg.Scheduler.StaleThreshold != 10*time.Minute {
		t.Errorf("Default StaleThreshold = %v, want 10m", cfg.Scheduler.StaleThreshold)
	}
	if cfg.Fleet.TTL != 5*time.Minute {
		t.Errorf("Default Fleet.TTL = %v, want 5m", cfg.Fleet.TTL)
	}
	if len(cfg.AgentPool.FallbackChain) != 3 {
		t.Errorf("Default FallbackChain len = %d, want 3", len(cfg.AgentPool.FallbackChain))
	}
}

func TestMerge(t *testing.T) {
	dst := Default()
	src := &Config{
		StateDir: "/custom/state",
		AgentPool: AgentPoolConfig{
			MaxThreadTurns: 50,
		},
	}

	result := merge(dst, src)

	if result.StateDir != "/custom/state" {
		t.Errorf("merge StateDir = %q, want %q", result.StateDir, "/custom/state")
	}
	if result.AgentPool.MaxThreadTurns != 50 {
		t.Errorf("merge MaxThreadTurns = %d, want 50", result.AgentPool.MaxThreadTurns)
	}
	// Defaults should be preserved when not overridden.
	if result.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("merge preserved PollInterval = %v, want 30s", result.Scheduler.PollInterval)
	}
}

func TestApplyEnvExecutors(t *testing.T) {
	t.Setenv("EXECUTORS", "codex:default:50,copilot:variant:50")
	cfg := Default()
	applyEnv(cfg)

	if len(cfg.Executors) != 2 {
		t.Fatalf("applyEnv Executors len = %d, want 2", len(cfg.Executors))
	}
	if cfg.Executors[0].SDK != "codex" || cfg.Executors[0].Role != "primary" {
		t.Errorf("first executor = %+v, want sdk=codex role=primary", cfg.Executors[0])
	}
	if cfg.Executors[1].Role != "backup" {
		t.Errorf("second executor role = %q, want backup", cfg.Executors[1].Role)
	}
}

func TestApplyEnvDisabledSDKs(t *testing.T) {
	t.Setenv("CODEX_SDK_DISABLED", "1")
	cfg := Default()
	applyEnv(cfg)

	found := false
	for _, sdk := range cfg.AgentPool.Disabled {
		if sdk == "codex" {
			found = true
		}
	}
	if !found {
		t.Errorf("applyEnv Disabled = %v, want to contain codex", cfg.AgentPool.Disabled)
	}
}

func TestApplyEnvScopeMap(t *testing.T) {
	t.Setenv("BRANCH_ROUTING_SCOPE_MAP", "fix=origin/main,infra=origin/release")
	cfg := Default()
	applyEnv(cfg)

	if cfg.Routing.ScopeMap["fix"] != "origin/main" {
		t.Errorf("ScopeMap[fix] = %q, want origin/main", cfg.Routing.ScopeMap["fix"])
	}
	if cfg.Routing.ScopeMap["infra"] != "origin/release" {
		t.Errorf("ScopeMap[infra] = %q, want origin/release", cfg.Routing.ScopeMap["infra"])
	}
}

func TestLoadFromPathMissingFileIsNotError(t *testing.T) {
	cfg, err := loadFromPath("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("loadFromPath missing file: %v", err)
	}
	if cfg != nil {
		t.Errorf("loadFromPath missing file cfg = %+v, want nil", cfg)
	}
}

func TestLoadFromPathParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("state_dir: /tmp/custom\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("loadFromPath: %v", err)
	}
	if cfg.StateDir != "/tmp/custom" {
		t.Errorf("loadFromPath StateDir = %q, want /tmp/custom", cfg.StateDir)
	}
}
