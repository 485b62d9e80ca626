package routing

import (
	"testing"

	"github.com/boshu2/codex-monitor/internal/config"
)

func TestBaseBranchForScopeUsesMap(t *testing.T) {
	r := New(config.RoutingConfig{
		ScopeMap:      map[string]string{"api": "origin/release/api"},
		DefaultBranch: "origin/main",
	})
	if got := r.BaseBranchForScope("api"); got != "origin/release/api" {
		t.Errorf("BaseBranchForScope(api) = %q, want origin/release/api", got)
	}
}

func TestBaseBranchForScopeFallsBackToDefault(t *testing.T) {
	r := New(config.RoutingConfig{
		ScopeMap:      map[string]string{"api": "origin/release/api"},
		DefaultBranch: "origin/main",
	})
	if got := r.BaseBranchForScope("unmapped"); got != "origin/main" {
		t.Errorf("BaseBranchForScope(unmapped) = %q, want origin/main", got)
	}
	if got := r.BaseBranchForScope(""); got != "origin/main" {
		t.Errorf("BaseBranchForScope(\"\") = %q, want origin/main", got)
	}
}

func TestNewDefaultsWhenUnset(t *testing.T) {
	r := New(config.RoutingConfig{})
	if got := r.BaseBranchForScope("anything"); got != "origin/main" {
		t.Errorf("default branch = %q, want origin/main", got)
	}
}

func TestTogglesReadThrough(t *testing.T) {
	r := New(config.RoutingConfig{AutoRebase: true, SDKAssistedAssess: false})
	if !r.AutoRebase() {
		t.Error("AutoRebase() = false, want true")
	}
	if r.SDKAssistedAssess() {
		t.Error("SDKAssistedAssess() = true, want false")
	}
}
