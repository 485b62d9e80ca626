// Package routing resolves a task's base branch from its conventional-commit
// scope: the scope selects the upstream via the configured scope map,
// falling back to the default branch. Routing is consulted once per attempt
// to pick the base branch passed to the Worktree Manager.
package routing

import (
	"github.com/boshu2/codex-monitor/internal/config"
)

// Router resolves scopes to base branches and exposes the attempt-level
// toggles that ride alongside routing configuration.
type Router struct {
	scopeMap          map[string]string
	defaultBranch     string
	autoRebase        bool
	sdkAssistedAssess bool
}

// New constructs a Router from the routing config section.
func New(cfg config.RoutingConfig) *Router {
	scopeMap := cfg.ScopeMap
	if scopeMap == nil {
		scopeMap = map[string]string{}
	}
	defaultBranch := cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "origin/main"
	}
	return &Router{
		scopeMap:          scopeMap,
		defaultBranch:     defaultBranch,
		autoRebase:        cfg.AutoRebase,
		sdkAssistedAssess: cfg.SDKAssistedAssess,
	}
}

// BaseBranchForScope returns the upstream branch scope routes to, falling
// back to the configured default branch when scope is empty or unmapped.
func (r *Router) BaseBranchForScope(scope string) string {
	if scope == "" {
		return r.defaultBranch
	}
	if branch, ok := r.scopeMap[scope]; ok {
		return branch
	}
	return r.defaultBranch
}

// AutoRebase reports whether rebase-onto-upstream should run automatically.
func (r *Router) AutoRebase() bool { return r.autoRebase }

// SDKAssistedAssess reports whether the assessor may fall through to an
// AI-driven assessTask call rather than staying purely heuristic.
func (r *Router) SDKAssistedAssess() bool { return r.sdkAssistedAssess }
