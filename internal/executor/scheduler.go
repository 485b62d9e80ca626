// Package executor is the Executor Scheduler: it maintains the list of
// configured (sdk, variant, weight, role) executors and returns one per
// dispatch, tracking per-executor consecutive failures and cooling an
// executor down once it fails too often in a row.
package executor

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/boshu2/codex-monitor/internal/config"
)

// Strategy selects how Next picks among enabled, non-cooling-down executors.
type Strategy string

const (
	StrategyPrimaryOnly Strategy = "primary-only"
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyWeighted    Strategy = "weighted"
)

// FailoverOrder selects how GetFailover orders candidates excluding the
// current executor.
type FailoverOrder string

const (
	FailoverNextInLine   FailoverOrder = "next-in-line"
	FailoverWeightedRand FailoverOrder = "weighted-random"
)

// state tracks one executor's runtime health.
type state struct {
	cfg               config.ExecutorConfig
	consecutiveFails  int
	cooldownUntil     time.Time
}

func (s *state) inCooldown(now time.Time) bool {
	return now.Before(s.cooldownUntil)
}

// Scheduler selects an Executor per dispatch and records failures.
type Scheduler struct {
	mu       sync.Mutex
	order    []string // insertion order, for round-robin and role priority
	states   map[string]*state
	rrCursor int

	strategy      Strategy
	failoverOrder FailoverOrder
	disableAfter  int
	cooldown      time.Duration
}

// New constructs a Scheduler from the configured executor list and failover
// policy. Executors with Enabled=false are registered but never selected.
func New(executors []config.ExecutorConfig, failover config.FailoverConfig) *Scheduler {
	s := &Scheduler{
		states:        make(map[string]*state, len(executors)),
		strategy:      Strategy(failover.Strategy),
		failoverOrder: FailoverOrder(failover.FailoverOrder),
		disableAfter:  failover.DisableAfter,
		cooldown:      failover.CooldownMin,
	}
	if s.strategy == "" {
		s.strategy = StrategyPrimaryOnly
	}
	if s.failoverOrder == "" {
		s.failoverOrder = FailoverNextInLine
	}
	for _, e := range executors {
		s.order = append(s.order, e.Name)
		s.states[e.Name] = &state{cfg: e}
	}
	return s
}

func (s *Scheduler) eligible(now time.Time) []*state {
	var out []*state
	for _, name := range s.order {
		st := s.states[name]
		if !st.cfg.Enabled {
			continue
		}
		if st.inCooldown(now) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Next returns the executor config chosen by the scheduler's strategy.
func (s *Scheduler) Next() (config.ExecutorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	candidates := s.eligible(now)
	if len(candidates) == 0 {
		return s.resetAndReturnPrimaryLocked()
	}

	switch s.strategy {
	case StrategyRoundRobin:
		st := candidates[s.rrCursor%len(candidates)]
		s.rrCursor++
		return st.cfg, nil
	case StrategyWeighted:
		return weightedPick(candidates).cfg, nil
	default: // primary-only
		return candidates[0].cfg, nil
	}
}

// resetAndReturnPrimaryLocked implements "if all executors are disabled the
// cache is cleared and the primary is returned" — called with s.mu held.
func (s *Scheduler) resetAndReturnPrimaryLocked() (config.ExecutorConfig, error) {
	for _, st := range s.states {
		st.consecutiveFails = 0
		st.cooldownUntil = time.Time{}
	}
	if len(s.order) == 0 {
		return config.ExecutorConfig{}, fmt.Errorf("executor: no executors configured")
	}
	return s.states[s.order[0]].cfg, nil
}

func weightedPick(candidates []*state) *state {
	total := 0
	for _, st := range candidates {
		w := st.cfg.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	r := rand.Intn(total)
	for _, st := range candidates {
		w := st.cfg.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			return st
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

// RecordFailure increments name's consecutive-failure counter; once it
// reaches disableAfter, the executor enters cooldown and the counter resets.
func (s *Scheduler) RecordFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return
	}
	st.consecutiveFails++
	if s.disableAfter > 0 && st.consecutiveFails >= s.disableAfter {
		st.cooldownUntil = time.Now().Add(s.cooldown)
		st.consecutiveFails = 0
	}
}

// RecordSuccess resets name's consecutive-failure counter.
func (s *Scheduler) RecordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok {
		st.consecutiveFails = 0
	}
}

// GetFailover returns the next executor excluding currentName, ordered by
// the configured FailoverOrder. It never returns currentName.
func (s *Scheduler) GetFailover(currentName string) (config.ExecutorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*state
	for _, st := range s.eligible(now) {
		if st.cfg.Name != currentName {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return config.ExecutorConfig{}, fmt.Errorf("executor: no failover candidate available for %s", currentName)
	}

	switch s.failoverOrder {
	case FailoverWeightedRand:
		return weightedPick(candidates).cfg, nil
	default: // next-in-line, ordered by role priority then insertion order
		sort.SliceStable(candidates, func(i, j int) bool {
			return rolePriority(candidates[i].cfg.Role) < rolePriority(candidates[j].cfg.Role)
		})
		return candidates[0].cfg, nil
	}
}

func rolePriority(role string) int {
	switch role {
	case "primary":
		return 0
	case "secondary", "backup":
		return 1
	case "tertiary":
		return 2
	default:
		return 3
	}
}
