// Package worktree manages a registry of sibling git worktrees checked out
// to automation branches, one per in-flight task. It generalizes a single
// detached-worktree-per-invocation model into a pool of many concurrently
// active branch worktrees, each guarded by a per-branch lock so two attempts
// on the same branch never race.
package worktree

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/boshu2/codex-monitor/internal/jsonfile"
	"github.com/boshu2/codex-monitor/internal/worker"
)

// Status describes the lifecycle state of a registered worktree.
type Status string

const (
	// StatusActive means a task currently holds the worktree.
	StatusActive Status = "active"
	// StatusIdle means the worktree exists but no task currently holds it.
	StatusIdle Status = "idle"
	// StatusZombie means the on-disk path or git's own bookkeeping no longer
	// agrees with the registry entry.
	StatusZombie Status = "zombie"
)

// Entry describes one registered worktree.
type Entry struct {
	Branch     string    `json:"branch"`
	Path       string    `json:"path"`
	RunID      string    `json:"run_id"`
	TaskKey    string    `json:"task_key,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type registryState struct {
	Entries map[string]*Entry `json:"entries"`
}

// Manager owns the worktree registry for a single repository.
type Manager struct {
	repoRoot   string
	baseDir    string
	baseRef    string
	gitTimeout time.Duration
	verbosef   func(string, ...any)

	store *jsonfile.Store

	mu    sync.Mutex
	state registryState

	branchLocks sync.Map // map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithVerbose sets a verbose logging callback.
func WithVerbose(fn func(string, ...any)) Option {
	return func(m *Manager) { m.verbosef = fn }
}

// WithGitTimeout overrides the default per-git-call timeout.
func WithGitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.gitTimeout = d }
}

// NewManager constructs a Manager rooted at repoRoot, with sibling worktrees
// created under baseDir and new branches based on baseRef (e.g. "origin/main").
// The registry is persisted at registryPath via jsonfile.
func NewManager(repoRoot, baseDir, baseRef, registryPath string, opts ...Option) *Manager {
	m := &Manager{
		repoRoot:   repoRoot,
		baseDir:    baseDir,
		baseRef:    baseRef,
		gitTimeout: 30 * time.Second,
		store:      jsonfile.New(registryPath),
		state:      registryState{Entries: make(map[string]*Entry)},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the persisted registry from disk. A missing or corrupt file is
// not an error; the manager starts from an empty registry.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var loaded registryState
	if err := m.store.Load(&loaded); err != nil {
		m.state = registryState{Entries: make(map[string]*Entry)}
		return nil
	}
	if loaded.Entries == nil {
		loaded.Entries = make(map[string]*Entry)
	}
	m.state = loaded
	return nil
}

func (m *Manager) persistLocked() error {
	return m.store.Save(&m.state)
}

func (m *Manager) lockForBranch(branch string) *sync.Mutex {
	lockIface, _ := m.branchLocks.LoadOrStore(branch, &sync.Mutex{})
	return lockIface.(*sync.Mutex)
}

// Acquire returns the worktree for branch, creating one if none exists, and
// marks it active for taskKey. Concurrent Acquire calls for the same branch
// serialize on a per-branch lock; Acquire for different branches run
// concurrently.
func (m *Manager) Acquire(ctx context.Context, branch, taskKey string) (*Entry, error) {
	return m.AcquireFrom(ctx, branch, taskKey, m.baseRef)
}

// AcquireFrom is Acquire with an explicit base ref for the case where
// branch routing picked an upstream other than the manager's default. The
// base ref only matters when the branch does not exist yet; an existing
// worktree or branch is reused as-is.
func (m *Manager) AcquireFrom(ctx context.Context, branch, taskKey, baseRef string) (*Entry, error) {
	if baseRef == "" {
		baseRef = m.baseRef
	}
	lock := m.lockForBranch(branch)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing, ok := m.state.Entries[branch]
	m.mu.Unlock()

	if ok {
		if m.isZombie(ctx, existing) {
			if m.verbosef != nil {
				m.verbosef("worktree for %s is a zombie, recreating\n", branch)
			}
			m.forgetEntry(branch)
		} else {
			if existing.Status == StatusActive && existing.TaskKey != "" && existing.TaskKey != taskKey {
				return nil, fmt.Errorf("%w: branch=%s held by task=%s", ErrWorktreeBusy, branch, existing.TaskKey)
			}
			existing.Status = StatusActive
			existing.TaskKey = taskKey
			existing.LastUsedAt = time.Now()
			m.mu.Lock()
			err := m.persistLocked()
			m.mu.Unlock()
			return existing, err
		}
	}

	path, runID, err := addWorktree(ctx, m.repoRoot, m.baseDir, branch, baseRef, m.gitTimeout)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Branch:     branch,
		Path:       path,
		RunID:      runID,
		TaskKey:    taskKey,
		Status:     StatusActive,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}

	m.mu.Lock()
	m.state.Entries[branch] = entry
	err = m.persistLocked()
	m.mu.Unlock()

	return entry, err
}

// Release marks the worktree for branch idle, making it eligible for reuse
// by a later Acquire or for Prune once it ages out.
func (m *Manager) Release(branch string) error {
	lock := m.lockForBranch(branch)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.state.Entries[branch]
	if !ok {
		return fmt.Errorf("%w: branch=%s", ErrNotFound, branch)
	}
	entry.Status = StatusIdle
	entry.TaskKey = ""
	entry.LastUsedAt = time.Now()
	return m.persistLocked()
}

// ReleaseByPath is Release looked up by worktree path rather than branch.
func (m *Manager) ReleaseByPath(path string) error {
	m.mu.Lock()
	var branch string
	for b, e := range m.state.Entries {
		if e.Path == path {
			branch = b
			break
		}
	}
	m.mu.Unlock()

	if branch == "" {
		return fmt.Errorf("%w: path=%s", ErrNotFound, path)
	}
	return m.Release(branch)
}

// FindForBranch returns the registered entry for branch, if any.
func (m *Manager) FindForBranch(branch string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.Entries[branch]
	return e, ok
}

// isZombie reports whether entry's path no longer exists on disk.
func (m *Manager) isZombie(_ context.Context, entry *Entry) bool {
	if _, err := os.Stat(entry.Path); err != nil {
		return true
	}
	return false
}

func (m *Manager) forgetEntry(branch string) {
	m.mu.Lock()
	delete(m.state.Entries, branch)
	_ = m.persistLocked()
	m.mu.Unlock()
}

// Prune removes idle worktrees older than maxIdle and any zombie entries,
// bounding concurrent git subprocess invocations with a worker pool. It
// returns the branches that were pruned.
func (m *Manager) Prune(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	m.mu.Lock()
	var candidates []string
	now := time.Now()
	for branch, entry := range m.state.Entries {
		if entry.Status == StatusActive {
			continue
		}
		if m.isZombie(ctx, entry) || now.Sub(entry.LastUsedAt) > maxIdle {
			candidates = append(candidates, branch)
		}
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return nil, nil
	}

	results := worker.Map(0, candidates, func(branch string) (string, error) {
		m.mu.Lock()
		entry, ok := m.state.Entries[branch]
		m.mu.Unlock()
		if !ok {
			return branch, nil
		}
		if !m.isZombie(ctx, entry) {
			if err := removeWorktree(ctx, m.repoRoot, entry.Path, m.gitTimeout); err != nil {
				return branch, err
			}
		}
		return branch, nil
	})

	var pruned []string
	var firstErr error
	m.mu.Lock()
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		delete(m.state.Entries, r.Value)
		pruned = append(pruned, r.Value)
	}
	err := m.persistLocked()
	m.mu.Unlock()

	if firstErr == nil {
		firstErr = err
	}
	return pruned, firstErr
}

// GuardBareRepo detects and heals core.bare=true corruption on the main
// repository, which git worktree operations are known to trigger if a
// worktree add races a concurrent config write.
func (m *Manager) GuardBareRepo(ctx context.Context) error {
	corrupted, err := checkBareGuard(ctx, m.repoRoot, m.gitTimeout)
	if err != nil {
		return err
	}
	if !corrupted {
		return nil
	}
	if m.verbosef != nil {
		m.verbosef("detected core.bare=true corruption on %s, healing\n", m.repoRoot)
	}
	return healBareGuard(ctx, m.repoRoot, m.gitTimeout)
}

// Stats summarizes the current pool for status reporting.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Zombie int `json:"zombie"`
}

// PoolStats returns a snapshot of the registry's current composition.
func (m *Manager) PoolStats(ctx context.Context) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, e := range m.state.Entries {
		s.Total++
		switch {
		case m.isZombie(ctx, e):
			s.Zombie++
		case e.Status == StatusActive:
			s.Active++
		default:
			s.Idle++
		}
	}
	return s
}

// List returns a snapshot copy of every registered entry.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.state.Entries))
	for _, e := range m.state.Entries {
		out = append(out, *e)
	}
	return out
}

// PruneCandidates returns the branches Prune would remove right now,
// without touching anything (the dry-run half of the prune contract).
func (m *Manager) PruneCandidates(ctx context.Context, maxIdle time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	now := time.Now()
	for branch, entry := range m.state.Entries {
		if entry.Status == StatusActive {
			continue
		}
		if m.isZombie(ctx, entry) || now.Sub(entry.LastUsedAt) > maxIdle {
			out = append(out, branch)
		}
	}
	return out
}

// EnsureBaseDir creates the sibling worktree base directory if it does not
// already exist.
func (m *Manager) EnsureBaseDir() error {
	return os.MkdirAll(m.baseDir, 0o755)
}

// RepoRoot returns the root of the managed repository.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// BaseDir returns the directory sibling worktrees are created under.
func (m *Manager) BaseDir() string { return m.baseDir }
