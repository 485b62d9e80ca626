// Package threadregistry persists the mapping from a task's stable key to
// its resumable agent thread, so a multi-turn task can continue the same
// conversation across scheduler polls instead of starting from scratch.
package threadregistry

import (
	"sync"
	"time"

	"github.com/boshu2/codex-monitor/internal/jsonfile"
)

// Thread records one resumable conversation bound to a task key.
type Thread struct {
	TaskKey    string    `json:"task_key"`
	SDK        string    `json:"sdk"`
	ThreadID   string    `json:"thread_id"`
	WorkingDir string    `json:"working_dir"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	LastError  string    `json:"last_error,omitempty"`
	// Alive is false once the thread has been invalidated by ForceNew or by
	// Load's expiry filter; a false record is never resumed, only replaced.
	Alive bool `json:"alive"`
}

type state struct {
	Threads map[string]*Thread `json:"threads"`
}

// Registry is the persisted taskKey -> Thread table.
type Registry struct {
	store *jsonfile.Store
	exp   Expiry

	mu    sync.Mutex
	state state
}

// New constructs a Registry persisted at path, enforcing exp's thresholds
// on every Load.
func New(path string, exp Expiry) *Registry {
	return &Registry{
		store: jsonfile.New(path),
		exp:   exp,
		state: state{Threads: make(map[string]*Thread)},
	}
}

// Load reads the persisted table from disk. A missing or corrupt file
// starts the registry empty rather than failing. Any record that no longer
// satisfies the registry's Expiry thresholds is marked dead and the file
// is rewritten, so a restart never resumes an exhausted thread.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var loaded state
	if err := r.store.Load(&loaded); err != nil {
		r.state = state{Threads: make(map[string]*Thread)}
		return nil
	}
	if loaded.Threads == nil {
		loaded.Threads = make(map[string]*Thread)
	}
	r.state = loaded

	dirty := false
	for _, t := range r.state.Threads {
		if t.Alive && IsExpired(t, r.exp) {
			t.Alive = false
			dirty = true
		}
	}
	if dirty {
		return r.store.Save(&r.state)
	}
	return nil
}

// Get returns the thread registered for taskKey, if any.
func (r *Registry) Get(taskKey string) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.Threads[taskKey]
	return t, ok
}

// Put records or updates the thread for taskKey and persists the table.
// Exactly one thread is ever recorded per taskKey, so a task is never
// resumed by two different threads concurrently; callers serialize their
// mutations to one taskKey.
func (r *Registry) Put(t *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Threads[t.TaskKey] = t
	return r.store.Save(&r.state)
}

// RecordTurn increments the turn counter and bumps LastUsedAt for taskKey.
func (r *Registry) RecordTurn(taskKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.Threads[taskKey]
	if !ok {
		return nil
	}
	t.Turns++
	t.LastUsedAt = time.Now()
	return r.store.Save(&r.state)
}

// Delete removes the thread registered for taskKey.
func (r *Registry) Delete(taskKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state.Threads, taskKey)
	return r.store.Save(&r.state)
}

// Invalidate marks the thread for taskKey dead without removing its record,
// so a subsequent Get still returns it (e.g. for audit) but Alive is false.
func (r *Registry) Invalidate(taskKey, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.Threads[taskKey]
	if !ok {
		return nil
	}
	t.Alive = false
	t.LastError = reason
	return r.store.Save(&r.state)
}

// ForceNew is the only supported way to abandon a still-alive thread: it
// invalidates the current record (if any) under reason, leaving a clear
// audit trail, then lets the caller Put a fresh Thread for the same or a
// new taskKey without the prior record's history mingling.
func (r *Registry) ForceNew(taskKey, reason string) error {
	return r.Invalidate(taskKey, reason)
}

// Clear removes every record from the registry.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Threads = make(map[string]*Thread)
	return r.store.Save(&r.state)
}

// ListActive returns every thread currently marked Alive.
func (r *Registry) ListActive() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Thread
	for _, t := range r.state.Threads {
		if t.Alive {
			out = append(out, t)
		}
	}
	return out
}

// Expiry bundles the thresholds that determine when a thread must be
// retired in favor of a fresh one.
type Expiry struct {
	MaxTurns       int
	MaxAbsoluteAge time.Duration
	MaxIdleAge     time.Duration
}

// IsExpired reports whether t has exceeded any of exp's thresholds.
func IsExpired(t *Thread, exp Expiry) bool {
	if exp.MaxTurns > 0 && t.Turns >= exp.MaxTurns {
		return true
	}
	now := time.Now()
	if exp.MaxAbsoluteAge > 0 && now.Sub(t.CreatedAt) > exp.MaxAbsoluteAge {
		return true
	}
	if exp.MaxIdleAge > 0 && now.Sub(t.LastUsedAt) > exp.MaxIdleAge {
		return true
	}
	return false
}

// Prune deletes every thread that exceeds exp's thresholds and returns the
// task keys it removed.
func (r *Registry) Prune(exp Expiry) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for key, t := range r.state.Threads {
		if IsExpired(t, exp) {
			removed = append(removed, key)
			delete(r.state.Threads, key)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, r.store.Save(&r.state)
}
