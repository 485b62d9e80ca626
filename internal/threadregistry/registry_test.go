package threadregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultExpiry() Expiry {
	return Expiry{
		MaxTurns:       30,
		MaxAbsoluteAge: 8 * time.Hour,
		MaxIdleAge:     4 * time.Hour,
	}
}

func newThread(taskKey string) *Thread {
	now := time.Now()
	return &Thread{
		TaskKey:    taskKey,
		SDK:        "codex",
		ThreadID:   "th-" + taskKey,
		WorkingDir: "/tmp/wt-" + taskKey,
		Turns:      1,
		CreatedAt:  now,
		LastUsedAt: now,
		Alive:      true,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-registry.json")
	r := New(path, defaultExpiry())
	require.NoError(t, r.Load())

	require.NoError(t, r.Put(newThread("T1")))

	got, ok := r.Get("T1")
	require.True(t, ok)
	assert.Equal(t, "codex", got.SDK)
	assert.True(t, got.Alive)
}

func TestLoadRestoresPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-registry.json")
	r1 := New(path, defaultExpiry())
	require.NoError(t, r1.Load())
	require.NoError(t, r1.Put(newThread("T1")))
	require.NoError(t, r1.Put(newThread("T2")))

	r2 := New(path, defaultExpiry())
	require.NoError(t, r2.Load())
	_, ok1 := r2.Get("T1")
	_, ok2 := r2.Get("T2")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestSaveLoadSaveIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-registry.json")
	r1 := New(path, defaultExpiry())
	require.NoError(t, r1.Load())
	require.NoError(t, r1.Put(newThread("T1")))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	r2 := New(path, defaultExpiry())
	require.NoError(t, r2.Load())
	th, ok := r2.Get("T1")
	require.True(t, ok)
	require.NoError(t, r2.Put(th))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "write -> load -> write must be byte-identical")
}

func TestLoadMarksExpiredRecordsDead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-registry.json")
	r1 := New(path, defaultExpiry())
	require.NoError(t, r1.Load())

	exhausted := newThread("exhausted")
	exhausted.Turns = 30
	require.NoError(t, r1.Put(exhausted))

	tooOld := newThread("too-old")
	tooOld.CreatedAt = time.Now().Add(-9 * time.Hour)
	require.NoError(t, r1.Put(tooOld))

	idle := newThread("idle")
	idle.LastUsedAt = time.Now().Add(-5 * time.Hour)
	require.NoError(t, r1.Put(idle))

	fresh := newThread("fresh")
	require.NoError(t, r1.Put(fresh))

	r2 := New(path, defaultExpiry())
	require.NoError(t, r2.Load())

	for _, key := range []string{"exhausted", "too-old", "idle"} {
		th, ok := r2.Get(key)
		require.True(t, ok, key)
		assert.False(t, th.Alive, "%s must be dead after load-time filtering", key)
	}
	th, ok := r2.Get("fresh")
	require.True(t, ok)
	assert.True(t, th.Alive)
	assert.Len(t, r2.ListActive(), 1)
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	r := New(path, defaultExpiry())
	require.NoError(t, r.Load())
	assert.Empty(t, r.ListActive())

	// The next mutation rewrites the file cleanly.
	require.NoError(t, r.Put(newThread("T1")))
	r2 := New(path, defaultExpiry())
	require.NoError(t, r2.Load())
	_, ok := r2.Get("T1")
	assert.True(t, ok)
}

func TestRecordTurnIncrements(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "reg.json"), defaultExpiry())
	require.NoError(t, r.Load())
	require.NoError(t, r.Put(newThread("T1")))

	require.NoError(t, r.RecordTurn("T1"))
	th, _ := r.Get("T1")
	assert.Equal(t, 2, th.Turns)
}

func TestInvalidateKeepsRecordForAudit(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "reg.json"), defaultExpiry())
	require.NoError(t, r.Load())
	require.NoError(t, r.Put(newThread("T1")))

	require.NoError(t, r.Invalidate("T1", "session retry cap"))
	th, ok := r.Get("T1")
	require.True(t, ok)
	assert.False(t, th.Alive)
	assert.Equal(t, "session retry cap", th.LastError)
	assert.Empty(t, r.ListActive())
}

func TestIsExpiredThresholds(t *testing.T) {
	exp := defaultExpiry()
	now := time.Now()

	fresh := &Thread{Turns: 29, CreatedAt: now, LastUsedAt: now}
	assert.False(t, IsExpired(fresh, exp))

	assert.True(t, IsExpired(&Thread{Turns: 30, CreatedAt: now, LastUsedAt: now}, exp))
	assert.True(t, IsExpired(&Thread{Turns: 1, CreatedAt: now.Add(-9 * time.Hour), LastUsedAt: now}, exp))
	assert.True(t, IsExpired(&Thread{Turns: 1, CreatedAt: now, LastUsedAt: now.Add(-5 * time.Hour)}, exp))
}

func TestPruneRemovesExpired(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "reg.json"), defaultExpiry())
	require.NoError(t, r.Load())

	stale := newThread("stale")
	stale.Turns = 30
	require.NoError(t, r.Put(stale))
	require.NoError(t, r.Put(newThread("fresh")))

	removed, err := r.Prune(defaultExpiry())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, removed)

	_, ok := r.Get("stale")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}
