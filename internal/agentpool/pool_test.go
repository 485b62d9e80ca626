package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boshu2/codex-monitor/internal/agent"
	"github.com/boshu2/codex-monitor/internal/agent/event"
	"github.com/boshu2/codex-monitor/internal/config"
	"github.com/boshu2/codex-monitor/internal/threadregistry"
)

// fakeAdapter is a controllable agent.Adapter for pool tests.
type fakeAdapter struct {
	name        string
	resolveErr  error
	launchFn    func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error)
	resumeFn    func(ctx context.Context, threadID string, lc agent.LaunchContext) (*agent.Result, error)
	launchCalls int
	mu          sync.Mutex
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Resolve(ctx context.Context) error { return f.resolveErr }

func (f *fakeAdapter) Launch(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
	f.mu.Lock()
	f.launchCalls++
	f.mu.Unlock()
	return f.launchFn(ctx, lc)
}

func (f *fakeAdapter) Resume(ctx context.Context, threadID string, lc agent.LaunchContext) (*agent.Result, error) {
	if f.resumeFn != nil {
		return f.resumeFn(ctx, threadID, lc)
	}
	return f.Launch(ctx, lc)
}

func registerFake(t *testing.T, a *fakeAdapter) {
	t.Helper()
	agent.Register(a.name, func() agent.Adapter { return a })
}

func testConfig(chain ...string) config.AgentPoolConfig {
	return config.AgentPoolConfig{
		FallbackChain:     chain,
		HardTimeoutBuffer: 50 * time.Millisecond,
		MaxThreadTurns:    30,
	}
}

func newTestRegistry(t *testing.T) *threadregistry.Registry {
	t.Helper()
	r := threadregistry.New(t.TempDir()+"/threads.json", threadregistry.Expiry{MaxTurns: 30})
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestLaunchEphemeralSuccess(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: "hello world"}, nil
	}}
	registerFake(t, fake)

	p := New(testConfig(name), newTestRegistry(t))
	res, err := p.LaunchEphemeral(context.Background(), "do thing", "/tmp", time.Second, Options{TaskKey: "t1"})
	if err != nil {
		t.Fatalf("LaunchEphemeral: %v", err)
	}
	if !res.Success || res.Output != "hello world" || res.SDK != name {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestLaunchEphemeralEmptyOutputUsesPlaceholder(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: ""}, nil
	}}
	registerFake(t, fake)

	p := New(testConfig(name), newTestRegistry(t))
	res, err := p.LaunchEphemeral(context.Background(), "do thing", "/tmp", time.Second, Options{TaskKey: "t1"})
	if err != nil {
		t.Fatalf("LaunchEphemeral: %v", err)
	}
	if res.Output != NoTextPlaceholder {
		t.Errorf("Output = %q, want placeholder", res.Output)
	}
}

func TestResolveSDKFallsThroughUnavailablePrimary(t *testing.T) {
	primary := uniqueName("codex")
	secondary := uniqueName("copilot")
	fakePrimary := &fakeAdapter{name: primary, resolveErr: agent.ErrAdapterUnavailable}
	fakeSecondary := &fakeAdapter{name: secondary, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: "from secondary"}, nil
	}}
	registerFake(t, fakePrimary)
	registerFake(t, fakeSecondary)

	p := New(testConfig(primary, secondary), newTestRegistry(t))
	res, err := p.LaunchEphemeral(context.Background(), "prompt", "/tmp", time.Second, Options{TaskKey: "t1"})
	if err != nil {
		t.Fatalf("LaunchEphemeral: %v", err)
	}
	if res.SDK != secondary {
		t.Errorf("SDK = %q, want %q", res.SDK, secondary)
	}
}

func TestResolveSDKExplicitArgWins(t *testing.T) {
	primary := uniqueName("codex")
	explicit := uniqueName("claude")
	fakePrimary := &fakeAdapter{name: primary, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: "primary"}, nil
	}}
	fakeExplicit := &fakeAdapter{name: explicit, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: "explicit"}, nil
	}}
	registerFake(t, fakePrimary)
	registerFake(t, fakeExplicit)

	p := New(testConfig(primary), newTestRegistry(t))
	res, err := p.LaunchEphemeral(context.Background(), "prompt", "/tmp", time.Second, Options{TaskKey: "t1", SDK: explicit})
	if err != nil {
		t.Fatalf("LaunchEphemeral: %v", err)
	}
	if res.SDK != explicit {
		t.Errorf("SDK = %q, want explicit %q", res.SDK, explicit)
	}
}

func TestLaunchEphemeralNoSDKAvailable(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, resolveErr: agent.ErrAdapterUnavailable}
	registerFake(t, fake)

	p := New(testConfig(name), newTestRegistry(t))
	_, err := p.LaunchEphemeral(context.Background(), "prompt", "/tmp", time.Second, Options{TaskKey: "t1"})
	if !errors.Is(err, ErrNoSDKAvailable) {
		t.Errorf("err = %v, want ErrNoSDKAvailable", err)
	}
}

func TestLaunchOrResumeRegistersNewThread(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: "turn one", ThreadID: "thread-1"}, nil
	}}
	registerFake(t, fake)

	registry := newTestRegistry(t)
	p := New(testConfig(name), registry)

	res, err := p.LaunchOrResume(context.Background(), "prompt", "/tmp", time.Second, Options{TaskKey: "task-a"})
	if err != nil {
		t.Fatalf("LaunchOrResume: %v", err)
	}
	if res.Resumed {
		t.Error("first call should not be Resumed")
	}
	stored, ok := registry.Get("task-a")
	if !ok || !stored.Alive {
		t.Fatalf("expected a live thread registered for task-a, got %+v ok=%v", stored, ok)
	}
}

func TestLaunchOrResumeContinuesLiveThread(t *testing.T) {
	name := uniqueName("codex")
	resumeCalls := 0
	fake := &fakeAdapter{
		name: name,
		launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
			return &agent.Result{Output: "turn one", ThreadID: "thread-1"}, nil
		},
		resumeFn: func(ctx context.Context, threadID string, lc agent.LaunchContext) (*agent.Result, error) {
			resumeCalls++
			return &agent.Result{Output: "turn two"}, nil
		},
	}
	registerFake(t, fake)

	registry := newTestRegistry(t)
	p := New(testConfig(name), registry)

	if _, err := p.LaunchOrResume(context.Background(), "first", "/tmp", time.Second, Options{TaskKey: "task-a"}); err != nil {
		t.Fatalf("first LaunchOrResume: %v", err)
	}
	res, err := p.LaunchOrResume(context.Background(), "second", "/tmp", time.Second, Options{TaskKey: "task-a"})
	if err != nil {
		t.Fatalf("second LaunchOrResume: %v", err)
	}
	if !res.Resumed {
		t.Error("second call should be Resumed")
	}
	if resumeCalls != 1 {
		t.Errorf("resumeCalls = %d, want 1", resumeCalls)
	}
	if res.Output != "turn two" {
		t.Errorf("Output = %q, want turn two", res.Output)
	}
}

func TestExecWithRetryRetriesAndSucceeds(t *testing.T) {
	name := uniqueName("codex")
	attempts := 0
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient failure")
		}
		return &agent.Result{Output: "recovered"}, nil
	}}
	registerFake(t, fake)

	registry := newTestRegistry(t)
	p := New(testConfig(name), registry)

	res, err := p.ExecWithRetry(context.Background(), "prompt", "/tmp", time.Second, RetryOptions{
		Options:     Options{TaskKey: "task-retry"},
		MaxRetries:  2,
	})
	if err != nil {
		t.Fatalf("ExecWithRetry: %v", err)
	}
	if res.Output != "recovered" {
		t.Errorf("Output = %q, want recovered", res.Output)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestExecWithRetryExhausted(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return nil, errors.New("permanent failure")
	}}
	registerFake(t, fake)

	p := New(testConfig(name), newTestRegistry(t))
	_, err := p.ExecWithRetry(context.Background(), "prompt", "/tmp", time.Second, RetryOptions{
		Options:    Options{TaskKey: "task-retry-2"},
		MaxRetries: 1,
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("err = %v, want ErrRetriesExhausted", err)
	}
}

func TestHardTimeoutBreaksOutOfHangingAdapter(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	registerFake(t, fake)

	cfg := testConfig(name)
	cfg.HardTimeoutBuffer = 20 * time.Millisecond
	p := New(cfg, newTestRegistry(t))

	start := time.Now()
	_, err := p.LaunchEphemeral(context.Background(), "prompt", "/tmp", 20*time.Millisecond, Options{TaskKey: "t1"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("hard timeout took too long: %v", elapsed)
	}
}

func TestEventForwardingSwallowsCallbackPanic(t *testing.T) {
	name := uniqueName("codex")
	fake := &fakeAdapter{name: name, launchFn: func(ctx context.Context, lc agent.LaunchContext) (*agent.Result, error) {
		return &agent.Result{Output: "ok"}, nil
	}}
	registerFake(t, fake)

	p := New(testConfig(name), newTestRegistry(t))
	onEvent := func(e *event.Event) { panic("boom") }
	res, err := p.LaunchEphemeral(context.Background(), "prompt", "/tmp", time.Second, Options{TaskKey: "t1", OnEvent: onEvent})
	if err != nil {
		t.Fatalf("LaunchEphemeral should not fail despite panicking callback: %v", err)
	}
	if !res.Success {
		t.Error("expected success despite panicking callback")
	}
}

func TestGetAvailableFiltersUnavailable(t *testing.T) {
	a := uniqueName("codex")
	b := uniqueName("copilot")
	fakeA := &fakeAdapter{name: a}
	fakeB := &fakeAdapter{name: b, resolveErr: agent.ErrAdapterUnavailable}
	registerFake(t, fakeA)
	registerFake(t, fakeB)

	p := New(testConfig(a, b), newTestRegistry(t))
	available := p.GetAvailable(context.Background())
	if len(available) != 1 || available[0] != a {
		t.Errorf("GetAvailable = %v, want [%s]", available, a)
	}
}

var nameCounter int
var nameMu sync.Mutex

// uniqueName avoids collisions across tests sharing agent's global registry.
func uniqueName(prefix string) string {
	nameMu.Lock()
	defer nameMu.Unlock()
	nameCounter++
	return fmt.Sprintf("%s-%d", prefix, nameCounter)
}
