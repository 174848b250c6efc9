package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pricewatch/warehouse-proxy/pkg/fallback"
)

func testConfig() Config {
	return Config{
		PoolSize:        4,
		TaskTimeout:     time.Second,
		OverallDeadline: 2 * time.Second,
	}
}

// sleepTask resolves with value after delay, or an error when err is set.
func sleepTask(id string, delay time.Duration, value string, err error) Task {
	return Task{
		ID: id,
		Invoke: func(ctx context.Context) (json.RawMessage, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if err != nil {
				return nil, err
			}
			return json.RawMessage(value), nil
		},
	}
}

func TestDispatch_AllSuccess(t *testing.T) {
	d := New(testConfig(), nil, nil)

	outcomes := d.Dispatch(context.Background(), []Task{
		sleepTask("a", 10*time.Millisecond, `{"a":1}`, nil),
		sleepTask("b", 20*time.Millisecond, `{"b":2}`, nil),
		sleepTask("c", 5*time.Millisecond, `{"c":3}`, nil),
	})

	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	for _, id := range []string{"a", "b", "c"} {
		out, ok := outcomes[id]
		if !ok {
			t.Fatalf("missing outcome for %s", id)
		}
		if out.Status != StatusSuccess {
			t.Errorf("%s status = %s, want success", id, out.Status)
		}
	}
	if string(outcomes["b"].Value) != `{"b":2}` {
		t.Errorf("b value = %s (outcomes must match task identity, not arrival order)", outcomes["b"].Value)
	}
}

func TestDispatch_TaskTimeoutWithFallback(t *testing.T) {
	registry := fallback.NewRegistry(nil, fallback.DefaultConfig())
	registry.RegisterStatic("slow.data", json.RawMessage(`{"stale":true}`))

	d := New(testConfig(), registry, nil)

	task := sleepTask("slow", time.Second, `{}`, nil)
	task.Timeout = 50 * time.Millisecond
	task.FallbackID = "slow.data"

	outcomes := d.Dispatch(context.Background(), []Task{task})

	out := outcomes["slow"]
	if out.Status != StatusFallback {
		t.Fatalf("status = %s, want fallback", out.Status)
	}
	if string(out.Value) != `{"stale":true}` {
		t.Errorf("value = %s", out.Value)
	}
}

func TestDispatch_TaskTimeoutWithoutFallback(t *testing.T) {
	d := New(testConfig(), fallback.NewRegistry(nil, fallback.DefaultConfig()), nil)

	task := sleepTask("slow", time.Second, `{}`, nil)
	task.Timeout = 50 * time.Millisecond

	outcomes := d.Dispatch(context.Background(), []Task{task})

	out := outcomes["slow"]
	if out.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", out.Status)
	}
	if !errors.Is(out.Err, ErrTaskTimeout) {
		t.Errorf("err = %v, want ErrTaskTimeout", out.Err)
	}
}

func TestDispatch_FailureWithFallback(t *testing.T) {
	registry := fallback.NewRegistry(nil, fallback.DefaultConfig())
	registry.RegisterStatic("broken.data", json.RawMessage(`[]`))

	d := New(testConfig(), registry, nil)

	task := sleepTask("broken", time.Millisecond, "", errors.New("warehouse exploded"))
	task.FallbackID = "broken.data"

	outcomes := d.Dispatch(context.Background(), []Task{task})

	if outcomes["broken"].Status != StatusFallback {
		t.Errorf("status = %s, want fallback", outcomes["broken"].Status)
	}
}

func TestDispatch_FailureWithoutFallback(t *testing.T) {
	d := New(testConfig(), fallback.NewRegistry(nil, fallback.DefaultConfig()), nil)

	wantErr := errors.New("warehouse exploded")
	outcomes := d.Dispatch(context.Background(), []Task{
		sleepTask("broken", time.Millisecond, "", wantErr),
	})

	out := outcomes["broken"]
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if !errors.Is(out.Err, wantErr) {
		t.Errorf("err = %v, want the invocation error", out.Err)
	}
}

// TestDispatch_OverallDeadline covers the reference scenario: task A
// (timeout 200ms) resolves at 50ms, task B (timeout 500ms, no fallback)
// would resolve at 500ms, overall deadline 300ms. The batch returns at the
// deadline with A live and B timed out.
func TestDispatch_OverallDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.OverallDeadline = 300 * time.Millisecond
	d := New(cfg, fallback.NewRegistry(nil, fallback.DefaultConfig()), nil)

	taskA := sleepTask("a", 50*time.Millisecond, `{"a":1}`, nil)
	taskA.Timeout = 200 * time.Millisecond
	taskB := sleepTask("b", 500*time.Millisecond, `{"b":2}`, nil)
	taskB.Timeout = 500 * time.Millisecond

	start := time.Now()
	outcomes := d.Dispatch(context.Background(), []Task{taskA, taskB})
	elapsed := time.Since(start)

	if elapsed > cfg.OverallDeadline+200*time.Millisecond {
		t.Errorf("Dispatch took %s, want deadline %s + slack", elapsed, cfg.OverallDeadline)
	}

	if outcomes["a"].Status != StatusSuccess {
		t.Errorf("a status = %s, want success", outcomes["a"].Status)
	}
	if outcomes["b"].Status != StatusTimedOut {
		t.Errorf("b status = %s, want timed_out (deadline takes precedence over task timeout)", outcomes["b"].Status)
	}
}

// TestDispatch_DeadlineReturnsOutcomePerTask ensures partial batches are
// never silently dropped, even when every task overruns the deadline while
// queued or running.
func TestDispatch_DeadlineReturnsOutcomePerTask(t *testing.T) {
	cfg := Config{PoolSize: 1, TaskTimeout: time.Second, OverallDeadline: 100 * time.Millisecond}
	d := New(cfg, nil, nil)

	tasks := []Task{
		sleepTask("t1", time.Second, `{}`, nil),
		sleepTask("t2", time.Second, `{}`, nil),
		sleepTask("t3", time.Second, `{}`, nil),
	}

	outcomes := d.Dispatch(context.Background(), tasks)

	if len(outcomes) != len(tasks) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(tasks))
	}
	for _, task := range tasks {
		if outcomes[task.ID].Status != StatusTimedOut {
			t.Errorf("%s status = %s, want timed_out", task.ID, outcomes[task.ID].Status)
		}
	}
}

// TestDispatch_PoolBound verifies the semaphore caps concurrent
// invocations at the configured pool size.
func TestDispatch_PoolBound(t *testing.T) {
	const poolSize = 2

	var inflight, peak int64
	var mu sync.Mutex

	cfg := Config{PoolSize: poolSize, TaskTimeout: time.Second, OverallDeadline: 5 * time.Second}
	d := New(cfg, nil, nil)

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{
			ID: string(rune('a' + i)),
			Invoke: func(ctx context.Context) (json.RawMessage, error) {
				current := atomic.AddInt64(&inflight, 1)
				mu.Lock()
				if current > peak {
					peak = current
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&inflight, -1)
				return json.RawMessage(`{}`), nil
			},
		}
	}

	outcomes := d.Dispatch(context.Background(), tasks)

	if len(outcomes) != len(tasks) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(tasks))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > poolSize {
		t.Errorf("peak concurrency = %d, want <= %d", peak, poolSize)
	}
}

// gateFunc implements Gate for tests.
type gateFunc struct {
	allow    bool
	failures int64
}

func (g *gateFunc) Allow(ctx context.Context) bool    { return g.allow }
func (g *gateFunc) RecordFailure(ctx context.Context) { atomic.AddInt64(&g.failures, 1) }

func TestDispatch_GateShortCircuits(t *testing.T) {
	registry := fallback.NewRegistry(nil, fallback.DefaultConfig())
	registry.RegisterStatic("gated.data", json.RawMessage(`{"degraded":true}`))

	var invoked int64
	d := New(testConfig(), registry, &gateFunc{allow: false})

	outcomes := d.Dispatch(context.Background(), []Task{
		{
			ID:         "gated",
			FallbackID: "gated.data",
			Invoke: func(ctx context.Context) (json.RawMessage, error) {
				atomic.AddInt64(&invoked, 1)
				return json.RawMessage(`{}`), nil
			},
		},
	})

	if atomic.LoadInt64(&invoked) != 0 {
		t.Error("gated task must not reach the warehouse")
	}
	if outcomes["gated"].Status != StatusFallback {
		t.Errorf("status = %s, want fallback", outcomes["gated"].Status)
	}
}

func TestDispatch_GateRecordsFailures(t *testing.T) {
	gate := &gateFunc{allow: true}
	d := New(testConfig(), nil, gate)

	task := sleepTask("broken", time.Millisecond, "", errors.New("boom"))
	d.Dispatch(context.Background(), []Task{task})

	if atomic.LoadInt64(&gate.failures) != 1 {
		t.Errorf("recorded failures = %d, want 1", gate.failures)
	}
}

func TestDispatch_AbandonedInvokeDoesNotBlockReturn(t *testing.T) {
	cfg := Config{PoolSize: 2, TaskTimeout: 50 * time.Millisecond, OverallDeadline: time.Second}
	d := New(cfg, nil, nil)

	release := make(chan struct{})
	task := Task{
		ID: "stuck",
		Invoke: func(ctx context.Context) (json.RawMessage, error) {
			// Ignores ctx entirely, like a driver without cancellation support
			<-release
			return json.RawMessage(`{}`), nil
		},
	}

	start := time.Now()
	outcomes := d.Dispatch(context.Background(), []Task{task})
	elapsed := time.Since(start)
	close(release)

	if outcomes["stuck"].Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", outcomes["stuck"].Status)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Dispatch blocked %s on an uncancellable invoke", elapsed)
	}
}
