package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pricewatch/warehouse-proxy/internal/testutil"
	"github.com/pricewatch/warehouse-proxy/pkg/cache"
	"github.com/pricewatch/warehouse-proxy/pkg/dispatch"
	"github.com/pricewatch/warehouse-proxy/pkg/fallback"
)

// harness wires an orchestrator over an in-memory store with a fast
// dispatcher, mirroring the production composition in cmd.
type harness struct {
	store      *testutil.MemoryStore
	registry   *fallback.Registry
	orch       *Orchestrator
	queryCalls int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{store: testutil.NewMemoryStore()}
	h.registry = fallback.NewRegistry(h.store, fallback.DefaultConfig())

	dispatcher := dispatch.New(dispatch.Config{
		PoolSize:        4,
		TaskTimeout:     200 * time.Millisecond,
		OverallDeadline: time.Second,
	}, h.registry, nil)

	orch, err := New(h.store, dispatcher, h.registry)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.orch = orch
	return h
}

// task returns a counting task resolving with value, or err when set.
func (h *harness) task(id, fallbackID, value string, err error) dispatch.Task {
	return dispatch.Task{
		ID:         id,
		FallbackID: fallbackID,
		Invoke: func(ctx context.Context) (json.RawMessage, error) {
			atomic.AddInt64(&h.queryCalls, 1)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(value), nil
		},
	}
}

func (h *harness) register(t *testing.T, ep Endpoint) {
	t.Helper()
	if err := h.orch.Register(ep); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestResolve_UnknownEndpoint(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Resolve(context.Background(), "nope", nil)
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("err = %v, want ErrUnknownEndpoint", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t)

	tasks := func(cache.Params) []dispatch.Task { return nil }

	tests := []struct {
		name string
		ep   Endpoint
	}{
		{"missing id", Endpoint{TTL: time.Minute, Tasks: tasks}},
		{"zero ttl", Endpoint{ID: "x", Tasks: tasks}},
		{"missing tasks", Endpoint{ID: "x", TTL: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.orch.Register(tt.ep); err == nil {
				t.Error("Register should fail")
			}
		})
	}

	ep := Endpoint{ID: "dup", TTL: time.Minute, Tasks: tasks}
	h.register(t, ep)
	if err := h.orch.Register(ep); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestResolve_MissThenLive(t *testing.T) {
	h := newHarness(t)
	h.register(t, Endpoint{
		ID:  "trending",
		TTL: time.Minute,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{h.task("products", "trending.products", `[{"id":1}]`, nil)}
		},
	})

	result, err := h.orch.Resolve(context.Background(), "trending", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	field := result.Fields["products"]
	if field.Provenance != ProvenanceLive {
		t.Errorf("provenance = %s, want live", field.Provenance)
	}
	if string(field.Value) != `[{"id":1}]` {
		t.Errorf("value = %s", field.Value)
	}
	if result.Degraded() {
		t.Error("fully live result should not be degraded")
	}
	if !h.store.Has(result.Key) {
		t.Error("fully live aggregate should be cached")
	}
}

// TestResolve_CacheHitSkipsWarehouse covers the core property: a cache hit
// produces zero warehouse calls, and the second response is byte-identical
// with provenance cache.
func TestResolve_CacheHitSkipsWarehouse(t *testing.T) {
	h := newHarness(t)
	h.register(t, Endpoint{
		ID:         "price-drops",
		TTL:        time.Minute,
		ParamNames: []string{"timeRange", "category"},
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{h.task("items", "", `[{"id":2,"discount":30}]`, nil)}
		},
	})

	params := cache.Params{"timeRange": "24h"}
	ctx := context.Background()

	first, err := h.orch.Resolve(ctx, "price-drops", params)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	callsAfterFirst := atomic.LoadInt64(&h.queryCalls)

	second, err := h.orch.Resolve(ctx, "price-drops", params)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if got := atomic.LoadInt64(&h.queryCalls); got != callsAfterFirst {
		t.Errorf("warehouse calls = %d after hit, want %d (zero new calls)", got, callsAfterFirst)
	}
	if second.Fields["items"].Provenance != ProvenanceCache {
		t.Errorf("provenance = %s, want cache", second.Fields["items"].Provenance)
	}
	if string(first.Fields["items"].Value) != string(second.Fields["items"].Value) {
		t.Errorf("payload changed across identical requests:\n first=%s\n second=%s",
			first.Fields["items"].Value, second.Fields["items"].Value)
	}
}

// TestResolve_EquivalentParamsShareEntry ensures omission and explicit
// null hit the same cache entry.
func TestResolve_EquivalentParamsShareEntry(t *testing.T) {
	h := newHarness(t)
	h.register(t, Endpoint{
		ID:         "new-arrivals",
		TTL:        time.Minute,
		ParamNames: []string{"timeRange", "minPrice"},
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{h.task("items", "", `[]`, nil)}
		},
	})

	ctx := context.Background()
	if _, err := h.orch.Resolve(ctx, "new-arrivals", cache.Params{"timeRange": "7d", "minPrice": nil}); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	second, err := h.orch.Resolve(ctx, "new-arrivals", cache.Params{"timeRange": "7d"})
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if second.Fields["items"].Provenance != ProvenanceCache {
		t.Errorf("provenance = %s, want cache (equivalent params must share the entry)", second.Fields["items"].Provenance)
	}
}

func TestResolve_FallbackField(t *testing.T) {
	h := newHarness(t)
	h.registry.RegisterStatic("home.stats", json.RawMessage(`{"total_products":"0+"}`))

	h.register(t, Endpoint{
		ID:  "home",
		TTL: time.Hour,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{
				h.task("stats", "home.stats", "", errors.New("warehouse exploded")),
				h.task("retailers", "", `[{"id":9}]`, nil),
			}
		},
	})

	result, err := h.orch.Resolve(context.Background(), "home", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if result.Fields["stats"].Provenance != ProvenanceFallback {
		t.Errorf("stats provenance = %s, want fallback", result.Fields["stats"].Provenance)
	}
	if result.Fields["retailers"].Provenance != ProvenanceLive {
		t.Errorf("retailers provenance = %s, want live", result.Fields["retailers"].Provenance)
	}
	if !result.Degraded() {
		t.Error("result with fallback field should report degraded")
	}
}

// TestResolve_FullyFallbackNotCached: a fully degraded aggregate must
// never be written back, or stale defaults would be served as fresh.
func TestResolve_FullyFallbackNotCached(t *testing.T) {
	h := newHarness(t)
	h.registry.RegisterStatic("deals.items", json.RawMessage(`[]`))

	h.register(t, Endpoint{
		ID:  "top-deals",
		TTL: time.Minute,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{h.task("items", "deals.items", "", errors.New("boom"))}
		},
	})

	result, err := h.orch.Resolve(context.Background(), "top-deals", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Fields["items"].Provenance != ProvenanceFallback {
		t.Fatalf("provenance = %s, want fallback", result.Fields["items"].Provenance)
	}
	if h.store.Has(result.Key) {
		t.Error("fully-fallback aggregate must not be cached")
	}
}

func TestResolve_DegradedErrorField(t *testing.T) {
	h := newHarness(t)
	h.register(t, Endpoint{
		ID:  "mixed",
		TTL: time.Minute,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{
				h.task("good", "", `{"ok":true}`, nil),
				h.task("bad", "", "", errors.New("no fallback registered")),
			}
		},
	})

	result, err := h.orch.Resolve(context.Background(), "mixed", nil)
	if err != nil {
		t.Fatalf("Resolve should return degraded, not fail: %v", err)
	}

	if result.Fields["good"].Provenance != ProvenanceLive {
		t.Errorf("good provenance = %s, want live", result.Fields["good"].Provenance)
	}
	if result.Fields["bad"].Err == nil {
		t.Error("bad field should carry its error")
	}
	if got := result.FailedFields(); len(got) != 1 || got[0] != "bad" {
		t.Errorf("FailedFields = %v, want [bad]", got)
	}
	if h.store.Has(result.Key) {
		t.Error("aggregate with failed fields must not be cached")
	}
}

func TestResolve_AllFieldsFailed(t *testing.T) {
	h := newHarness(t)
	h.register(t, Endpoint{
		ID:  "doomed",
		TTL: time.Minute,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{
				h.task("a", "", "", errors.New("boom")),
				h.task("b", "", "", errors.New("boom")),
			}
		},
	})

	_, err := h.orch.Resolve(context.Background(), "doomed", nil)
	if !errors.Is(err, ErrAllFieldsFailed) {
		t.Errorf("err = %v, want ErrAllFieldsFailed", err)
	}
}

// TestResolve_CacheFailureDegradesToLive: a cache store connection error
// on get must behave as a miss; nothing escapes to the caller.
func TestResolve_CacheFailureDegradesToLive(t *testing.T) {
	h := newHarness(t)
	h.store.FailGets = true
	h.store.FailSets = true

	h.register(t, Endpoint{
		ID:  "trending",
		TTL: time.Minute,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{h.task("products", "", `[]`, nil)}
		},
	})

	result, err := h.orch.Resolve(context.Background(), "trending", nil)
	if err != nil {
		t.Fatalf("Resolve must survive a dead cache store: %v", err)
	}
	if result.Fields["products"].Provenance != ProvenanceLive {
		t.Errorf("provenance = %s, want live", result.Fields["products"].Provenance)
	}
}

// TestResolve_LastKnownGoodRoundTrip: a live success feeds the registry,
// and a later failure of the same task resolves from it.
func TestResolve_LastKnownGoodRoundTrip(t *testing.T) {
	h := newHarness(t)

	var fail atomic.Bool
	h.register(t, Endpoint{
		ID:  "trending",
		TTL: time.Minute,
		Tasks: func(cache.Params) []dispatch.Task {
			return []dispatch.Task{{
				ID:         "products",
				FallbackID: "trending.products",
				Invoke: func(ctx context.Context) (json.RawMessage, error) {
					if fail.Load() {
						return nil, errors.New("warehouse exploded")
					}
					return json.RawMessage(`[{"id":42}]`), nil
				},
			}}
		},
	})

	ctx := context.Background()
	first, err := h.orch.Resolve(ctx, "trending", nil)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	// Force the live path again and make the warehouse fail
	if err := h.store.Delete(ctx, first.Key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	fail.Store(true)

	second, err := h.orch.Resolve(ctx, "trending", nil)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	field := second.Fields["products"]
	if field.Provenance != ProvenanceFallback {
		t.Fatalf("provenance = %s, want fallback", field.Provenance)
	}
	if string(field.Value) != `[{"id":42}]` {
		t.Errorf("value = %s, want the last-known-good live value", field.Value)
	}
}
