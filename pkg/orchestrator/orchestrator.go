// Package orchestrator coordinates one analytical request end to end:
// derive the cache key, serve a fresh cached aggregate when present,
// otherwise dispatch the endpoint's query tasks, aggregate the outcomes
// with per-field provenance, and write successful aggregates back with the
// endpoint's TTL.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/pricewatch/warehouse-proxy/pkg/cache"
	"github.com/pricewatch/warehouse-proxy/pkg/dispatch"
	"github.com/pricewatch/warehouse-proxy/pkg/fallback"
	"github.com/pricewatch/warehouse-proxy/pkg/logging"
)

// Prometheus metrics for request orchestration.
var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_resolve_requests_total",
		Help: "Total resolved requests by endpoint and result",
	}, []string{"endpoint", "result"}) // "hit", "live", "degraded", "error"

	resolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wp_resolve_duration_seconds",
		Help:    "Request resolution duration in seconds by endpoint",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})
)

// Request-level errors.
var (
	// ErrUnknownEndpoint is returned for an unregistered endpoint id.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrAllFieldsFailed is returned when every field hard-failed with no
	// fallback; there is nothing useful to return.
	ErrAllFieldsFailed = errors.New("all fields failed with no fallback")
)

// Endpoint describes one logical endpoint: its cache TTL, declared
// parameter names, and the query task set built per request.
type Endpoint struct {
	// ID is the endpoint identifier used in cache keys and by callers
	ID string

	// TTL is the endpoint-specific cache lifetime for aggregates
	TTL time.Duration

	// ParamNames declares the endpoint's parameters; absent ones are
	// normalized to the null sentinel during key derivation
	ParamNames []string

	// Tasks builds the query task set for one request. Task IDs double as
	// the aggregate's logical field names.
	Tasks func(params cache.Params) []dispatch.Task
}

// Orchestrator is the request coordinator. Collaborator handles are passed
// in explicitly and shared process-wide; one Orchestrator serves many
// concurrent requests, each with its own independent task set.
type Orchestrator struct {
	store      cache.Store
	dispatcher *dispatch.Dispatcher
	registry   *fallback.Registry

	mu        sync.RWMutex
	endpoints map[string]Endpoint

	logger zerolog.Logger
}

// New creates an orchestrator.
func New(store cache.Store, dispatcher *dispatch.Dispatcher, registry *fallback.Registry) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		endpoints:  make(map[string]Endpoint),
		logger:     logging.NewLogger("orchestrator"),
	}, nil
}

// Register adds an endpoint definition.
func (o *Orchestrator) Register(ep Endpoint) error {
	if ep.ID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if ep.TTL <= 0 {
		return fmt.Errorf("endpoint %q: ttl must be positive", ep.ID)
	}
	if ep.Tasks == nil {
		return fmt.Errorf("endpoint %q: task builder is required", ep.ID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.endpoints[ep.ID]; exists {
		return fmt.Errorf("endpoint %q already registered", ep.ID)
	}
	o.endpoints[ep.ID] = ep
	return nil
}

// Resolve serves one request: CACHE_LOOKUP, then on a miss DISPATCH,
// AGGREGATE and CACHE_WRITE. It returns a result with every requested
// field exactly once, or an error when nothing could be resolved.
func (o *Orchestrator) Resolve(ctx context.Context, endpointID string, params cache.Params) (*Result, error) {
	start := time.Now()

	o.mu.RLock()
	ep, ok := o.endpoints[endpointID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}

	defer func() {
		resolveDuration.WithLabelValues(ep.ID).Observe(time.Since(start).Seconds())
	}()

	key := cache.NewKey(ep.ID, ep.ParamNames, params).String()
	logger := o.logger.With().Str("endpoint", ep.ID).Str("cache_key", key).Logger()

	if result := o.lookupCache(ctx, key, ep, logger); result != nil {
		resolveTotal.WithLabelValues(ep.ID, "hit").Inc()
		return result, nil
	}

	tasks := ep.Tasks(params)
	if len(tasks) == 0 {
		return nil, fmt.Errorf("endpoint %q built an empty task set", ep.ID)
	}

	outcomes := o.dispatcher.Dispatch(ctx, tasks)
	result := o.aggregate(ctx, key, ep, tasks, outcomes, logger)

	if len(result.FailedFields()) == len(result.Fields) {
		resolveTotal.WithLabelValues(ep.ID, "error").Inc()
		logger.Error().Msg("Request failed, no field resolved")
		return nil, fmt.Errorf("%s: %w", ep.ID, ErrAllFieldsFailed)
	}

	o.writeCache(ctx, key, ep, result, logger)

	if result.Degraded() {
		resolveTotal.WithLabelValues(ep.ID, "degraded").Inc()
	} else {
		resolveTotal.WithLabelValues(ep.ID, "live").Inc()
	}

	logger.Info().
		Bool("cache_hit", false).
		Bool("degraded", result.Degraded()).
		Int("live_fields", result.LiveCount()).
		Dur("duration", time.Since(start)).
		Msg("Request resolved")

	return result, nil
}

// lookupCache returns the cached aggregate or nil. Store failures behave
// as a miss; the request degrades to the live path.
func (o *Orchestrator) lookupCache(ctx context.Context, key string, ep Endpoint, logger zerolog.Logger) *Result {
	entry, err := o.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Warn().Err(err).Msg("Cache read failed, treating as miss")
		}
		return nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		logger.Warn().Err(err).Msg("Corrupt cache entry, treating as miss")
		return nil
	}

	fields := make(map[string]Field, len(payload))
	for name, value := range payload {
		fields[name] = Field{Value: value, Provenance: ProvenanceCache}
	}

	logger.Debug().Bool("cache_hit", true).Dur("age", entry.Age()).Msg("Served from cache")

	return &Result{Endpoint: ep.ID, Key: key, Fields: fields}
}

// aggregate maps task outcomes to fields and records last-known-good
// values for live successes.
func (o *Orchestrator) aggregate(ctx context.Context, key string, ep Endpoint, tasks []dispatch.Task, outcomes map[string]dispatch.Outcome, logger zerolog.Logger) *Result {
	fields := make(map[string]Field, len(tasks))

	for _, task := range tasks {
		out := outcomes[task.ID]
		switch out.Status {
		case dispatch.StatusSuccess:
			fields[task.ID] = Field{Value: out.Value, Provenance: ProvenanceLive}
			if o.registry != nil {
				o.registry.StoreLastKnownGood(ctx, task.FallbackID, out.Value)
			}
		case dispatch.StatusFallback:
			fields[task.ID] = Field{Value: out.Value, Provenance: ProvenanceFallback}
		default:
			logger.Error().
				Err(out.Err).
				Str("task_id", task.ID).
				Msg("Field failed with no fallback")
			fields[task.ID] = Field{Err: out.Err}
		}
	}

	return &Result{Endpoint: ep.ID, Key: key, Fields: fields}
}

// writeCache stores the aggregate under the endpoint TTL. A result is
// cached only when at least one field is live and none hard-failed: an
// all-fallback aggregate would poison the cache with stale defaults, and
// an incomplete one would serve short hits.
func (o *Orchestrator) writeCache(ctx context.Context, key string, ep Endpoint, result *Result, logger zerolog.Logger) {
	if result.LiveCount() == 0 || len(result.FailedFields()) > 0 {
		logger.Debug().Msg("Skipping cache write for degraded aggregate")
		return
	}

	payload := make(map[string]json.RawMessage, len(result.Fields))
	for name, f := range result.Fields {
		payload[name] = f.Value
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to marshal aggregate for cache")
		return
	}

	if err := o.store.Set(ctx, key, data, ep.TTL); err != nil {
		logger.Warn().Err(err).Msg("Cache write failed")
		return
	}

	logger.Debug().Dur("ttl", ep.TTL).Msg("Cached aggregate")
}
