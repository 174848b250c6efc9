// Package fallback provides the registry of substitute values used when a
// live warehouse query cannot complete in time.
//
// A fallback is resolved in two steps: the most recently cached live value
// for the same task (last-known-good, kept under a longer stale-acceptable
// TTL window), then a registered static default. Tasks without a registered
// fallback fail hard and the failure propagates to the caller.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/pricewatch/warehouse-proxy/pkg/cache"
	"github.com/pricewatch/warehouse-proxy/pkg/logging"
)

var (
	fallbackResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_fallback_resolves_total",
		Help: "Total fallback resolutions by source",
	}, []string{"source"}) // "stale", "static"

	fallbackMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wp_fallback_misses_total",
		Help: "Total fallback lookups with no registered substitute",
	})
)

// staleKeyPrefix namespaces last-known-good entries away from regular
// aggregate cache entries.
const staleKeyPrefix = "wp:stale:"

// StaleKey returns the cache key holding the last-known-good value for a
// fallback identifier.
func StaleKey(id string) string {
	return staleKeyPrefix + id
}

// Config holds registry configuration.
type Config struct {
	// StaleWindow is the TTL for last-known-good entries. It is deliberately
	// much longer than any endpoint TTL: a stale substitute beats no data.
	StaleWindow time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		StaleWindow: 24 * time.Hour,
	}
}

// Registry maps fallback identifiers to substitute values.
type Registry struct {
	mu     sync.RWMutex
	static map[string]json.RawMessage

	store  cache.Store // nil disables last-known-good read-through
	config Config
	logger zerolog.Logger
}

// NewRegistry creates a fallback registry. A nil store disables the
// last-known-good path; only static defaults are served.
func NewRegistry(store cache.Store, cfg Config) *Registry {
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = DefaultConfig().StaleWindow
	}
	return &Registry{
		static: make(map[string]json.RawMessage),
		store:  store,
		config: cfg,
		logger: logging.NewLogger("fallback"),
	}
}

// RegisterStatic registers a static default value for a fallback identifier.
func (r *Registry) RegisterStatic(id string, value json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[id] = value
}

// Resolve returns the substitute value for id, preferring the
// last-known-good cached value over the static default. The second return
// is false when no fallback is registered for id.
func (r *Registry) Resolve(ctx context.Context, id string) (json.RawMessage, bool) {
	if id == "" {
		return nil, false
	}

	if r.store != nil {
		entry, err := r.store.Get(ctx, StaleKey(id))
		switch {
		case err == nil:
			r.logger.Debug().
				Str("fallback_id", id).
				Dur("age", entry.Age()).
				Msg("Resolved fallback from last-known-good")
			fallbackResolves.WithLabelValues("stale").Inc()
			return entry.Payload, true
		case !errors.Is(err, cache.ErrCacheMiss):
			// Store failure behaves like a miss; static default still applies.
			r.logger.Warn().Err(err).Str("fallback_id", id).Msg("Stale lookup failed")
		}
	}

	r.mu.RLock()
	value, ok := r.static[id]
	r.mu.RUnlock()

	if !ok {
		fallbackMisses.Inc()
		return nil, false
	}

	fallbackResolves.WithLabelValues("static").Inc()
	return value, true
}

// StoreLastKnownGood records a live value as the future fallback for id.
// Failures are logged and swallowed; losing a stale candidate is harmless.
func (r *Registry) StoreLastKnownGood(ctx context.Context, id string, value json.RawMessage) {
	if id == "" || r.store == nil {
		return
	}

	if err := r.store.Set(ctx, StaleKey(id), value, r.config.StaleWindow); err != nil {
		r.logger.Warn().Err(err).Str("fallback_id", id).Msg("Failed to store last-known-good")
	}
}
