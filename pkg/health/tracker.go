// Package health tracks warehouse failure rates in Redis and gates new
// query admission when the recent error budget is exhausted. The state is
// shared across replicas so one instance's failures inform all of them.
package health

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for warehouse health tracking.
var (
	whRecentErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wp_warehouse_recent_errors",
		Help: "Warehouse failures recorded in the current health window",
	})

	whHealthBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wp_warehouse_health_blocks_total",
		Help: "Total number of tasks short-circuited by the health gate",
	})
)

// RedisKeyErrorCount holds the failure counter for the current window.
const RedisKeyErrorCount = "wp:health:error_count"

// Config holds health tracker configuration.
type Config struct {
	// ErrorBudget is the number of failures tolerated per window before
	// the gate closes.
	ErrorBudget int

	// Window is how long recorded failures count against the budget.
	Window time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		ErrorBudget: 20,
		Window:      60 * time.Second,
	}
}

// Tracker monitors warehouse failures and gates task admission.
type Tracker struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger
}

// NewTracker creates a new health tracker.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.ErrorBudget <= 0 {
		cfg.ErrorBudget = DefaultConfig().ErrorBudget
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Tracker{
		redis:  redisClient,
		config: cfg,
		logger: logger,
	}
}

// Allow reports whether new warehouse work should be admitted. The gate
// fails open: if the health state cannot be read, work proceeds — the
// dispatcher's timeouts still bound the damage.
func (t *Tracker) Allow(ctx context.Context) bool {
	count, err := t.redis.Get(ctx, RedisKeyErrorCount).Int()
	if err != nil {
		if err != redis.Nil {
			t.logger.Warn().Err(err).Msg("Health state read failed, failing open")
		}
		return true
	}

	whRecentErrors.Set(float64(count))

	if count >= t.config.ErrorBudget {
		whHealthBlocksTotal.Inc()
		t.logger.Warn().
			Int("recent_errors", count).
			Int("budget", t.config.ErrorBudget).
			Msg("Warehouse unhealthy, short-circuiting to fallback")
		return false
	}

	return true
}

// RecordFailure counts a warehouse failure against the current window.
func (t *Tracker) RecordFailure(ctx context.Context) {
	count, err := t.redis.Incr(ctx, RedisKeyErrorCount).Result()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to record warehouse failure")
		return
	}

	// First failure opens a fresh window
	if count == 1 {
		if err := t.redis.Expire(ctx, RedisKeyErrorCount, t.config.Window).Err(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to set health window expiry")
		}
	}

	whRecentErrors.Set(float64(count))
}
