package warehouse

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/pricewatch/warehouse-proxy/pkg/logging"
)

// Prometheus metrics for retry operations.
var (
	whRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_warehouse_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	whRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_warehouse_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration. Backoffs are
// short: the orchestration layer runs queries under tight per-task timeouts,
// so a second attempt only helps if it starts quickly.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryingClient wraps a Client with classification-aware retry logic.
type RetryingClient struct {
	inner  Client
	config RetryConfig
	logger zerolog.Logger
}

// NewRetryingClient creates a retrying decorator around inner.
func NewRetryingClient(inner Client, cfg RetryConfig) *RetryingClient {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &RetryingClient{
		inner:  inner,
		config: cfg,
		logger: logging.NewLogger("warehouse"),
	}
}

// Execute runs the query, retrying retriable error classes with jittered
// exponential backoff. Query errors return immediately.
func (c *RetryingClient) Execute(ctx context.Context, q Query) (Rows, error) {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		start := time.Now()
		rows, err := c.inner.Execute(ctx, q)
		if err == nil {
			whQueriesTotal.WithLabelValues("success").Inc()
			whQueryDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Msg("Query succeeded after retry")
			}
			return rows, nil
		}

		lastErr = err
		class := Classify(err)
		whQueriesTotal.WithLabelValues("error").Inc()
		whQueryDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		whErrorsTotal.WithLabelValues(string(class)).Inc()

		if !shouldRetry(class) {
			return nil, lastErr
		}

		if attempt >= c.config.MaxAttempts {
			break
		}

		whRetriesTotal.WithLabelValues(string(class)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		c.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying query after backoff")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * c.config.BackoffMultiplier)
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}

	class := Classify(lastErr)
	whRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	c.logger.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", c.config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.config.MaxAttempts, lastErr)
}
