// Package dispatch runs independent query tasks concurrently on a bounded
// worker pool, enforcing per-task timeouts and an overall request deadline,
// and resolving failures through the fallback registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pricewatch/warehouse-proxy/pkg/fallback"
	"github.com/pricewatch/warehouse-proxy/pkg/logging"
)

// Prometheus metrics for task dispatch.
var (
	dispatchTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_dispatch_tasks_total",
		Help: "Total dispatched tasks by outcome status",
	}, []string{"status"})

	dispatchTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wp_dispatch_task_duration_seconds",
		Help:    "Task invocation duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	dispatchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wp_dispatch_inflight_tasks",
		Help: "Warehouse invocations currently in flight",
	})

	dispatchDeadlineTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wp_dispatch_deadline_exceeded_total",
		Help: "Total batches cut short by the overall deadline",
	})
)

// Sentinel errors attached to unresolved outcomes.
var (
	// ErrTaskTimeout marks a task whose timeout or deadline fired first.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrWarehouseUnhealthy marks a task short-circuited by the health gate.
	ErrWarehouseUnhealthy = errors.New("warehouse unhealthy")
)

// fallbackSlack bounds the post-deadline fallback conversion pass, keeping
// the "deadline + small fixed slack" return guarantee.
const fallbackSlack = 500 * time.Millisecond

// Gate admits or rejects warehouse work based on recent failure history.
// A nil gate admits everything.
type Gate interface {
	Allow(ctx context.Context) bool
	RecordFailure(ctx context.Context)
}

// Config holds dispatcher configuration.
type Config struct {
	// PoolSize bounds concurrent warehouse invocations process-wide. Tasks
	// beyond the bound queue for a slot; this is the backpressure point.
	PoolSize int

	// TaskTimeout is the default per-task timeout for tasks that don't
	// carry their own.
	TaskTimeout time.Duration

	// OverallDeadline is the hard ceiling on one Dispatch call. It must be
	// strictly shorter than the caller's own timeout so a degraded response
	// can still be assembled.
	OverallDeadline time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:        10,
		TaskTimeout:     15 * time.Second,
		OverallDeadline: 20 * time.Second,
	}
}

// Dispatcher executes task batches on a shared bounded pool.
type Dispatcher struct {
	sem      *semaphore.Weighted
	registry *fallback.Registry
	gate     Gate
	config   Config
	logger   zerolog.Logger
}

// New creates a dispatcher. The registry may be nil to disable fallback
// conversion, and the gate may be nil to admit all tasks.
func New(cfg Config, registry *fallback.Registry, gate Gate) *Dispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if cfg.OverallDeadline <= 0 {
		cfg.OverallDeadline = DefaultConfig().OverallDeadline
	}

	return &Dispatcher{
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		registry: registry,
		gate:     gate,
		config:   cfg,
		logger:   logging.NewLogger("dispatch"),
	}
}

// Dispatch runs the task set concurrently and returns exactly one outcome
// per task, within the overall deadline plus a small fixed slack. Tasks
// still pending when the deadline fires resolve as timed out; timed-out and
// failed tasks with a registered fallback resolve as fallback.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []Task) map[string]Outcome {
	start := time.Now()

	overallCtx, cancel := context.WithTimeout(ctx, d.config.OverallDeadline)
	defer cancel()

	// Buffered so every worker can deliver its outcome even after this
	// function has returned.
	results := make(chan Outcome, len(tasks))
	for _, task := range tasks {
		go d.run(overallCtx, task, results)
	}

	outcomes := make(map[string]Outcome, len(tasks))

collect:
	for len(outcomes) < len(tasks) {
		select {
		case out := <-results:
			outcomes[out.TaskID] = out
		case <-overallCtx.Done():
			break collect
		}
	}

	if len(outcomes) < len(tasks) {
		// Absorb outcomes that raced the deadline, then time out the rest.
		for {
			select {
			case out := <-results:
				outcomes[out.TaskID] = out
				continue
			default:
			}
			break
		}

		dispatchDeadlineTotal.Inc()
		for _, task := range tasks {
			if _, ok := outcomes[task.ID]; ok {
				continue
			}
			dispatchTasksTotal.WithLabelValues(string(StatusTimedOut)).Inc()
			outcomes[task.ID] = Outcome{
				TaskID: task.ID,
				Status: StatusTimedOut,
				Err:    fmt.Errorf("%w: overall deadline %s exceeded", ErrTaskTimeout, d.config.OverallDeadline),
			}
		}

		d.logger.Warn().
			Int("tasks", len(tasks)).
			Dur("deadline", d.config.OverallDeadline).
			Msg("Overall deadline exceeded, unresolved tasks timed out")
	}

	d.convertFallbacks(ctx, tasks, outcomes)

	d.logger.Debug().
		Int("tasks", len(tasks)).
		Dur("duration", time.Since(start)).
		Msg("Batch dispatched")

	return outcomes
}

// run executes one task: queue for a pool slot, invoke under the per-task
// timeout, and deliver exactly one outcome.
func (d *Dispatcher) run(ctx context.Context, task Task, results chan<- Outcome) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		// Deadline fired while queued for a slot
		dispatchTasksTotal.WithLabelValues(string(StatusTimedOut)).Inc()
		results <- Outcome{
			TaskID: task.ID,
			Status: StatusTimedOut,
			Err:    fmt.Errorf("%w: queued past deadline", ErrTaskTimeout),
		}
		return
	}
	defer d.sem.Release(1)

	if d.gate != nil && !d.gate.Allow(ctx) {
		dispatchTasksTotal.WithLabelValues(string(StatusFailed)).Inc()
		results <- Outcome{TaskID: task.ID, Status: StatusFailed, Err: ErrWarehouseUnhealthy}
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.config.TaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned invocation can still deliver and finish;
	// its result is simply discarded.
	done := make(chan invokeResult, 1)
	start := time.Now()
	dispatchInflight.Inc()
	go func() {
		defer dispatchInflight.Dec()
		value, err := task.Invoke(taskCtx)
		done <- invokeResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		dispatchTaskDuration.Observe(time.Since(start).Seconds())
		results <- d.outcomeFromResult(ctx, task, res)
	case <-taskCtx.Done():
		// Stop waiting. The warehouse may not support true cancellation;
		// the in-flight call runs to completion in the background.
		d.recordFailure(ctx)
		dispatchTasksTotal.WithLabelValues(string(StatusTimedOut)).Inc()
		d.logger.Warn().
			Str("task_id", task.ID).
			Dur("timeout", timeout).
			Msg("Task timed out")
		results <- Outcome{
			TaskID: task.ID,
			Status: StatusTimedOut,
			Err:    fmt.Errorf("%w after %s", ErrTaskTimeout, timeout),
		}
	}
}

type invokeResult struct {
	value []byte
	err   error
}

// outcomeFromResult classifies a completed invocation.
func (d *Dispatcher) outcomeFromResult(ctx context.Context, task Task, res invokeResult) Outcome {
	if res.err == nil {
		dispatchTasksTotal.WithLabelValues(string(StatusSuccess)).Inc()
		return Outcome{TaskID: task.ID, Status: StatusSuccess, Value: res.value}
	}

	d.recordFailure(ctx)

	status := StatusFailed
	err := res.err
	if errors.Is(res.err, context.DeadlineExceeded) {
		status = StatusTimedOut
		err = fmt.Errorf("%w: %v", ErrTaskTimeout, res.err)
	}

	dispatchTasksTotal.WithLabelValues(string(status)).Inc()
	d.logger.Warn().
		Err(res.err).
		Str("task_id", task.ID).
		Str("status", string(status)).
		Msg("Task failed")

	return Outcome{TaskID: task.ID, Status: status, Err: err}
}

// convertFallbacks resolves every timed-out or failed outcome with a
// registered fallback. Runs on a detached context so conversion still works
// after the overall deadline, bounded by the fixed slack.
func (d *Dispatcher) convertFallbacks(ctx context.Context, tasks []Task, outcomes map[string]Outcome) {
	if d.registry == nil {
		return
	}

	convCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackSlack)
	defer cancel()

	for _, task := range tasks {
		out := outcomes[task.ID]
		if out.Resolved() || task.FallbackID == "" {
			continue
		}

		value, ok := d.registry.Resolve(convCtx, task.FallbackID)
		if !ok {
			continue
		}

		dispatchTasksTotal.WithLabelValues(string(StatusFallback)).Inc()
		d.logger.Debug().
			Str("task_id", task.ID).
			Str("fallback_id", task.FallbackID).
			Msg("Task resolved via fallback")

		outcomes[task.ID] = Outcome{TaskID: task.ID, Status: StatusFallback, Value: value}
	}
}

// recordFailure reports a warehouse failure to the health gate on a
// detached context, so bookkeeping survives the request deadline.
func (d *Dispatcher) recordFailure(ctx context.Context) {
	if d.gate == nil {
		return
	}
	d.gate.RecordFailure(context.WithoutCancel(ctx))
}
