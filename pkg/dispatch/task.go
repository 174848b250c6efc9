package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Task is a single unit of warehouse work: one opaque query invocation
// with a bounded timeout and an optional fallback identifier. A task is
// owned by exactly one Dispatch call and discarded once it resolves.
type Task struct {
	// ID names the task; outcomes are matched back by ID, never by
	// completion order
	ID string

	// FallbackID selects the substitute value used when the invocation
	// times out or fails. Empty means no fallback: the failure propagates.
	FallbackID string

	// Timeout bounds this invocation. Zero falls back to the dispatcher's
	// configured default.
	Timeout time.Duration

	// Invoke runs the query. It must respect ctx but may keep running
	// after the dispatcher stops waiting; the result is then discarded.
	Invoke func(ctx context.Context) (json.RawMessage, error)
}

// Status tags a task outcome.
type Status string

const (
	// StatusSuccess means the invocation returned a value in time.
	StatusSuccess Status = "success"

	// StatusTimedOut means the per-task timeout or overall deadline fired
	// before the invocation returned.
	StatusTimedOut Status = "timed_out"

	// StatusFailed means the invocation returned an error.
	StatusFailed Status = "failed"

	// StatusFallback means a failed or timed-out task was resolved with a
	// substitute value from the fallback registry.
	StatusFallback Status = "fallback"
)

// Outcome is the resolution of one task. Every submitted task produces
// exactly one outcome.
type Outcome struct {
	// TaskID identifies the originating task
	TaskID string

	// Status is the outcome tag
	Status Status

	// Value holds the result for success and fallback outcomes
	Value json.RawMessage

	// Err holds the failure for timed-out and failed outcomes
	Err error
}

// Resolved reports whether the outcome carries a usable value.
func (o Outcome) Resolved() bool {
	return o.Status == StatusSuccess || o.Status == StatusFallback
}
