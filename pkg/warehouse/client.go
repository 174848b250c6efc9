// Package warehouse provides the analytical warehouse client seam: the
// query/row types, an error taxonomy for observability and retry decisions,
// and a retrying decorator. The orchestration layer only needs a call that
// can be invoked, awaited under a timeout, and that returns a typed error.
package warehouse

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for warehouse query execution.
var (
	whQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_warehouse_queries_total",
		Help: "Total warehouse queries by status",
	}, []string{"status"})

	whQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wp_warehouse_query_duration_seconds",
		Help:    "Warehouse query duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	whErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wp_warehouse_errors_total",
		Help: "Total warehouse errors by class",
	}, []string{"class"})
)

// Query is a single warehouse query invocation.
type Query struct {
	// SQL is the statement text
	SQL string

	// Params are named query parameters
	Params map[string]any
}

// Rows is the result set of a query, one map per row.
type Rows []map[string]any

// Client executes a single warehouse query. Implementations must respect
// context cancellation but are not required to cancel the server-side job;
// callers stop waiting and discard the result instead.
type Client interface {
	Execute(ctx context.Context, q Query) (Rows, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, q Query) (Rows, error)

// Execute implements Client.
func (f ClientFunc) Execute(ctx context.Context, q Query) (Rows, error) {
	return f(ctx, q)
}
