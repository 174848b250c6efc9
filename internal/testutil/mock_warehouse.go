package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pricewatch/warehouse-proxy/pkg/warehouse"
)

// MockResponse defines the behavior of the mock warehouse for one query.
type MockResponse struct {
	Rows  warehouse.Rows
	Err   error
	Delay time.Duration
}

// MockWarehouse is a configurable warehouse.Client double. Responses are
// matched by substring against the statement text, so endpoint task
// builders can be exercised without real SQL execution.
type MockWarehouse struct {
	mu        sync.Mutex
	responses map[string]MockResponse
	fallback  MockResponse

	// Tracking
	QueryCount int
	Statements []string
}

// NewMockWarehouse creates a mock that returns empty row sets by default.
func NewMockWarehouse() *MockWarehouse {
	return &MockWarehouse{
		responses: make(map[string]MockResponse),
		fallback:  MockResponse{Rows: warehouse.Rows{}},
	}
}

// SetResponse configures the response for statements containing match.
func (m *MockWarehouse) SetResponse(match string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[match] = resp
}

// SetDefault configures the response for unmatched statements.
func (m *MockWarehouse) SetDefault(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// Execute implements warehouse.Client.
func (m *MockWarehouse) Execute(ctx context.Context, q warehouse.Query) (warehouse.Rows, error) {
	m.mu.Lock()
	m.QueryCount++
	m.Statements = append(m.Statements, q.SQL)

	resp := m.fallback
	for match, r := range m.responses {
		if strings.Contains(q.SQL, match) {
			resp = r
			break
		}
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Rows, nil
}

// Queries returns the number of executed queries.
func (m *MockWarehouse) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.QueryCount
}

// Reset clears all tracking counters.
func (m *MockWarehouse) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryCount = 0
	m.Statements = nil
}
