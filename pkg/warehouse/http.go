package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient executes queries against a warehouse query gateway: a thin
// HTTP service exposing POST /query with {"sql": ..., "params": ...} and
// returning the rows as a JSON array. This is how deployments front
// BigQuery-style warehouses whose native SDKs live in a separate service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// HTTPConfig holds HTTP warehouse client configuration.
type HTTPConfig struct {
	// BaseURL is the query gateway base URL
	BaseURL string

	// UserAgent identifies this service to the gateway
	UserAgent string

	// Timeout is the transport-level ceiling; per-task timeouts applied by
	// the dispatcher are expected to be shorter
	Timeout time.Duration
}

// NewHTTPClient creates an HTTP-backed warehouse client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
	}, nil
}

type queryRequest struct {
	SQL    string         `json:"sql"`
	Params map[string]any `json:"params,omitempty"`
}

// Execute implements Client.
func (c *HTTPClient) Execute(ctx context.Context, q Query) (Rows, error) {
	body, err := json.Marshal(queryRequest{SQL: q.SQL, Params: q.Params})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: ErrorClassNetwork, Message: "execute query", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			Class:   classifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("gateway status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	var rows Rows
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &Error{Class: ErrorClassServer, Message: "decode rows", Err: err}
	}

	return rows, nil
}

// classifyStatus maps a gateway HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case status >= 400 && status < 500:
		return ErrorClassQuery
	default:
		return ErrorClassServer
	}
}
