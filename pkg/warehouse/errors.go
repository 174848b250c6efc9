package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by warehouse clients.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of warehouse errors.
type ErrorClass string

const (
	// ErrorClassQuery represents a rejected statement (bad SQL, missing
	// table, permission denied). Never retried.
	ErrorClassQuery ErrorClass = "query"

	// ErrorClassServer represents a warehouse-side failure.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottled represents quota or concurrency rejection.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Error is a warehouse error with classification context.
type Error struct {
	Class   ErrorClass
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("warehouse %s error: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("warehouse %s error: %s", e.Class, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the error class for an arbitrary execution error.
func Classify(err error) ErrorClass {
	var whErr *Error
	if errors.As(err, &whErr) {
		return whErr.Class
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}

	return ErrorClassServer
}

// shouldRetry determines if an error class is worth retrying.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassQuery:
		// A rejected statement stays rejected
		return false
	case ErrorClassServer, ErrorClassThrottled, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
