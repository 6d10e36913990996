// Package transport is the REST and push-socket client for the sherry API.
package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, transport.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrConflict     = errors.New("transport: conflict")
	ErrGone         = errors.New("transport: resource gone")
	ErrThrottled    = errors.New("transport: throttled")
	ErrServerError  = errors.New("transport: server error")
)

// APIError wraps a sentinel error with HTTP status code and the response
// body for debugging. Errors.Is(err, ErrNotFound) etc. classify it.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
