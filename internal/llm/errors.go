// Package llm provides the Anthropic-backed model provider for the agentic
// loop, with error classification suited to retry decisions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType buckets provider failures by how the caller should react.
type ErrorType string

const (
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeAuth          ErrorType = "auth"
	ErrorTypeBadRequest    ErrorType = "bad_request"
	ErrorTypeEmptyResponse ErrorType = "empty_response"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Type    ErrorType
	Status  int // HTTP status when known, 0 otherwise
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: %s (status %d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt could plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeTransient, ErrorTypeRateLimit, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// IsRetryable classifies arbitrary errors for retry policies. Context
// cancellation is never retryable even though a timeout inside the
// transport would be.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return classify(err).Retryable()
}

// classify maps SDK errors to structured types. The Anthropic SDK folds
// HTTP status codes into error strings, so classification is by pattern.
func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTypeTransient, Message: "request timeout", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: ErrorTypeBadRequest, Message: "request canceled", Cause: err}
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	switch status := extractStatusCode(lower); status {
	case 401, 403:
		return &Error{Type: ErrorTypeAuth, Status: status, Message: "authentication failed", Cause: err}
	case 429:
		return &Error{Type: ErrorTypeRateLimit, Status: status, Message: "rate limit exceeded", Cause: err}
	case 400, 404, 413, 422:
		return &Error{Type: ErrorTypeBadRequest, Status: status, Message: "invalid request", Cause: err}
	case 500, 502, 503, 504, 529:
		return &Error{Type: ErrorTypeTransient, Status: status, Message: "server error", Cause: err}
	}

	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "temporary"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "reset"):
		return &Error{Type: ErrorTypeTransient, Message: "network error", Cause: err}
	case strings.Contains(lower, "rate"),
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "overloaded"):
		return &Error{Type: ErrorTypeRateLimit, Message: "rate limiting detected", Cause: err}
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "authentication"):
		return &Error{Type: ErrorTypeAuth, Message: "authentication error", Cause: err}
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "malformed"),
		strings.Contains(lower, "too large"):
		return &Error{Type: ErrorTypeBadRequest, Message: "request error", Cause: err}
	}

	return &Error{Type: ErrorTypeUnknown, Message: "unclassified error", Cause: err}
}

var statusPrefixes = []string{"status code: ", "status: ", "http "}

var knownStatuses = []int{400, 401, 403, 404, 413, 422, 429, 500, 502, 503, 504, 529}

// extractStatusCode pulls an HTTP status out of an SDK error string.
func extractStatusCode(lower string) int {
	for _, prefix := range statusPrefixes {
		idx := strings.Index(lower, prefix)
		if idx == -1 {
			continue
		}
		rest := lower[idx+len(prefix):]
		for _, code := range knownStatuses {
			if strings.HasPrefix(rest, fmt.Sprintf("%d", code)) {
				return code
			}
		}
	}
	return 0
}
