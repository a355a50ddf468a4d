package bulk

import (
	"fmt"
	"net/http"
)

// Error categories used by callers to decide between retrying, refreshing
// the session and failing the batch outright.
const (
	CategoryAuth      = "auth"
	CategoryThrottled = "throttled"
	CategoryRetryable = "retryable"
	CategoryFatal     = "fatal"
)

// APIError is a non-2xx response from the remote platform.
type APIError struct {
	StatusCode int
	Message    string
	Category   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bulk: remote API error (status %d, %s): %s", e.StatusCode, e.Category, e.Message)
}

// Retryable reports whether a later identical request could succeed.
func (e *APIError) Retryable() bool {
	return e.Category == CategoryRetryable || e.Category == CategoryThrottled
}

func categorizeError(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return CategoryAuth
	case statusCode == http.StatusTooManyRequests:
		return CategoryThrottled
	case statusCode >= 500:
		return CategoryRetryable
	default:
		return CategoryFatal
	}
}
