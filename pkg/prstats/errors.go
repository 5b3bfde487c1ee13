package prstats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors forming the failure taxonomy. Per-PR failures
// (ErrRateLimitExceeded, ErrTransient, ErrNotFound) are isolated and the
// run continues; ErrAuth is fatal to the whole run.
var (
	// ErrRateLimitExceeded means retries against the rate limiter were
	// exhausted. The affected PR is marked partial.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTransient means a network or 5xx failure persisted past the
	// bounded retry count. The affected PR is marked partial.
	ErrTransient = errors.New("transient upstream failure")

	// ErrNotFound means the resource was deleted or is inaccessible.
	// The affected PR is recorded as skipped.
	ErrNotFound = errors.New("resource not found")

	// ErrAuth means the token was rejected. No partial output is attempted.
	ErrAuth = errors.New("authentication failed")
)

// APIError represents an error response from the GitHub API.
type APIError struct {
	Status     string
	Body       string
	URL        string
	StatusCode int

	// RateLimit is set when a 403 carried a zeroed X-Ratelimit-Remaining
	// header. GitHub reports the primary rate limit that way rather than
	// with a 429.
	RateLimit bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github API error: %s", e.Status)
}

// rateLimited reports whether this response is a primary or secondary
// rate-limit signal.
func (e *APIError) rateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.RateLimit
}

// retryable reports whether the request may succeed on a later attempt.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.rateLimited() || apiErr.StatusCode >= 500
	}
	// Plain transport errors (connection reset, timeout) are retryable.
	return true
}

// classify maps an exhausted or non-retryable error onto the taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.rateLimited():
			return fmt.Errorf("%w: %s", ErrRateLimitExceeded, apiErr.Status)
		case apiErr.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuth, apiErr.Status)
		case apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.URL)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrTransient, apiErr.Status)
		default:
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
