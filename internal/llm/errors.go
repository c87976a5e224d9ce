package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrModelUnavailable is returned when no provider can serve a model,
// or the provider reports itself unavailable.
var ErrModelUnavailable = errors.New("model unavailable")

// APIError is a non-success response from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Is makes 5xx provider errors match [ErrModelUnavailable].
func (e *APIError) Is(target error) bool {
	return target == ErrModelUnavailable && e.StatusCode >= 500
}

// rateLimitPhrases are matched case-insensitively against error text
// for providers that do not surface a status code.
var rateLimitPhrases = []string{
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
}

// IsRateLimited reports whether err is a provider rate-limit error:
// HTTP status 429, or an error message mentioning "resource exhausted"
// or "too many requests".
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// permanentError marks an error as not retryable even if it would
// otherwise classify as a rate limit.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Retrier.Do] returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
