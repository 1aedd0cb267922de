package notion

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx response from the store.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Wait is the server's Retry-After hint, zero when absent.
	Wait time.Duration
}

// NewRateLimitError builds the error the store returns when throttling.
func NewRateLimitError(wait time.Duration) *APIError {
	return &APIError{
		StatusCode: http.StatusTooManyRequests,
		Code:       "rate_limited",
		Message:    "rate limited",
		Wait:       wait,
	}
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion api error: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.RateLimited()
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == "rate_limited"
}

func (e *APIError) RetryAfter() time.Duration {
	return e.Wait
}
