package ai

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDimensionMismatch is returned when a vector does not match the
// configured embedding dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ConfigurationError reports a missing or invalid provider setting.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "required"
	}
	return fmt.Sprintf("%s provider: %s %s", e.Provider, e.Field, reason)
}

// ProviderError carries a non-2xx response (or transport failure, StatusCode 0)
// from an upstream model API.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: rate limiting, a 5xx,
// or a transport error.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// EmptyResponseError is returned when the provider answered 2xx without a
// vector or a completion.
type EmptyResponseError struct {
	Provider string
	Op       string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("%s %s: empty response", e.Provider, e.Op)
}

// ValidateDimension checks vec against the expected size. A non-positive
// want disables the check.
func ValidateDimension(vec []float32, want int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}
