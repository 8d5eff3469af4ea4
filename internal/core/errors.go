package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeProvider indicates the upstream fact provider failed
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeNotFound indicates a miss with a failed fetch and nothing to fall back to
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeInvalidRequest indicates a malformed lookup or selection
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypePartialBatch indicates some records of a sweep failed
	ErrorTypePartialBatch ErrorType = "partial_batch_failure"
	// ErrorTypeBatchTimeout indicates a sweep hit its hard deadline
	ErrorTypeBatchTimeout ErrorType = "batch_timeout"
)

// FactError is the base error type for all fact cache errors
type FactError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Kind       string    `json:"kind,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *FactError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *FactError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *FactError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeProvider:
		return http.StatusBadGateway
	case ErrorTypeBatchTimeout:
		return http.StatusAccepted
	case ErrorTypePartialBatch:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *FactError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewProviderError creates a new provider error.
// A context deadline in err maps to 504, anything else to 502.
func NewProviderError(kind string, message string, err error) *FactError {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	return &FactError{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: status,
		Kind:       kind,
		Err:        err,
	}
}

// NewNotFoundError creates a not found error wrapping the provider failure that caused it.
func NewNotFoundError(kind string, message string, err error) *FactError {
	return &FactError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Kind:       kind,
		Err:        err,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *FactError {
	return &FactError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewPartialBatchError reports that failed of total records could not be verified.
func NewPartialBatchError(failed, total int) *FactError {
	return &FactError{
		Type:       ErrorTypePartialBatch,
		Message:    fmt.Sprintf("%d of %d records failed verification", failed, total),
		StatusCode: http.StatusOK,
	}
}

// NewBatchTimeoutError reports a sweep that stopped at its deadline with work remaining.
func NewBatchTimeoutError(completed, remaining int) *FactError {
	return &FactError{
		Type:       ErrorTypeBatchTimeout,
		Message:    fmt.Sprintf("verification deadline reached after %d records, %d remaining; re-check later", completed, remaining),
		StatusCode: http.StatusAccepted,
		Err:        context.DeadlineExceeded,
	}
}

// IsType reports whether err is a FactError of type t.
func IsType(err error, t ErrorType) bool {
	var factErr *FactError
	return errors.As(err, &factErr) && factErr.Type == t
}
