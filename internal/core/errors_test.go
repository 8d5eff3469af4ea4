package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFactError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FactError
		expected string
	}{
		{
			name: "error with kind",
			err: &FactError{
				Type:    ErrorTypeProvider,
				Message: "upstream error",
				Kind:    "trending",
			},
			expected: "[trending] provider_error: upstream error",
		},
		{
			name: "error without kind",
			err: &FactError{
				Type:    ErrorTypeInvalidRequest,
				Message: "bad request",
			},
			expected: "invalid_request_error: bad request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFactError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	factErr := NewNotFoundError("grants", "no cached answer", originalErr)

	if !errors.Is(factErr, originalErr) {
		t.Errorf("errors.Is(%v, original) = false, want true", factErr)
	}
}

func TestFactError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *FactError
		expected int
	}{
		{
			name:     "explicit status code",
			err:      &FactError{Type: ErrorTypeProvider, StatusCode: http.StatusServiceUnavailable},
			expected: http.StatusServiceUnavailable,
		},
		{
			name:     "invalid request default",
			err:      &FactError{Type: ErrorTypeInvalidRequest},
			expected: http.StatusBadRequest,
		},
		{
			name:     "not found default",
			err:      &FactError{Type: ErrorTypeNotFound},
			expected: http.StatusNotFound,
		},
		{
			name:     "provider default",
			err:      &FactError{Type: ErrorTypeProvider},
			expected: http.StatusBadGateway,
		},
		{
			name:     "batch timeout default",
			err:      &FactError{Type: ErrorTypeBatchTimeout},
			expected: http.StatusAccepted,
		},
		{
			name:     "unknown type",
			err:      &FactError{Type: "mystery"},
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestNewProviderError_Timeout(t *testing.T) {
	err := NewProviderError("trending", "fetch failed", fmt.Errorf("call: %w", context.DeadlineExceeded))
	if err.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("StatusCode = %d, want %d", err.StatusCode, http.StatusGatewayTimeout)
	}

	err = NewProviderError("trending", "fetch failed", errors.New("connection refused"))
	if err.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", err.StatusCode, http.StatusBadGateway)
	}
}

func TestIsType(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewBatchTimeoutError(3, 7))
	if !IsType(wrapped, ErrorTypeBatchTimeout) {
		t.Error("expected batch timeout type through wrapping")
	}
	if IsType(wrapped, ErrorTypePartialBatch) {
		t.Error("did not expect partial batch type")
	}
	if IsType(errors.New("plain"), ErrorTypeProvider) {
		t.Error("plain errors have no type")
	}
}

func TestCacheEntryClone(t *testing.T) {
	orig := &CacheEntry{Key: "k", Kind: "trending", Payload: []byte(`{"a":1}`), Citations: []string{"https://a"}}
	c := orig.Clone()
	c.Payload[2] = 'b'
	c.Citations[0] = "changed"

	if string(orig.Payload) != `{"a":1}` {
		t.Errorf("payload mutated through clone: %s", orig.Payload)
	}
	if orig.Citations[0] != "https://a" {
		t.Errorf("citations mutated through clone: %v", orig.Citations)
	}
	if (*CacheEntry)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}
