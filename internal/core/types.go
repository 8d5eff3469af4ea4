package core

import (
	"encoding/json"
	"time"
)

// Request is a structured lookup as sent by the application.
// Values are whatever encoding/json produced (string, float64, json.Number, bool, nil).
type Request map[string]any

// FetchResult is what an upstream provider returns for one request.
type FetchResult struct {
	Payload   json.RawMessage `json:"payload"`
	Citations []string        `json:"citations,omitempty"`
}

// CacheEntry is one stored provider answer.
// At most one entry exists per (Kind, Key); writes replace the whole entry.
type CacheEntry struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Citations []string        `json:"citations,omitempty"`
	WrittenAt time.Time       `json:"written_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Clone returns a deep copy of the entry.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Citations != nil {
		c.Citations = append([]string(nil), e.Citations...)
	}
	return &c
}

// Result is the answer of a cache read.
type Result struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Citations []string        `json:"citations,omitempty"`
	FromCache bool            `json:"from_cache"`
	Stale     bool            `json:"stale"`
	Degraded  bool            `json:"degraded"`
	WrittenAt time.Time       `json:"written_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewResult builds a Result from a stored entry.
func NewResult(e *CacheEntry, fromCache, stale, degraded bool) *Result {
	return &Result{
		Key:       e.Key,
		Kind:      e.Kind,
		Payload:   e.Payload,
		Citations: e.Citations,
		FromCache: fromCache,
		Stale:     stale,
		Degraded:  degraded,
		WrittenAt: e.WrittenAt,
		ExpiresAt: e.ExpiresAt,
	}
}
