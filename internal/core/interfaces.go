// Package core defines the core interfaces and types for the fact cache.
package core

import (
	"context"
	"time"
)

// Fetcher is the contract for an upstream fact provider.
// Implementations must be idempotent for identical requests, must honour ctx
// deadlines, and must not retry on their own.
type Fetcher interface {
	// Fetch asks the provider about one structured request of the given kind.
	Fetch(ctx context.Context, kind string, req Request) (*FetchResult, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, kind string, req Request) (*FetchResult, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, kind string, req Request) (*FetchResult, error) {
	return f(ctx, kind, req)
}

// Clock abstracts time so freshness and staleness decisions can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
