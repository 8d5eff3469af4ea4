// Package refresh implements the cache read path: it answers from the cache
// when it can, refreshes stale entries in the background, and makes sure at
// most one upstream fetch runs per (kind, key) at any time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"factcache/internal/cache"
	"factcache/internal/core"
	"factcache/internal/freshness"
	"factcache/internal/keys"
	"factcache/internal/observability"
	"factcache/internal/routine"
)

// DefaultFetchTimeout bounds every upstream fetch when none is configured.
const DefaultFetchTimeout = 30 * time.Second

// storeWriteTimeout bounds the upsert after a successful fetch.
const storeWriteTimeout = 10 * time.Second

// ErrClosed is returned by synchronous reads after Close.
var ErrClosed = errors.New("refresh: coordinator closed")

// Config holds coordinator settings.
type Config struct {
	// FetchTimeout bounds each upstream fetch (default 30s).
	FetchTimeout time.Duration
	// MaxStaleness forces a synchronous refresh once an entry has been
	// expired for longer than this. Zero means unlimited.
	MaxStaleness time.Duration
	// Clock defaults to core.SystemClock.
	Clock core.Clock
}

// Options tune a single read.
type Options struct {
	// RequireFresh refreshes a stale entry synchronously instead of
	// answering with it. The stale entry is still served if that fails.
	RequireFresh bool
}

type taskKey struct {
	kind string
	key  string
}

// task is one in-flight refresh. entry and err are written before done is
// closed and only read after.
type task struct {
	kind      string
	key       string
	startedAt time.Time
	done      chan struct{}
	entry     *core.CacheEntry
	err       error
}

// Coordinator is the cache read path.
type Coordinator struct {
	store   cache.Store
	fetcher core.Fetcher
	deriver *keys.Deriver
	policy  *freshness.Policy

	clock        core.Clock
	fetchTimeout time.Duration
	maxStaleness time.Duration

	mu     sync.Mutex
	tasks  map[taskKey]*task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	runner routine.Runner
}

// New creates a Coordinator. Call Close to stop background refreshes.
func New(store cache.Store, fetcher core.Fetcher, deriver *keys.Deriver, policy *freshness.Policy, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deriver == nil {
		return nil, fmt.Errorf("key deriver is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("freshness policy is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        store,
		fetcher:      fetcher,
		deriver:      deriver,
		policy:       policy,
		clock:        clock,
		fetchTimeout: fetchTimeout,
		maxStaleness: cfg.MaxStaleness,
		tasks:        make(map[taskKey]*task),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Get answers a lookup of kind.
//
// FRESH entries are returned as is. STALE entries are returned immediately
// and refreshed in the background. A MISS fetches synchronously. When a
// synchronous fetch fails and an expired entry exists, that entry is served
// with Degraded set.
func (c *Coordinator) Get(ctx context.Context, kind string, req core.Request, opts Options) (*core.Result, error) {
	key, err := c.deriver.Derive(kind, req)
	if err != nil {
		return nil, err
	}

	entry, err := c.store.Get(ctx, kind, key)
	if err != nil {
		// An unreadable cache must not take the read path down.
		slog.Warn("cache read failed, treating as miss", "kind", kind, "key", key, "error", err)
		entry = nil
	}

	now := c.clock.Now()
	state := freshness.Classify(entry, now)
	observability.Lookups.WithLabelValues(kind, state.String()).Inc()

	switch state {
	case freshness.Fresh:
		return core.NewResult(entry, true, false, false), nil
	case freshness.Stale:
		if !opts.RequireFresh && !c.tooStale(entry, now) {
			if _, err := c.acquire(kind, key, req); err != nil {
				slog.Debug("background refresh not started", "kind", kind, "key", key, "error", err)
			}
			return core.NewResult(entry, true, true, false), nil
		}
		return c.fetchSync(ctx, kind, key, req, entry)
	default:
		return c.fetchSync(ctx, kind, key, req, nil)
	}
}

func (c *Coordinator) tooStale(entry *core.CacheEntry, now time.Time) bool {
	return c.maxStaleness > 0 && freshness.StaleFor(entry, now) > c.maxStaleness
}

// fetchSync waits for the (possibly shared) refresh of key. fallback is the
// expired entry to serve if the refresh fails.
func (c *Coordinator) fetchSync(ctx context.Context, kind, key string, req core.Request, fallback *core.CacheEntry) (*core.Result, error) {
	t, err := c.acquire(kind, key, req)
	if err != nil {
		return c.degrade(kind, key, fallback, err)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		// The refresh keeps running and will still populate the cache.
		if fallback == nil {
			return nil, core.NewProviderError(kind, "request ended before the refresh completed", ctx.Err())
		}
		return c.degrade(kind, key, fallback, ctx.Err())
	}

	if t.err != nil {
		return c.degrade(kind, key, fallback, t.err)
	}
	return core.NewResult(t.entry, false, false, false), nil
}

func (c *Coordinator) degrade(kind, key string, fallback *core.CacheEntry, cause error) (*core.Result, error) {
	if fallback != nil {
		slog.Warn("serving expired entry after failed refresh", "kind", kind, "key", key, "error", cause)
		observability.DegradedResponses.WithLabelValues(kind).Inc()
		return core.NewResult(fallback, true, true, true), nil
	}
	return nil, core.NewNotFoundError(kind, "no cached entry and the provider request failed", cause)
}

// acquire returns the in-flight task for (kind, key), starting one if none
// exists.
func (c *Coordinator) acquire(kind, key string, req core.Request) (*task, error) {
	id := taskKey{kind: kind, key: key}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if t, ok := c.tasks[id]; ok {
		c.mu.Unlock()
		observability.RefreshesJoined.WithLabelValues(kind).Inc()
		return t, nil
	}
	t := &task{
		kind:      kind,
		key:       key,
		startedAt: c.clock.Now(),
		done:      make(chan struct{}),
	}
	c.tasks[id] = t
	observability.RefreshesInFlight.Inc()
	// Registered under the lock so Close cannot miss it in Wait.
	c.runner.Go("refresh "+key, func() { c.run(t, req) })
	c.mu.Unlock()

	return t, nil
}

func (c *Coordinator) run(t *task, req core.Request) {
	defer c.finish(t)

	err := routine.Run("refresh", func() error {
		entry, err := c.fetch(t.kind, t.key, req)
		if err != nil {
			return err
		}
		t.entry = entry
		return nil
	})
	if err != nil {
		t.err = err
		slog.Warn("refresh failed", "kind", t.kind, "key", t.key, "error", err,
			"duration", c.clock.Now().Sub(t.startedAt))
	}
}

func (c *Coordinator) fetch(kind, key string, req core.Request) (*core.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.fetcher.Fetch(ctx, kind, req)
	observability.UpstreamDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err == nil && (res == nil || len(res.Payload) == 0) {
		err = fmt.Errorf("empty payload")
	}
	if err != nil {
		observability.UpstreamFetches.WithLabelValues(kind, "error").Inc()
		var factErr *core.FactError
		if errors.As(err, &factErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, core.NewProviderError(kind, "upstream fetch failed", err)
	}
	observability.UpstreamFetches.WithLabelValues(kind, "success").Inc()

	now := c.clock.Now()
	entry := &core.CacheEntry{
		Key:       key,
		Kind:      kind,
		Payload:   res.Payload,
		Citations: res.Citations,
		WrittenAt: now,
		ExpiresAt: c.policy.ExpiresAt(kind, now),
	}

	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(c.ctx), storeWriteTimeout)
	defer writeCancel()
	if err := c.store.Upsert(writeCtx, entry); err != nil {
		// The caller still gets the fresh payload; the next read fetches again.
		slog.Error("cache write failed", "kind", kind, "key", key, "error", err)
	}
	return entry, nil
}

// finish publishes the task result and removes it from the in-flight map.
func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	id := taskKey{kind: t.kind, key: t.key}
	if c.tasks[id] == t {
		delete(c.tasks, id)
	}
	c.mu.Unlock()

	observability.RefreshesInFlight.Dec()
	close(t.done)
}

// InFlight reports whether a refresh for (kind, key) is running.
func (c *Coordinator) InFlight(kind, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[taskKey{kind: kind, key: key}]
	return ok
}

// Close cancels running refreshes and waits for them to finish.
// Reads after Close still serve cached entries.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.runner.Wait()
	return nil
}
