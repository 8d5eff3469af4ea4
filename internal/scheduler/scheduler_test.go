package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factcache/internal/cache"
	"factcache/internal/catalog"
	"factcache/internal/core"
	"factcache/internal/verify"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScheduler_RunsTask(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Add("* * * * * *", NewTask("tick", func(context.Context) error {
		runs.Add(1)
		return nil
	}), 0))
	assert.Equal(t, 1, s.Len())

	s.Start()
	defer s.Close()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_AddErrors(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Add("* * * * * *", nil, 0), ErrNoTask)

	err := s.Add("not a spec", NewTask("bad", func(context.Context) error { return nil }), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Zero(t, s.Len())
}

func TestScheduler_CloseCancelsRunningTask(t *testing.T) {
	s := New()
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	require.NoError(t, s.Add("* * * * * *", NewTask("long", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}), 0))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not start")
	}
	s.Close()
	assert.True(t, cancelled.Load())
}

func TestCronJob_RecoversPanicAndTimeout(t *testing.T) {
	job := &cronJob{ctx: context.Background(), task: NewTask("boom", func(context.Context) error {
		panic("boom")
	})}
	assert.NotPanics(t, job.Run)

	var deadline bool
	job = &cronJob{ctx: context.Background(), timeout: 10 * time.Millisecond, task: NewTask("slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return ctx.Err()
	})}
	job.Run()
	assert.True(t, deadline)
}

func TestCacheGCTask(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	for key, written := range map[string]time.Time{
		"ancient": baseTime.Add(-60 * 24 * time.Hour),
		"recent":  baseTime.Add(-2 * time.Hour),
	} {
		require.NoError(t, store.Upsert(ctx, &core.CacheEntry{
			Kind: "trending", Key: key, Payload: json.RawMessage(`{}`),
			WrittenAt: written, ExpiresAt: written.Add(time.Hour),
		}))
	}

	task := CacheGCTask(store, 30*24*time.Hour, fixedClock{now: baseTime})
	assert.Equal(t, CacheGCTaskName, task.Name())
	require.NoError(t, task.Run(ctx))
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(ctx, "trending", "recent")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStaleSweepTask(t *testing.T) {
	ctx := context.Background()
	records := catalog.NewMemoryStore()
	require.NoError(t, records.Upsert(ctx, &catalog.Record{ID: "r1", Name: "Never Verified"}))

	fetcher := core.FetcherFunc(func(context.Context, string, core.Request) (*core.FetchResult, error) {
		return &core.FetchResult{Payload: json.RawMessage(`{"status":"open"}`)}, nil
	})
	v, err := verify.New(records, fetcher, verify.Config{Interval: time.Millisecond, Clock: fixedClock{now: baseTime}})
	require.NoError(t, err)

	task := StaleSweepTask(v, 30)
	assert.Equal(t, StaleSweepTaskName, task.Name())
	require.NoError(t, task.Run(ctx))

	rec, err := records.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastAutoVerifiedAt)
	assert.Equal(t, catalog.StatusOpen, rec.VerifiedStatus)
}

func TestEverySpec(t *testing.T) {
	assert.Equal(t, "@every 1h0m0s", EverySpec(time.Hour))
}
