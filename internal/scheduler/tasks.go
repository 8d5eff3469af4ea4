package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"factcache/internal/cache"
	"factcache/internal/core"
	"factcache/internal/observability"
	"factcache/internal/verify"
)

// Task names.
const (
	StaleSweepTaskName = "verify-stale"
	CacheGCTaskName    = "cache-gc"
)

// StaleSweepTask re-verifies records not verified in the last staleDays
// days. Per-record failures and the deadline are logged, not returned.
func StaleSweepTask(v *verify.Verifier, staleDays int) Task {
	return NewTask(StaleSweepTaskName, func(ctx context.Context) error {
		report, err := v.Verify(ctx, verify.StaleSelection(staleDays))
		if err != nil {
			return err
		}
		if rerr := report.Err(); rerr != nil {
			slog.Warn("scheduled verification incomplete",
				"error", rerr,
				"succeeded", report.Succeeded,
				"failed", len(report.Failed),
				"remaining", report.Remaining,
			)
		}
		return nil
	})
}

// CacheGCTask deletes cache entries that expired more than retention ago.
func CacheGCTask(store cache.Store, retention time.Duration, clock core.Clock) Task {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return NewTask(CacheGCTaskName, func(ctx context.Context) error {
		removed, err := cache.Sweep(ctx, store, retention, clock.Now())
		if err != nil {
			return fmt.Errorf("cache gc: %w", err)
		}
		observability.GCDeleted.Add(float64(removed))
		return nil
	})
}

// EverySpec turns an interval into a cron spec.
func EverySpec(d time.Duration) string {
	return "@every " + d.String()
}
