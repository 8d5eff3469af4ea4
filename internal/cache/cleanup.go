package cache

import (
	"context"
	"log/slog"
	"time"
)

// Sweep deletes entries that expired more than retention before now.
// A zero retention disables collection and returns 0.
func Sweep(ctx context.Context, store Store, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-retention)
	removed, err := store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("removed expired cache entries", "count", removed, "expired_before", cutoff)
	}
	return removed, nil
}
