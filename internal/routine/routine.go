// Package routine runs goroutines that log panics instead of crashing the
// process, and can wait for everything it started.
package routine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Runner starts panic-safe goroutines and tracks them for Wait.
// The zero value is ready to use.
type Runner struct {
	wg sync.WaitGroup
}

// Go runs fn in a new goroutine. name is used for logging only.
func (r *Runner) Go(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer recoverPanic(name)
		fn()
	}()
}

// GoWithContext runs fn with ctx in a new goroutine.
func (r *Runner) GoWithContext(ctx context.Context, name string, fn func(ctx context.Context)) {
	r.Go(name, func() { fn(ctx) })
}

// Wait blocks until every goroutine started by r has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run calls fn on the current goroutine and converts a panic into an error.
func Run(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("routine panicked", "routine", name, "panic", rec, "stack", string(debug.Stack()))
			err = ErrPanic(rec)
		}
	}()
	return fn()
}

// ErrPanic returns an error wrapping the recovered panic value.
func ErrPanic(recovered any) error {
	return fmt.Errorf("routine: panic recovered: %v", recovered)
}

func recoverPanic(name string) {
	if rec := recover(); rec != nil {
		slog.Error("goroutine panicked", "routine", name, "panic", rec, "stack", string(debug.Stack()))
	}
}
