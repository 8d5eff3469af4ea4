// Package scheduler runs the periodic maintenance sweeps and the queue of
// operator-triggered verification jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"factcache/internal/routine"
)

// ErrNoTask is returned when a nil task is scheduled.
var ErrNoTask = errors.New("scheduler: task is required")

// Task is one unit of scheduled work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t *funcTask) Name() string                  { return t.name }
func (t *funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// NewTask wraps fn as a Task.
func NewTask(name string, fn func(ctx context.Context) error) Task {
	return &funcTask{name: name, fn: fn}
}

// cronJob adapts a Task to cron.Job. Runs share the scheduler context, so
// Close cancels a sweep that is still going.
type cronJob struct {
	ctx     context.Context
	task    Task
	timeout time.Duration
}

func (j *cronJob) Run() {
	ctx := j.ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	slog.Debug("scheduled task started", "task", j.task.Name())
	err := routine.Run(j.task.Name(), func() error { return j.task.Run(ctx) })
	if err != nil {
		slog.Error("scheduled task failed", "task", j.task.Name(), "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("scheduled task completed", "task", j.task.Name(), "duration", time.Since(start))
}

// Scheduler runs tasks on cron specs with a seconds field,
// e.g. "0 0 3 * * *" for 03:00 every day or "@every 1h".
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler. A task still running when its next
// tick arrives is skipped for that tick.
func New() *Scheduler {
	logger := slogLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules task on spec. timeout bounds each run; zero means none.
func (s *Scheduler) Add(spec string, task Task, timeout time.Duration) error {
	if task == nil {
		return ErrNoTask
	}
	if _, err := s.cron.AddJob(spec, &cronJob{ctx: s.ctx, task: task, timeout: timeout}); err != nil {
		return fmt.Errorf("failed to add task %s with spec %s: %w", task.Name(), spec, err)
	}
	slog.Info("scheduled task added", "task", task.Name(), "spec", spec)
	return nil
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Close stops the scheduler, cancels running tasks and waits for them.
func (s *Scheduler) Close() {
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
}

// slogLogger routes cron's internal logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
