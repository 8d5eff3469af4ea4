package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/chanx"

	"factcache/internal/routine"
	"factcache/internal/verify"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("scheduler: job queue closed")

// DefaultMaxJobs is how many jobs the queue remembers.
const DefaultMaxJobs = 256

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

// Job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one asynchronous verification sweep.
type Job struct {
	ID         string           `json:"id"`
	Status     JobStatus        `json:"status"`
	Selection  verify.Selection `json:"selection"`
	Report     *verify.Report   `json:"report,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Selection.IDs = append([]string(nil), j.Selection.IDs...)
	return &c
}

// RunFunc executes one sweep.
type RunFunc func(ctx context.Context, sel verify.Selection) (*verify.Report, error)

// Queue runs submitted sweeps one at a time, in submission order.
// Submit never blocks; pending jobs wait in an unbounded buffer.
type Queue struct {
	run     RunFunc
	maxJobs int

	mu   sync.RWMutex
	jobs map[string]*Job

	pending *chanx.UnboundedChan[string]
	ctx     context.Context
	cancel  context.CancelFunc
	runner  routine.Runner
	closed  atomic.Bool
	closeMu sync.RWMutex
}

// NewQueue starts a queue worker that executes jobs with run.
// maxJobs bounds how many jobs are remembered (default 256); the oldest
// finished jobs are forgotten first.
func NewQueue(run RunFunc, maxJobs int) *Queue {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		run:     run,
		maxJobs: maxJobs,
		jobs:    make(map[string]*Job),
		// Not tied to ctx: closing In must still drain every pending id.
		pending: chanx.NewUnboundedChan[string](context.Background(), 16),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.runner.Go("verify-job-queue", q.loop)
	return q
}

// Submit validates sel and queues it. The returned job is a snapshot.
func (q *Queue) Submit(sel verify.Selection) (*Job, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobQueued,
		Selection: sel,
		CreatedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.evictLocked()
	snapshot := job.clone()
	q.mu.Unlock()

	q.pending.In <- job.ID
	slog.Info("verification job queued", "job_id", job.ID, "mode", sel.Mode())
	return snapshot, nil
}

// Get returns a snapshot of a job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Pending returns how many jobs are waiting to start.
func (q *Queue) Pending() int {
	return q.pending.Len()
}

// Close stops accepting jobs, cancels the running one, marks the rest as
// failed and waits for the worker.
func (q *Queue) Close() {
	q.closeMu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.closeMu.Unlock()
		return
	}
	close(q.pending.In)
	q.closeMu.Unlock()

	q.cancel()
	q.runner.Wait()
}

func (q *Queue) loop() {
	for id := range q.pending.Out {
		if q.ctx.Err() != nil {
			q.finish(id, nil, ErrQueueClosed)
			continue
		}
		q.execute(id)
	}
}

func (q *Queue) execute(id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.Status = JobRunning
	job.StartedAt = &now
	sel := job.Selection
	q.mu.Unlock()

	slog.Info("verification job started", "job_id", id, "mode", sel.Mode())
	var report *verify.Report
	err := routine.Run("verify-job", func() error {
		var err error
		report, err = q.run(q.ctx, sel)
		return err
	})
	q.finish(id, report, err)
}

func (q *Queue) finish(id string, report *verify.Report, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Report = report
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		slog.Warn("verification job failed", "job_id", id, "error", err)
		return
	}
	job.Status = JobCompleted
	slog.Info("verification job completed", "job_id", id)
}

// evictLocked forgets the oldest finished jobs beyond maxJobs.
// Caller must hold q.mu.
func (q *Queue) evictLocked() {
	excess := len(q.jobs) - q.maxJobs
	if excess <= 0 {
		return
	}
	finished := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if j.FinishedAt != nil {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].FinishedAt.Before(*finished[b].FinishedAt) })
	for i := 0; i < excess && i < len(finished); i++ {
		delete(q.jobs, finished[i].ID)
	}
}
