package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factcache/internal/core"
	"factcache/internal/verify"
)

func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = q.Get(id)
		return ok && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_RunsJob(t *testing.T) {
	q := NewQueue(func(_ context.Context, sel verify.Selection) (*verify.Report, error) {
		return &verify.Report{TotalSelected: len(sel.IDs), Succeeded: len(sel.IDs), Failed: []verify.Failure{}}, nil
	}, 0)
	defer q.Close()

	job, err := q.Submit(verify.IDsSelection("a", "b"))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobQueued, job.Status)

	done := waitForStatus(t, q, job.ID, JobCompleted)
	require.NotNil(t, done.Report)
	assert.Equal(t, 2, done.Report.Succeeded)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.Error)
}

func TestQueue_RejectsInvalidSelection(t *testing.T) {
	q := NewQueue(func(context.Context, verify.Selection) (*verify.Report, error) { return nil, nil }, 0)
	defer q.Close()

	_, err := q.Submit(verify.Selection{})
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeInvalidRequest))
}

func TestQueue_FailedAndPanickingJobs(t *testing.T) {
	q := NewQueue(func(_ context.Context, sel verify.Selection) (*verify.Report, error) {
		if sel.All {
			panic("sweep exploded")
		}
		return nil, errors.New("catalog unavailable")
	}, 0)
	defer q.Close()

	failed, err := q.Submit(verify.StaleSelection(7))
	require.NoError(t, err)
	panicked, err := q.Submit(verify.AllSelection())
	require.NoError(t, err)

	job := waitForStatus(t, q, failed.ID, JobFailed)
	assert.Equal(t, "catalog unavailable", job.Error)

	job = waitForStatus(t, q, panicked.ID, JobFailed)
	assert.Contains(t, job.Error, "panic")
}

func TestQueue_RunsSequentially(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	q := NewQueue(func(context.Context, verify.Selection) (*verify.Report, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &verify.Report{}, nil
	}, 0)
	defer q.Close()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		job, err := q.Submit(verify.AllSelection())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, q, id, JobCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestQueue_CloseFailsPendingJobs(t *testing.T) {
	started := make(chan struct{})
	q := NewQueue(func(ctx context.Context, _ verify.Selection) (*verify.Report, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0)

	running, err := q.Submit(verify.AllSelection())
	require.NoError(t, err)
	<-started
	queued, err := q.Submit(verify.AllSelection())
	require.NoError(t, err)

	q.Close()

	job, ok := q.Get(running.ID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Contains(t, job.Error, "context canceled")

	job, ok = q.Get(queued.ID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, ErrQueueClosed.Error(), job.Error)

	_, err = q.Submit(verify.AllSelection())
	assert.ErrorIs(t, err, ErrQueueClosed)
	q.Close()
}

func TestQueue_GetUnknown(t *testing.T) {
	q := NewQueue(func(context.Context, verify.Selection) (*verify.Report, error) { return nil, nil }, 0)
	defer q.Close()
	_, ok := q.Get("missing")
	assert.False(t, ok)
}

func TestQueue_EvictsOldestFinished(t *testing.T) {
	q := NewQueue(func(context.Context, verify.Selection) (*verify.Report, error) {
		return &verify.Report{}, nil
	}, 2)
	defer q.Close()

	first, err := q.Submit(verify.AllSelection())
	require.NoError(t, err)
	waitForStatus(t, q, first.ID, JobCompleted)
	second, err := q.Submit(verify.AllSelection())
	require.NoError(t, err)
	waitForStatus(t, q, second.ID, JobCompleted)

	third, err := q.Submit(verify.AllSelection())
	require.NoError(t, err)

	_, ok := q.Get(first.ID)
	assert.False(t, ok)
	_, ok = q.Get(second.ID)
	assert.True(t, ok)
	_, ok = q.Get(third.ID)
	assert.True(t, ok)
}
