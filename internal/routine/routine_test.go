package routine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerWaitsForAll(t *testing.T) {
	var r Runner
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		r.Go("counter", func() { count.Add(1) })
	}
	r.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestRunnerSurvivesPanic(t *testing.T) {
	var r Runner
	var ran atomic.Bool
	r.Go("boom", func() { panic("boom") })
	r.GoWithContext(context.Background(), "after", func(ctx context.Context) {
		ran.Store(ctx != nil)
	})
	r.Wait()
	assert.True(t, ran.Load())
}

func TestRun(t *testing.T) {
	sentinel := errors.New("sentinel")
	assert.ErrorIs(t, Run("plain", func() error { return sentinel }), sentinel)
	require.NoError(t, Run("ok", func() error { return nil }))

	err := Run("boom", func() error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
