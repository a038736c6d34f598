package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"vigilnet/pkg/distributed"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunner_RejectsInvalidJobs(t *testing.T) {
	r := NewRunner(nil, zap.NewNop().Sugar())

	assert.Error(t, r.Every(Job{Interval: time.Second, Run: func(context.Context) error { return nil }}))
	assert.Error(t, r.Every(Job{Name: "x", Run: func(context.Context) error { return nil }}))
	assert.Error(t, r.Every(Job{Name: "x", Interval: time.Second}))
}

func TestRunner_RunsJobsUntilCancelled(t *testing.T) {
	r := NewRunner(nil, zap.NewNop().Sugar())

	var runs, failing atomic.Int32
	require.NoError(t, r.Every(Job{Name: "count", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, r.Every(Job{Name: "fail", Interval: 10 * time.Millisecond, Exclusive: true, Run: func(context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 && failing.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_WorkerFailureStopsRunner(t *testing.T) {
	r := NewRunner(nil, zap.NewNop().Sugar())
	r.Go("broken", func(context.Context) error { return errors.New("subscription lost") })
	r.Go("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker broken")
}

func TestRunner_ExclusiveJobSkippedWhileLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locks := distributed.NewLockManager(client, "test:lock:")
	holder := locks.AcquireLock("job:sweep", time.Minute)
	acquired, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	r := NewRunner(locks, zap.NewNop().Sugar())
	var exclusive, local atomic.Int32
	require.NoError(t, r.Every(Job{Name: "sweep", Interval: 10 * time.Millisecond, Exclusive: true, Run: func(context.Context) error {
		exclusive.Add(1)
		return nil
	}}))
	require.NoError(t, r.Every(Job{Name: "gauges", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		local.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return local.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, exclusive.Load())

	require.NoError(t, holder.Unlock(context.Background()))
	require.Eventually(t, func() bool { return exclusive.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
