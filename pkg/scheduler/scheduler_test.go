package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRunsImmediatelyAndStops(t *testing.T) {
	s := New()
	var n int32
	s.Every("tick", 10*time.Millisecond, true, FuncJob(func(ctx context.Context) {
		atomic.AddInt32(&n, 1)
	}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&n)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&n))
}

func TestPanickingJobDoesNotKillLoop(t *testing.T) {
	s := New()
	defer s.Stop()
	var n int32
	s.Every("flaky", 5*time.Millisecond, false, FuncJob(func(ctx context.Context) {
		if atomic.AddInt32(&n, 1) == 1 {
			panic("first run")
		}
	}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) >= 2 }, time.Second, 5*time.Millisecond)
}

func TestOnceAfterCancelled(t *testing.T) {
	s := New()
	var ran int32
	s.OnceAfter("once", time.Hour, FuncJob(func(ctx context.Context) { atomic.StoreInt32(&ran, 1) }))
	s.Stop()
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestCronAdd(t *testing.T) {
	cr := NewCron(time.UTC)
	id, err := cr.AddWithCtx("@every 1s", func(ctx context.Context) {})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, cr.Entries(), 1)

	_, err = cr.Add("not a cron", FuncJob(func(ctx context.Context) {}))
	assert.Error(t, err)
	cr.Start()
	cr.Stop()
}
