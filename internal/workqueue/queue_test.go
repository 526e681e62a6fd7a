package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsHighestPriorityFirst(t *testing.T) {
	q := New("test", Options{Concurrency: 1, Timeout: time.Second}, zerolog.Nop(), nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	q.Add("low", 0.5, record("low"))
	q.Add("urgent", 10, record("urgent"))
	q.Add("mid", 1, record("mid"))
	assert.Equal(t, 3, q.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.Wait(waitCtx))

	assert.Equal(t, []string{"urgent", "mid", "low"}, order)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.Pending())
}

func TestQueueBoundsConcurrency(t *testing.T) {
	q := New("bounded", Options{Concurrency: 2, Timeout: time.Second}, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var current, peak int32
	for i := 0; i < 10; i++ {
		q.Add("task", 1, func(context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.Wait(waitCtx))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestQueueAbandonsSlowTasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := New("slow", Options{Concurrency: 1, Timeout: 20 * time.Millisecond}, zerolog.Nop(), reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var committed atomic.Bool
	q.Add("stuck", 1, func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		if ctx.Err() == nil {
			committed.Store(true)
		}
		return nil
	})
	var ran atomic.Bool
	q.Add("next", 0, func(context.Context) error {
		ran.Store(true)
		return nil
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.Wait(waitCtx))

	assert.False(t, committed.Load())
	assert.True(t, ran.Load(), "a timed out task frees its slot")
	assert.Equal(t, 1.0, testutil.ToFloat64(q.abandoned))
}

func TestQueueCountsFailuresAndRecoversPanics(t *testing.T) {
	q := New("failing", Options{Concurrency: 1, Timeout: time.Second}, zerolog.Nop(), prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Add("err", 1, func(context.Context) error { return errors.New("rpc down") })
	q.Add("panic", 1, func(context.Context) error { panic("boom") })

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.Wait(waitCtx))
	assert.Equal(t, 2.0, testutil.ToFloat64(q.failures))
}

func TestQueueWaitWhenIdle(t *testing.T) {
	q := New("idle", Options{}, zerolog.Nop(), nil)
	require.NoError(t, q.Wait(context.Background()))
}

func TestQueueRunsEveryTaskOfAKey(t *testing.T) {
	q := New("keys", Options{Concurrency: 1, Timeout: time.Second}, zerolog.Nop(), nil)

	var runs int32
	for i := 0; i < 3; i++ {
		q.Add("oracle:DOT/USD", float64(i), func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
	}
	assert.Equal(t, 3, q.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.NoError(t, q.Wait(ctx))
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
}
