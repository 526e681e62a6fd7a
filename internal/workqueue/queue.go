// Package workqueue runs background tasks with bounded concurrency in priority
// order, abandoning tasks that exceed their timeout.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Task is one unit of background work. Tasks must observe ctx and avoid
// committing results once it is done.
type Task func(ctx context.Context) error

// Options configure a queue.
type Options struct {
	Concurrency int
	Timeout     time.Duration
}

type item struct {
	key  string
	task Task
}

// Queue executes tasks highest priority first.
type Queue struct {
	name   string
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	base        context.Context
	pending     *prque.Prque[float64, item]
	running     int
	outstanding int
	idle        chan struct{}

	sizeGauge    prometheus.Gauge
	pendingGauge prometheus.Gauge
	failures     prometheus.Counter
	abandoned    prometheus.Counter
	duration     prometheus.Observer
}

// New builds a stopped queue. Metrics are registered on reg when it is non-nil.
func New(name string, opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	labels := prometheus.Labels{"queue": name}
	size := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainwatch", Subsystem: "queue", Name: "size",
		Help: "Tasks waiting for a worker.", ConstLabels: labels,
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainwatch", Subsystem: "queue", Name: "pending",
		Help: "Tasks currently executing.", ConstLabels: labels,
	})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch", Subsystem: "queue", Name: "task_errors_total",
		Help: "Tasks that returned an error.", ConstLabels: labels,
	})
	abandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch", Subsystem: "queue", Name: "task_timeouts_total",
		Help: "Tasks abandoned after exceeding their timeout.", ConstLabels: labels,
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainwatch", Subsystem: "queue", Name: "task_duration_seconds",
		Help: "Task execution time.", ConstLabels: labels,
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	if reg != nil {
		reg.MustRegister(size, pending, failures, abandoned, duration)
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		name:         name,
		opts:         opts,
		logger:       logger.With().Str("component", "workqueue").Str("queue", name).Logger(),
		pending:      prque.New[float64, item](nil),
		idle:         idle,
		sizeGauge:    size,
		pendingGauge: pending,
		failures:     failures,
		abandoned:    abandoned,
		duration:     duration,
	}
}

// Start begins executing queued tasks under ctx. Tasks added before Start wait.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.base = ctx
	q.dispatchLocked()
	q.mu.Unlock()
}

// Add enqueues task. Higher priority runs first; equal priorities run in
// unspecified order. The key only labels logs; tasks sharing a key all run.
func (q *Queue) Add(key string, priority float64, task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding == 0 {
		q.idle = make(chan struct{})
	}
	q.outstanding++
	q.pending.Push(item{key: key, task: task}, priority)
	q.sizeGauge.Set(float64(q.pending.Size()))
	q.dispatchLocked()
}

// Size returns the number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Size()
}

// Pending returns the number of executing tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until the queue is empty and no task is executing.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) dispatchLocked() {
	if q.base == nil {
		return
	}
	for q.running < q.opts.Concurrency && !q.pending.Empty() {
		it, _ := q.pending.Pop()
		q.running++
		go q.execute(it)
	}
	q.sizeGauge.Set(float64(q.pending.Size()))
	q.pendingGauge.Set(float64(q.running))
}

func (q *Queue) execute(it item) {
	defer q.finish()

	if q.base.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(q.base, q.opts.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- q.run(ctx, it)
	}()

	select {
	case err := <-done:
		q.duration.Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, context.Canceled) {
			q.failures.Inc()
			q.logger.Error().Err(err).Str("key", it.key).Msg("task failed")
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			q.abandoned.Inc()
			q.logger.Warn().Str("key", it.key).Dur("timeout", q.opts.Timeout).Msg("task abandoned")
		}
	}
}

func (q *Queue) run(ctx context.Context, it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Str("key", it.key).Msg("task panicked")
			err = errors.New("task panicked")
		}
	}()
	return it.task(ctx)
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	q.outstanding--
	if q.outstanding == 0 {
		close(q.idle)
	}
	q.dispatchLocked()
}
