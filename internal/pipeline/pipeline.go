// Package pipeline loads block events from a data source, correlates them by
// phase and dispatches them to registered listeners.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chainwatch/internal/chain"
)

// ErrWatchdogExpired is returned by Watch when no head arrives within the
// watchdog timeout. The process is expected to exit and be restarted.
var ErrWatchdogExpired = errors.New("pipeline: no new head within watchdog timeout")

// Options configure a Pipeline.
type Options struct {
	// Delay is the finality lag subtracted from each head.
	Delay uint64
	// WatchdogTimeout bounds the silence between heads.
	WatchdogTimeout time.Duration
	// CacheSize bounds the memo of processed heights.
	CacheSize int
	// MaxCatchUp bounds how many skipped heights are replayed after a gap.
	MaxCatchUp uint64
}

// Result summarises one processed block.
type Result struct {
	Block      *chain.Block
	Dispatched int
	Failures   int
}

// Pipeline dispatches block events to listeners in registration order.
type Pipeline struct {
	source chain.DataSource
	opts   Options
	logger zerolog.Logger

	listeners []*listener
	started   atomic.Bool

	done   *lru.Cache[uint64, *Result]
	flight singleflight.Group

	blocks     prometheus.Counter
	dispatched prometheus.Counter
	failures   *prometheus.CounterVec
	loadErrors prometheus.Counter
	lastBlock  prometheus.Gauge
	duration   prometheus.Histogram
}

// New builds a pipeline over source.
func New(source chain.DataSource, opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Pipeline {
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 120 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.MaxCatchUp == 0 {
		opts.MaxCatchUp = 50
	}

	p := &Pipeline{
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
		done:   lru.NewCache[uint64, *Result](opts.CacheSize),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "pipeline", Name: "blocks_processed_total",
			Help: "Blocks loaded and dispatched.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "pipeline", Name: "listener_calls_total",
			Help: "Listener invocations.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "pipeline", Name: "listener_errors_total",
			Help: "Listener invocations that failed or panicked.",
		}, []string{"listener"}),
		loadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "pipeline", Name: "load_errors_total",
			Help: "Blocks skipped because the data source failed.",
		}),
		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "pipeline", Name: "last_block",
			Help: "Height of the last dispatched block.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainwatch", Subsystem: "pipeline", Name: "block_duration_seconds",
			Help:    "Time to load and dispatch one block.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
	if reg != nil {
		reg.MustRegister(p.blocks, p.dispatched, p.failures, p.loadErrors, p.lastBlock, p.duration)
	}
	return p
}

func (p *Pipeline) register(l *listener, opts []ListenerOption) *Pipeline {
	if p.started.Load() {
		panic("pipeline: listeners must be registered before Watch")
	}
	for _, opt := range opts {
		opt(l)
	}
	p.listeners = append(p.listeners, l)
	return p
}

// On registers h for section.method events.
func (p *Pipeline) On(section, method string, h Handler, opts ...ListenerOption) *Pipeline {
	return p.register(&listener{section: section, method: method, handler: h}, opts)
}

// OnFilter registers h for section.method events accepted by pred.
func (p *Pipeline) OnFilter(section, method string, pred Predicate, h Handler, opts ...ListenerOption) *Pipeline {
	return p.register(&listener{section: section, method: method, predicate: pred, handler: h}, opts)
}

// OnSection registers h for every event of section.
func (p *Pipeline) OnSection(section string, h Handler, opts ...ListenerOption) *Pipeline {
	return p.register(&listener{section: section, handler: h}, opts)
}

// OnLog registers h for EVM logs that decode against contract as eventName.
// Logs that fail to decode do not match.
func (p *Pipeline) OnLog(contract abi.ABI, eventName string, h Handler, opts ...ListenerOption) *Pipeline {
	return p.register(&listener{
		section:  chain.SectionEVM,
		method:   chain.MethodLog,
		handler:  h,
		contract: &contract,
		logEvent: eventName,
	}, opts)
}

// Listeners returns the number of registered listeners.
func (p *Pipeline) Listeners() int {
	return len(p.listeners)
}

// ProcessBlock loads and dispatches the block at height. Concurrent and
// repeated calls for the same height share one dispatch.
func (p *Pipeline) ProcessBlock(ctx context.Context, height uint64) (*Result, error) {
	if res, ok := p.done.Get(height); ok {
		return res, nil
	}

	v, err, _ := p.flight.Do(strconv.FormatUint(height, 10), func() (any, error) {
		if res, ok := p.done.Get(height); ok {
			return res, nil
		}
		block, err := p.load(ctx, height)
		if err != nil {
			return nil, err
		}
		res := p.Dispatch(ctx, block)
		p.done.Add(height, res)
		return res, nil
	})
	if err != nil {
		p.loadErrors.Inc()
		return nil, err
	}
	return v.(*Result), nil
}

func (p *Pipeline) load(ctx context.Context, height uint64) (*chain.Block, error) {
	hash, err := p.source.BlockHashAt(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("block hash at %d: %w", height, err)
	}
	events, err := p.source.EventsAt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("events at %d: %w", height, err)
	}
	return chain.NewBlock(height, hash, events), nil
}

// Dispatch runs every matching listener for every event of block, one at a
// time in registration order. Listener failures are logged and isolated.
func (p *Pipeline) Dispatch(ctx context.Context, block *chain.Block) *Result {
	start := time.Now()
	res := &Result{Block: block}

	for _, ev := range block.Events {
		for _, l := range p.listeners {
			payload, ok := l.match(ev)
			if !ok {
				continue
			}
			res.Dispatched++
			p.dispatched.Inc()
			if err := p.invoke(ctx, l, payload); err != nil {
				res.Failures++
				p.failures.WithLabelValues(l.describe()).Inc()
				p.logger.Error().Err(err).
					Str("listener", l.describe()).
					Str("section", ev.Section).
					Str("method", ev.Method).
					Uint64("block", block.Number).
					Int("event", ev.Index).
					Msg("processing of the event failed")
			}
		}
	}

	p.blocks.Inc()
	p.lastBlock.Set(float64(block.Number))
	p.duration.Observe(time.Since(start).Seconds())
	p.logger.Debug().Uint64("block", block.Number).Int("events", len(block.Events)).Int("dispatched", res.Dispatched).Msg("block processed")
	return res
}

func (p *Pipeline) invoke(ctx context.Context, l *listener, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	if len(l.schema) > 0 {
		if err := payload.Fields.Require(l.schema...); err != nil {
			return err
		}
	}
	return l.handler(ctx, payload)
}

// Watch follows the chain head and processes head-Delay for each new head,
// catching up on heights skipped since the previous target. It returns
// ErrWatchdogExpired when heads stop arriving.
func (p *Pipeline) Watch(ctx context.Context) error {
	p.started.Store(true)

	heads, err := p.source.Heads(ctx)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}

	watchdog := time.NewTimer(p.opts.WatchdogTimeout)
	defer watchdog.Stop()

	var (
		last    uint64
		started bool
	)
	p.logger.Info().Int("listeners", len(p.listeners)).Uint64("delay", p.opts.Delay).Msg("watching chain head")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			return ErrWatchdogExpired
		case head, ok := <-heads:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("pipeline: head stream closed")
			}
			watchdog.Reset(p.opts.WatchdogTimeout)

			if head < p.opts.Delay {
				continue
			}
			target := head - p.opts.Delay
			if started && target <= last {
				continue
			}

			from := target
			if started {
				from = last + 1
				if target-from >= p.opts.MaxCatchUp {
					p.logger.Warn().Uint64("from", from).Uint64("to", target).Msg("head gap exceeds catch-up limit")
					from = target - p.opts.MaxCatchUp + 1
				}
			}

			p.logger.Debug().Uint64("head", head).Uint64("target", target).Msg("new head")
			for h := from; h <= target; h++ {
				if _, err := p.ProcessBlock(ctx, h); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					p.logger.Warn().Err(err).Uint64("block", h).Msg("skipping block")
				}
			}
			last, started = target, true
			watchdog.Reset(p.opts.WatchdogTimeout)
		}
	}
}
