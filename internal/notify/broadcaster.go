package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options configure a Broadcaster.
type Options struct {
	// Mute drops messages containing any of these substrings.
	Mute []string
	// OnceCacheSize bounds the memory of BroadcastOnce.
	OnceCacheSize int
}

// Broadcaster delivers messages in submission order on a single worker so that
// callers never wait for the chat.
type Broadcaster struct {
	sink   Sink
	mute   []string
	logger zerolog.Logger

	once   *lru.Cache[string, struct{}]
	onceMu sync.Mutex

	mu          sync.Mutex
	queue       []string
	wake        chan struct{}
	outstanding int
	idle        chan struct{}

	sent    prometheus.Counter
	failed  prometheus.Counter
	dropped prometheus.Counter
}

// NewBroadcaster wraps sink. A nil sink is allowed; messages are then only logged.
func NewBroadcaster(sink Sink, opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Broadcaster {
	if opts.OnceCacheSize <= 0 {
		opts.OnceCacheSize = 10_000
	}

	sent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch", Subsystem: "notify", Name: "messages_sent_total",
		Help: "Messages delivered to the chat sink.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch", Subsystem: "notify", Name: "messages_failed_total",
		Help: "Messages the chat sink rejected.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch", Subsystem: "notify", Name: "messages_dropped_total",
		Help: "Messages suppressed by the mute list or deduplication.",
	})
	if reg != nil {
		reg.MustRegister(sent, failed, dropped)
	}

	idle := make(chan struct{})
	close(idle)

	mute := make([]string, 0, len(opts.Mute))
	for _, m := range opts.Mute {
		if m = strings.TrimSpace(m); m != "" {
			mute = append(mute, m)
		}
	}

	return &Broadcaster{
		sink:    sink,
		mute:    mute,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
		once:    lru.NewCache[string, struct{}](opts.OnceCacheSize),
		wake:    make(chan struct{}, 1),
		idle:    idle,
		sent:    sent,
		failed:  failed,
		dropped: dropped,
	}
}

// Broadcast queues text for delivery.
func (b *Broadcaster) Broadcast(text string) {
	if b.muted(text) {
		b.dropped.Inc()
		return
	}

	b.mu.Lock()
	if b.outstanding == 0 {
		b.idle = make(chan struct{})
	}
	b.outstanding++
	b.queue = append(b.queue, text)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// BroadcastOnce queues text unless identical text was already broadcast.
func (b *Broadcaster) BroadcastOnce(text string) {
	b.onceMu.Lock()
	if _, seen := b.once.Get(text); seen {
		b.onceMu.Unlock()
		b.dropped.Inc()
		return
	}
	b.once.Add(text, struct{}{})
	b.onceMu.Unlock()

	b.Broadcast(text)
}

func (b *Broadcaster) muted(text string) bool {
	for _, m := range b.mute {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Run delivers queued messages until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		b.deliverPending(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
		}
	}
}

// Drain waits until every queued message has been handed to the sink or ctx ends.
func (b *Broadcaster) Drain(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) deliverPending(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		text := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(ctx, text)

		b.mu.Lock()
		b.outstanding--
		if b.outstanding == 0 {
			close(b.idle)
		}
		b.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, text string) {
	b.logger.Info().Msg(text)
	if b.sink == nil {
		return
	}
	if err := b.sink.Send(ctx, text); err != nil {
		b.failed.Inc()
		b.logger.Error().Err(err).Msg("broadcast failed")
		return
	}
	b.sent.Inc()
}
