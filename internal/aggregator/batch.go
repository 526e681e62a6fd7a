package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainwatch/internal/chain"
)

// DefaultBatchWindow is how long purchases are collected after the first one.
const DefaultBatchWindow = time.Minute

// Purchase is one trade folded into a batch.
type Purchase struct {
	Who    string
	Sold   chain.Amount
	Bought chain.Amount
}

// Summary totals a batch per asset, in first-seen order.
type Summary struct {
	Who    string
	Sold   []chain.Amount
	Bought []chain.Amount
	Count  int
}

// Note renders the batching annotation, empty for a single purchase.
func (s Summary) Note() string {
	if s.Count <= 1 {
		return ""
	}
	return fmt.Sprintf("split over %d swaps", s.Count)
}

// SummaryEmitter receives closed batches.
type SummaryEmitter func(ctx context.Context, s Summary) error

// Batch collects purchases for a fixed wall-clock window opened by the first
// purchase, then emits one summary.
type Batch struct {
	window time.Duration
	emit   SummaryEmitter
	logger zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending []Purchase
}

// NewBatch builds a batch. window <= 0 selects DefaultBatchWindow.
func NewBatch(window time.Duration, emit SummaryEmitter, logger zerolog.Logger) *Batch {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &Batch{
		window: window,
		emit:   emit,
		logger: logger.With().Str("component", "batch_aggregator").Logger(),
	}
}

// Add buffers p, opening the window when the batch is empty.
func (b *Batch) Add(p Purchase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		b.timer = time.AfterFunc(b.window, b.expire)
	}
	b.pending = append(b.pending, p)
}

// Flush emits the open batch, if any, without waiting for its window.
func (b *Batch) Flush(ctx context.Context) error {
	s, ok := b.take()
	if !ok {
		return nil
	}
	return b.emit(ctx, s)
}

// Pending returns the number of buffered purchases.
func (b *Batch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batch) expire() {
	s, ok := b.take()
	if !ok {
		return
	}
	if err := b.emit(context.Background(), s); err != nil {
		b.logger.Error().Err(err).Str("who", s.Who).Msg("emit batch")
	}
}

func (b *Batch) take() (Summary, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return Summary{}, false
	}
	s := summarize(b.pending)
	b.pending = nil
	return s, true
}

func summarize(entries []Purchase) Summary {
	s := Summary{Who: entries[0].Who, Count: len(entries)}
	for _, e := range entries {
		s.Sold = addAmount(s.Sold, e.Sold)
		s.Bought = addAmount(s.Bought, e.Bought)
	}
	return s
}

func addAmount(totals []chain.Amount, a chain.Amount) []chain.Amount {
	for i := range totals {
		if totals[i].Asset == a.Asset {
			totals[i].Value = totals[i].Value.Add(a.Value)
			return totals
		}
	}
	return append(totals, a)
}
