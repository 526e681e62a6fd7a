// Package aggregator buffers related chain activity and emits one
// consolidated report per batch.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainwatch/internal/chain"
)

// DefaultTradeWindow is the block span over which scheduled sub-trades are merged.
const DefaultTradeWindow = 50

// Contribution is one executed step of a scheduled trade.
type Contribution struct {
	Session   string
	Who       string
	AssetIn   chain.AssetID
	AssetOut  chain.AssetID
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	Block     uint64
	// NextBlock is the block of the next planned execution, zero if none.
	NextBlock uint64
}

// Trade is a consolidated trade emitted on flush.
type Trade struct {
	Session    string
	Who        string
	AssetIn    chain.AssetID
	AssetOut   chain.AssetID
	AmountIn   decimal.Decimal
	AmountOut  decimal.Decimal
	Count      int
	FirstBlock uint64
	LastBlock  uint64
}

// Note renders the batching annotation, empty for a single trade.
func (t Trade) Note() string {
	if t.Count <= 1 {
		return ""
	}
	return fmt.Sprintf("split over %d swaps", t.Count)
}

// TradeEmitter receives flushed trades.
type TradeEmitter func(ctx context.Context, t Trade) error

// Trades merges scheduled sub-trades per session.
type Trades struct {
	window uint64
	emit   TradeEmitter
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[string][]Contribution
	order   []string
}

// NewTrades builds a trade aggregator. window <= 0 selects DefaultTradeWindow.
func NewTrades(window uint64, emit TradeEmitter, logger zerolog.Logger) *Trades {
	if window == 0 {
		window = DefaultTradeWindow
	}
	return &Trades{
		window:  window,
		emit:    emit,
		logger:  logger.With().Str("component", "trade_aggregator").Logger(),
		buckets: make(map[string][]Contribution),
	}
}

// Contribute adds one execution. A lone execution whose next step is beyond
// the window is emitted immediately; otherwise the session buffers until its
// block spread exceeds the window or the schedule ends.
func (a *Trades) Contribute(ctx context.Context, c Contribution) error {
	a.mu.Lock()
	buffered := a.buckets[c.Session]
	nearNext := c.NextBlock != 0 && c.NextBlock > c.Block && c.NextBlock-c.Block < a.window

	if !nearNext {
		if len(buffered) == 0 {
			a.mu.Unlock()
			return a.emit(ctx, merge([]Contribution{c}))
		}
		a.append(c)
		trade := a.takeLocked(c.Session)
		a.mu.Unlock()
		return a.emit(ctx, trade)
	}

	a.append(c)
	buffered = a.buckets[c.Session]
	minBlock, maxBlock := buffered[0].Block, buffered[0].Block
	for _, b := range buffered {
		minBlock = min(minBlock, b.Block)
		maxBlock = max(maxBlock, b.Block)
	}
	if maxBlock-minBlock <= a.window {
		a.mu.Unlock()
		return nil
	}
	trade := a.takeLocked(c.Session)
	a.mu.Unlock()
	return a.emit(ctx, trade)
}

// Terminate flushes the session's buffer, if any.
func (a *Trades) Terminate(ctx context.Context, session string) error {
	a.mu.Lock()
	if len(a.buckets[session]) == 0 {
		a.mu.Unlock()
		return nil
	}
	trade := a.takeLocked(session)
	a.mu.Unlock()
	return a.emit(ctx, trade)
}

// Flush emits every buffered session in first-seen order.
func (a *Trades) Flush(ctx context.Context) error {
	a.mu.Lock()
	trades := make([]Trade, 0, len(a.order))
	for len(a.order) > 0 {
		trades = append(trades, a.takeLocked(a.order[0]))
	}
	a.mu.Unlock()

	var errs []error
	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := a.emit(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if len(trades) > 0 {
		a.logger.Info().Int("sessions", len(trades)).Msg("flushed pending trades")
	}
	return errors.Join(errs...)
}

// Pending returns the number of buffered sessions.
func (a *Trades) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

func (a *Trades) append(c Contribution) {
	if len(a.buckets[c.Session]) == 0 {
		a.order = append(a.order, c.Session)
	}
	a.buckets[c.Session] = append(a.buckets[c.Session], c)
}

func (a *Trades) takeLocked(session string) Trade {
	entries := a.buckets[session]
	delete(a.buckets, session)
	for i, s := range a.order {
		if s == session {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return merge(entries)
}

func merge(entries []Contribution) Trade {
	first := entries[0]
	t := Trade{
		Session:    first.Session,
		Who:        first.Who,
		AssetIn:    first.AssetIn,
		AssetOut:   first.AssetOut,
		Count:      len(entries),
		FirstBlock: first.Block,
		LastBlock:  first.Block,
	}
	for _, e := range entries {
		t.AmountIn = t.AmountIn.Add(e.AmountIn)
		t.AmountOut = t.AmountOut.Add(e.AmountOut)
		t.FirstBlock = min(t.FirstBlock, e.Block)
		t.LastBlock = max(t.LastBlock, e.Block)
	}
	return t
}
