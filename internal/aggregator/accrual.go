package aggregator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultAccrualWindows are the short, medium and long reporting spans in blocks.
var DefaultAccrualWindows = []uint64{150, 7200, 15000}

// Accrued is a window's total reported on flush.
type Accrued struct {
	Window uint64
	Amount decimal.Decimal
	Since  uint64
	Until  uint64
}

// AccrualReporter receives non-empty window totals.
type AccrualReporter func(ctx context.Context, a Accrued) error

type accrual struct {
	amount decimal.Decimal
	since  uint64
	last   uint64
	open   bool
}

// Accrual sums a stream of amounts over several independent block windows.
type Accrual struct {
	windows []uint64
	report  AccrualReporter
	logger  zerolog.Logger

	mu    sync.Mutex
	state map[uint64]*accrual
}

// NewAccrual builds an accrual aggregator; empty windows selects DefaultAccrualWindows.
func NewAccrual(windows []uint64, report AccrualReporter, logger zerolog.Logger) *Accrual {
	if len(windows) == 0 {
		windows = DefaultAccrualWindows
	}
	ws := append([]uint64(nil), windows...)
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })

	state := make(map[uint64]*accrual, len(ws))
	for _, w := range ws {
		state[w] = &accrual{}
	}
	return &Accrual{
		windows: ws,
		report:  report,
		logger:  logger.With().Str("component", "accrual_aggregator").Logger(),
		state:   state,
	}
}

// Add accrues amount at block into every window. Windows whose span since
// their start exceeds their size report and restart at block.
func (a *Accrual) Add(ctx context.Context, amount decimal.Decimal, block uint64) error {
	var due []Accrued

	a.mu.Lock()
	for _, w := range a.windows {
		s := a.state[w]
		if !s.open {
			s.open, s.since = true, block
		}
		s.amount = s.amount.Add(amount)
		s.last = block
		if block-s.since > w {
			if s.amount.IsPositive() {
				due = append(due, Accrued{Window: w, Amount: s.amount, Since: s.since, Until: block})
			}
			s.amount, s.since = decimal.Zero, block
		}
	}
	a.mu.Unlock()

	return a.deliver(ctx, due)
}

// Flush reports every window holding a positive total and resets it.
func (a *Accrual) Flush(ctx context.Context) error {
	var due []Accrued

	a.mu.Lock()
	for _, w := range a.windows {
		s := a.state[w]
		if s.open && s.amount.IsPositive() {
			due = append(due, Accrued{Window: w, Amount: s.amount, Since: s.since, Until: s.last})
		}
		*s = accrual{}
	}
	a.mu.Unlock()

	return a.deliver(ctx, due)
}

// Snapshot returns the current per-window totals.
func (a *Accrual) Snapshot() []Accrued {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Accrued, 0, len(a.windows))
	for _, w := range a.windows {
		s := a.state[w]
		out = append(out, Accrued{Window: w, Amount: s.amount, Since: s.since, Until: s.last})
	}
	return out
}

func (a *Accrual) deliver(ctx context.Context, due []Accrued) error {
	var errs []error
	for _, d := range due {
		if err := a.report(ctx, d); err != nil {
			a.logger.Error().Err(err).Uint64("window", d.Window).Msg("accrual report failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
