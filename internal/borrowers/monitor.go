// Package borrowers tracks the health of lending positions and warns before
// they become liquidatable.
package borrowers

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chainwatch/internal/chain"
	"chainwatch/internal/format"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/workqueue"
)

// Querier reads a position's account data from the lending pool.
type Querier interface {
	UserAccountData(ctx context.Context, pool, user common.Address) (chain.AccountData, error)
}

// Notifier receives deduplicated chat messages.
type Notifier interface {
	BroadcastOnce(text string)
}

// HealthChecker evaluates per-account health factor alert rules.
type HealthChecker interface {
	CheckHealthFactor(ctx context.Context, account string, hf float64)
}

// Position identifies a borrower in a lending pool.
type Position struct {
	Pool common.Address `json:"pool"`
	User common.Address `json:"user"`
}

func (p Position) String() string {
	return strings.ToLower(p.Pool.Hex()) + "/" + strings.ToLower(p.User.Hex())
}

// Record is the last computed state of a position.
type Record struct {
	Pool                 string    `json:"pool"`
	Address              string    `json:"address"`
	TotalCollateralBase  float64   `json:"totalCollateralBase"`
	TotalDebtBase        float64   `json:"totalDebtBase"`
	AvailableBorrowsBase float64   `json:"availableBorrowsBase"`
	LiquidationThreshold float64   `json:"currentLiquidationThreshold"`
	LTV                  float64   `json:"ltv"`
	HealthFactor         float64   `json:"healthFactor"`
	Updated              time.Time `json:"updated"`
}

// Options configure a Monitor.
type Options struct {
	// LiquidationAlert is the health factor below which a warning is broadcast. Zero disables it.
	LiquidationAlert float64
}

// Monitor recomputes position health on a priority queue, riskiest first.
type Monitor struct {
	querier  Querier
	queue    *workqueue.Queue
	notifier Notifier
	checker  HealthChecker
	fmt      *format.Formatter
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	records map[Position]Record

	lastGlobal atomic.Int64
	lastUpdate atomic.Int64

	health      *prometheus.GaugeVec
	collateral  *prometheus.GaugeVec
	debt        *prometheus.GaugeVec
	available   *prometheus.GaugeVec
	errors      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastBlock   prometheus.Gauge
	globalBlock prometheus.Gauge
}

// New builds a monitor. queue must be started by the caller.
func New(querier Querier, queue *workqueue.Queue, notifier Notifier, checker HealthChecker, formatter *format.Formatter, opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Monitor {
	labels := []string{"contract", "address"}
	m := &Monitor{
		querier:  querier,
		queue:    queue,
		notifier: notifier,
		checker:  checker,
		fmt:      formatter,
		opts:     opts,
		logger:   logger.With().Str("component", "borrowers").Logger(),
		now:      time.Now,
		records:  make(map[Position]Record),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "health_factor",
			Help: "Borrower health factor.",
		}, labels),
		collateral: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "total_collateral_base",
			Help: "Total collateral in base currency.",
		}, labels),
		debt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "total_debt_base",
			Help: "Total debt in base currency.",
		}, labels),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "available_borrows_base",
			Help: "Available borrows in base currency.",
		}, labels),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "update_errors_total",
			Help: "Failed health recomputations.",
		}, []string{"contract"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "update_duration_seconds",
			Help:    "Duration of health recomputations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		}, []string{"success"}),
		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "last_update_block",
			Help: "Block of the last position update.",
		}),
		globalBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "borrowers", Name: "last_global_update_block",
			Help: "Block of the last global refresh.",
		}),
	}
	m.lastGlobal.Store(-1)
	m.lastUpdate.Store(-1)
	if reg != nil {
		reg.MustRegister(m.health, m.collateral, m.debt, m.available, m.errors, m.duration, m.lastBlock, m.globalBlock)
	}
	return m
}

// Priority is 1/hf for known positions; unknown positions are most urgent.
func (m *Monitor) priority(p Position) float64 {
	m.mu.RLock()
	rec, ok := m.records[p]
	m.mu.RUnlock()
	if !ok || rec.HealthFactor <= 0 {
		return math.Inf(1)
	}
	return 1 / rec.HealthFactor
}

// Update queues a health recomputation of p and returns immediately.
func (m *Monitor) Update(p Position) {
	m.queue.Add(p.String(), m.priority(p), func(ctx context.Context) error {
		return m.refresh(ctx, p)
	})
}

func (m *Monitor) refresh(ctx context.Context, p Position) error {
	start := m.now()
	pool := strings.ToLower(p.Pool.Hex())

	data, err := m.querier.UserAccountData(ctx, p.Pool, p.User)
	if err != nil {
		m.duration.WithLabelValues("false").Observe(time.Since(start).Seconds())
		m.errors.WithLabelValues(pool).Inc()
		return fmt.Errorf("update health of %s: %w", p, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rec := Record{
		Pool:                 pool,
		Address:              strings.ToLower(p.User.Hex()),
		TotalCollateralBase:  data.TotalCollateralBase.InexactFloat64(),
		TotalDebtBase:        data.TotalDebtBase.InexactFloat64(),
		AvailableBorrowsBase: data.AvailableBorrowsBase.InexactFloat64(),
		LiquidationThreshold: data.LiquidationThreshold.InexactFloat64(),
		LTV:                  data.LTV.InexactFloat64(),
		HealthFactor:         data.HealthFactor.InexactFloat64(),
		Updated:              m.now(),
	}

	m.mu.Lock()
	m.records[p] = rec
	m.mu.Unlock()

	m.health.WithLabelValues(rec.Pool, rec.Address).Set(rec.HealthFactor)
	m.collateral.WithLabelValues(rec.Pool, rec.Address).Set(rec.TotalCollateralBase)
	m.debt.WithLabelValues(rec.Pool, rec.Address).Set(rec.TotalDebtBase)
	m.available.WithLabelValues(rec.Pool, rec.Address).Set(rec.AvailableBorrowsBase)
	m.duration.WithLabelValues("true").Observe(time.Since(start).Seconds())

	if m.opts.LiquidationAlert > 0 && rec.HealthFactor < m.opts.LiquidationAlert && m.notifier != nil {
		m.notifier.BroadcastOnce(m.liquidationMessage(rec))
	}
	if m.checker != nil {
		m.checker.CheckHealthFactor(ctx, rec.Address, rec.HealthFactor)
	}
	return nil
}

func (m *Monitor) liquidationMessage(rec Record) string {
	heart := "❤️"
	if rec.HealthFactor < 1 {
		heart = "💔"
	}
	hf := math.Floor(rec.HealthFactor*100) / 100
	account := rec.Address
	if m.fmt != nil {
		account = m.fmt.Account(rec.Address, false)
	}
	return fmt.Sprintf("🚨 liquidation imminent for %s position %s**%.2f** with **%s** collateral at risk",
		account, heart, hf, format.USD(rec.TotalCollateralBase))
}

// UpdateAll re-queues every known position once per block. Calls for a block
// not newer than the previous global update are ignored.
func (m *Monitor) UpdateAll(block uint64) bool {
	if int64(block) <= m.lastGlobal.Load() {
		return false
	}
	m.lastGlobal.Store(int64(block))
	m.lastUpdate.Store(int64(block))
	m.globalBlock.Set(float64(block))
	m.lastBlock.Set(float64(block))

	for _, p := range m.Positions() {
		m.Update(p)
	}
	return true
}

// Positions returns every known position.
func (m *Monitor) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.records))
	for p := range m.records {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Source lists positions seen historically.
type Source interface {
	Borrowers(ctx context.Context) ([]Position, error)
}

// Bootstrap queues every historical position and marks head as the last global update.
func (m *Monitor) Bootstrap(ctx context.Context, src Source, head uint64) (int, error) {
	positions, err := src.Borrowers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load borrowers: %w", err)
	}
	for _, p := range positions {
		m.Update(p)
	}
	m.lastGlobal.Store(int64(head))
	m.lastUpdate.Store(int64(head))
	m.globalBlock.Set(float64(head))
	m.lastBlock.Set(float64(head))
	m.logger.Info().Int("borrowers", len(positions)).Uint64("block", head).Msg("borrowers queued from history")
	return len(positions), nil
}

// Handler wraps inner so that, after it runs, the position owned by the
// log's account argument is recomputed.
func (m *Monitor) Handler(account string, inner pipeline.Handler) pipeline.Handler {
	return func(ctx context.Context, p pipeline.Payload) error {
		var innerErr error
		if inner != nil {
			innerErr = inner(ctx, p)
		}
		if p.Log == nil {
			return innerErr
		}
		user, err := p.Log.AddressArg(account)
		if err != nil {
			if innerErr != nil {
				return innerErr
			}
			return err
		}
		m.Update(Position{Pool: p.Log.Address, User: user})
		m.lastUpdate.Store(int64(p.BlockNumber))
		m.lastBlock.Set(float64(p.BlockNumber))
		return innerErr
	}
}

// Snapshot is the diagnostics view of the monitor.
type Snapshot struct {
	LastGlobalUpdate int64    `json:"lastGlobalUpdate"`
	LastUpdate       int64    `json:"lastUpdate"`
	Borrowers        []Record `json:"borrowers"`
}

// ByHealth returns records sorted by ascending health factor, keeping those
// below maxHF (all when maxHF <= 0).
func (m *Monitor) ByHealth(maxHF float64) Snapshot {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if maxHF > 0 && r.HealthFactor >= maxHF {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthFactor == out[j].HealthFactor {
			return out[i].Address < out[j].Address
		}
		return out[i].HealthFactor < out[j].HealthFactor
	})
	return Snapshot{LastGlobalUpdate: m.lastGlobal.Load(), LastUpdate: m.lastUpdate.Load(), Borrowers: out}
}

// ByAddress returns every record of the given user across pools.
func (m *Monitor) ByAddress(address string) []Record {
	address = strings.ToLower(address)
	var out []Record
	for _, r := range m.ByHealth(0).Borrowers {
		if r.Address == address {
			out = append(out, r)
		}
	}
	return out
}
