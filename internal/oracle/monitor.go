// Package oracle compares oracle-reported prices with the router's spot
// prices and alerts on divergence and abrupt moves.
package oracle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chainwatch/internal/alerts"
	"chainwatch/internal/chain"
	"chainwatch/internal/format"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/spot"
	"chainwatch/internal/workqueue"
)

// ValueDecimals is the fixed-point precision of oracle values.
const ValueDecimals = 8

const defaultSeriesSize = 10_000

// AssetResolver maps a symbol to an asset id.
type AssetResolver interface {
	BySymbol(symbol string) (chain.AssetID, bool)
}

// Notifier receives deduplicated chat messages.
type Notifier interface {
	BroadcastOnce(text string)
}

// Alerter raises and clears alerts.
type Alerter interface {
	Trigger(ctx context.Context, typ, key string, state alerts.State, message string, opts ...alerts.TriggerOption) bool
}

// Observation is one oracle report.
type Observation struct {
	Key       string
	Value     float64
	Timestamp int64
	Block     uint64
}

// Record is the latest known state of an oracle key.
type Record struct {
	Key          string        `json:"key"`
	OraclePrice  float64       `json:"oraclePrice"`
	SpotPrice    float64       `json:"spotPrice,omitempty"`
	Divergence   float64       `json:"divergence"`
	Base         string        `json:"baseAsset,omitempty"`
	Quote        string        `json:"quoteAsset,omitempty"`
	BaseAssetID  chain.AssetID `json:"baseAssetId,omitempty"`
	QuoteAssetID chain.AssetID `json:"quoteAssetId,omitempty"`
	Timestamp    int64         `json:"timestamp"`
	Updated      time.Time     `json:"updated"`

	resolved bool
	hasSpot  bool
}

// Point is one spot comparison, kept for replay reports.
type Point struct {
	Time       time.Time
	Block      uint64
	Key        string
	Oracle     float64
	Spot       float64
	Divergence float64
}

// Options configure a Monitor.
type Options struct {
	// DivergenceThreshold is the fraction above which oracle and spot are
	// considered diverged. Zero disables divergence alerts.
	DivergenceThreshold float64
	// SeriesSize bounds the retained comparison points.
	SeriesSize int
}

// Monitor owns the oracle price records.
type Monitor struct {
	router   spot.Router
	assets   AssetResolver
	alerter  Alerter
	notifier Notifier
	deltas   *DeltaTracker
	queue    *workqueue.Queue
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
	series  []Point

	lastGlobal atomic.Int64
	lastUpdate atomic.Int64

	oraclePrice *prometheus.GaugeVec
	spotPrice   *prometheus.GaugeVec
	divergence  *prometheus.GaugeVec
	errors      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastBlock   prometheus.Gauge
	globalBlock prometheus.Gauge
}

// New builds a monitor. deltas may be nil; queue must be started by the caller.
func New(router spot.Router, assets AssetResolver, alerter Alerter, notifier Notifier, deltas *DeltaTracker, queue *workqueue.Queue, opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Monitor {
	if opts.SeriesSize <= 0 {
		opts.SeriesSize = defaultSeriesSize
	}

	m := &Monitor{
		router:   router,
		assets:   assets,
		alerter:  alerter,
		notifier: notifier,
		deltas:   deltas,
		queue:    queue,
		opts:     opts,
		logger:   logger.With().Str("component", "oracle").Logger(),
		now:      time.Now,
		records:  make(map[string]*Record),
		oraclePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "oracle_price",
			Help: "Price reported by the oracle.",
		}, []string{"pair"}),
		spotPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "spot_price",
			Help: "Spot price from the trade router.",
		}, []string{"pair"}),
		divergence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "price_divergence",
			Help: "Fractional divergence between oracle and spot price.",
		}, []string{"pair"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "update_errors_total",
			Help: "Failed oracle updates.",
		}, []string{"pair"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "update_duration_seconds",
			Help:    "Duration of oracle updates.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		}, []string{"success"}),
		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "last_update_block",
			Help: "Block of the last oracle update.",
		}),
		globalBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "oracle", Name: "last_global_update_block",
			Help: "Block of the last global refresh.",
		}),
	}
	m.lastGlobal.Store(-1)
	m.lastUpdate.Store(-1)
	if reg != nil {
		reg.MustRegister(m.oraclePrice, m.spotPrice, m.divergence, m.errors, m.duration, m.lastBlock, m.globalBlock)
	}
	return m
}

// Update queues processing of an oracle report and returns immediately.
func (m *Monitor) Update(obs Observation) {
	m.queue.Add("oracle:"+obs.Key, math.Inf(1), func(ctx context.Context) error {
		return m.observe(ctx, obs)
	})
	if obs.Block > 0 {
		m.lastUpdate.Store(int64(obs.Block))
		m.lastBlock.Set(float64(obs.Block))
	}
}

func (m *Monitor) observe(ctx context.Context, obs Observation) error {
	start := m.now()
	m.oraclePrice.WithLabelValues(obs.Key).Set(obs.Value)

	rec := &Record{
		Key:         obs.Key,
		OraclePrice: obs.Value,
		Timestamp:   obs.Timestamp,
		Updated:     m.now(),
	}
	m.resolve(rec)

	if rec.resolved {
		if err := m.compare(ctx, rec, obs.Block, false); err != nil {
			m.duration.WithLabelValues("false").Observe(time.Since(start).Seconds())
			m.errors.WithLabelValues(obs.Key).Inc()
			if ctx.Err() == nil {
				m.store(rec)
			}
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.store(rec)
	m.duration.WithLabelValues("true").Observe(time.Since(start).Seconds())
	return nil
}

// resolve fills the pair's asset ids. Keys without a quote, or with an
// unknown symbol, are stored without spot comparison.
func (m *Monitor) resolve(rec *Record) {
	base, quote, ok := strings.Cut(rec.Key, "/")
	if !ok || m.assets == nil {
		return
	}
	rec.Base, rec.Quote = base, quote
	baseID, ok := m.assets.BySymbol(base)
	if !ok {
		return
	}
	quoteID, ok := m.assets.BySymbol(quote)
	if !ok {
		return
	}
	rec.BaseAssetID, rec.QuoteAssetID = baseID, quoteID
	rec.resolved = true
}

func (m *Monitor) store(rec *Record) {
	m.mu.Lock()
	if prev, ok := m.records[rec.Key]; ok && rec.resolved && !rec.hasSpot && prev.hasSpot {
		rec.SpotPrice, rec.hasSpot = prev.SpotPrice, true
		rec.Divergence = Divergence(rec.OraclePrice, prev.SpotPrice)
	}
	m.records[rec.Key] = rec
	m.mu.Unlock()
}

// compare fetches the spot price and evaluates divergence for rec in place.
func (m *Monitor) compare(ctx context.Context, rec *Record, block uint64, checkDelta bool) error {
	quote, err := m.router.BestSpotPrice(ctx, rec.BaseAssetID, rec.QuoteAssetID)
	if err != nil {
		return fmt.Errorf("spot price of %s: %w", rec.Key, err)
	}
	// The queue may have abandoned the task while the router was answering.
	if err := ctx.Err(); err != nil {
		return err
	}
	if quote == nil {
		return nil
	}

	price := quote.Price()
	rec.SpotPrice = price
	rec.Divergence = Divergence(rec.OraclePrice, price)
	rec.hasSpot = true
	rec.Updated = m.now()

	m.spotPrice.WithLabelValues(rec.Key).Set(price)
	m.divergence.WithLabelValues(rec.Key).Set(rec.Divergence)
	m.appendPoint(Point{Time: rec.Updated, Block: block, Key: rec.Key, Oracle: rec.OraclePrice, Spot: price, Divergence: rec.Divergence})

	if checkDelta && m.deltas != nil && m.alerter != nil {
		if msg, ok := m.deltas.Observe(rec.Key, price, rec.Updated); ok {
			m.alerter.Trigger(ctx, alerts.TypePriceDelta, rec.Key, alerts.StateBad, msg, alerts.WithoutLatch())
		}
	}
	m.checkDivergence(ctx, rec)
	return nil
}

// Divergence is (oracle - spot) / spot, or zero without a positive spot price.
func Divergence(oracle, spot float64) float64 {
	if spot <= 0 {
		return 0
	}
	return (oracle - spot) / spot
}

func (m *Monitor) checkDivergence(ctx context.Context, rec *Record) {
	if m.opts.DivergenceThreshold <= 0 {
		return
	}
	diverged := math.Abs(rec.Divergence) > m.opts.DivergenceThreshold
	pct := math.Abs(rec.Divergence) * 100
	direction := "lower"
	if rec.Divergence > 0 {
		direction = "higher"
	}

	if diverged && m.notifier != nil {
		m.notifier.BroadcastOnce(fmt.Sprintf("⚠️ **%s** borrowing oracle price **%s** is **%.2f%%** %s than router spot price",
			rec.Base, format.USD(rec.OraclePrice), pct, direction))
	}
	if m.alerter == nil {
		return
	}
	state := alerts.StateGood
	if diverged {
		state = alerts.StateBad
	}
	msg := fmt.Sprintf("%s oracle price %.6f is %.2f%% %s than spot %.6f (threshold %.2f%%)",
		rec.Key, rec.OraclePrice, pct, direction, rec.SpotPrice, m.opts.DivergenceThreshold*100)
	m.alerter.Trigger(ctx, alerts.TypeRateDivergence, rec.Key, state, msg)
}

func (m *Monitor) appendPoint(p Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = append(m.series, p)
	if over := len(m.series) - m.opts.SeriesSize; over > 0 {
		m.series = append([]Point(nil), m.series[over:]...)
	}
}

// UpdateAll refreshes the spot price of every resolved pair once per block.
// Calls for a block not newer than the previous global update are ignored.
func (m *Monitor) UpdateAll(block uint64) bool {
	if int64(block) <= m.lastGlobal.Load() {
		return false
	}
	m.lastGlobal.Store(int64(block))
	m.lastUpdate.Store(int64(block))
	m.globalBlock.Set(float64(block))
	m.lastBlock.Set(float64(block))

	for _, rec := range m.snapshot() {
		if !rec.resolved {
			continue
		}
		key := rec.Key
		m.queue.Add("oracle:"+key, math.Abs(rec.Divergence), func(ctx context.Context) error {
			return m.refresh(ctx, key, block)
		})
	}
	return true
}

func (m *Monitor) refresh(ctx context.Context, key string, block uint64) error {
	start := m.now()
	m.mu.RLock()
	cur, ok := m.records[key]
	var rec Record
	if ok {
		rec = *cur
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := m.compare(ctx, &rec, block, true); err != nil {
		m.duration.WithLabelValues("false").Observe(time.Since(start).Seconds())
		m.errors.WithLabelValues(key).Inc()
		return err
	}

	m.mu.Lock()
	if latest, ok := m.records[key]; ok && latest == cur {
		m.records[key] = &rec
	}
	m.mu.Unlock()
	m.duration.WithLabelValues("true").Observe(time.Since(start).Seconds())
	return nil
}

// Source lists the latest historical oracle reports.
type Source interface {
	LatestOraclePrices(ctx context.Context) ([]Observation, error)
}

// Bootstrap seeds the records from history, queues their spot comparison and
// marks the newest historical block as the last global update.
func (m *Monitor) Bootstrap(ctx context.Context, src Source) (int, error) {
	observations, err := src.LatestOraclePrices(ctx)
	if err != nil {
		return 0, fmt.Errorf("load oracle prices: %w", err)
	}

	var head uint64
	for _, obs := range observations {
		m.Update(obs)
		head = max(head, obs.Block)
	}
	if head > 0 {
		m.lastGlobal.Store(int64(head))
		m.globalBlock.Set(float64(head))
	}
	m.logger.Info().Int("pairs", len(observations)).Uint64("block", head).Msg("oracle prices queued from history")
	return len(observations), nil
}

// Handler wraps inner and feeds decoded OracleUpdate logs to the monitor.
func (m *Monitor) Handler(inner pipeline.Handler) pipeline.Handler {
	return func(ctx context.Context, p pipeline.Payload) error {
		var innerErr error
		if inner != nil {
			innerErr = inner(ctx, p)
		}
		if p.Log == nil {
			return innerErr
		}
		obs, err := ObservationFromLog(p.Log, p.BlockNumber)
		if err != nil {
			return err
		}
		m.logger.Debug().Str("key", obs.Key).Float64("value", obs.Value).Msg("oracle update")
		m.Update(obs)
		return innerErr
	}
}

// ObservationFromLog converts a decoded OracleUpdate log.
func ObservationFromLog(lg *chain.DecodedLog, block uint64) (Observation, error) {
	f := lg.Fields()
	key, err := f.String("key")
	if err != nil {
		return Observation{}, err
	}
	value, err := f.Decimal("value")
	if err != nil {
		return Observation{}, err
	}
	ts, err := f.Uint64("timestamp")
	if err != nil {
		return Observation{}, err
	}
	return Observation{
		Key:       key,
		Value:     value.Shift(-ValueDecimals).InexactFloat64(),
		Timestamp: int64(ts),
		Block:     block,
	}, nil
}

func (m *Monitor) snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

// Snapshot is the diagnostics view of the monitor.
type Snapshot struct {
	LastGlobalUpdate int64    `json:"lastGlobalUpdate"`
	LastUpdate       int64    `json:"lastUpdate"`
	Prices           []Record `json:"prices"`
}

// ByDivergence returns records sorted by descending absolute divergence.
func (m *Monitor) ByDivergence() Snapshot {
	out := m.snapshot()
	sort.Slice(out, func(i, j int) bool {
		di, dj := math.Abs(out[i].Divergence), math.Abs(out[j].Divergence)
		if di == dj {
			return out[i].Key < out[j].Key
		}
		return di > dj
	})
	return Snapshot{LastGlobalUpdate: m.lastGlobal.Load(), LastUpdate: m.lastUpdate.Load(), Prices: out}
}

// Get returns the record for key.
func (m *Monitor) Get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Series returns the retained spot comparisons in arrival order.
func (m *Monitor) Series() []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Point(nil), m.series...)
}
