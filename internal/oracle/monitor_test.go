package oracle

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainwatch/internal/alerts"
	"chainwatch/internal/chain"
	"chainwatch/internal/spot"
	"chainwatch/internal/workqueue"
)

const (
	dot  chain.AssetID = 5
	usdt chain.AssetID = 10
)

type recordingDispatcher struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingDispatcher) Dispatch(_ context.Context, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return true
}

func (r *recordingDispatcher) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) BroadcastOnce(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

type fixture struct {
	monitor    *Monitor
	router     spot.Static
	queue      *workqueue.Queue
	manager    *alerts.Manager
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, deltas *DeltaTracker) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := chain.NewRegistry(nil, 0)
	registry.Preload(chain.Asset{ID: dot, Symbol: "DOT", Decimals: 10}, chain.Asset{ID: usdt, Symbol: "USDT", Decimals: 6})

	f := &fixture{
		router:     spot.Static{},
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
	}
	f.queue = workqueue.New("oracle", workqueue.Options{Concurrency: 1, Timeout: time.Second}, zerolog.Nop(), nil)
	f.queue.Start(ctx)
	f.manager = alerts.NewManager(f.dispatcher, alerts.Options{}, zerolog.Nop(), nil)
	f.monitor = New(f.router, registry, f.manager, f.notifier, deltas, f.queue, Options{DivergenceThreshold: 0.05}, zerolog.Nop(), nil)
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Wait(ctx))
}

func TestDivergenceRaisesAndResolves(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Set(dot, usdt, 90)

	f.monitor.Update(Observation{Key: "DOT/USD", Value: 100, Timestamp: 1_700_000_000, Block: 10})
	f.wait(t)

	rec, ok := f.monitor.Get("DOT/USD")
	require.True(t, ok)
	assert.InDelta(t, 0.1111, rec.Divergence, 0.0001)
	assert.Equal(t, usdt, rec.QuoteAssetID)
	assert.True(t, f.manager.IsActive(alerts.TypeRateDivergence, "DOT/USD"))

	require.Len(t, f.notifier.texts, 1)
	assert.Equal(t, "⚠️ **DOT** borrowing oracle price **$100** is **11.11%** higher than router spot price", f.notifier.texts[0])

	f.monitor.Update(Observation{Key: "DOT/USD", Value: 92, Block: 11})
	f.wait(t)

	rec, _ = f.monitor.Get("DOT/USD")
	assert.InDelta(t, 0.0222, rec.Divergence, 0.0001)
	assert.False(t, f.manager.IsActive(alerts.TypeRateDivergence, "DOT/USD"))

	sent := f.dispatcher.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "ALERT TRIGGERED")
	assert.Contains(t, sent[1], "ALERT RESOLVED")
}

func TestKeysWithoutQuoteStoreOraclePriceOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.Update(Observation{Key: "BLAST", Value: 3})
	f.monitor.Update(Observation{Key: "FOO/USD", Value: 3})
	f.wait(t)

	rec, ok := f.monitor.Get("BLAST")
	require.True(t, ok)
	assert.Equal(t, 3.0, rec.OraclePrice)
	assert.Zero(t, rec.SpotPrice)

	rec, ok = f.monitor.Get("FOO/USD")
	require.True(t, ok)
	assert.Equal(t, "FOO", rec.Base)
	assert.Empty(t, f.monitor.Series())
	assert.Empty(t, f.dispatcher.sent())
}

func TestUpdateAllRefreshesOncePerBlock(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Set(dot, usdt, 100)
	f.monitor.Update(Observation{Key: "DOT/USD", Value: 100})
	f.monitor.Update(Observation{Key: "BLAST", Value: 1})
	f.wait(t)
	require.Len(t, f.monitor.Series(), 1)

	f.router.Set(dot, usdt, 80)
	assert.True(t, f.monitor.UpdateAll(20))
	f.wait(t)
	assert.False(t, f.monitor.UpdateAll(20))
	assert.False(t, f.monitor.UpdateAll(19))
	f.wait(t)

	series := f.monitor.Series()
	require.Len(t, series, 2)
	assert.Equal(t, uint64(20), series[1].Block)
	assert.InDelta(t, 0.25, series[1].Divergence, 1e-9)

	snap := f.monitor.ByDivergence()
	assert.Equal(t, int64(20), snap.LastGlobalUpdate)
	require.Len(t, snap.Prices, 2)
	assert.Equal(t, "DOT/USD", snap.Prices[0].Key)
	assert.True(t, f.manager.IsActive(alerts.TypeRateDivergence, "DOT/USD"))
}

func TestUpdateAllFeedsPriceDeltas(t *testing.T) {
	deltas, err := NewDeltaTracker([]alerts.DeltaRule{{Pair: "DOT/USD", Change: "5%", Window: "10m"}})
	require.NoError(t, err)
	f := newFixture(t, deltas)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.monitor.now = func() time.Time { return clock }

	f.router.Set(dot, usdt, 100)
	f.monitor.Update(Observation{Key: "DOT/USD", Value: 100})
	f.wait(t)

	f.monitor.UpdateAll(1)
	f.wait(t)
	clock = clock.Add(time.Minute)
	f.router.Set(dot, usdt, 107)
	f.monitor.UpdateAll(2)
	f.wait(t)

	var deltasSeen []alerts.HistoryEntry
	for _, h := range f.manager.History(0) {
		if h.Type == alerts.TypePriceDelta {
			deltasSeen = append(deltasSeen, h)
		}
	}
	require.Len(t, deltasSeen, 1)
	assert.Equal(t, "DOT/USD price changed 7.00% (100.000000 → 107.000000) in 10m", deltasSeen[0].Message)
	assert.False(t, deltasSeen[0].Latched)
}

func TestBootstrapMarksGlobalUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Set(dot, usdt, 7)

	n, err := f.monitor.Bootstrap(context.Background(), sourceFunc(func(context.Context) ([]Observation, error) {
		return []Observation{{Key: "DOT/USD", Value: 7, Block: 90}, {Key: "BLAST", Value: 1, Block: 95}}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	f.wait(t)

	assert.False(t, f.monitor.UpdateAll(95))
	rec, ok := f.monitor.Get("DOT/USD")
	require.True(t, ok)
	assert.Equal(t, 7.0, rec.SpotPrice)
}

type sourceFunc func(context.Context) ([]Observation, error)

func (s sourceFunc) LatestOraclePrices(ctx context.Context) ([]Observation, error) { return s(ctx) }

func TestObservationFromLog(t *testing.T) {
	ev := chain.OracleABI.Events["OracleUpdate"]
	data, err := ev.Inputs.Pack("DOT/USD", big.NewInt(712_345_678), big.NewInt(1_700_000_000))
	require.NoError(t, err)
	decoded, err := chain.DecodeLog(chain.OracleABI, &types.Log{Topics: []common.Hash{ev.ID}, Data: data})
	require.NoError(t, err)

	obs, err := ObservationFromLog(decoded, 42)
	require.NoError(t, err)
	assert.Equal(t, "DOT/USD", obs.Key)
	assert.InDelta(t, 7.12345678, obs.Value, 1e-9)
	assert.Equal(t, int64(1_700_000_000), obs.Timestamp)
	assert.Equal(t, uint64(42), obs.Block)
}

type slowRouter struct {
	delay    time.Duration
	price    float64
	returned chan struct{}
}

func (r *slowRouter) BestSpotPrice(context.Context, chain.AssetID, chain.AssetID) (*spot.Quote, error) {
	time.Sleep(r.delay)
	defer close(r.returned)
	q := spot.Static{}
	q.Set(dot, usdt, r.price)
	return q.BestSpotPrice(context.Background(), dot, usdt)
}

func TestAbandonedComparisonIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := chain.NewRegistry(nil, 0)
	registry.Preload(chain.Asset{ID: dot, Symbol: "DOT", Decimals: 10}, chain.Asset{ID: usdt, Symbol: "USDT", Decimals: 6})

	queue := workqueue.New("oracle", workqueue.Options{Concurrency: 1, Timeout: 20 * time.Millisecond}, zerolog.Nop(), nil)
	queue.Start(ctx)
	dispatcher := &recordingDispatcher{}
	manager := alerts.NewManager(dispatcher, alerts.Options{}, zerolog.Nop(), nil)
	router := &slowRouter{delay: 80 * time.Millisecond, price: 90, returned: make(chan struct{})}
	m := New(router, registry, manager, &recordingNotifier{}, nil, queue, Options{DivergenceThreshold: 0.05}, zerolog.Nop(), nil)

	m.Update(Observation{Key: "DOT/USD", Value: 100, Block: 3})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, queue.Wait(waitCtx))

	select {
	case <-router.returned:
	case <-time.After(time.Second):
		t.Fatal("router never answered")
	}

	require.Never(t, func() bool {
		_, ok := m.Get("DOT/USD")
		return ok
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, m.Series())
	assert.False(t, manager.IsActive(alerts.TypeRateDivergence, "DOT/USD"))
	assert.Empty(t, dispatcher.sent())
}
