package borrowers

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainwatch/internal/chain"
	"chainwatch/internal/notify"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/workqueue"
)

var (
	pool  = common.HexToAddress("0x1b02e051683b5cfac5929c25e84adb26ecf87b38")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakeQuerier struct {
	mu    sync.Mutex
	hf    map[common.Address]string
	calls int
	err   error
}

func (f *fakeQuerier) UserAccountData(_ context.Context, _, user common.Address) (chain.AccountData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return chain.AccountData{}, f.err
	}
	return chain.AccountData{
		TotalCollateralBase:  decimal.NewFromInt(1500),
		TotalDebtBase:        decimal.NewFromInt(1000),
		AvailableBorrowsBase: decimal.Zero,
		LiquidationThreshold: decimal.NewFromInt(80),
		LTV:                  decimal.NewFromInt(75),
		HealthFactor:         decimal.RequireFromString(f.hf[user]),
	}, nil
}

type recordingChecker struct {
	mu    sync.Mutex
	calls map[string]float64
}

func (r *recordingChecker) CheckHealthFactor(_ context.Context, account string, hf float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]float64{}
	}
	r.calls[account] = hf
}

type harness struct {
	monitor     *Monitor
	querier     *fakeQuerier
	queue       *workqueue.Queue
	broadcaster *notify.Broadcaster
	checker     *recordingChecker

	mu   sync.Mutex
	sent []string
}

func newHarness(t *testing.T, hf map[common.Address]string) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{querier: &fakeQuerier{hf: hf}, checker: &recordingChecker{}}
	h.queue = workqueue.New("borrowers", workqueue.Options{Concurrency: 2, Timeout: time.Second}, zerolog.Nop(), nil)
	h.queue.Start(ctx)
	h.broadcaster = notify.NewBroadcaster(notify.SinkFunc(func(_ context.Context, text string) error {
		h.mu.Lock()
		h.sent = append(h.sent, text)
		h.mu.Unlock()
		return nil
	}), notify.Options{}, zerolog.Nop(), nil)
	go h.broadcaster.Run(ctx)

	h.monitor = New(h.querier, h.queue, h.broadcaster, h.checker, nil, Options{LiquidationAlert: 1.05}, zerolog.Nop(), prometheus.NewRegistry())
	return h
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Wait(ctx))
	require.NoError(t, h.broadcaster.Drain(ctx))
}

func (h *harness) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func TestUpdateStoresRecordAndMetrics(t *testing.T) {
	h := newHarness(t, map[common.Address]string{alice: "1.5"})

	h.monitor.Update(Position{Pool: pool, User: alice})
	h.settle(t)

	snap := h.monitor.ByHealth(0)
	require.Len(t, snap.Borrowers, 1)
	rec := snap.Borrowers[0]
	assert.Equal(t, "0x00000000000000000000000000000000000a11ce", rec.Address)
	assert.Equal(t, 1.5, rec.HealthFactor)
	assert.Equal(t, 1500.0, rec.TotalCollateralBase)

	assert.Equal(t, 1.5, testutil.ToFloat64(h.monitor.health.WithLabelValues(rec.Pool, rec.Address)))
	assert.Equal(t, 1.5, h.checker.calls[rec.Address])
	assert.Empty(t, h.messages())
}

func TestLiquidationWarningIsDeduplicated(t *testing.T) {
	h := newHarness(t, map[common.Address]string{alice: "1.0234"})
	p := Position{Pool: pool, User: alice}

	h.monitor.Update(p)
	h.settle(t)
	h.monitor.Update(p)
	h.settle(t)

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "liquidation imminent")
	assert.Contains(t, msgs[0], "❤️**1.02**")
	assert.Contains(t, msgs[0], "$1,500")

	h.querier.mu.Lock()
	h.querier.hf[alice] = "0.98"
	h.querier.mu.Unlock()
	h.monitor.Update(p)
	h.settle(t)

	msgs = h.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1], "💔**0.98**")
}

func TestFailedUpdateKeepsStaleRecord(t *testing.T) {
	h := newHarness(t, map[common.Address]string{alice: "1.5"})
	p := Position{Pool: pool, User: alice}

	h.monitor.Update(p)
	h.settle(t)

	h.querier.mu.Lock()
	h.querier.err = errors.New("rpc down")
	h.querier.mu.Unlock()
	h.monitor.Update(p)
	h.settle(t)

	snap := h.monitor.ByHealth(0)
	require.Len(t, snap.Borrowers, 1)
	assert.Equal(t, 1.5, snap.Borrowers[0].HealthFactor)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.monitor.errors.WithLabelValues(snap.Borrowers[0].Pool)))
}

func TestPriorityFavoursUnknownThenRiskier(t *testing.T) {
	h := newHarness(t, map[common.Address]string{alice: "3", bob: "1.2"})
	h.monitor.Update(Position{Pool: pool, User: alice})
	h.monitor.Update(Position{Pool: pool, User: bob})
	h.settle(t)

	assert.True(t, math.IsInf(h.monitor.priority(Position{Pool: pool, User: common.HexToAddress("0x01")}), 1))
	assert.Greater(t, h.monitor.priority(Position{Pool: pool, User: bob}), h.monitor.priority(Position{Pool: pool, User: alice}))
}

func TestUpdateAllSkipsStaleBlocks(t *testing.T) {
	h := newHarness(t, map[common.Address]string{alice: "1.5", bob: "2.5"})
	h.monitor.Update(Position{Pool: pool, User: alice})
	h.monitor.Update(Position{Pool: pool, User: bob})
	h.settle(t)
	require.Equal(t, 2, h.querier.calls)

	assert.True(t, h.monitor.UpdateAll(100))
	h.settle(t)
	assert.Equal(t, 4, h.querier.calls)

	assert.False(t, h.monitor.UpdateAll(100))
	assert.False(t, h.monitor.UpdateAll(99))
	h.settle(t)
	assert.Equal(t, 4, h.querier.calls)
	assert.Equal(t, int64(100), h.monitor.ByHealth(0).LastGlobalUpdate)
}

func TestByHealthFilterAndOrder(t *testing.T) {
	carol := common.HexToAddress("0x0c")
	h := newHarness(t, map[common.Address]string{alice: "1.8", bob: "1.1", carol: "4"})
	h.monitor.Update(Position{Pool: pool, User: alice})
	h.monitor.Update(Position{Pool: pool, User: bob})
	h.monitor.Update(Position{Pool: pool, User: carol})
	h.settle(t)

	snap := h.monitor.ByHealth(2)
	require.Len(t, snap.Borrowers, 2)
	assert.Equal(t, 1.1, snap.Borrowers[0].HealthFactor)
	assert.Equal(t, 1.8, snap.Borrowers[1].HealthFactor)

	recs := h.monitor.ByAddress(bob.Hex())
	require.Len(t, recs, 1)
	assert.Equal(t, 1.1, recs[0].HealthFactor)
}

type fakeHistory []Position

func (f fakeHistory) Borrowers(context.Context) ([]Position, error) { return f, nil }

func TestBootstrapQueuesHistory(t *testing.T) {
	h := newHarness(t, map[common.Address]string{alice: "1.5", bob: "2.5"})
	n, err := h.monitor.Bootstrap(context.Background(), fakeHistory{{Pool: pool, User: alice}, {Pool: pool, User: bob}}, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.settle(t)

	assert.Len(t, h.monitor.Positions(), 2)
	assert.False(t, h.monitor.UpdateAll(500))
}

func TestHandlerRecomputesLogAccount(t *testing.T) {
	h := newHarness(t, map[common.Address]string{bob: "1.5"})
	innerCalled := false
	handler := h.monitor.Handler("onBehalfOf", func(context.Context, pipeline.Payload) error {
		innerCalled = true
		return nil
	})

	ev := chain.NewEvent(chain.SectionEVM, chain.MethodLog, chain.ApplyExtrinsic(0), nil)
	ev.BlockNumber = 77
	payload := pipeline.Payload{Event: ev, Log: &chain.DecodedLog{
		Name:    "Borrow",
		Address: pool,
		Args:    map[string]any{"user": alice, "onBehalfOf": bob},
	}}
	require.NoError(t, handler(context.Background(), payload))
	h.settle(t)

	assert.True(t, innerCalled)
	positions := h.monitor.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, bob, positions[0].User)
	assert.Equal(t, int64(77), h.monitor.ByHealth(0).LastUpdate)
}
