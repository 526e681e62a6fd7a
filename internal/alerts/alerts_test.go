package alerts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureDispatcher struct {
	mu    sync.Mutex
	texts []string
	ok    bool
}

func (c *captureDispatcher) Dispatch(_ context.Context, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return c.ok
}

func newTestManager(d Dispatcher, opts Options) *Manager {
	return NewManager(d, opts, zerolog.Nop(), prometheus.NewRegistry())
}

func TestLatchedAlertNotifiesOnTransitionsOnly(t *testing.T) {
	d := &captureDispatcher{ok: true}
	m := newTestManager(d, Options{})
	ctx := context.Background()

	assert.True(t, m.Trigger(ctx, TypeRateDivergence, "DOT/USD", StateBad, "diverged"))
	assert.False(t, m.Trigger(ctx, TypeRateDivergence, "DOT/USD", StateBad, "diverged"))
	assert.True(t, m.Trigger(ctx, TypeRateDivergence, "DOT/USD", StateGood, "back"))
	assert.False(t, m.Trigger(ctx, TypeRateDivergence, "DOT/USD", StateGood, "back"))

	assert.Equal(t, []string{
		"🚨 **ALERT TRIGGERED** - diverged",
		"✅ **ALERT RESOLVED** - back",
	}, d.texts)

	history := m.History(0)
	require.Len(t, history, 4)
	assert.True(t, history[0].Notified)
	assert.True(t, history[0].Delivered)
	assert.False(t, history[1].Notified)
	assert.NotEqual(t, history[0].ID, history[1].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggers.WithLabelValues(TypeRateDivergence, "BAD")))
}

func TestGoodBeforeBadIsSilent(t *testing.T) {
	d := &captureDispatcher{ok: true}
	m := newTestManager(d, Options{})
	assert.False(t, m.Trigger(context.Background(), TypeHealthFactor, "a", StateGood, "fine"))
	assert.Empty(t, d.texts)
}

func TestUnlatchedAlertAlwaysNotifies(t *testing.T) {
	d := &captureDispatcher{ok: true}
	m := newTestManager(d, Options{})
	ctx := context.Background()

	m.Trigger(ctx, TypePriceDelta, "DOT/USD", StateBad, "moved", WithoutLatch())
	m.Trigger(ctx, TypePriceDelta, "DOT/USD", StateBad, "moved", WithoutLatch())

	assert.Len(t, d.texts, 2)
	assert.Empty(t, m.Active())
}

func TestActiveIsIndependentPerKey(t *testing.T) {
	m := newTestManager(nil, Options{})
	ctx := context.Background()

	m.Trigger(ctx, TypeHealthFactor, "a", StateBad, "a low")
	m.Trigger(ctx, TypeHealthFactor, "b", StateBad, "b low")
	m.Trigger(ctx, TypeInterestRate, "a", StateBad, "rate high")

	assert.Len(t, m.Active(), 3)
	assert.True(t, m.IsActive(TypeHealthFactor, "b"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeGauge.WithLabelValues(TypeHealthFactor)))

	m.Trigger(ctx, TypeHealthFactor, "b", StateGood, "b ok")
	assert.False(t, m.IsActive(TypeHealthFactor, "b"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeGauge.WithLabelValues(TypeHealthFactor)))
}

func TestHistoryIsTrimmed(t *testing.T) {
	m := newTestManager(nil, Options{HistoryMax: 10, HistoryTrim: 5})
	for i := 0; i < 11; i++ {
		m.Trigger(context.Background(), TypePriceDelta, "k", StateBad, fmt.Sprintf("m%d", i), WithoutLatch())
	}

	history := m.History(0)
	require.Len(t, history, 5)
	assert.Equal(t, "m6", history[0].Message)
	assert.Equal(t, "m10", history[4].Message)

	assert.Len(t, m.History(2), 2)
	assert.Equal(t, "m10", m.History(2)[1].Message)
}

func TestCheckHealthFactor(t *testing.T) {
	d := &captureDispatcher{ok: true}
	m := newTestManager(d, Options{Rules: Rules{HF: []HFRule{{Account: "0xAbC", Threshold: 1.5}}}})
	ctx := context.Background()

	m.CheckHealthFactor(ctx, "0xabc", 1.2)
	m.CheckHealthFactor(ctx, "0xabc", 1.6)
	m.CheckHealthFactor(ctx, "0xdef", 0.5)

	assert.Equal(t, []string{
		"🚨 **ALERT TRIGGERED** - Account 0xabc health factor 1.200 < 1.5",
		"✅ **ALERT RESOLVED** - Account 0xabc health factor 1.600 >= 1.5",
	}, d.texts)
}

func TestCheckInterestRate(t *testing.T) {
	d := &captureDispatcher{ok: true}
	m := newTestManager(d, Options{Rules: Rules{Rate: []RateRule{
		{Reserve: "DOT", Kind: "borrow", Threshold: "10%"},
		{Reserve: "DOT", Kind: "supply", Threshold: "2%"},
	}}})
	ctx := context.Background()

	m.CheckInterestRate(ctx, "DOT", "borrow", 0.12)
	m.CheckInterestRate(ctx, "DOT", "supply", 0.01)

	assert.Equal(t, []string{
		"🚨 **ALERT TRIGGERED** - DOT borrow rate 12.00% APY exceeds threshold 10%",
		"🚨 **ALERT TRIGGERED** - DOT supply rate 1.00% APY exceeds threshold 2%",
	}, d.texts)
	assert.True(t, m.IsActive(TypeInterestRate, "DOT:borrow"))
}

func TestParseHelpers(t *testing.T) {
	p, err := ParsePercent("5%")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, p, 1e-12)

	_, err = ParsePercent("five")
	assert.Error(t, err)

	w, err := ParseWindow("10m")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, w)

	w, err = ParseWindow("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, w)

	_, err = ParseWindow("10 minutes")
	assert.Error(t, err)

	assert.Equal(t, "10m", FormatWindow(10*time.Minute))
	assert.Equal(t, "2h", FormatWindow(2*time.Hour))
	assert.Equal(t, "45s", FormatWindow(45*time.Second))
}

func TestRulesValidate(t *testing.T) {
	assert.NoError(t, Rules{PriceDeltas: []DeltaRule{{Pair: "DOT/USD", Change: "5%", Window: "10m"}}}.Validate())
	assert.Error(t, Rules{PriceDeltas: []DeltaRule{{Pair: "DOT/USD", Change: "5%", Window: "soon"}}}.Validate())
	assert.Error(t, Rules{Rate: []RateRule{{Reserve: "DOT", Kind: "lend", Threshold: "5%"}}}.Validate())
}

// blockingDispatcher holds the first delivery until release is closed.
type blockingDispatcher struct {
	captureDispatcher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, text string) bool {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.captureDispatcher.Dispatch(ctx, text)
}

func TestConcurrentTransitionsDeliverInStateOrder(t *testing.T) {
	d := &blockingDispatcher{
		captureDispatcher: captureDispatcher{ok: true},
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	m := newTestManager(d, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Trigger(ctx, TypeRateDivergence, "DOT/USD", StateBad, "diverged")
	}()
	<-d.entered

	resolved := make(chan bool, 1)
	go func() {
		defer wg.Done()
		resolved <- m.Trigger(ctx, TypeRateDivergence, "DOT/USD", StateGood, "back")
	}()

	// Another key is not held up by the pending delivery.
	assert.True(t, m.Trigger(ctx, TypeRateDivergence, "HDX/USD", StateBad, "other"))

	time.Sleep(50 * time.Millisecond)
	d.mu.Lock()
	assert.Equal(t, []string{"🚨 **ALERT TRIGGERED** - other"}, d.texts)
	d.mu.Unlock()

	close(d.release)
	wg.Wait()
	assert.True(t, <-resolved)

	assert.Equal(t, []string{
		"🚨 **ALERT TRIGGERED** - other",
		"🚨 **ALERT TRIGGERED** - diverged",
		"✅ **ALERT RESOLVED** - back",
	}, d.texts)
}
