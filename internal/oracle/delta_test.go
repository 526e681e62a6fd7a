package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainwatch/internal/alerts"
)

func TestDeltaTrackerWindowAndCooldown(t *testing.T) {
	tracker, err := NewDeltaTracker([]alerts.DeltaRule{{Pair: "DOT/USD", Change: "5%", Window: "10m"}})
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, ok := tracker.Observe("DOT/USD", 100, t0)
	assert.False(t, ok, "单个样本不应触发")
	_, ok = tracker.Observe("DOT/USD", 103, t0.Add(time.Minute))
	assert.False(t, ok)

	msg, ok := tracker.Observe("DOT/USD", 106, t0.Add(2*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "DOT/USD price changed 6.00% (100.000000 → 106.000000) in 10m", msg)

	_, ok = tracker.Observe("DOT/USD", 120, t0.Add(3*time.Minute))
	assert.False(t, ok, "冷却期内不应再次触发")

	msg, ok = tracker.Observe("DOT/USD", 130, t0.Add(13*time.Minute))
	require.True(t, ok)
	assert.Contains(t, msg, "(120.000000 → 130.000000)")
}

func TestDeltaTrackerPrunesOldSamples(t *testing.T) {
	tracker, err := NewDeltaTracker([]alerts.DeltaRule{{Pair: "HDX/USD", Change: "10%", Window: "1m"}})
	require.NoError(t, err)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tracker.Observe("HDX/USD", 1, t0)
	_, ok := tracker.Observe("HDX/USD", 2, t0.Add(2*time.Minute))
	assert.False(t, ok)

	_, ok = tracker.Observe("DOT/USD", 2, t0)
	assert.False(t, ok)
	assert.False(t, tracker.Tracks("DOT/USD"))
}

func TestNewDeltaTrackerRejectsBadRules(t *testing.T) {
	_, err := NewDeltaTracker([]alerts.DeltaRule{{Pair: "DOT/USD", Change: "x", Window: "10m"}})
	assert.Error(t, err)
	_, err = NewDeltaTracker([]alerts.DeltaRule{{Pair: "DOT/USD", Change: "5%", Window: "10 minutes"}})
	assert.Error(t, err)
}
