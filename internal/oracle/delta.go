package oracle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"chainwatch/internal/alerts"
)

type sample struct {
	price float64
	at    time.Time
}

type deltaWindow struct {
	change    float64
	window    time.Duration
	samples   []sample
	lastAlert time.Time
}

// DeltaTracker detects abrupt price moves of a pair within a time window.
type DeltaTracker struct {
	mu      sync.Mutex
	windows map[string]*deltaWindow
}

// NewDeltaTracker builds a tracker from the configured price delta rules.
func NewDeltaTracker(rules []alerts.DeltaRule) (*DeltaTracker, error) {
	t := &DeltaTracker{windows: make(map[string]*deltaWindow, len(rules))}
	for _, rule := range rules {
		change, err := alerts.ParsePercent(rule.Change)
		if err != nil {
			return nil, fmt.Errorf("price delta %s: %w", rule.Pair, err)
		}
		window, err := alerts.ParseWindow(rule.Window)
		if err != nil {
			return nil, fmt.Errorf("price delta %s: %w", rule.Pair, err)
		}
		t.windows[rule.Pair] = &deltaWindow{change: change, window: window}
	}
	return t, nil
}

// Tracks reports whether pair has a rule.
func (t *DeltaTracker) Tracks(pair string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.windows[pair]
	return ok
}

// Observe records price at now and returns an alert message when the move
// against the oldest sample still inside the window exceeds the rule. After
// an alert the window restarts from the triggering sample and the pair stays
// quiet for one window length.
func (t *DeltaTracker) Observe(pair string, price float64, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[pair]
	if !ok {
		return "", false
	}

	w.samples = append(w.samples, sample{price: price, at: now})
	cutoff := now.Add(-w.window)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept

	if len(w.samples) < 2 {
		return "", false
	}
	oldest := w.samples[0].price
	if oldest == 0 {
		return "", false
	}
	change := math.Abs((price - oldest) / oldest)
	if change <= w.change || now.Sub(w.lastAlert) <= w.window {
		return "", false
	}

	w.lastAlert = now
	w.samples = []sample{{price: price, at: now}}
	return fmt.Sprintf("%s price changed %.2f%% (%.6f → %.6f) in %s",
		pair, change*100, oldest, price, alerts.FormatWindow(w.window)), true
}
