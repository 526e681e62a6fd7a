package alerts

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// HFRule raises an hf alert when the account's health factor drops below Threshold.
type HFRule struct {
	Account   string  `mapstructure:"account" json:"account"`
	Threshold float64 `mapstructure:"threshold" json:"threshold"`
}

// RateRule raises a rate alert when a reserve's borrow rate exceeds, or supply
// rate falls below, Threshold (e.g. "12%").
type RateRule struct {
	Reserve   string `mapstructure:"reserve" json:"reserve"`
	Kind      string `mapstructure:"kind" json:"kind"`
	Threshold string `mapstructure:"threshold" json:"threshold"`
}

// DeltaRule raises a one-shot price-delta alert when Pair moves more than
// Change (e.g. "5%") within Window (e.g. "10m").
type DeltaRule struct {
	Pair   string `mapstructure:"pair" json:"pair"`
	Change string `mapstructure:"change" json:"change"`
	Window string `mapstructure:"window" json:"window"`
}

// Rules groups the configured thresholds.
type Rules struct {
	HF          []HFRule    `mapstructure:"hf" json:"hf"`
	Rate        []RateRule  `mapstructure:"rate" json:"rate"`
	PriceDeltas []DeltaRule `mapstructure:"price_deltas" json:"priceDeltas"`
}

// Validate checks every threshold parses.
func (r Rules) Validate() error {
	for _, rule := range r.Rate {
		if rule.Kind != "borrow" && rule.Kind != "supply" {
			return fmt.Errorf("rate rule %s: kind must be borrow or supply, got %q", rule.Reserve, rule.Kind)
		}
		if _, err := ParsePercent(rule.Threshold); err != nil {
			return fmt.Errorf("rate rule %s: %w", rule.Reserve, err)
		}
	}
	for _, rule := range r.PriceDeltas {
		if _, err := ParsePercent(rule.Change); err != nil {
			return fmt.Errorf("price delta rule %s: %w", rule.Pair, err)
		}
		if _, err := ParseWindow(rule.Window); err != nil {
			return fmt.Errorf("price delta rule %s: %w", rule.Pair, err)
		}
	}
	return nil
}

// ParsePercent converts "5%" (or "5") into 0.05.
func ParsePercent(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	return v / 100, nil
}

var windowPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWindow converts "30s", "10m", "2h" or "1d" into a duration.
func ParseWindow(s string) (time.Duration, error) {
	m := windowPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	n, _ := strconv.Atoi(m[1])
	unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
	return time.Duration(n) * unit, nil
}

// FormatWindow renders a duration in its largest whole unit.
func FormatWindow(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
}

// CheckHealthFactor evaluates the first hf rule configured for account.
func (m *Manager) CheckHealthFactor(ctx context.Context, account string, hf float64) {
	for _, rule := range m.rules.HF {
		if !strings.EqualFold(rule.Account, account) {
			continue
		}
		state, op := StateGood, ">="
		if hf < rule.Threshold {
			state, op = StateBad, "<"
		}
		msg := fmt.Sprintf("Account %s health factor %.3f %s %g", account, hf, op, rule.Threshold)
		m.Trigger(ctx, TypeHealthFactor, account, state, msg)
		return
	}
}

// CheckInterestRate evaluates the first rate rule configured for reserve and kind.
// rate is a fraction (0.05 is 5% APY).
func (m *Manager) CheckInterestRate(ctx context.Context, reserve, kind string, rate float64) {
	for _, rule := range m.rules.Rate {
		if !strings.EqualFold(rule.Reserve, reserve) || rule.Kind != kind {
			continue
		}
		threshold, err := ParsePercent(rule.Threshold)
		if err != nil {
			m.logger.Warn().Err(err).Str("reserve", reserve).Msg("skipping rate rule")
			return
		}

		bad := rate < threshold
		if kind == "borrow" {
			bad = rate > threshold
		}
		state, verb := StateGood, "within"
		if bad {
			state, verb = StateBad, "exceeds"
		}
		msg := fmt.Sprintf("%s %s rate %.2f%% APY %s threshold %s", reserve, kind, rate*100, verb, rule.Threshold)
		m.Trigger(ctx, TypeInterestRate, reserve+":"+kind, state, msg)
		return
	}
}
