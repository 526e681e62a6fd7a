// Package alerts implements latched threshold alerts delivered to operator webhooks.
package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// State is the evaluated condition of an alert.
type State string

const (
	StateBad  State = "BAD"
	StateGood State = "GOOD"
)

// Alert types raised by the monitors.
const (
	TypeRateDivergence = "rate-divergence"
	TypePriceDelta     = "price-delta"
	TypeHealthFactor   = "hf"
	TypeInterestRate   = "rate"
)

const (
	defaultHistoryMax  = 1000
	defaultHistoryTrim = 500
)

// Alert is an active alert.
type Alert struct {
	Type        string    `json:"type"`
	Key         string    `json:"key"`
	State       State     `json:"state"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// HistoryEntry records one Trigger call.
type HistoryEntry struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Latched   bool      `json:"latched"`
	Notified  bool      `json:"notified"`
	Delivered bool      `json:"delivered"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher delivers alert text and reports whether any endpoint accepted it.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) bool
}

type alertKey struct {
	typ string
	key string
}

// Options configure a Manager.
type Options struct {
	Rules       Rules
	HistoryMax  int
	HistoryTrim int
	Now         func() time.Time
}

// Manager tracks active alerts per (type, key).
type Manager struct {
	dispatcher Dispatcher
	rules      Rules
	historyMax int
	trimTo     int
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	active  map[alertKey]Alert
	history []HistoryEntry

	// keyLocks serialise Trigger per (type, key) so deliveries follow state order.
	keyMu    sync.Mutex
	keyLocks map[alertKey]*sync.Mutex

	activeGauge  *prometheus.GaugeVec
	triggers     *prometheus.CounterVec
	historyGauge prometheus.Gauge
}

// NewManager builds a manager. A nil dispatcher records transitions without delivering them.
func NewManager(dispatcher Dispatcher, opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Manager {
	if opts.HistoryMax <= 0 {
		opts.HistoryMax = defaultHistoryMax
	}
	if opts.HistoryTrim <= 0 || opts.HistoryTrim > opts.HistoryMax {
		opts.HistoryTrim = defaultHistoryTrim
		if opts.HistoryTrim > opts.HistoryMax {
			opts.HistoryTrim = opts.HistoryMax
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		dispatcher: dispatcher,
		rules:      opts.Rules,
		historyMax: opts.HistoryMax,
		trimTo:     opts.HistoryTrim,
		now:        opts.Now,
		logger:     logger.With().Str("component", "alerts").Logger(),
		active:     make(map[alertKey]Alert),
		keyLocks:   make(map[alertKey]*sync.Mutex),
		activeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "alerts", Name: "active",
			Help: "Currently active alerts.",
		}, []string{"type"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "alerts", Name: "triggers_total",
			Help: "Alert notifications by type and state.",
		}, []string{"type", "state"}),
		historyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch", Subsystem: "alerts", Name: "history_size",
			Help: "Entries in the alert history.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activeGauge, m.triggers, m.historyGauge)
	}
	return m
}

type triggerConfig struct {
	latched bool
}

// TriggerOption modifies a single Trigger call.
type TriggerOption func(*triggerConfig)

// WithoutLatch makes every BAD call notify, without active-set tracking.
func WithoutLatch() TriggerOption {
	return func(c *triggerConfig) { c.latched = false }
}

// Trigger evaluates one alert observation. Latched alerts notify on the
// transition into BAD and on the transition back to GOOD only. It reports
// whether a notification was sent.
func (m *Manager) Trigger(ctx context.Context, typ, key string, state State, message string, opts ...TriggerOption) bool {
	cfg := triggerConfig{latched: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	k := alertKey{typ: typ, key: key}
	unlock := m.lockKey(k)
	defer unlock()
	now := m.now()

	m.mu.Lock()
	notify := false
	if cfg.latched {
		_, isActive := m.active[k]
		switch {
		case state == StateBad && !isActive:
			m.active[k] = Alert{Type: typ, Key: key, State: state, Message: message, TriggeredAt: now}
			notify = true
		case state == StateGood && isActive:
			delete(m.active, k)
			notify = true
		}
		if notify {
			m.activeGauge.WithLabelValues(typ).Set(float64(m.countLocked(typ)))
		}
	} else {
		notify = state == StateBad
	}
	m.mu.Unlock()

	delivered := false
	if notify {
		m.triggers.WithLabelValues(typ, string(state)).Inc()
		delivered = m.deliver(ctx, state, message)
		m.logger.Info().Str("type", typ).Str("key", key).Str("state", string(state)).Bool("delivered", delivered).Msg(message)
	}

	m.record(HistoryEntry{
		ID:        uuid.New(),
		Type:      typ,
		Key:       key,
		State:     state,
		Message:   message,
		Latched:   cfg.latched,
		Notified:  notify,
		Delivered: delivered,
		Timestamp: now,
	})
	return notify
}

func (m *Manager) lockKey(k alertKey) func() {
	m.keyMu.Lock()
	l, ok := m.keyLocks[k]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[k] = l
	}
	m.keyMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) deliver(ctx context.Context, state State, message string) bool {
	if m.dispatcher == nil {
		return false
	}
	return m.dispatcher.Dispatch(ctx, Render(state, message))
}

// SendWebhook delivers free-form text straight to the webhooks.
func (m *Manager) SendWebhook(ctx context.Context, text string) bool {
	if m.dispatcher == nil {
		return false
	}
	return m.dispatcher.Dispatch(ctx, text)
}

// Render formats an alert transition for delivery.
func Render(state State, message string) string {
	if state == StateBad {
		return "🚨 **ALERT TRIGGERED** - " + message
	}
	return "✅ **ALERT RESOLVED** - " + message
}

func (m *Manager) record(entry HistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	if len(m.history) > m.historyMax {
		m.history = append([]HistoryEntry(nil), m.history[len(m.history)-m.trimTo:]...)
	}
	m.historyGauge.Set(float64(len(m.history)))
}

func (m *Manager) countLocked(typ string) int {
	n := 0
	for k := range m.active {
		if k.typ == typ {
			n++
		}
	}
	return n
}

// Active returns the active alerts ordered by trigger time.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].Type+out[i].Key < out[j].Type+out[j].Key
		}
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out
}

// IsActive reports whether (typ, key) is currently in BAD state.
func (m *Manager) IsActive(typ, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[alertKey{typ: typ, key: key}]
	return ok
}

// History returns the most recent entries, oldest first. limit <= 0 returns all.
func (m *Manager) History(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	return append([]HistoryEntry(nil), m.history[start:]...)
}

// Configs returns the configured rules.
func (m *Manager) Configs() Rules {
	return m.rules
}
