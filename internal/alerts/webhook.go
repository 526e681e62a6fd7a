package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WebhookOptions configure webhook delivery.
type WebhookOptions struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Webhook posts {"text": ...} to every configured endpoint concurrently.
type Webhook struct {
	urls    []string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	sent    *prometheus.CounterVec
}

// NewWebhook builds a dispatcher. RatePerSecond <= 0 disables rate limiting.
func NewWebhook(urls []string, opts WebhookOptions, logger zerolog.Logger, reg prometheus.Registerer) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	w := &Webhook{
		urls:    append([]string(nil), urls...),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, opts.Burst),
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch", Subsystem: "alerts", Name: "webhook_notifications_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"success"}),
	}
	if reg != nil {
		reg.MustRegister(w.sent)
	}
	return w
}

// Dispatch delivers text to all endpoints. It succeeds if at least one endpoint
// accepted the message; failures are logged.
func (w *Webhook) Dispatch(ctx context.Context, text string) bool {
	if len(w.urls) == 0 {
		return false
	}
	if err := w.limiter.Wait(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("webhook rate limit wait aborted")
		return false
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		w.logger.Error().Err(err).Msg("marshal webhook payload")
		return false
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok bool
	)
	for _, endpoint := range w.urls {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			err := w.post(ctx, endpoint, body)
			w.sent.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
			if err != nil {
				w.logger.Error().Err(err).Str("url", redact(endpoint)).Msg("webhook notification failed")
				return
			}
			mu.Lock()
			ok = true
			mu.Unlock()
		}(endpoint)
	}
	wg.Wait()
	return ok
}

func (w *Webhook) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected webhook status %d", resp.StatusCode)
	}
	return nil
}

// redact drops the path, which carries the webhook secret.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
}

var _ Dispatcher = (*Webhook)(nil)
