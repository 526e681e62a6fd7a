package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestWebhookDispatchPartialFailure(t *testing.T) {
	var got atomic.Value
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		got.Store(payload["text"])
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	hook := NewWebhook([]string{bad.URL, good.URL}, WebhookOptions{Timeout: time.Second}, zerolog.Nop(), prometheus.NewRegistry())
	if !hook.Dispatch(context.Background(), "hello") {
		t.Fatal("dispatch should succeed when one endpoint accepts")
	}
	if got.Load() != "hello" {
		t.Fatalf("unexpected payload %v", got.Load())
	}
}

func TestWebhookDispatchAllFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	hook := NewWebhook([]string{bad.URL}, WebhookOptions{Timeout: time.Second}, zerolog.Nop(), nil)
	if hook.Dispatch(context.Background(), "hello") {
		t.Fatal("dispatch should fail when every endpoint fails")
	}
}

func TestWebhookDispatchWithoutEndpoints(t *testing.T) {
	hook := NewWebhook(nil, WebhookOptions{}, zerolog.Nop(), nil)
	if hook.Dispatch(context.Background(), "hello") {
		t.Fatal("dispatch without endpoints must report failure")
	}
}

func TestWebhookRateLimitHonoursContext(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	hook := NewWebhook([]string{srv.URL}, WebhookOptions{Timeout: time.Second, RatePerSecond: 0.01, Burst: 1}, zerolog.Nop(), nil)
	if !hook.Dispatch(context.Background(), "first") {
		t.Fatal("first dispatch should use the burst token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if hook.Dispatch(ctx, "second") {
		t.Fatal("second dispatch should be throttled")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected one delivery, got %d", hits)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("https://hooks.slack.com/services/T000/B000/secret"); got != "https://hooks.slack.com" {
		t.Fatalf("unexpected redaction %q", got)
	}
}
