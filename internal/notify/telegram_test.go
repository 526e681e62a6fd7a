package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramSendSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	tg := NewTelegram("token", "chat", srv.URL, "Markdown", time.Second, zerolog.Nop())
	if err := tg.Send(context.Background(), "hello *world*"); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] != "hello *world*" {
		t.Fatalf("text 不正确: %#v", received)
	}
	if received["parse_mode"] != "Markdown" {
		t.Fatalf("parse_mode 不正确: %#v", received)
	}
}

func TestTelegramSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	tg := NewTelegram("token", "chat", srv.URL, "", time.Second, zerolog.Nop())
	if err := tg.Send(context.Background(), "hello"); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramSendStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tg := NewTelegram("token", "chat", srv.URL, "", time.Second, zerolog.Nop())
	if err := tg.Send(context.Background(), "hello"); err == nil {
		t.Fatal("502 应报错")
	}
}
