package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Telegram 通过 Telegram Bot API 推送消息。
type Telegram struct {
	botToken  string
	chatID    string
	baseURL   string
	parseMode string
	client    *http.Client
	logger    zerolog.Logger
}

// NewTelegram 构造 Telegram 消息通道。
func NewTelegram(botToken, chatID, baseURL, parseMode string, timeout time.Duration, logger zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Telegram{
		botToken:  botToken,
		chatID:    chatID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		parseMode: parseMode,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Send 调用 sendMessage API 推送文本。
func (t *Telegram) Send(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	}
	if t.parseMode != "" {
		payload["parse_mode"] = t.parseMode
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	t.logger.Debug().Int("length", len(text)).Msg("消息已发送 (Telegram)")
	return nil
}

var _ Sink = (*Telegram)(nil)
