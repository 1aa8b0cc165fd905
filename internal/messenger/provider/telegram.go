// Package provider adapts the messenger butler's Provider interface to
// each concrete outbound channel.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Telegram sends messages through the Telegram Bot API via a plain
// net/http call — the bot token is the only credential needed, so no SDK
// dependency is pulled in for outbound sends.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegram constructs a Telegram provider for the given bot token.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		token:   token,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements messenger.Provider.
func (t *Telegram) Name() string { return "telegram" }

type telegramSendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send implements messenger.Provider, returning the Telegram message_id as
// the provider delivery ID.
func (t *Telegram) Send(ctx context.Context, recipient, subject, message string) (string, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	payload, err := json.Marshal(telegramSendRequest{ChatID: recipient, Text: message})
	if err != nil {
		return "", fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("telegram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: sendMessage error %d: %s", resp.StatusCode, string(body))
	}

	var result telegramSendResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("telegram: decode response: %w", err)
	}
	if !result.OK {
		return "", fmt.Errorf("telegram: api returned ok=false")
	}
	return fmt.Sprintf("%d", result.Result.MessageID), nil
}
