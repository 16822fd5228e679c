package chatio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mishloha/dispatch/internal/breaker"
	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

// Sender delivers one outbound message to a platform recipient.
type Sender interface {
	Send(ctx context.Context, recipient string, content models.MessageContent) error
}

// classifyStatus maps an upstream HTTP status to the retry semantics the
// outbox worker acts on: 429/5xx gateway statuses are transient, other 4xx
// are permanent rejections.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return apperr.ErrUpstreamFailure.WithDetails(map[string]any{"status": status})
	default:
		return fmt.Errorf("upstream rejected message: status %d: %s", status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// BotAPI is the bot-platform adapter. Text goes out as HTML; reply keyboards
// become inline button grids, with oversized callbacks stored behind short
// tokens.
type BotAPI struct {
	baseURL   string
	botToken  string
	client    *http.Client
	breaker   *breaker.Breaker
	callbacks *CallbackStore
	logger    *slog.Logger
}

// NewBotAPI creates the bot-platform adapter.
func NewBotAPI(cfg config.ChatConfig, br *breaker.Breaker, callbacks *CallbackStore, logger *slog.Logger) *BotAPI {
	return &BotAPI{
		baseURL:   cfg.BotAPIBase,
		botToken:  cfg.BotToken,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker:   br,
		callbacks: callbacks,
		logger:    logger,
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

// Send delivers the message under the bot-api circuit breaker.
func (b *BotAPI) Send(ctx context.Context, chatID string, content models.MessageContent) error {
	payload := map[string]any{"chat_id": chatID}

	method := "sendMessage"
	switch {
	case content.MediaURL != "" && content.MediaType == "document":
		method = "sendDocument"
		payload["document"] = content.MediaURL
		payload["caption"] = content.Caption
	case content.MediaURL != "":
		method = "sendPhoto"
		payload["photo"] = content.MediaURL
		payload["caption"] = content.Caption
	default:
		payload["text"] = content.Text
		payload["parse_mode"] = "HTML"
	}

	if len(content.Keyboard) > 0 {
		markup, err := b.inlineKeyboard(ctx, content.Keyboard)
		if err != nil {
			return err
		}
		payload["reply_markup"] = markup
	}

	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.post(ctx, method, payload)
	})
}

func (b *BotAPI) inlineKeyboard(ctx context.Context, rows [][]models.Button) (*inlineMarkup, error) {
	markup := &inlineMarkup{}
	for _, row := range rows {
		var out []inlineButton
		for _, btn := range row {
			data, err := b.callbacks.Shorten(ctx, btn.Data)
			if err != nil {
				return nil, err
			}
			out = append(out, inlineButton{Text: btn.Text, CallbackData: data})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, out)
	}
	return markup, nil
}

func (b *BotAPI) post(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.ErrUpstreamTimeout
		}
		return apperr.ErrUpstreamFailure.WithDetails(map[string]any{"error": "connection failed"})
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus(resp.StatusCode, respBody)
}

var _ Sender = (*BotAPI)(nil)
