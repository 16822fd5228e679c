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
	"time"

	"github.com/mishloha/dispatch/internal/breaker"
	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

// WebChat is the web-chat gateway adapter. Text converts from HTML to the
// gateway's markdown dialect at this boundary. Interactive (keyboard)
// messages are known to be dropped by the gateway for some identifier forms,
// so they sit behind a feature flag; the default renders options as
// enumerated text lines.
type WebChat struct {
	baseURL     string
	client      *http.Client
	breaker     *breaker.Breaker
	interactive bool
	logger      *slog.Logger
}

// NewWebChat creates the web-chat gateway adapter.
func NewWebChat(cfg config.ChatConfig, br *breaker.Breaker, logger *slog.Logger) *WebChat {
	return &WebChat{
		baseURL:     cfg.WebChatBaseURL,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		breaker:     br,
		interactive: cfg.WebChatInteractive,
		logger:      logger,
	}
}

type webchatSendRequest struct {
	Phone    string     `json:"phone"`
	Message  string     `json:"message"`
	Keyboard [][]string `json:"keyboard,omitempty"`
}

type webchatMediaRequest struct {
	Phone     string `json:"phone"`
	MediaURL  string `json:"media_url"`
	MediaType string `json:"media_type"`
	Caption   string `json:"caption,omitempty"`
}

// Send delivers the message under the web-chat circuit breaker.
func (w *WebChat) Send(ctx context.Context, phone string, content models.MessageContent) error {
	if content.MediaURL != "" {
		return w.breaker.Execute(ctx, func(ctx context.Context) error {
			return w.post(ctx, "/send-media", webchatMediaRequest{
				Phone:     phone,
				MediaURL:  content.MediaURL,
				MediaType: content.MediaType,
				Caption:   ToWebChatMarkup(content.Caption),
			})
		})
	}

	req := webchatSendRequest{
		Phone:   phone,
		Message: ToWebChatMarkup(content.Text),
	}
	if len(content.Keyboard) > 0 {
		if w.interactive {
			for _, row := range content.Keyboard {
				var labels []string
				for _, btn := range row {
					labels = append(labels, btn.Text)
				}
				req.Keyboard = append(req.Keyboard, labels)
			}
		} else {
			req.Message += "\n" + enumerateOptions(content.Keyboard)
		}
	}

	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.post(ctx, "/send", req)
	})
}

// enumerateOptions renders keyboard buttons as numbered text lines for the
// non-interactive path.
func enumerateOptions(keyboard [][]models.Button) string {
	var out string
	n := 1
	for _, row := range keyboard {
		for _, btn := range row {
			out += fmt.Sprintf("%d. %s\n", n, btn.Text)
			n++
		}
	}
	return out
}

// Health probes the gateway's health endpoint with a short deadline.
func (w *WebChat) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webchat gateway unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebChat) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
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

var _ Sender = (*WebChat)(nil)
