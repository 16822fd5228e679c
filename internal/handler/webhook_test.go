package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/intake"
	"github.com/mishloha/dispatch/internal/models"
)

// mockIntake is a mock implementation of intake.Service for testing.
type mockIntake struct {
	processFunc func(ctx context.Context, msg intake.InboundMessage) error
	received    []intake.InboundMessage
}

func (m *mockIntake) Process(ctx context.Context, msg intake.InboundMessage) error {
	m.received = append(m.received, msg)
	if m.processFunc != nil {
		return m.processFunc(ctx, msg)
	}
	return nil
}

func newTestWebhookHandler(svc *mockIntake) *WebhookHandler {
	return NewWebhookHandler(svc, "secret-token", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func postJSON(t *testing.T, h http.Handler, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set(webhookTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBotUpdateMessage(t *testing.T) {
	svc := &mockIntake{}
	h := newTestWebhookHandler(svc)

	rec := postJSON(t, h.Routes(), "/bot", "secret-token", map[string]any{
		"update_id": 7,
		"message": map[string]any{
			"message_id": 100,
			"from":       map[string]any{"id": 555, "first_name": "דני", "last_name": "כהן"},
			"chat":       map[string]any{"id": 555},
			"text":       "שלום",
		},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.received, 1)
	msg := svc.received[0]
	assert.Equal(t, models.PlatformBot, msg.Platform)
	assert.Equal(t, "555:100", msg.PlatformMessageID)
	assert.Equal(t, "555", msg.FromUserID)
	assert.Equal(t, "דני כהן", msg.Name)
	assert.Equal(t, "שלום", msg.Text)
	assert.Empty(t, msg.GroupChatID)
	assert.True(t, msg.Verified)
}

func TestBotUpdateGroupMessageAuthorizesSender(t *testing.T) {
	svc := &mockIntake{}
	h := newTestWebhookHandler(svc)

	rec := postJSON(t, h.Routes(), "/bot", "secret-token", map[string]any{
		"message": map[string]any{
			"message_id": 5,
			"from":       map[string]any{"id": 555, "first_name": "דני"},
			"chat":       map[string]any{"id": -100200300},
			"text":       "הוסף משלוח",
		},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.received, 1)
	msg := svc.received[0]
	assert.Equal(t, "555", msg.FromUserID, "identity is the writing user, not the group")
	assert.Equal(t, "-100200300", msg.GroupChatID)
}

func TestBotUpdateCallback(t *testing.T) {
	svc := &mockIntake{}
	h := newTestWebhookHandler(svc)

	rec := postJSON(t, h.Routes(), "/bot", "secret-token", map[string]any{
		"callback_query": map[string]any{
			"id":   "cbq-9",
			"from": map[string]any{"id": 555, "first_name": "דני"},
			"data": "capture:abc123",
		},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.received, 1)
	msg := svc.received[0]
	assert.Equal(t, "cb:cbq-9", msg.PlatformMessageID)
	assert.Equal(t, "capture:abc123", msg.CallbackData)
}

func TestBotUpdateUnsupportedKindAcknowledged(t *testing.T) {
	svc := &mockIntake{}
	h := newTestWebhookHandler(svc)

	rec := postJSON(t, h.Routes(), "/bot", "secret-token", map[string]any{
		"update_id":   8,
		"edited_post": map[string]any{"text": "x"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, svc.received)
}

func TestBotUpdateMissingTokenNotVerified(t *testing.T) {
	svc := &mockIntake{}
	h := newTestWebhookHandler(svc)

	postJSON(t, h.Routes(), "/bot", "", map[string]any{
		"message": map[string]any{
			"message_id": 5,
			"from":       map[string]any{"id": 555},
			"chat":       map[string]any{"id": 555},
			"text":       "hi",
		},
	})

	require.Len(t, svc.received, 1)
	assert.False(t, svc.received[0].Verified)
}

func TestWebChatBatchProcessesIndependently(t *testing.T) {
	svc := &mockIntake{
		processFunc: func(ctx context.Context, msg intake.InboundMessage) error {
			if msg.PlatformMessageID == "m-2" {
				return assert.AnError
			}
			return nil
		},
	}
	h := newTestWebhookHandler(svc)

	rec := postJSON(t, h.Routes(), "/webchat", "secret-token", map[string]any{
		"messages": []map[string]any{
			{"sender_id": "+972501234567", "message_id": "m-1", "text": "היי"},
			{"sender_id": "+972501234567", "message_id": "m-2", "text": "שוב"},
			{"sender_id": "+972509999999", "message_id": "m-3", "text": "שלום"},
		},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, svc.received, 3)

	var out struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Data["processed"])
}
