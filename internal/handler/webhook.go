// Package handler provides the HTTP handlers for the dispatch API: webhook
// intake, collaborator panel auth, the admin debug surface and health probes.
package handler

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mishloha/dispatch/internal/intake"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/pkg/response"
)

// Platform webhook sources authenticate with a shared secret header set at
// webhook registration time.
const webhookTokenHeader = "X-Webhook-Secret-Token"

// WebhookHandler receives platform webhooks, verifies the source token and
// feeds normalized messages to the intake service.
type WebhookHandler struct {
	intake      intake.Service
	verifyToken string
	logger      *slog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(svc intake.Service, verifyToken string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{intake: svc, verifyToken: verifyToken, logger: logger}
}

// Routes returns a chi router with webhook routes.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/bot", h.BotUpdate)
	r.Post("/webchat", h.WebChatMessages)
	return r
}

func (h *WebhookHandler) verified(r *http.Request) bool {
	got := r.Header.Get(webhookTokenHeader)
	return h.verifyToken != "" &&
		subtle.ConstantTimeCompare([]byte(got), []byte(h.verifyToken)) == 1
}

type botUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type botChat struct {
	ID int64 `json:"id"`
}

type botPhotoSize struct {
	FileID string `json:"file_id"`
}

type botDocument struct {
	FileID string `json:"file_id"`
}

type botMessage struct {
	MessageID int64          `json:"message_id"`
	From      botUser        `json:"from"`
	Chat      botChat        `json:"chat"`
	Text      string         `json:"text"`
	Date      int64          `json:"date"`
	Photo     []botPhotoSize `json:"photo"`
	Document  *botDocument   `json:"document"`
}

type botCallbackQuery struct {
	ID      string      `json:"id"`
	From    botUser     `json:"from"`
	Data    string      `json:"data"`
	Message *botMessage `json:"message"`
}

type botUpdate struct {
	UpdateID      int64             `json:"update_id"`
	Message       *botMessage       `json:"message"`
	CallbackQuery *botCallbackQuery `json:"callback_query"`
}

// BotUpdate handles POST /webhook/bot. The sender's identity is always the
// pressing/writing user's id, never the chat's, so group messages authorize
// as the individual.
func (h *WebhookHandler) BotUpdate(w http.ResponseWriter, r *http.Request) {
	var update botUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid update payload"))
		return
	}

	msg, ok := h.normalizeBotUpdate(&update)
	if !ok {
		// Unsupported update kinds are acknowledged so the platform
		// does not redeliver them forever.
		response.OK(w, map[string]string{"status": "ignored"})
		return
	}
	msg.Verified = h.verified(r)

	if err := h.intake.Process(r.Context(), msg); err != nil {
		h.logger.ErrorContext(r.Context(), "bot update processing failed",
			"update_id", update.UpdateID, "error", err)
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) normalizeBotUpdate(update *botUpdate) (intake.InboundMessage, bool) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		msg := intake.InboundMessage{
			Platform:          models.PlatformBot,
			PlatformMessageID: "cb:" + cb.ID,
			FromUserID:        strconv.FormatInt(cb.From.ID, 10),
			Name:              displayName(cb.From),
			CallbackData:      cb.Data,
		}
		if cb.Message != nil && cb.Message.Chat.ID < 0 {
			msg.GroupChatID = strconv.FormatInt(cb.Message.Chat.ID, 10)
		}
		return msg, true

	case update.Message != nil:
		m := update.Message
		msg := intake.InboundMessage{
			Platform:          models.PlatformBot,
			PlatformMessageID: strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.FormatInt(m.MessageID, 10),
			FromUserID:        strconv.FormatInt(m.From.ID, 10),
			Name:              displayName(m.From),
			Text:              m.Text,
		}
		if m.Chat.ID < 0 {
			msg.GroupChatID = strconv.FormatInt(m.Chat.ID, 10)
		}
		switch {
		case m.Document != nil:
			msg.MediaRef = m.Document.FileID
			msg.MediaType = "document"
		case len(m.Photo) > 0:
			// The last photo size is the largest.
			msg.MediaRef = m.Photo[len(m.Photo)-1].FileID
			msg.MediaType = "photo"
		}
		return msg, true

	default:
		return intake.InboundMessage{}, false
	}
}

func displayName(u botUser) string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

type webchatMessage struct {
	SenderID  string `json:"sender_id"`
	ReplyTo   string `json:"reply_to"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	MediaURL  string `json:"media_url"`
	MediaType string `json:"media_type"`
	MimeType  string `json:"mime_type"`
}

type webchatBatch struct {
	Messages []webchatMessage `json:"messages"`
}

// WebChatMessages handles POST /webhook/webchat. The gateway batches
// messages; each is processed independently so one bad message does not
// poison the batch.
func (h *WebhookHandler) WebChatMessages(w http.ResponseWriter, r *http.Request) {
	var batch webchatBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid batch payload"))
		return
	}
	verified := h.verified(r)

	processed := 0
	for _, m := range batch.Messages {
		msg := intake.InboundMessage{
			Platform:          models.PlatformWebChat,
			PlatformMessageID: m.MessageID,
			FromUserID:        m.SenderID,
			Phone:             m.SenderID,
			Text:              m.Text,
			MediaRef:          m.MediaURL,
			MediaType:         m.MediaType,
			Verified:          verified,
		}
		if err := h.intake.Process(r.Context(), msg); err != nil {
			h.logger.ErrorContext(r.Context(), "webchat message processing failed",
				"message_id", m.MessageID, "error", err)
			continue
		}
		processed++
	}
	response.OK(w, map[string]int{"processed": processed})
}
