package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mishloha/dispatch/internal/breaker"
	"github.com/mishloha/dispatch/internal/conversation"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/pkg/response"
	"github.com/mishloha/dispatch/internal/repository"
)

// DebugHandler is the operational surface: breaker states, outbox inspection
// and session overrides. Every route sits behind the admin key.
type DebugHandler struct {
	breakers *breaker.Registry
	outbox   repository.OutboxRepository
	engine   *conversation.Engine
	logger   *slog.Logger
}

// NewDebugHandler creates a debug handler.
func NewDebugHandler(breakers *breaker.Registry, outboxRepo repository.OutboxRepository, engine *conversation.Engine, logger *slog.Logger) *DebugHandler {
	return &DebugHandler{
		breakers: breakers,
		outbox:   outboxRepo,
		engine:   engine,
		logger:   logger,
	}
}

// Routes returns a chi router with debug routes.
func (h *DebugHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/circuit-breakers", h.CircuitBreakers)
	r.Get("/outbox/summary", h.OutboxSummary)
	r.Get("/outbox/messages", h.OutboxMessages)
	r.Post("/outbox/messages/{id}/retry", h.RetryMessage)
	r.Get("/users/{id}/state", h.UserState)
	r.Post("/users/{id}/force-state", h.ForceState)
	return r
}

// CircuitBreakers handles GET /debug/circuit-breakers.
func (h *DebugHandler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"breakers": h.breakers.Snapshots()})
}

// OutboxSummary handles GET /debug/outbox/summary.
func (h *DebugHandler) OutboxSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.outbox.SummaryByStatus(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, summary)
}

// OutboxMessages handles GET /debug/outbox/messages?status=&limit=.
func (h *DebugHandler) OutboxMessages(w http.ResponseWriter, r *http.Request) {
	status := models.OutboxStatus(r.URL.Query().Get("status"))
	switch status {
	case models.OutboxPending, models.OutboxProcessing, models.OutboxSent, models.OutboxFailed:
	case "":
		status = models.OutboxFailed
	default:
		response.Error(w, apperr.ErrValidation.WithMessage("unknown status"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			response.Error(w, apperr.ErrValidation.WithMessage("limit must be 1..200"))
			return
		}
		limit = n
	}

	messages, err := h.outbox.ListByStatus(r.Context(), status, limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"messages": messages, "count": len(messages)})
}

// RetryMessage handles POST /debug/outbox/messages/{id}/retry. Only failed
// messages flip back to pending.
func (h *DebugHandler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid message id"))
		return
	}

	retried, err := h.outbox.RetryFailed(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	if !retried {
		response.Error(w, apperr.ErrValidation.WithMessage("message is not in failed status"))
		return
	}
	h.logger.InfoContext(r.Context(), "outbox message requeued", "message_id", id)
	response.OK(w, map[string]string{"status": "pending"})
}

// UserState handles GET /debug/users/{id}/state?platform=.
func (h *DebugHandler) UserState(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid user id"))
		return
	}
	platform, err := parsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		response.Error(w, err)
		return
	}

	sess, err := h.engine.Session(r.Context(), userID, platform)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{
		"user_id":       userID,
		"platform":      platform,
		"current_state": sess.CurrentState,
		"context":       sess.ContextData,
	})
}

// ForceStateRequest is the HTTP request body for overriding a session state.
type ForceStateRequest struct {
	Platform     string `json:"platform"`
	State        string `json:"state"`
	ClearContext bool   `json:"clear_context"`
}

// ForceState handles POST /debug/users/{id}/force-state. It bypasses the
// transition graph; administrative reset only.
func (h *DebugHandler) ForceState(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid user id"))
		return
	}

	var req ForceStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid request body"))
		return
	}
	platform, err := parsePlatform(req.Platform)
	if err != nil {
		response.Error(w, err)
		return
	}
	if req.State == "" {
		response.Error(w, apperr.ErrValidation.WithMessage("state is required"))
		return
	}

	if err := h.engine.ForceState(r.Context(), userID, platform, req.State, req.ClearContext); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"state": req.State})
}

func parsePlatform(raw string) (models.Platform, error) {
	switch models.Platform(raw) {
	case models.PlatformBot:
		return models.PlatformBot, nil
	case models.PlatformWebChat:
		return models.PlatformWebChat, nil
	default:
		return "", apperr.ErrValidation.WithMessage("platform must be bot or webchat")
	}
}
