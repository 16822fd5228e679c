package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/pkg/response"
	"github.com/mishloha/dispatch/internal/service"
)

// AuthHandler handles collaborator panel authentication.
type AuthHandler struct {
	authService service.AuthService
	validate    *validator.Validate
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(authService service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validate:    validator.New(),
	}
}

// Routes returns a chi router with auth routes.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/request-otp", h.RequestOTP)
	r.Post("/verify", h.Verify)
	r.Post("/refresh", h.Refresh)
	return r
}

// RequestOTPRequest is the HTTP request body for requesting an OTP.
type RequestOTPRequest struct {
	Phone string `json:"phone" validate:"required"`
}

// RequestOTP handles POST /auth/request-otp. The response never reveals
// whether the phone belongs to a registered collaborator.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req RequestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apperr.ErrInvalidPhone)
		return
	}

	if err := h.authService.RequestOTP(r.Context(), req.Phone); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "sent"})
}

// VerifyRequest is the HTTP request body for verifying an OTP.
type VerifyRequest struct {
	Phone string `json:"phone" validate:"required"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// Verify handles POST /auth/verify.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apperr.ErrWrongOTP)
		return
	}

	pair, err := h.authService.VerifyOTP(r.Context(), req.Phone, req.Code)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, pair)
}

// RefreshRequest is the HTTP request body for rotating a token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh handles POST /auth/refresh. Refresh tokens are single-use; the old
// pair is dead after this call.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apperr.ErrValidation.WithMessage("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apperr.ErrInvalidToken)
		return
	}

	pair, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, pair)
}
