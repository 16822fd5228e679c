package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mishloha/dispatch/internal/middleware"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/pkg/response"
	"github.com/mishloha/dispatch/internal/service"
)

// PanelHandler serves the collaborator panel API. Routes require a valid
// access token; station routes additionally require ownership of the station
// named in the claims.
type PanelHandler struct {
	stationService service.StationService
	walletService  service.WalletService
}

// NewPanelHandler creates a panel handler.
func NewPanelHandler(stationService service.StationService, walletService service.WalletService) *PanelHandler {
	return &PanelHandler{
		stationService: stationService,
		walletService:  walletService,
	}
}

// Routes returns a chi router with panel routes.
func (h *PanelHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/me", h.Me)
	r.Get("/station/wallet", h.StationWallet)
	r.Get("/station/report", h.StationReport)
	r.Get("/station/audit", h.StationAudit)
	return r
}

// Me handles GET /panel/me.
func (h *PanelHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		response.Error(w, apperr.ErrInvalidToken)
		return
	}
	response.OK(w, map[string]any{
		"user_id":    claims.UserID,
		"station_id": claims.StationID,
		"role":       claims.Role,
	})
}

// stationFromClaims resolves the caller's station and verifies ownership.
func (h *PanelHandler) stationFromClaims(r *http.Request) (int64, error) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.StationID == nil {
		return 0, apperr.ErrStationNotFound
	}
	if claims.Role != models.RoleStationOwner && claims.Role != models.RoleAdmin {
		return 0, apperr.ErrInvalidToken
	}
	return *claims.StationID, nil
}

// StationWallet handles GET /panel/station/wallet.
func (h *PanelHandler) StationWallet(w http.ResponseWriter, r *http.Request) {
	stationID, err := h.stationFromClaims(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	wallet, err := h.walletService.StationBalance(r.Context(), stationID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, wallet)
}

// StationReport handles GET /panel/station/report?limit=.
func (h *PanelHandler) StationReport(w http.ResponseWriter, r *http.Request) {
	stationID, err := h.stationFromClaims(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	report, err := h.stationService.CollectionReport(r.Context(), stationID, queryLimit(r, 50))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, report)
}

// StationAudit handles GET /panel/station/audit?limit=.
func (h *PanelHandler) StationAudit(w http.ResponseWriter, r *http.Request) {
	stationID, err := h.stationFromClaims(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	trail, err := h.stationService.AuditTrail(r.Context(), stationID, queryLimit(r, 50))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"entries": trail})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 200 {
		return def
	}
	return n
}
