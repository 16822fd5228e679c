package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/middleware"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/service"
)

// mockAuthService implements the single method the auth middleware needs;
// the embedded interface panics on anything else.
type mockAuthService struct {
	service.AuthService
	parseFunc func(tokenString string) (*service.Claims, error)
}

func (m *mockAuthService) ParseAccessToken(tokenString string) (*service.Claims, error) {
	return m.parseFunc(tokenString)
}

type mockStationService struct {
	service.StationService
	collectionReportFunc func(ctx context.Context, stationID int64, limit int) (*service.CollectionReport, error)
}

func (m *mockStationService) CollectionReport(ctx context.Context, stationID int64, limit int) (*service.CollectionReport, error) {
	return m.collectionReportFunc(ctx, stationID, limit)
}

type mockWalletService struct {
	service.WalletService
	stationBalanceFunc func(ctx context.Context, stationID int64) (*models.StationWallet, error)
}

func (m *mockWalletService) StationBalance(ctx context.Context, stationID int64) (*models.StationWallet, error) {
	return m.stationBalanceFunc(ctx, stationID)
}

func panelRouter(claims *service.Claims, stations *mockStationService, wallets *mockWalletService) http.Handler {
	auth := &mockAuthService{
		parseFunc: func(token string) (*service.Claims, error) {
			if token != "good-token" {
				return nil, apperr.ErrInvalidToken
			}
			return claims, nil
		},
	}
	h := NewPanelHandler(stations, wallets)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(auth))
		r.Mount("/panel", h.Routes())
	})
	return r
}

func getPanel(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func ownerClaims(stationID int64) *service.Claims {
	return &service.Claims{
		UserID:    42,
		StationID: &stationID,
		Role:      models.RoleStationOwner,
	}
}

func TestPanelRequiresToken(t *testing.T) {
	h := panelRouter(ownerClaims(5), &mockStationService{}, &mockWalletService{})

	rec := getPanel(h, "/panel/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = getPanel(h, "/panel/me", "stale-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPanelMe(t *testing.T) {
	h := panelRouter(ownerClaims(5), &mockStationService{}, &mockWalletService{})

	rec := getPanel(h, "/panel/me", "good-token")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data struct {
			UserID    int64       `json:"user_id"`
			StationID *int64      `json:"station_id"`
			Role      models.Role `json:"role"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(42), out.Data.UserID)
	require.NotNil(t, out.Data.StationID)
	assert.Equal(t, int64(5), *out.Data.StationID)
	assert.Equal(t, models.RoleStationOwner, out.Data.Role)
}

func TestPanelStationWallet(t *testing.T) {
	wallets := &mockWalletService{
		stationBalanceFunc: func(ctx context.Context, stationID int64) (*models.StationWallet, error) {
			assert.Equal(t, int64(5), stationID)
			return &models.StationWallet{
				StationID: stationID,
				Balance:   decimal.RequireFromString("120.50"),
			}, nil
		},
	}
	h := panelRouter(ownerClaims(5), &mockStationService{}, wallets)

	rec := getPanel(h, "/panel/station/wallet", "good-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "120.5")
}

func TestPanelStationReportLimit(t *testing.T) {
	var gotLimit int
	stations := &mockStationService{
		collectionReportFunc: func(ctx context.Context, stationID int64, limit int) (*service.CollectionReport, error) {
			gotLimit = limit
			return &service.CollectionReport{StationID: stationID}, nil
		},
	}
	h := panelRouter(ownerClaims(5), stations, &mockWalletService{})

	rec := getPanel(h, "/panel/station/report", "good-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, gotLimit)

	rec = getPanel(h, "/panel/station/report?limit=10", "good-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, gotLimit)

	rec = getPanel(h, "/panel/station/report?limit=9999", "good-token")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, gotLimit, "out-of-range limit falls back to the default")
}

func TestPanelStationRoutesRejectNonOwner(t *testing.T) {
	stationID := int64(5)
	claims := &service.Claims{UserID: 42, StationID: &stationID, Role: models.RoleCourier}
	h := panelRouter(claims, &mockStationService{}, &mockWalletService{})

	rec := getPanel(h, "/panel/station/wallet", "good-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPanelStationRoutesRequireStation(t *testing.T) {
	claims := &service.Claims{UserID: 42, Role: models.RoleStationOwner}
	h := panelRouter(claims, &mockStationService{}, &mockWalletService{})

	rec := getPanel(h, "/panel/station/report", "good-token")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
