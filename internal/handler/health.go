package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/chatio"
	"github.com/mishloha/dispatch/internal/database"
	"github.com/mishloha/dispatch/internal/pkg/response"
)

// HealthHandler serves the liveness and readiness probes. Readiness probes
// every dependency and reports sanitized diagnostics; connection strings and
// secrets never appear in the output.
type HealthHandler struct {
	pool    *pgxpool.Pool
	redis   *database.Redis
	webchat *chatio.WebChat
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(pool *pgxpool.Pool, redis *database.Redis, webchat *chatio.WebChat) *HealthHandler {
	return &HealthHandler{pool: pool, redis: redis, webchat: webchat}
}

// Routes returns a chi router with health routes.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Live)
	r.Get("/ready", h.Ready)
	return r
}

// Live handles GET /health. Always cheap; no dependency calls.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "healthy"})
}

// Ready handles GET /health/ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	healthy := true

	if err := h.pool.Ping(ctx); err != nil {
		checks["database"] = "unreachable"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := h.redis.Ping(ctx); err != nil {
		checks["redis"] = "unreachable"
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if err := h.webchat.Health(ctx); err != nil {
		checks["webchat_gateway"] = "unreachable"
		healthy = false
	} else {
		checks["webchat_gateway"] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	response.JSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}
