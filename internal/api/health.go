package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/store"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{repo: repo, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// ConfigHandler tells the frontend what the server offers.
type ConfigHandler struct {
	adviceEnabled      bool
	turnTimeout        time.Duration
	defaultOpponentURL string
}

// NewConfigHandler creates a config handler.
func NewConfigHandler(adviceEnabled bool, turnTimeout time.Duration, defaultOpponentURL string) *ConfigHandler {
	return &ConfigHandler{
		adviceEnabled:      adviceEnabled,
		turnTimeout:        turnTimeout,
		defaultOpponentURL: defaultOpponentURL,
	}
}

// RegisterRoutes registers the config route.
func (h *ConfigHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
}

// GetConfig returns the server configuration for the frontend.
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"ai_enabled":           h.adviceEnabled,
		"turn_timeout_seconds": int(h.turnTimeout / time.Second),
		"default_opponent_url": h.defaultOpponentURL,
		"default_game_args":    domain.DefaultGameParams(),
		"game_families":        []domain.GameFamily{domain.GameBargaining, domain.GameNegotiation, domain.GamePersuasion},
		"tone_modifiers": []advice.ToneModifier{
			advice.MoreCredible, advice.LessCredible,
			advice.MoreLogical, advice.LessLogical,
			advice.MoreAggressive, advice.LessAggressive,
			advice.MoreEmotional, advice.LessEmotional,
		},
	})
}
