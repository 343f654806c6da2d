// Package api provides HTTP handlers for the parley API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/game"
	"github.com/ashureev/parley-labs/internal/session"
)

// maxBodyBytes bounds request bodies; engine turns carry the whole
// conversation so this is generous.
const maxBodyBytes = 4 << 20

// Handler provides common handler utilities.
type Handler struct {
	svc    *game.Service
	logger *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc *game.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeServiceError maps service errors to status codes. Anything unknown is
// a 500 with a generic message.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "game not found")
	case errors.Is(err, game.ErrNoPendingTurn):
		Error(w, http.StatusBadRequest, "no pending turn")
	case errors.Is(err, game.ErrAssistDisabled):
		Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrInvalidParams),
		errors.Is(err, domain.ErrInvalidAnswer),
		errors.Is(err, advice.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
