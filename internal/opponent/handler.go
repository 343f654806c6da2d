package opponent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/parley-labs/internal/domain"
)

const maxBodyBytes = 4 << 20

// Chat is the engine's per-turn callback.
func (s *Seat) Chat(w http.ResponseWriter, r *http.Request) {
	var req domain.EngineRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	reply, err := s.Respond(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Warn("Engine disconnected while waiting for the player")
			return
		}
		s.logger.Error("Turn failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Health reports the seat mode and how many players are connected.
func (s *Seat) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"mode":    s.cfg.Mode(),
		"players": s.hub.Count(SeatKey),
	}
	if s.cfg.Mode() == "llm" {
		body["model"] = s.cfg.LLM.Model()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}
