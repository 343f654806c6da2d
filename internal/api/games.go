package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/identity"
	"github.com/ashureev/parley-labs/internal/session"
)

const defaultEventLimit = 500

// GameHandler serves the game REST surface and the engine callback.
type GameHandler struct {
	*Handler
	defaultOpponentURL string
}

// NewGameHandler creates a game handler. defaultOpponentURL is used when a
// create request names no opponent.
func NewGameHandler(base *Handler, defaultOpponentURL string) *GameHandler {
	return &GameHandler{Handler: base, defaultOpponentURL: defaultOpponentURL}
}

// RegisterRoutes registers game routes.
func (h *GameHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/games", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/respond", h.Respond)
		r.Post("/{id}/ai-suggest", h.Suggest)
		r.Get("/{id}/events", h.Events)
	})
	r.Post("/session/{id}/chat", h.EngineChat)
}

// createGameRequest mirrors the create form. Omitted fields take defaults.
type createGameRequest struct {
	GameFamily          domain.GameFamily `json:"game_family"`
	PlayerRole          domain.PlayerRole `json:"player_role"`
	OpponentURL         string            `json:"ai_server_url"`
	AssistMode          domain.AssistMode `json:"assist_mode"`
	MoneyToDivide       *int              `json:"money_to_divide"`
	MaxRounds           *int              `json:"max_rounds"`
	Delta1              *float64          `json:"delta_1"`
	Delta2              *float64          `json:"delta_2"`
	CompleteInformation *bool             `json:"complete_information"`
	MessagesAllowed     *bool             `json:"messages_allowed"`
}

func (req createGameRequest) params(defaultOpponentURL string) session.CreateParams {
	p := domain.DefaultGameParams()
	if req.MoneyToDivide != nil {
		p.MoneyToDivide = *req.MoneyToDivide
	}
	if req.MaxRounds != nil {
		p.MaxRounds = *req.MaxRounds
	}
	if req.Delta1 != nil {
		p.Delta1 = *req.Delta1
	}
	if req.Delta2 != nil {
		p.Delta2 = *req.Delta2
	}
	if req.CompleteInformation != nil {
		p.CompleteInformation = *req.CompleteInformation
	}
	if req.MessagesAllowed != nil {
		p.MessagesAllowed = *req.MessagesAllowed
	}

	out := session.CreateParams{
		GameFamily:  req.GameFamily,
		PlayerRole:  req.PlayerRole,
		OpponentURL: req.OpponentURL,
		Params:      p,
		AssistMode:  req.AssistMode,
	}
	if out.GameFamily == "" {
		out.GameFamily = domain.GameBargaining
	}
	if out.PlayerRole == "" {
		out.PlayerRole = domain.RoleAlice
	}
	if out.OpponentURL == "" {
		out.OpponentURL = defaultOpponentURL
	}
	if out.AssistMode == "" {
		out.AssistMode = domain.AssistAIAssisted
	}
	return out
}

// Create creates a session and launches its engine.
func (h *GameHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	// The engine outlives this request.
	sess, err := h.svc.CreateGame(context.WithoutCancel(r.Context()), req.params(h.defaultOpponentURL))
	if err != nil {
		if sess.ID != "" {
			Error(w, http.StatusInternalServerError, "failed to launch game engine")
			return
		}
		h.writeServiceError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"session_id":  sess.ID,
		"game_family": sess.GameFamily,
		"player_role": sess.PlayerRole,
		"assist_mode": sess.AssistMode,
		"status":      sess.Status,
	})
}

// List returns every session.
func (h *GameHandler) List(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.svc.List())
}

// gameView is a session plus the event a viewer joining now would receive.
type gameView struct {
	domain.Session
	State any `json:"state"`
}

// Get returns one session with its current turn state.
func (h *GameHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.svc.Get(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	state, err := h.svc.CurrentEvent(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, gameView{Session: sess, State: state})
}

// Respond is the REST fallback for submitting the human's answer.
func (h *GameHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var payload domain.ResponsePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.Submit(r.Context(), id, identity.ViewerIDFromContext(r.Context()), payload); err != nil {
		h.writeServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

type suggestRequest struct {
	SuggestType    advice.Kind           `json:"suggest_type"`
	ToneModifiers  []advice.ToneModifier `json:"tone_modifiers"`
	CurrentMessage string                `json:"current_message"`
}

// Suggest returns an advised split or message.
func (h *GameHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	out, err := h.svc.Suggest(r.Context(), id, identity.ViewerIDFromContext(r.Context()), advice.Request{
		Kind:           req.SuggestType,
		ToneModifiers:  req.ToneModifiers,
		CurrentMessage: req.CurrentMessage,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

// Events returns the session's interaction log from the ledger.
func (h *GameHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, events)
}

// EngineChat is the engine's per-turn callback. It blocks until the human
// answers, the turn times out, or the engine disconnects.
func (h *GameHandler) EngineChat(w http.ResponseWriter, r *http.Request) {
	var req domain.EngineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	reply, err := h.svc.EngineTurn(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Warn("Engine disconnected while waiting for the human", "session_id", id)
			return
		}
		if errors.Is(err, session.ErrNotFound) {
			Error(w, http.StatusNotFound, "unknown session")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}
