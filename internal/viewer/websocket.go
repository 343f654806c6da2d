// Package viewer serves the WebSocket channel between a game session and the
// browsers watching it.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/hub"
	"github.com/ashureev/parley-labs/internal/identity"
	"github.com/ashureev/parley-labs/internal/session"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Inbound message types.
const (
	msgSubmitResponse = "submit_response"
	msgTrackEvent     = "track_event"
	msgPing           = "ping"
)

// Sessions is what the channel needs from the game layer. game.Service
// implements it.
type Sessions interface {
	Get(id string) (domain.Session, error)
	CurrentEvent(sessionID string) (any, error)
	Submit(ctx context.Context, sessionID, viewerID string, p domain.ResponsePayload) error
	Track(sessionID, viewerID string, payload map[string]any)
}

// Rooms attaches and detaches viewers.
type Rooms interface {
	Join(sessionID string, v hub.Viewer)
	Leave(sessionID string, v hub.Viewer) bool
}

// WebSocketHandler upgrades viewer connections for one session each.
type WebSocketHandler struct {
	sessions Sessions
	rooms    Rooms
	origins  []string
	isDev    bool
	logger   *slog.Logger
}

// NewWebSocketHandler creates a handler. origins lists the allowed browser
// origins; "*" or development mode accepts any.
func NewWebSocketHandler(sessions Sessions, rooms Rooms, origins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		sessions: sessions,
		rooms:    rooms,
		origins:  origins,
		isDev:    isDev,
		logger:   logger,
	}
}

// RegisterRoutes registers the viewer endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{id}", h.ServeHTTP)
}

// inbound is a frame sent by the browser.
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	viewerID := identity.ViewerIDFromContext(r.Context())

	if _, err := h.sessions.Get(sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := hub.NewConn(ws)
	h.rooms.Join(sessionID, conn)
	defer func() {
		if h.rooms.Leave(sessionID, conn) {
			if closeErr := conn.Close("viewer left"); closeErr != nil {
				h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
			}
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Late joiners get the current state straight away.
	if current, err := h.sessions.CurrentEvent(sessionID); err == nil {
		if err := h.writeJSON(ctx, ws, current); err != nil {
			h.logger.Debug("Failed to send current state", "error", err, "session_id", sessionID)
			return
		}
	}

	h.readLoop(ctx, ws, sessionID, viewerID)
	h.logger.Info("Viewer disconnected", "session_id", sessionID, "viewer_id", viewerID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, viewerID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(ctx, ws, "malformed message")
			continue
		}

		switch msg.Type {
		case msgSubmitResponse:
			var p domain.ResponsePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &p); err != nil {
					h.sendError(ctx, ws, "malformed payload")
					continue
				}
			}
			if err := h.sessions.Submit(ctx, sessionID, viewerID, p); err != nil {
				h.logger.Info("Rejected viewer response", "error", err, "session_id", sessionID)
				h.sendError(ctx, ws, err.Error())
			}
		case msgTrackEvent:
			payload := map[string]any{}
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &payload); err != nil {
					h.sendError(ctx, ws, "malformed payload")
					continue
				}
			}
			h.sessions.Track(sessionID, viewerID, payload)
		case msgPing:
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		default:
			h.sendError(ctx, ws, "unknown message type")
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func (h *WebSocketHandler) sendError(ctx context.Context, ws *websocket.Conn, message string) {
	if err := h.writeJSON(ctx, ws, errorFrame{Type: "error", Error: message}); err != nil {
		h.logger.Debug("Failed to send error frame", "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
