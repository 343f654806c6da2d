// Package hub fans session events out to every connected viewer.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single write to one viewer.
const DefaultWriteTimeout = 5 * time.Second

// Viewer is one live connection attached to a session.
type Viewer interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Hub tracks the viewers of each session. Delivery is attempted once per
// viewer with no queueing; late joiners re-derive state elsewhere.
type Hub struct {
	mu           sync.RWMutex
	active       map[string]map[Viewer]struct{}
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New creates an empty hub. A zero writeTimeout uses DefaultWriteTimeout.
func New(writeTimeout time.Duration, logger *slog.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active:       make(map[string]map[Viewer]struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Join attaches v to the session.
func (h *Hub) Join(sessionID string, v Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[Viewer]struct{})
	}
	h.active[sessionID][v] = struct{}{}
	h.logger.Info("Viewer joined", "session_id", sessionID, "viewers", len(h.active[sessionID]))
}

// Leave detaches v. It reports whether v was attached.
func (h *Hub) Leave(sessionID string, v Viewer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	viewers, ok := h.active[sessionID]
	if !ok {
		return false
	}
	if _, exists := viewers[v]; !exists {
		return false
	}
	delete(viewers, v)
	if len(viewers) == 0 {
		delete(h.active, sessionID)
	}
	h.logger.Info("Viewer left", "session_id", sessionID, "viewers", len(viewers))
	return true
}

// Count returns the number of viewers attached to the session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

func (h *Hub) snapshot(sessionID string) []Viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	viewers := make([]Viewer, 0, len(h.active[sessionID]))
	for v := range h.active[sessionID] {
		viewers = append(viewers, v)
	}
	return viewers
}

// Publish marshals event once and writes it to every viewer of the session
// concurrently. A viewer whose write fails is removed and closed; the others
// are unaffected. It returns the number of successful deliveries.
func (h *Hub) Publish(ctx context.Context, sessionID string, event any) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	return h.PublishRaw(ctx, sessionID, data), nil
}

// PublishRaw is Publish for an already encoded event.
func (h *Hub) PublishRaw(ctx context.Context, sessionID string, data []byte) int {
	viewers := h.snapshot(sessionID)
	if len(viewers) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, v := range viewers {
		wg.Add(1)
		go func(v Viewer) {
			defer wg.Done()
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			defer cancel()
			if err := v.Send(writeCtx, data); err != nil {
				h.prune(sessionID, v, err)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(v)
	}
	wg.Wait()
	return delivered
}

func (h *Hub) prune(sessionID string, v Viewer, cause error) {
	if !h.Leave(sessionID, v) {
		return
	}
	h.logger.Debug("Pruned viewer after failed write", "session_id", sessionID, "error", cause)
	if err := v.Close("write failed"); err != nil {
		h.logger.Debug("Failed to close pruned viewer", "session_id", sessionID, "error", err)
	}
}

// CloseSession detaches and closes every viewer of the session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	viewers := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	for v := range viewers {
		if err := v.Close("session closed"); err != nil {
			h.logger.Debug("Failed to close viewer", "session_id", sessionID, "error", err)
		}
	}
}

// CloseAll closes every viewer of every session. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	active := h.active
	h.active = make(map[string]map[Viewer]struct{})
	h.mu.Unlock()

	for sessionID, viewers := range active {
		for v := range viewers {
			if err := v.Close("server shutting down"); err != nil {
				h.logger.Debug("Failed to close viewer", "session_id", sessionID, "error", err)
			}
		}
	}
}
