//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/bridge"
	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/eventlog"
	"github.com/ashureev/parley-labs/internal/game"
	"github.com/ashureev/parley-labs/internal/hub"
	"github.com/ashureev/parley-labs/internal/identity"
	"github.com/ashureev/parley-labs/internal/session"
)

type fakeRepo struct {
	mu      sync.Mutex
	events  []domain.InteractionEvent
	pingErr error
}

func (f *fakeRepo) AppendEvent(_ context.Context, ev domain.InteractionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) ListEvents(_ context.Context, sessionID string, limit int) ([]domain.InteractionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.InteractionEvent
	for _, ev := range f.events {
		if ev.SessionID == sessionID && (limit <= 0 || len(out) < limit) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountEvents(ctx context.Context, sessionID string) (int, error) {
	evs, _ := f.ListEvents(ctx, sessionID, 0)
	return len(evs), nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error               { return nil }

type fakeEngines struct {
	err error
}

func (f fakeEngines) Start(context.Context, domain.Session) error { return f.err }

type testServer struct {
	router   chi.Router
	registry *session.Registry
	turns    *bridge.Bridge
	repo     *fakeRepo
	svc      *game.Service
}

func newTestServer(t *testing.T, engines game.Engines) *testServer {
	t.Helper()
	repo := &fakeRepo{}
	events, err := eventlog.New(eventlog.Config{Enabled: false}, nil, nil)
	if err != nil {
		t.Fatalf("eventlog: %v", err)
	}
	s := &testServer{
		registry: session.NewRegistry(nil),
		turns:    bridge.New(),
		repo:     repo,
	}
	s.svc = game.NewService(game.Config{TurnTimeout: 2 * time.Second}, game.Deps{
		Registry: s.registry,
		Turns:    s.turns,
		Hub:      hub.New(time.Second, nil),
		Engines:  engines,
		Advisor:  advice.New(nil),
		Events:   events,
		Repo:     repo,
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewGameHandler(NewHandler(s.svc, nil), "http://localhost:5001").RegisterRoutes(r)
	NewHealthHandler(repo, time.Second).RegisterHealth(r)
	NewConfigHandler(false, 10*time.Minute, "http://localhost:5001").RegisterRoutes(r)
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return v
}

func (s *testServer) createGame(t *testing.T, body map[string]any) string {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/games", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[map[string]any](t, rr)["session_id"].(string)
}

func TestCreateGameAppliesDefaults(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	id := s.createGame(t, map[string]any{"player_role": "bob", "money_to_divide": 500})

	sess, err := s.registry.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.PlayerRole != domain.RoleBob || sess.GameFamily != domain.GameBargaining {
		t.Errorf("unexpected role/family: %s/%s", sess.PlayerRole, sess.GameFamily)
	}
	if sess.Params.MoneyToDivide != 500 || sess.Params.MaxRounds != 12 {
		t.Errorf("unexpected params: %+v", sess.Params)
	}
	if sess.OpponentURL != "http://localhost:5001" {
		t.Errorf("expected default opponent, got %q", sess.OpponentURL)
	}
	if sess.AssistMode != domain.AssistAIAssisted {
		t.Errorf("expected ai_assisted, got %q", sess.AssistMode)
	}
}

func TestCreateGameRejectsBadInput(t *testing.T) {
	s := newTestServer(t, fakeEngines{})

	if rr := s.do(t, http.MethodPost, "/api/games", map[string]any{"player_role": "carol"}); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown role: expected 400, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/games", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rr.Code)
	}
}

func TestCreateGameLaunchFailure(t *testing.T) {
	s := newTestServer(t, fakeEngines{err: errors.New("no python")})
	rr := s.do(t, http.MethodPost, "/api/games", map[string]any{})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestGetAndListGames(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	id := s.createGame(t, nil)

	rr := s.do(t, http.MethodGet, "/api/games/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	view := decode[map[string]any](t, rr)
	if view["session_id"] != id || view["status"] != "active" {
		t.Errorf("unexpected view: %v", view)
	}
	state, ok := view["state"].(map[string]any)
	if !ok || state["turn_type"] != "waiting" {
		t.Errorf("expected waiting state, got %v", view["state"])
	}

	if rr := s.do(t, http.MethodGet, "/api/games/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rr.Code)
	}

	list := decode[[]map[string]any](t, s.do(t, http.MethodGet, "/api/games", nil))
	if len(list) != 1 || list[0]["session_id"] != id {
		t.Errorf("unexpected list: %v", list)
	}
}

func TestEngineChatAndRespond(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	id := s.createGame(t, nil)

	if rr := s.do(t, http.MethodPost, "/api/games/"+id+"/respond", map[string]any{"decision": "accept"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("respond without turn: expected 400, got %d", rr.Code)
	}

	body, _ := json.Marshal(domain.EngineRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "# Alice gain: 4,000\n# Bob gain: 6,000\nAccept or reject?"}},
	})
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/session/"+id+"/chat", bytes.NewReader(body)))
		done <- rr
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if snap, ok := s.turns.Peek(id); ok && !snap.Resolved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine turn never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rr := s.do(t, http.MethodPost, "/api/games/"+id+"/respond", map[string]any{"decision": "maybe"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid decision: expected 400, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/api/games/"+id+"/respond", map[string]any{"decision": "accept"}); rr.Code != http.StatusOK {
		t.Fatalf("respond: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	select {
	case rr := <-done:
		if rr.Code != http.StatusOK {
			t.Fatalf("chat: expected 200, got %d", rr.Code)
		}
		reply := decode[domain.EngineReply](t, rr)
		if reply.Response != `{"decision":"accept"}` {
			t.Errorf("unexpected engine reply %q", reply.Response)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine request never returned")
	}
}

func TestEngineChatUnknownSession(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	rr := s.do(t, http.MethodPost, "/session/missing/chat", domain.EngineRequest{})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSuggestFallsBackWithoutProvider(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	id := s.createGame(t, map[string]any{"player_role": "bob"})

	rr := s.do(t, http.MethodPost, "/api/games/"+id+"/ai-suggest", map[string]any{
		"suggest_type":   "split",
		"tone_modifiers": []string{"more_logical"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	out := decode[advice.Suggestion](t, rr)
	if out.Split == nil || out.Split.Alice != 4000 || out.Split.Bob != 6000 || !out.Fallback {
		t.Errorf("unexpected suggestion: %+v", out)
	}

	if rr := s.do(t, http.MethodPost, "/api/games/"+id+"/ai-suggest", map[string]any{"suggest_type": "poem"}); rr.Code != http.StatusBadRequest {
		t.Errorf("bad kind: expected 400, got %d", rr.Code)
	}
}

func TestSuggestForbiddenWithoutAssist(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	id := s.createGame(t, map[string]any{"assist_mode": "none"})

	rr := s.do(t, http.MethodPost, "/api/games/"+id+"/ai-suggest", map[string]any{"suggest_type": "split"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestEvents(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	id := s.createGame(t, nil)
	for i := range 3 {
		_ = s.repo.AppendEvent(context.Background(), domain.InteractionEvent{SessionID: id, Type: "click", Payload: map[string]any{"n": i}})
	}

	events := decode[[]domain.InteractionEvent](t, s.do(t, http.MethodGet, "/api/games/"+id+"/events?limit=2", nil))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if rr := s.do(t, http.MethodGet, "/api/games/"+id+"/events?limit=-1", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	if rr := s.do(t, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	s.repo.pingErr = errors.New("disk gone")
	rr := s.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
}

func TestGetConfig(t *testing.T) {
	s := newTestServer(t, fakeEngines{})
	body := decode[map[string]any](t, s.do(t, http.MethodGet, "/api/config", nil))
	if body["ai_enabled"] != false {
		t.Errorf("expected ai_enabled=false, got %v", body["ai_enabled"])
	}
	if body["turn_timeout_seconds"] != float64(600) {
		t.Errorf("unexpected turn timeout %v", body["turn_timeout_seconds"])
	}
}
