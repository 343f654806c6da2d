package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/hub"
	"github.com/ashureev/parley-labs/internal/identity"
	"github.com/ashureev/parley-labs/internal/session"
)

type fakeSessions struct {
	mu        sync.Mutex
	submitted []domain.ResponsePayload
	tracked   []map[string]any
	viewerIDs []string
	submitErr error
}

func (f *fakeSessions) Get(id string) (domain.Session, error) {
	if id != "abc" {
		return domain.Session{}, session.ErrNotFound
	}
	return domain.Session{ID: id}, nil
}

func (f *fakeSessions) CurrentEvent(sessionID string) (any, error) {
	return domain.GameStateEvent{
		Type:      domain.EventGameState,
		SessionID: sessionID,
		TurnType:  domain.TurnWaiting,
		Messages:  []domain.Message{},
	}, nil
}

func (f *fakeSessions) Submit(_ context.Context, _, viewerID string, p domain.ResponsePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, p)
	f.viewerIDs = append(f.viewerIDs, viewerID)
	return nil
}

func (f *fakeSessions) Track(_, viewerID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, payload)
	f.viewerIDs = append(f.viewerIDs, viewerID)
}

func (f *fakeSessions) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), len(f.tracked)
}

func newServer(t *testing.T, sessions Sessions, rooms *hub.Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithViewerID(req.Context(), "viewer_test")))
		})
	})
	NewWebSocketHandler(sessions, rooms, []string{"https://app.example"}, false, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func TestJoinReceivesCurrentState(t *testing.T) {
	rooms := hub.New(0, nil)
	srv := newServer(t, &fakeSessions{}, rooms)

	ws := dial(t, srv, "abc")
	first := readFrame(t, ws)
	assert.Equal(t, "game_state", first["type"])
	assert.Equal(t, "waiting", first["turn_type"])
	assert.Equal(t, 1, rooms.Count("abc"))
}

func TestUnknownSessionIsRejectedBeforeUpgrade(t *testing.T) {
	srv := newServer(t, &fakeSessions{}, hub.New(0, nil))

	resp, err := http.Get(srv.URL + "/ws/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForeignOriginIsRejected(t *testing.T) {
	srv := newServer(t, &fakeSessions{}, hub.New(0, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/abc"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubmitTrackAndPing(t *testing.T) {
	sessions := &fakeSessions{}
	srv := newServer(t, sessions, hub.New(0, nil))
	ws := dial(t, srv, "abc")
	readFrame(t, ws)

	send(t, ws, map[string]any{
		"type":    "submit_response",
		"payload": map[string]any{"alice_gain": 6000, "bob_gain": 4000, "message": "deal?"},
	})
	send(t, ws, map[string]any{
		"type":    "track_event",
		"payload": map[string]any{"event_type": "slider_moved", "value": 55},
	})
	send(t, ws, map[string]any{"type": "ping"})

	pong := readFrame(t, ws)
	assert.Equal(t, "pong", pong["type"])

	submitted, tracked := sessions.counts()
	require.Equal(t, 1, submitted)
	require.Equal(t, 1, tracked)

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	require.NotNil(t, sessions.submitted[0].AliceGain)
	assert.InDelta(t, 6000, *sessions.submitted[0].AliceGain, 0)
	assert.Equal(t, "deal?", *sessions.submitted[0].Message)
	assert.Equal(t, "slider_moved", sessions.tracked[0]["event_type"])
	assert.Equal(t, []string{"viewer_test", "viewer_test"}, sessions.viewerIDs)
}

func TestSubmitErrorIsReportedToSender(t *testing.T) {
	sessions := &fakeSessions{submitErr: domain.ErrInvalidAnswer}
	srv := newServer(t, sessions, hub.New(0, nil))
	ws := dial(t, srv, "abc")
	readFrame(t, ws)

	send(t, ws, map[string]any{"type": "submit_response", "payload": map[string]any{}})
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["error"], "invalid")

	send(t, ws, map[string]any{"type": "dance"})
	frame = readFrame(t, ws)
	assert.Equal(t, "unknown message type", frame["error"])

	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, []byte("{nope")))
	frame = readFrame(t, ws)
	assert.Equal(t, "malformed message", frame["error"])
}

func TestBroadcastReachesViewerAndLeaveOnDisconnect(t *testing.T) {
	rooms := hub.New(0, nil)
	srv := newServer(t, &fakeSessions{}, rooms)
	ws := dial(t, srv, "abc")
	readFrame(t, ws)

	n, err := rooms.Publish(context.Background(), "abc", map[string]string{"type": "game_finished"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "game_finished", readFrame(t, ws)["type"])

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return rooms.Count("abc") == 0 }, 5*time.Second, 10*time.Millisecond)
}
