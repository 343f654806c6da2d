// Package opponent implements a stand-in for the second seat of a game. The
// engine posts each turn to /chat; the seat answers with a simple heuristic,
// forwards the conversation to a language model, or relays the turn to a
// second human over a WebSocket.
package opponent

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/parley-labs/internal/bridge"
	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/extract"
	"github.com/ashureev/parley-labs/internal/hub"
	"github.com/ashureev/parley-labs/internal/session"
	"github.com/ashureev/parley-labs/internal/viewer"
)

// SeatKey is the bridge and hub key of the single seat this server plays.
const SeatKey = "opponent"

// ErrNoPendingTurn is returned when the player answers while no turn waits.
var ErrNoPendingTurn = errors.New("no pending turn")

const (
	defaultPot          = 10000
	defaultTurnTimeout  = 10 * time.Minute
	acceptShare         = 0.35
	acceptAnywayChance  = 0.3
	minProposalPercent  = 55
	proposalPercentSpan = 11
	publishTimeout      = 10 * time.Second
)

var cannedMessages = []string{
	"I think this is a fair split given the circumstances.",
	"Let's be reasonable here, this works for both of us.",
	"I believe this allocation reflects our positions well.",
	"How about this? I think we can both benefit.",
	"This is my best offer. Let's close the deal.",
}

//go:embed player2.html
var playerPage []byte

// Chatter answers a whole conversation with one reply.
type Chatter interface {
	Chat(ctx context.Context, messages []domain.Message) (string, error)
	Model() string
}

// Config tunes the seat.
type Config struct {
	// Auto answers every turn with the heuristic instead of a human.
	Auto bool
	// LLM, when set and Auto is off, answers every turn with the model's
	// raw reply.
	LLM         Chatter
	TurnTimeout time.Duration
}

// Mode names how the seat answers: auto, llm or human.
func (c Config) Mode() string {
	switch {
	case c.Auto:
		return "auto"
	case c.LLM != nil:
		return "llm"
	default:
		return "human"
	}
}

// Seat is safe for concurrent use.
type Seat struct {
	cfg    Config
	turns  *bridge.Bridge
	hub    *hub.Hub
	logger *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates a seat. A nil rnd seeds a random source.
func New(cfg Config, rnd *rand.Rand, logger *slog.Logger) *Seat {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Seat{
		cfg:    cfg,
		turns:  bridge.New(),
		hub:    hub.New(0, logger),
		logger: logger,
		rnd:    rnd,
	}
}

// RegisterRoutes registers the engine callback, the player channel and the
// player page.
func (s *Seat) RegisterRoutes(r chi.Router) {
	ws := viewer.NewWebSocketHandler(s, s.hub, []string{"*"}, true, s.logger)

	r.Post("/chat", s.Chat)
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		chi.RouteContext(req.Context()).URLParams.Add("id", SeatKey)
		ws.ServeHTTP(w, req)
	})
	r.Get("/health", s.Health)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(playerPage)
	})
}

// Shutdown releases a waiting engine request and disconnects players.
func (s *Seat) Shutdown() {
	s.turns.Clear(SeatKey)
	s.hub.CloseAll()
}

// Respond answers one engine turn.
func (s *Seat) Respond(ctx context.Context, req domain.EngineRequest) (domain.EngineReply, error) {
	decision := extract.IsDecisionTurn(req.Decision, req.Messages)
	switch s.cfg.Mode() {
	case "auto":
		return domain.EngineReply{Response: s.autoRespond(req, decision)}, nil
	case "llm":
		return domain.EngineReply{Response: s.llmRespond(ctx, req)}, nil
	}

	// A fresh game on the same server opens with at most one non-system
	// message.
	if s.turns.Round(SeatKey) > 0 && domain.NonSystemCount(req.Messages) <= 1 {
		s.logger.Info("New game detected, resetting seat")
		s.turns.Reset(SeatKey)
	}

	turn := s.turns.Register(SeatKey, req.Messages, decision, req.GameParams)
	s.publish(s.stateEvent(turn.Round, turn.Messages, decision, turn.Params))

	answer, err := s.turns.Await(ctx, turn, s.cfg.TurnTimeout)
	switch {
	case err == nil:
		return domain.EngineReply{Response: answer}, nil
	case errors.Is(err, bridge.ErrTurnTimeout):
		s.logger.Warn("Player did not answer in time", "round", turn.Round)
		s.publish(s.waiting(turn.Params))
		return domain.EngineReply{}, nil
	case errors.Is(err, bridge.ErrTurnCleared):
		return domain.EngineReply{}, nil
	default:
		return domain.EngineReply{}, err
	}
}

// llmRespond forwards the conversation unchanged. Provider failures yield an
// empty response, which the engine treats as a forfeited turn.
func (s *Seat) llmRespond(ctx context.Context, req domain.EngineRequest) string {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()
	text, err := s.cfg.LLM.Chat(ctx, req.Messages)
	if err != nil {
		s.logger.Warn("Model call failed, replying empty", "model", s.cfg.LLM.Model(), "error", err)
		return ""
	}
	return text
}

func (s *Seat) autoRespond(req domain.EngineRequest, decision bool) string {
	pot := numberParam(req.GameParams, "money_to_divide", defaultPot)
	role := seatRole(req.GameParams)

	var answer domain.Answer
	if decision {
		answer = domain.DecisionAnswer{Decision: s.decide(req.Messages, role, pot)}
	} else {
		s.rndMu.Lock()
		pct := minProposalPercent + s.rnd.IntN(proposalPercentSpan)
		msg := cannedMessages[s.rnd.IntN(len(cannedMessages))]
		s.rndMu.Unlock()

		mine := math.Round(pot * float64(pct) / 100)
		p := domain.ProposalAnswer{AliceGain: pot - mine, BobGain: mine}
		if role == domain.RoleAlice {
			p.AliceGain, p.BobGain = mine, pot-mine
		}
		if boolParam(req.GameParams, "messages_allowed", true) {
			p.Message = &msg
		}
		answer = p
	}

	encoded, err := answer.Encode()
	if err != nil {
		s.logger.Error("Failed to encode auto answer", "error", err)
		return ""
	}
	return encoded
}

func (s *Seat) decide(messages []domain.Message, role domain.PlayerRole, pot float64) string {
	if offer, ok := extract.LastOffer(messages); ok {
		mine := offer.BobGain
		if role == domain.RoleAlice {
			mine = offer.AliceGain
		}
		if pot > 0 && mine/pot >= acceptShare {
			return domain.DecisionAccept
		}
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	if s.rnd.Float64() < acceptAnywayChance {
		return domain.DecisionAccept
	}
	return domain.DecisionReject
}

// Get reports the seat as the only session.
func (s *Seat) Get(id string) (domain.Session, error) {
	if id != SeatKey {
		return domain.Session{}, session.ErrNotFound
	}
	return domain.Session{ID: SeatKey}, nil
}

// CurrentEvent returns the pending turn or a waiting state.
func (s *Seat) CurrentEvent(string) (any, error) {
	snap, ok := s.turns.Peek(SeatKey)
	if !ok || snap.Resolved {
		return s.waiting(snap.Params), nil
	}
	return s.stateEvent(snap.Round, snap.Messages, snap.Decision, snap.Params), nil
}

// Submit resolves the pending turn with the player's answer.
func (s *Seat) Submit(_ context.Context, _, _ string, p domain.ResponsePayload) error {
	snap, ok := s.turns.Peek(SeatKey)
	if !ok || snap.Resolved {
		return ErrNoPendingTurn
	}
	answer, err := domain.BuildAnswer(snap.Decision, p, boolParam(snap.Params, "messages_allowed", true))
	if err != nil {
		return err
	}
	encoded, err := answer.Encode()
	if err != nil {
		return err
	}
	if !s.turns.ResolveRound(SeatKey, snap.Round, encoded) {
		return ErrNoPendingTurn
	}
	s.publish(s.waiting(snap.Params))
	return nil
}

// Track only logs; the seat keeps no interaction log.
func (s *Seat) Track(_, _ string, payload map[string]any) {
	s.logger.Debug("Player UI event", "payload", payload)
}

func (s *Seat) stateEvent(round int, messages []domain.Message, decision bool, params map[string]any) domain.GameStateEvent {
	ev := domain.GameStateEvent{
		Type:        domain.EventGameState,
		SessionID:   SeatKey,
		TurnType:    domain.TurnProposal,
		RoundNumber: round,
		Messages:    messages,
		GameParams:  params,
		PlayerRole:  seatRole(params),
	}
	if decision {
		ev.TurnType = domain.TurnDecision
		if o, ok := extract.LastOffer(messages); ok {
			ev.LastOffer = &o
		}
	}
	return ev
}

func (s *Seat) waiting(params map[string]any) domain.GameStateEvent {
	return domain.GameStateEvent{
		Type:        domain.EventGameState,
		SessionID:   SeatKey,
		TurnType:    domain.TurnWaiting,
		RoundNumber: s.turns.Round(SeatKey),
		Messages:    []domain.Message{},
		GameParams:  params,
		PlayerRole:  seatRole(params),
	}
}

func (s *Seat) publish(event any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := s.hub.Publish(ctx, SeatKey, event); err != nil {
		s.logger.Error("Failed to publish to player", "error", err)
	}
}

// seatRole reads the seat's public name; anything but Alice plays Bob.
func seatRole(params map[string]any) domain.PlayerRole {
	if name, ok := params["public_name"].(string); ok && strings.EqualFold(strings.TrimSpace(name), "alice") {
		return domain.RoleAlice
	}
	return domain.RoleBob
}

func numberParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}
