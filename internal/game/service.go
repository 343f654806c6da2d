// Package game ties the registry, the turn bridge, the hub and the engine
// supervisor together. HTTP and WebSocket handlers only talk to Service.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/bridge"
	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/extract"
	"github.com/ashureev/parley-labs/internal/session"
	"github.com/ashureev/parley-labs/internal/store"
)

// DefaultTurnTimeout is how long an engine request waits for the human.
const DefaultTurnTimeout = 10 * time.Minute

const publishTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/ashureev/parley-labs/internal/game")

var (
	// ErrNoPendingTurn is returned when a response arrives while nothing is
	// awaiting one.
	ErrNoPendingTurn = errors.New("no pending turn")
	// ErrAssistDisabled is returned for advice requests on sessions created
	// without assistance.
	ErrAssistDisabled = errors.New("ai assistance is disabled for this session")
)

// Engines starts the external engine for a session.
type Engines interface {
	Start(ctx context.Context, s domain.Session) error
}

// Publisher delivers events to a session's viewers.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, event any) (int, error)
}

// Recorder appends to the interaction log.
type Recorder interface {
	Record(sessionID, eventType, source string, payload map[string]any)
	Log(ev domain.InteractionEvent)
}

// Advisor produces split and message suggestions.
type Advisor interface {
	Advise(ctx context.Context, req advice.Request) advice.Suggestion
}

// Config tunes the service.
type Config struct {
	TurnTimeout time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	cfg      Config
	registry *session.Registry
	turns    *bridge.Bridge
	hub      Publisher
	engines  Engines
	advisor  Advisor
	events   Recorder
	repo     store.Repository
	logger   *slog.Logger
}

// Deps groups the collaborators of a Service. Repo may be nil.
type Deps struct {
	Registry *session.Registry
	Turns    *bridge.Bridge
	Hub      Publisher
	Engines  Engines
	Advisor  Advisor
	Events   Recorder
	Repo     store.Repository
	Logger   *slog.Logger
}

// NewService creates a service.
func NewService(cfg Config, d Deps) *Service {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		registry: d.Registry,
		turns:    d.Turns,
		hub:      d.Hub,
		engines:  d.Engines,
		advisor:  d.Advisor,
		events:   d.Events,
		repo:     d.Repo,
		logger:   d.Logger,
	}
}

// CreateGame registers a session and launches its engine. When the launch
// fails the session is still returned, already in the error state.
func (s *Service) CreateGame(ctx context.Context, p session.CreateParams) (domain.Session, error) {
	sess, err := s.registry.Create(p)
	if err != nil {
		return domain.Session{}, err
	}
	s.events.Record(sess.ID, "game_created", domain.SourceServer, map[string]any{
		"game_family":  sess.GameFamily,
		"player_role":  sess.PlayerRole,
		"assist_mode":  sess.AssistMode,
		"game_args":    sess.Params,
		"opponent_url": sess.OpponentURL,
	})

	if err := s.engines.Start(ctx, sess); err != nil {
		s.logger.Error("Failed to start engine", "session_id", sess.ID, "error", err)
		if latest, getErr := s.registry.Get(sess.ID); getErr == nil {
			sess = latest
		}
		return sess, fmt.Errorf("start engine: %w", err)
	}
	return sess, nil
}

// Get returns the session.
func (s *Service) Get(id string) (domain.Session, error) {
	return s.registry.Get(id)
}

// List returns every session, oldest first.
func (s *Service) List() []domain.Summary {
	return s.registry.List()
}

// EngineTurn handles one blocking engine request: it registers the turn,
// tells viewers and waits for the human. A timed-out or cleared turn yields an
// empty response so the engine is never left hanging.
func (s *Service) EngineTurn(ctx context.Context, sessionID string, req domain.EngineRequest) (domain.EngineReply, error) {
	ctx, span := tracer.Start(ctx, "game.EngineTurn", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return domain.EngineReply{}, err
	}

	decision := extract.IsDecisionTurn(req.Decision, req.Messages)
	var offer *domain.Offer
	if decision {
		if o, ok := extract.LastOffer(req.Messages); ok {
			offer = &o
		}
	}

	turn := s.turns.Register(sessionID, req.Messages, decision, req.GameParams)
	turnType := domain.TurnProposal
	if decision {
		turnType = domain.TurnDecision
	}
	span.SetAttributes(attribute.Int("turn.round", turn.Round), attribute.String("turn.type", string(turnType)))
	s.logger.Info("Turn registered", "session_id", sessionID, "round", turn.Round, "turn_type", turnType)
	s.events.Record(sessionID, "turn_registered", domain.SourceServer, map[string]any{
		"round_number": turn.Round,
		"turn_type":    turnType,
	})

	s.publish(sessionID, domain.GameStateEvent{
		Type:        domain.EventGameState,
		SessionID:   sessionID,
		TurnType:    turnType,
		RoundNumber: turn.Round,
		Messages:    turn.Messages,
		GameParams:  turn.Params,
		PlayerRole:  sess.PlayerRole,
		LastOffer:   offer,
	})

	answer, err := s.turns.Await(ctx, turn, s.cfg.TurnTimeout)
	switch {
	case err == nil:
		s.events.Record(sessionID, "turn_resolved", domain.SourceServer, map[string]any{
			"round_number": turn.Round,
		})
		return domain.EngineReply{Response: answer}, nil
	case errors.Is(err, bridge.ErrTurnTimeout):
		span.AddEvent("turn timeout")
		s.logger.Warn("Turn timed out", "session_id", sessionID, "round", turn.Round, "timeout", s.cfg.TurnTimeout)
		s.events.Record(sessionID, "turn_timeout", domain.SourceServer, map[string]any{
			"round_number": turn.Round,
		})
		s.publishWaiting(sessionID, sess.PlayerRole, turn.Params)
		return domain.EngineReply{}, nil
	case errors.Is(err, bridge.ErrTurnCleared):
		return domain.EngineReply{}, nil
	default:
		return domain.EngineReply{}, err
	}
}

// Submit resolves the pending turn with a viewer's answer. The payload is
// validated against the kind of turn that is pending.
func (s *Service) Submit(ctx context.Context, sessionID, viewerID string, p domain.ResponsePayload) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	snap, ok := s.turns.Peek(sessionID)
	if !ok || snap.Resolved {
		return ErrNoPendingTurn
	}

	answer, err := domain.BuildAnswer(snap.Decision, p, sess.Params.MessagesAllowed)
	if err != nil {
		return err
	}
	encoded, err := answer.Encode()
	if err != nil {
		return err
	}
	if !s.turns.ResolveRound(sessionID, snap.Round, encoded) {
		return ErrNoPendingTurn
	}

	s.events.Log(domain.InteractionEvent{
		SessionID: sessionID,
		Type:      "response_submitted",
		Source:    domain.SourceViewer,
		ViewerID:  viewerID,
		Payload: map[string]any{
			"round_number": snap.Round,
			"response":     encoded,
		},
	})
	s.publishWaiting(sessionID, sess.PlayerRole, snap.Params)
	return nil
}

// Suggest asks the advisor for a split or message based on the pending turn,
// or on the session's own parameters when nothing is pending.
func (s *Service) Suggest(ctx context.Context, sessionID, viewerID string, req advice.Request) (advice.Suggestion, error) {
	ctx, span := tracer.Start(ctx, "game.Suggest")
	defer span.End()

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return advice.Suggestion{}, err
	}
	if sess.AssistMode != domain.AssistAIAssisted {
		return advice.Suggestion{}, ErrAssistDisabled
	}
	if err := req.Validate(); err != nil {
		return advice.Suggestion{}, err
	}

	req.PlayerRole = sess.PlayerRole
	if snap, ok := s.turns.Peek(sessionID); ok {
		req.Messages = snap.Messages
		req.GameParams = snap.Params
	} else {
		req.Messages = nil
		req.GameParams = SessionParams(sess)
	}

	s.events.Log(domain.InteractionEvent{
		SessionID: sessionID,
		Type:      "ai_suggest_requested",
		Source:    domain.SourceViewer,
		ViewerID:  viewerID,
		Payload: map[string]any{
			"suggest_type":   req.Kind,
			"tone_modifiers": req.ToneModifiers,
		},
	})

	out := s.advisor.Advise(ctx, req)
	s.events.Record(sessionID, "ai_suggest_returned", domain.SourceServer, map[string]any{
		"suggest_type": req.Kind,
		"fallback":     out.Fallback,
	})
	return out, nil
}

// Track appends a viewer-reported UI event. Unknown sessions are ignored so
// that tracking can never disrupt a game.
func (s *Service) Track(sessionID, viewerID string, payload map[string]any) {
	if _, err := s.registry.Get(sessionID); err != nil {
		s.logger.Debug("Dropping track event for unknown session", "session_id", sessionID)
		return
	}
	eventType := "ui_event"
	if v, ok := payload["event_type"].(string); ok && v != "" {
		eventType = v
	}
	s.events.Log(domain.InteractionEvent{
		SessionID: sessionID,
		Type:      eventType,
		Source:    domain.SourceViewer,
		ViewerID:  viewerID,
		Payload:   payload,
	})
}

// Events returns up to limit logged events for the session.
func (s *Service) Events(ctx context.Context, sessionID string, limit int) ([]domain.InteractionEvent, error) {
	if _, err := s.registry.Get(sessionID); err != nil {
		return nil, err
	}
	if s.repo == nil {
		return []domain.InteractionEvent{}, nil
	}
	events, err := s.repo.ListEvents(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// CurrentEvent derives what a viewer joining now should see: the terminal
// event, the pending turn, or a waiting state.
func (s *Service) CurrentEvent(sessionID string) (any, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() && sess.Result != nil {
		return domain.GameFinishedEvent{
			Type:       domain.EventGameFinished,
			SessionID:  sessionID,
			Outcome:    sess.Result.Outcome,
			FinalAlice: sess.Result.AliceGain,
			FinalBob:   sess.Result.BobGain,
			Stderr:     sess.Result.Error,
		}, nil
	}

	snap, ok := s.turns.Peek(sessionID)
	if !ok || snap.Resolved {
		return s.waitingEvent(sessionID, sess.PlayerRole, SessionParams(sess)), nil
	}
	ev := domain.GameStateEvent{
		Type:        domain.EventGameState,
		SessionID:   sessionID,
		TurnType:    domain.TurnProposal,
		RoundNumber: snap.Round,
		Messages:    snap.Messages,
		GameParams:  snap.Params,
		PlayerRole:  sess.PlayerRole,
	}
	if snap.Decision {
		ev.TurnType = domain.TurnDecision
		if o, ok := extract.LastOffer(snap.Messages); ok {
			ev.LastOffer = &o
		}
	}
	return ev, nil
}

func (s *Service) waitingEvent(sessionID string, role domain.PlayerRole, params map[string]any) domain.GameStateEvent {
	return domain.GameStateEvent{
		Type:        domain.EventGameState,
		SessionID:   sessionID,
		TurnType:    domain.TurnWaiting,
		RoundNumber: s.turns.Round(sessionID),
		Messages:    []domain.Message{},
		GameParams:  params,
		PlayerRole:  role,
	}
}

func (s *Service) publishWaiting(sessionID string, role domain.PlayerRole, params map[string]any) {
	s.publish(sessionID, s.waitingEvent(sessionID, role, params))
}

func (s *Service) publish(sessionID string, event any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := s.hub.Publish(ctx, sessionID, event); err != nil {
		s.logger.Warn("Failed to publish event", "session_id", sessionID, "error", err)
	}
}

// SessionParams is the game parameter map shown to viewers and the advisor
// before the engine has sent its own.
func SessionParams(sess domain.Session) map[string]any {
	params := sess.Params.EngineArgs()
	params["delta_player_1"] = sess.Params.Delta1
	params["delta_player_2"] = sess.Params.Delta2
	return params
}
