// Package session holds the authoritative table of game sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/parley-labs/internal/domain"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned when a status change is not
	// active -> finished|error.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidParams is returned by Create for malformed requests.
	ErrInvalidParams = errors.New("invalid session parameters")
)

// Handle is the external process exclusively owned by a session.
type Handle interface {
	Kill(ctx context.Context) error
}

// CreateParams describes a new game.
type CreateParams struct {
	GameFamily  domain.GameFamily
	PlayerRole  domain.PlayerRole
	OpponentURL string
	Params      domain.GameParams
	AssistMode  domain.AssistMode
}

type entry struct {
	mu      sync.Mutex
	session domain.Session
	handle  Handle
}

// Registry is safe for concurrent use. Each session has its own lock, so work
// on one session never waits on another.
type Registry struct {
	entries sync.Map // id -> *entry
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		now:    func() time.Time { return time.Now().UTC() },
		newID:  newID,
		logger: logger,
	}
}

// newID returns 12 hex characters from a random UUID.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create allocates a fresh active session.
func (r *Registry) Create(p CreateParams) (domain.Session, error) {
	if !p.GameFamily.Valid() {
		return domain.Session{}, fmt.Errorf("%w: unknown game family %q", ErrInvalidParams, p.GameFamily)
	}
	if !p.PlayerRole.Valid() {
		return domain.Session{}, fmt.Errorf("%w: unknown player role %q", ErrInvalidParams, p.PlayerRole)
	}
	if p.AssistMode == "" {
		p.AssistMode = domain.AssistNone
	}
	if !p.AssistMode.Valid() {
		return domain.Session{}, fmt.Errorf("%w: unknown assist mode %q", ErrInvalidParams, p.AssistMode)
	}
	if p.Params.MoneyToDivide <= 0 || p.Params.MaxRounds <= 0 {
		return domain.Session{}, fmt.Errorf("%w: money_to_divide and max_rounds must be positive", ErrInvalidParams)
	}

	for {
		s := domain.Session{
			ID:          r.newID(),
			GameFamily:  p.GameFamily,
			PlayerRole:  p.PlayerRole,
			OpponentURL: p.OpponentURL,
			Params:      p.Params,
			AssistMode:  p.AssistMode,
			Status:      domain.StatusActive,
			CreatedAt:   r.now(),
		}
		if _, loaded := r.entries.LoadOrStore(s.ID, &entry{session: s}); loaded {
			continue
		}
		r.logger.Info("Session created", "session_id", s.ID, "game_family", s.GameFamily, "player_role", s.PlayerRole)
		return s, nil
	}
}

func (r *Registry) load(id string) (*entry, error) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*entry), nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (domain.Session, error) {
	e, err := r.load(id)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.session), nil
}

// List returns summaries of every session, oldest first.
func (r *Registry) List() []domain.Summary {
	var out []domain.Summary
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.session.Summary())
		e.mu.Unlock()
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Transition moves an active session to a terminal status and records its
// result. The process handle is released.
func (r *Registry) Transition(id string, status domain.Status, result domain.Result) error {
	e, err := r.load(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != domain.StatusActive || !status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.session.Status, status)
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = r.now()
	}
	e.session.Status = status
	e.session.Result = &result
	e.handle = nil

	r.logger.Info("Session finished", "session_id", id, "status", status, "outcome", result.Outcome)
	return nil
}

// AttachProcess hands ownership of h to the session.
func (r *Registry) AttachProcess(id string, h Handle) error {
	e, err := r.load(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, e.session.Status)
	}
	e.handle = h
	return nil
}

// Process returns the session's live process handle, if any.
func (r *Registry) Process(id string) (Handle, bool) {
	e, err := r.load(id)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle, e.handle != nil
}

func copySession(s domain.Session) domain.Session {
	if s.Result != nil {
		res := *s.Result
		s.Result = &res
	}
	return s
}
