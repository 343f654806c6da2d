// Package bridge correlates the engine's blocking per-turn request with the
// human answer that arrives later over a WebSocket or the REST fallback.
//
// Each session owns a single-slot mailbox. Registering a turn replaces any
// unresolved one without waking its waiter: the engine never issues
// overlapping requests for the same seat, so a replaced waiter only returns
// when its own deadline expires.
package bridge

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/parley-labs/internal/domain"
)

var (
	// ErrTurnTimeout is returned by Await when no answer arrived in time.
	ErrTurnTimeout = errors.New("bridge: turn timed out")
	// ErrTurnCleared is returned by Await when the session's turn was dropped.
	ErrTurnCleared = errors.New("bridge: turn cleared")
)

// Turn is the single outstanding engine request for a session.
type Turn struct {
	SessionID string
	Round     int
	Messages  []domain.Message
	Decision  bool
	Params    map[string]any
	CreatedAt time.Time

	once     sync.Once
	resolved chan struct{}
	cleared  chan struct{}
	answer   string
	mu       sync.Mutex
	done     bool
}

// resolve delivers answer exactly once.
func (t *Turn) resolve(answer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.answer = answer
	close(t.resolved)
	return true
}

func (t *Turn) clear() {
	t.once.Do(func() { close(t.cleared) })
}

// Snapshot is a read-only copy of a pending turn.
type Snapshot struct {
	SessionID string
	Round     int
	Messages  []domain.Message
	Decision  bool
	Params    map[string]any
	CreatedAt time.Time
	Resolved  bool
}

type entry struct {
	mu      sync.Mutex
	pending *Turn
	count   int
}

// Bridge holds one mailbox per session. Entries are independent, so
// operations on different sessions never share a lock.
type Bridge struct {
	entries sync.Map // sessionID -> *entry
	now     func() time.Time
}

// New creates an empty bridge.
func New() *Bridge {
	return &Bridge{now: time.Now}
}

func (b *Bridge) entry(sessionID string) *entry {
	if e, ok := b.entries.Load(sessionID); ok {
		return e.(*entry)
	}
	e, _ := b.entries.LoadOrStore(sessionID, &entry{})
	return e.(*entry)
}

// Register installs a new pending turn for the session, replacing any prior
// unresolved one, and returns it. The returned Turn.Round equals the number
// of registrations made for the session so far.
func (b *Bridge) Register(sessionID string, messages []domain.Message, decision bool, params map[string]any) *Turn {
	e := b.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.count++
	t := &Turn{
		SessionID: sessionID,
		Round:     e.count,
		Messages:  append([]domain.Message(nil), messages...),
		Decision:  decision,
		Params:    maps.Clone(params),
		CreatedAt: b.now(),
		resolved:  make(chan struct{}),
		cleared:   make(chan struct{}),
	}
	e.pending = t
	return t
}

// Resolve attaches answer to the session's pending turn and wakes its waiter.
// It returns false when there is no pending turn or it was already resolved.
func (b *Bridge) Resolve(sessionID, answer string) bool {
	t := b.pending(sessionID)
	if t == nil {
		return false
	}
	return t.resolve(answer)
}

// ResolveRound is Resolve restricted to the turn registered as round. An
// answer built for one turn never lands on a newer one.
func (b *Bridge) ResolveRound(sessionID string, round int, answer string) bool {
	t := b.pending(sessionID)
	if t == nil || t.Round != round {
		return false
	}
	return t.resolve(answer)
}

func (b *Bridge) pending(sessionID string) *Turn {
	v, ok := b.entries.Load(sessionID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Await blocks until t is resolved, the timeout elapses, the turn is cleared
// or ctx is done. The turn is removed from the table on every path unless a
// newer registration already replaced it.
func (b *Bridge) Await(ctx context.Context, t *Turn, timeout time.Duration) (string, error) {
	defer b.release(t)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.resolved:
		return t.answer, nil
	case <-t.cleared:
		return "", ErrTurnCleared
	case <-timer.C:
		// An answer racing the deadline still wins.
		if !t.resolve("") {
			return t.answer, nil
		}
		return "", ErrTurnTimeout
	case <-ctx.Done():
		if !t.resolve("") {
			return t.answer, nil
		}
		return "", ctx.Err()
	}
}

func (b *Bridge) release(t *Turn) {
	v, ok := b.entries.Load(t.SessionID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	if e.pending == t {
		e.pending = nil
	}
	e.mu.Unlock()
}

// Peek returns a copy of the session's pending turn without consuming it.
func (b *Bridge) Peek(sessionID string) (Snapshot, bool) {
	v, ok := b.entries.Load(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	t := e.pending
	e.mu.Unlock()
	if t == nil {
		return Snapshot{}, false
	}

	t.mu.Lock()
	resolved := t.done
	t.mu.Unlock()

	return Snapshot{
		SessionID: t.SessionID,
		Round:     t.Round,
		Messages:  append([]domain.Message(nil), t.Messages...),
		Decision:  t.Decision,
		Params:    maps.Clone(t.Params),
		CreatedAt: t.CreatedAt,
		Resolved:  resolved,
	}, true
}

// Clear drops the session's pending turn without resolving it. Its waiter
// returns ErrTurnCleared.
func (b *Bridge) Clear(sessionID string) {
	v, ok := b.entries.Load(sessionID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	t := e.pending
	e.pending = nil
	e.mu.Unlock()
	if t != nil {
		t.clear()
	}
}

// Round returns how many turns were registered for the session.
func (b *Bridge) Round(sessionID string) int {
	v, ok := b.entries.Load(sessionID)
	if !ok {
		return 0
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Reset forgets the session's counter and pending turn. The opponent seat
// uses it when a fresh game starts on a long-lived key.
func (b *Bridge) Reset(sessionID string) {
	b.Clear(sessionID)
	b.entries.Delete(sessionID)
}
