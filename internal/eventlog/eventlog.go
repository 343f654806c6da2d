// Package eventlog appends interaction events to a per-session NDJSON file
// and mirrors them into the SQLite ledger. A single writer goroutine owns all
// file handles, so callers never block on disk I/O and never race on a file.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/store"
)

const (
	// FileName is the per-session log inside the session directory.
	FileName = "interaction_log.jsonl"

	defaultQueueSize = 256
	storeTimeout     = 5 * time.Second
)

// DirFunc maps a session id to the directory its log lives in.
type DirFunc func(sessionID string) string

// Config controls the logger.
type Config struct {
	Enabled   bool
	QueueSize int
	// SessionDir places each session's file. Required when Enabled.
	SessionDir DirFunc
}

type opKind int

const (
	opAppend opKind = iota
	opClose
	opSync
)

type op struct {
	kind      opKind
	sessionID string
	event     domain.InteractionEvent
	done      chan struct{}
}

// Logger is safe for concurrent use. Record never blocks: when the queue is
// full the event is dropped and counted.
type Logger struct {
	cfg    Config
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	queue chan op
	// writer goroutine only
	files    map[string]*os.File
	finished map[string]bool

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// New starts the writer goroutine. repo may be nil to skip the SQLite mirror.
func New(cfg Config, repo store.Repository, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Enabled && cfg.SessionDir == nil {
		return nil, errors.New("eventlog: SessionDir is required")
	}
	l := &Logger{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan op, cfg.QueueSize),
		files:    make(map[string]*os.File),
		finished: make(map[string]bool),
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Record appends a server- or viewer-sourced event for the session.
func (l *Logger) Record(sessionID, eventType, source string, payload map[string]any) {
	l.Log(domain.InteractionEvent{
		SessionID: sessionID,
		Type:      eventType,
		Source:    source,
		Payload:   payload,
	})
}

// Log enqueues ev, stamping its server timestamp.
func (l *Logger) Log(ev domain.InteractionEvent) {
	if !l.cfg.Enabled || ev.SessionID == "" {
		return
	}
	ev.ServerTS = l.now()
	ev.Payload = maps.Clone(ev.Payload)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- op{kind: opAppend, sessionID: ev.SessionID, event: ev}:
	default:
		dropped := l.dropped.Add(1)
		l.logger.Warn("Interaction log queue full, dropping event", "session_id", ev.SessionID, "event_type", ev.Type, "dropped", dropped)
	}
}

// Close flushes and closes the session's file. Later events are still
// appended, but the file is reopened per event and never held open again.
func (l *Logger) Close(sessionID string) {
	l.send(op{kind: opClose, sessionID: sessionID})
}

// Sync waits until every event queued before the call has been written.
func (l *Logger) Sync() {
	l.send(op{kind: opSync})
}

func (l *Logger) send(o op) {
	if !l.cfg.Enabled {
		return
	}
	o.done = make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return
	}
	l.queue <- o
	l.mu.RUnlock()
	<-o.done
}

// Dropped reports how many events were discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Shutdown drains the queue, closes every file and stops the writer.
func (l *Logger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain interaction log: %w", ctx.Err())
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for o := range l.queue {
		switch o.kind {
		case opAppend:
			l.write(o.event)
		case opClose:
			l.closeFile(o.sessionID)
			l.finished[o.sessionID] = true
		}
		if o.done != nil {
			close(o.done)
		}
	}
	for id := range l.files {
		l.closeFile(id)
	}
}

func (l *Logger) write(ev domain.InteractionEvent) {
	line, err := encodeRecord(ev)
	if err != nil {
		l.logger.Warn("Failed to encode interaction event", "session_id", ev.SessionID, "error", err)
		return
	}

	if l.finished[ev.SessionID] {
		l.appendOnce(ev.SessionID, line)
	} else if f, err := l.file(ev.SessionID); err != nil {
		l.logger.Warn("Failed to open interaction log", "session_id", ev.SessionID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write interaction log", "session_id", ev.SessionID, "error", err)
	}

	if l.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := l.repo.AppendEvent(ctx, ev); err != nil {
			l.logger.Warn("Failed to mirror interaction event", "session_id", ev.SessionID, "error", err)
		}
		cancel()
	}
}

func (l *Logger) file(sessionID string) (*os.File, error) {
	if f, ok := l.files[sessionID]; ok {
		return f, nil
	}
	f, err := l.open(sessionID)
	if err != nil {
		return nil, err
	}
	l.files[sessionID] = f
	return f, nil
}

// appendOnce writes a late event for a closed session without caching the
// handle.
func (l *Logger) appendOnce(sessionID string, line []byte) {
	f, err := l.open(sessionID)
	if err != nil {
		l.logger.Warn("Failed to open interaction log", "session_id", sessionID, "error", err)
		return
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write interaction log", "session_id", sessionID, "error", err)
	}
	if err := f.Close(); err != nil {
		l.logger.Debug("Failed to close interaction log", "session_id", sessionID, "error", err)
	}
}

func (l *Logger) open(sessionID string) (*os.File, error) {
	dir := l.cfg.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func (l *Logger) closeFile(sessionID string) {
	f, ok := l.files[sessionID]
	if !ok {
		return
	}
	delete(l.files, sessionID)
	if err := f.Close(); err != nil {
		l.logger.Debug("Failed to close interaction log", "session_id", sessionID, "error", err)
	}
}

// encodeRecord flattens ev into {session_id, event_type, source, ...payload,
// server_ts}. Payload keys cannot override session_id or server_ts.
func encodeRecord(ev domain.InteractionEvent) ([]byte, error) {
	record := make(map[string]any, len(ev.Payload)+5)
	record["event_type"] = ev.Type
	record["source"] = ev.Source
	if ev.ViewerID != "" {
		record["viewer_id"] = ev.ViewerID
	}
	for k, v := range ev.Payload {
		record[k] = v
	}
	record["session_id"] = ev.SessionID
	record["server_ts"] = ev.ServerTS.Format(time.RFC3339Nano)

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
