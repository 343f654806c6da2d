package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	appendRetryAttempts = 3
	appendRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the ledger database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers run while the log writer appends. Pragmas are
	// applied per connection by the modernc driver.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS interaction_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		viewer_id TEXT,
		payload_json TEXT,
		server_ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interaction_events_session ON interaction_events(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEvent inserts ev, retrying on SQLITE_BUSY.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.InteractionEvent) error {
	var payload any
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = string(data)
	}
	var viewerID any
	if ev.ViewerID != "" {
		viewerID = ev.ViewerID
	}

	query := `
	INSERT INTO interaction_events (session_id, event_type, source, viewer_id, payload_json, server_ts)
	VALUES (?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, appendRetryAttempts, appendRetryDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			ev.SessionID, ev.Type, ev.Source, viewerID, payload, ev.ServerTS.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.InteractionEvent, error) {
	query := `
		SELECT session_id, event_type, source, viewer_id, payload_json, server_ts
		FROM interaction_events WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []domain.InteractionEvent
	for rows.Next() {
		var ev domain.InteractionEvent
		var viewerID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&ev.SessionID, &ev.Type, &ev.Source, &viewerID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.ViewerID = viewerID.String
		ev.ServerTS = time.UnixMilli(ts).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEvents returns how many events a session has.
func (s *SQLiteStore) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interaction_events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
