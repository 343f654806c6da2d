// Package store persists the interaction-event ledger.
package store

import (
	"context"

	"github.com/ashureev/parley-labs/internal/domain"
)

// Repository is the durable side of the interaction log.
type Repository interface {
	// AppendEvent stores one event. Events are never updated or deleted.
	AppendEvent(ctx context.Context, ev domain.InteractionEvent) error

	// ListEvents returns a session's events in insertion order. limit <= 0
	// means no limit.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.InteractionEvent, error)

	// CountEvents returns how many events a session has.
	CountEvents(ctx context.Context, sessionID string) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
