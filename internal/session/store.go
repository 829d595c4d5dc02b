package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when a session id has no record.
var ErrSessionNotFound = errors.New("session not found")

// Store is durable per-session state. Every mutation is persisted before
// the call returns.
type Store interface {
	// Create allocates a fresh id and writes the record immediately.
	// An empty title becomes DefaultTitle.
	Create(ctx context.Context, title string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	// ListRecent returns summaries ordered by CreatedAt, newest first.
	ListRecent(ctx context.Context) ([]Summary, error)
	// Update replaces the full history. A non-empty title replaces the title.
	// Unknown ids return ErrSessionNotFound.
	Update(ctx context.Context, id string, history []Turn, title string) error
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// CleanupEmpty removes sessions with no turns and returns how many.
	CleanupEmpty(ctx context.Context) (int, error)
}
