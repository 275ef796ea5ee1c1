package relay

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown or expired session IDs.
	ErrNotFound = errors.New("rendezvous session not found")

	// ErrStale is returned when a conditional update carries a version token
	// that no longer matches the stored session.
	ErrStale = errors.New("rendezvous session version mismatch")
)

// Session is one relay-hosted mailbox. It stores only the latest message
// body together with an opaque version token.
type Session struct {
	ID          string
	ETag        string
	Body        []byte
	ContentType string
	ExpiresAt   time.Time
}

// Expired reports whether the session is past its TTL at the given time.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store persists rendezvous sessions. Implementations must treat expired
// sessions as absent.
type Store interface {
	// Create inserts a new session.
	Create(ctx context.Context, s Session) error
	// Get returns the current session state, or ErrNotFound.
	Get(ctx context.Context, id string) (Session, error)
	// Update replaces the stored body if ifMatch equals the current version
	// token. Returns ErrStale on mismatch, ErrNotFound for unknown sessions.
	Update(ctx context.Context, id, ifMatch string, next Session) error
	// Delete removes a session. Deleting an absent session is not an error.
	Delete(ctx context.Context, id string) error
	// PurgeExpired removes sessions past their TTL and reports how many.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// Close releases any underlying resources.
	Close() error
}
