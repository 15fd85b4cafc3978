// Package session provides server-side login sessions for the console.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when no session has the requested ID.
var ErrNotFound = errors.New("session not found")

// Session is a server-held record linking a cookie to an authenticated identity.
type Session struct {
	// ID is a unique identifier for this session (64-char hex string)
	ID string

	// UserID references the authenticated user
	UserID string

	// Username is a copy of the user's name at login time
	Username string

	// IsAdmin is a copy of the user's admin flag at login time
	IsAdmin bool

	// CreatedAt is when this session was created
	CreatedAt time.Time

	// ExpiresAt is when this session will expire unless refreshed
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or replaces a session.
	Save(ctx context.Context, s *Session) error
	// Load returns the session with the given ID or ErrNotFound.
	Load(ctx context.Context, id string) (*Session, error)
	// Touch moves the expiry of a session. Unknown IDs are ignored.
	Touch(ctx context.Context, id string, expiresAt time.Time) error
	// Delete removes a session. Unknown IDs are ignored.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes sessions that expired before now and reports how many.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)
	// Close releases the store's resources.
	Close() error
}
