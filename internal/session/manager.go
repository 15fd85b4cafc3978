package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExpired is returned by Get for a session past its expiry.
var ErrExpired = errors.New("session expired")

// Manager manages login sessions on top of a Store with rolling expiry and
// periodic cleanup. It is safe for concurrent use.
type Manager struct {
	store         Store
	maxAge        time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewManager creates a new session manager with the specified lifetime.
// It automatically starts a background cleanup goroutine that runs every minute.
func NewManager(store Store, maxAge time.Duration) *Manager {
	m := &Manager{
		store:         store,
		maxAge:        maxAge,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	// Start cleanup goroutine
	go m.cleanupLoop()

	return m
}

// Stop stops the session manager's cleanup goroutine.
// The store is left open; the caller owns it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.stopCleanup)
	})
}

// MaxAge returns the rolling session lifetime.
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Create creates and persists a new session for the given identity.
// The session ID is generated using crypto/rand (64 hex characters).
func (m *Manager) Create(ctx context.Context, userID, username string, isAdmin bool) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:        sessionID,
		UserID:    userID,
		Username:  username,
		IsAdmin:   isAdmin,
		CreatedAt: now,
		ExpiresAt: now.Add(m.maxAge),
	}

	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Get retrieves a session by its ID.
// Returns ErrNotFound or ErrExpired when there is no live session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Expired(time.Now()) {
		_ = m.store.Delete(ctx, sessionID)
		return nil, ErrExpired
	}

	return session, nil
}

// Refresh extends a session by the max age from now and returns the new expiry.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (time.Time, error) {
	expiresAt := time.Now().Add(m.maxAge)
	if err := m.store.Touch(ctx, sessionID, expiresAt); err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// Destroy removes a session. Unknown IDs are not an error.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

// Count returns the current number of stored sessions.
// Useful for monitoring and testing.
func (m *Manager) Count(ctx context.Context) int {
	n, err := m.store.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

// generateSessionID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
