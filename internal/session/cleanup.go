package session

import (
	"context"
	"log/slog"
	"time"
)

// cleanupLoop runs in a background goroutine and periodically removes expired sessions.
// It runs every minute (configured by cleanupTicker) and stops when the stopCleanup channel is closed.
func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup deletes all expired sessions from the store.
func (m *Manager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := m.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		slog.Error("failed to clean up expired sessions", "error", err)
		return
	}

	if n > 0 {
		slog.Info("cleaned up expired sessions", "count", n)
	}
}
