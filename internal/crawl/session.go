package crawl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/telemetry"
)

// Session is one exclusively owned browser tab.
type Session interface {
	// Navigate loads url and waits until the document is ready.
	Navigate(ctx context.Context, url string) error
	// Content returns the rendered document.
	Content(ctx context.Context) ([]byte, error)
	// ResultCount returns how many leaderboard rows are rendered.
	ResultCount(ctx context.Context) (int, error)
	// RevealMore triggers the reveal control. It reports false when the control is absent.
	RevealMore(ctx context.Context) (bool, error)
	// Close releases the tab and its concurrency slot.
	Close() error
}

// SessionProvider hands out sessions, blocking while the global cap is reached.
type SessionProvider interface {
	Acquire(ctx context.Context) (Session, error)
}

// withSession acquires a session, runs fn, and releases the session on every exit
// path. A failed release is logged; it never changes fn's outcome.
func withSession(ctx context.Context, provider SessionProvider, logger *zap.Logger, fn func(Session) error) error {
	s, err := provider.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	telemetry.IncActiveSessions()
	defer func() {
		telemetry.DecActiveSessions()
		if err := s.Close(); err != nil {
			logger.Warn("release session", zap.Error(err))
		}
	}()
	return fn(s)
}
