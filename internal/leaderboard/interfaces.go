package leaderboard

import (
	"context"
	"time"
)

// PageModel turns raw rendered page content into ordered raw records.
type PageModel interface {
	Parse(content []byte) ([]RawRecord, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces distinguishing identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests of snapshot content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher pushes commit notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Alerter raises operational alert conditions.
type Alerter interface {
	Alert(name string, fields map[string]string)
}
