// Package sessions implements the persistent, token-budgeted conversation
// history keyed by session key, plus the trimming policy applied on every
// append.
package sessions

import (
	"context"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

// Store is the interface every session backend implements: SQLite
// (default), an optional CockroachDB/Postgres database, and an in-memory
// backend for tests.
type Store interface {
	// Get returns the session for key, or (nil, nil) if it does not exist.
	Get(ctx context.Context, key string) (*models.SessionContext, error)

	// Save upserts session, keyed by its SessionKey field.
	Save(ctx context.Context, session *models.SessionContext) error

	// Delete removes the session for key. It reports whether a session was
	// removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether a session exists for key.
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeys returns every known session key.
	ListKeys(ctx context.Context) ([]string, error)

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)

	// CleanupExpired deletes sessions whose LastActivity is older than ttl
	// and returns how many were removed.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)

	// GetOrCreate returns the session for key, creating an empty one with
	// the given token budget if it does not exist.
	GetOrCreate(ctx context.Context, key string, maxTokens int) (*models.SessionContext, error)

	// AppendMessage appends msg to the session for key, applies the
	// trimming policy, and persists the result.
	AppendMessage(ctx context.Context, key string, msg models.Message) (*models.SessionContext, error)
}
