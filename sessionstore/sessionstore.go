// Package sessionstore persists conversation sessions and turns.
//
// The store is the sole owner of persisted Session and Turn records; the
// orchestrator only holds transient per-request copies. AppendPair is the
// one write path for turns and is atomic: a user/assistant pair is either
// fully persisted or not at all.
package sessionstore

import (
	"context"
	"time"

	"github.com/luminara-labs/deskflow/core"
)

// Store is the session store adapter consumed by the orchestrator.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, s *core.Session) error

	// GetSession returns the session or core.ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*core.Session, error)

	// AppendPair atomically persists a user turn and its assistant turn,
	// and touches the session's UpdatedAt. If a turn with the user turn's
	// ID is already persisted the call is a no-op success, which makes
	// whole-turn retries idempotent.
	AppendPair(ctx context.Context, sessionID string, user, assistant *core.Turn, at time.Time) error

	// ReadRecent returns up to limit turns for the session in ascending
	// Seq order (oldest of the window first).
	ReadRecent(ctx context.Context, sessionID string, limit int) ([]core.Turn, error)

	// Close releases resources.
	Close() error
}
