// Package history provides the external, append-only store of dialogue
// history. The store is the only state shared across process restarts: a
// session recovered after a crash is rebuilt entirely from its replay.
package history

import (
	"context"
	"errors"

	"github.com/voicewire/turnbridge/types"
)

// Store persists per-session dialogue history outside the process.
//
// Append must be safe to retry: the engine deduplicates by (turn number,
// role) when re-appending after a partial failure, so stores only need
// at-least-once durability. Replay returns entries in turn order with the
// user entry before the assistant entry within each turn.
type Store interface {
	// CreateSession allocates a new external session owned by ownerID
	// and returns its opaque identifier.
	CreateSession(ctx context.Context, ownerID string) (string, error)

	// Append adds one entry to the session's log.
	Append(ctx context.Context, externalSessionID string, entry types.HistoryEntry) error

	// Replay returns the session's full history in turn order.
	Replay(ctx context.Context, externalSessionID string) ([]types.HistoryEntry, error)
}

// ErrNotFound is returned when an external session does not exist.
var ErrNotFound = errors.New("history: session not found")

// ErrInvalidID is returned when an empty session ID is provided.
var ErrInvalidID = errors.New("history: invalid session ID")
