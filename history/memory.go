package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/turnbridge/types"
)

// MemoryStore keeps history in process memory. Sessions do not survive a
// restart, so recovery always degrades to a fresh session. Suitable for
// development and tests; production deployments use RedisStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	ownerID   string
	createdAt time.Time
	entries   []types.HistoryEntry
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

// CreateSession allocates a new session record and returns its ID.
func (s *MemoryStore) CreateSession(_ context.Context, ownerID string) (string, error) {
	id := uuid.New().String()

	s.mu.Lock()
	s.sessions[id] = &memorySession{ownerID: ownerID, createdAt: time.Now()}
	s.mu.Unlock()

	return id, nil
}

// Append adds one entry to the session's log. An unknown session ID creates
// a fresh record so retried appends never fail on a lost session.
func (s *MemoryStore) Append(_ context.Context, externalSessionID string, entry types.HistoryEntry) error {
	if externalSessionID == "" {
		return ErrInvalidID
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalSessionID]
	if !ok {
		sess = &memorySession{createdAt: time.Now()}
		s.sessions[externalSessionID] = sess
	}
	sess.entries = append(sess.entries, entry)
	return nil
}

// Replay returns a copy of the session's history in turn order.
func (s *MemoryStore) Replay(_ context.Context, externalSessionID string) ([]types.HistoryEntry, error) {
	if externalSessionID == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	sess, ok := s.sessions[externalSessionID]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	out := make([]types.HistoryEntry, len(sess.entries))
	copy(out, sess.entries)
	s.mu.RUnlock()

	types.SortHistory(out)
	return out, nil
}
