package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voicewire/turnbridge/types"
)

// defaultTTL is how long idle session history is retained.
const defaultTTL = 24 * time.Hour

// RedisStore keeps each session's history in a Redis list. Appends RPUSH
// onto the list and replay is a single LRANGE, so the log stays append-only
// and ordered without read-modify-write cycles.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long idle session history is retained before Redis
// expires it. Zero disables expiration. Default is 24 hours.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "turnbridge".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed history store.
//
// Example:
//
//	store := NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithTTL(12 * time.Hour),
//	)
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultTTL,
		prefix: "turnbridge",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// sessionMeta is the identity record written at session creation.
type sessionMeta struct {
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *RedisStore) metaKey(id string) string {
	return fmt.Sprintf("%s:history:%s:meta", s.prefix, id)
}

func (s *RedisStore) entriesKey(id string) string {
	return fmt.Sprintf("%s:history:%s:entries", s.prefix, id)
}

// CreateSession writes the session's identity record and returns a fresh ID.
func (s *RedisStore) CreateSession(ctx context.Context, ownerID string) (string, error) {
	id := uuid.New().String()

	meta, err := json.Marshal(sessionMeta{OwnerID: ownerID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session meta: %w", err)
	}
	if err := s.client.Set(ctx, s.metaKey(id), meta, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set failed: %w", err)
	}
	return id, nil
}

// Append pushes one entry onto the session's list. The RPUSH and both key
// expirations batch into a single pipelined round-trip. Appending to an
// unknown session creates its list so retried appends always land.
func (s *RedisStore) Append(ctx context.Context, externalSessionID string, entry types.HistoryEntry) error {
	if externalSessionID == "" {
		return ErrInvalidID
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	key := s.entriesKey(externalSessionID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, s.metaKey(externalSessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Replay returns the session's history in turn order. A session with a meta
// record but no entries replays empty; a session with neither is not found.
func (s *RedisStore) Replay(ctx context.Context, externalSessionID string) ([]types.HistoryEntry, error) {
	if externalSessionID == "" {
		return nil, ErrInvalidID
	}

	vals, err := s.client.LRange(ctx, s.entriesKey(externalSessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	if len(vals) == 0 {
		exists, err := s.client.Exists(ctx, s.metaKey(externalSessionID)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists failed: %w", err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
		return []types.HistoryEntry{}, nil
	}

	entries := make([]types.HistoryEntry, 0, len(vals))
	for _, v := range vals {
		var e types.HistoryEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}

	types.SortHistory(entries)
	return entries, nil
}
