package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicewire/turnbridge/types"
)

func entry(turn int, role types.Role, text string) types.HistoryEntry {
	return types.HistoryEntry{
		Role:       role,
		Text:       text,
		TurnNumber: turn,
		Timestamp:  time.Now(),
	}
}

func TestMemoryStore_CreateSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id1, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestMemoryStore_AppendAndReplay(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, id, entry(0, types.RoleUser, "I met with Dr. Smith")))
	require.NoError(t, store.Append(ctx, id, entry(0, types.RoleAssistant, "Noted. What did you discuss?")))
	require.NoError(t, store.Append(ctx, id, entry(1, types.RoleUser, "Product questions")))
	require.NoError(t, store.Append(ctx, id, entry(1, types.RoleAssistant, "")))

	entries, err := store.Replay(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "I met with Dr. Smith", entries[0].Text)
	assert.Equal(t, types.RoleUser, entries[0].Role)
	assert.Equal(t, types.RoleAssistant, entries[1].Role)
	assert.Equal(t, 1, entries[2].TurnNumber)

	// Empty assistant turns persist like any other entry.
	assert.Equal(t, types.RoleAssistant, entries[3].Role)
	assert.Empty(t, entries[3].Text)
}

func TestMemoryStore_ReplayOrdersByTurn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)

	// Entries arriving out of turn order still replay ordered.
	require.NoError(t, store.Append(ctx, id, entry(1, types.RoleUser, "second")))
	require.NoError(t, store.Append(ctx, id, entry(0, types.RoleAssistant, "first reply")))
	require.NoError(t, store.Append(ctx, id, entry(0, types.RoleUser, "first")))

	entries, err := store.Replay(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Text)
	assert.Equal(t, "first reply", entries[1].Text)
	assert.Equal(t, "second", entries[2].Text)
}

func TestMemoryStore_ReplayNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Replay(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReplayEmptySession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)

	entries, err := store.Replay(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_InvalidID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Append(ctx, "", entry(0, types.RoleUser, "x"))
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = store.Replay(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestMemoryStore_AppendRejectsInvalidEntry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)

	err = store.Append(ctx, id, entry(0, types.RoleSystem, "not persistable"))
	assert.Error(t, err)

	err = store.Append(ctx, id, entry(-1, types.RoleUser, "negative turn"))
	assert.Error(t, err)
}

func TestMemoryStore_AppendCreatesUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "recovered-id", entry(0, types.RoleUser, "hello")))

	entries, err := store.Replay(ctx, "recovered-id")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMemoryStore_ReplayReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, id, entry(0, types.RoleUser, "original")))

	entries, err := store.Replay(ctx, id)
	require.NoError(t, err)
	entries[0].Text = "mutated"

	again, err := store.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Text)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "caller-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(turn int) {
			defer wg.Done()
			_ = store.Append(ctx, id, entry(turn, types.RoleUser, fmt.Sprintf("turn %d", turn)))
			_ = store.Append(ctx, id, entry(turn, types.RoleAssistant, fmt.Sprintf("reply %d", turn)))
		}(i)
	}
	wg.Wait()

	entries, err := store.Replay(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, entries[2*i].TurnNumber)
		assert.Equal(t, types.RoleUser, entries[2*i].Role)
		assert.Equal(t, types.RoleAssistant, entries[2*i+1].Role)
	}
}
