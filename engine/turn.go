package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/turnbridge/history"
	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
	"github.com/voicewire/turnbridge/types"
	"github.com/voicewire/turnbridge/wire"
)

// Outbound is the send side of the session's event channel, satisfied
// by *channel.Channel.
type Outbound interface {
	Enqueue(ev *wire.Event) error
}

// TurnManagerConfig assembles one session's turn machine.
type TurnManagerConfig struct {
	SessionID string
	Builder   *wire.Builder
	Out       Outbound

	// Store persists completed turns; nil keeps history in memory only.
	Store   history.Store
	OwnerID string

	// InputAudio is the PCM shape declared on each audio container.
	InputAudio wire.AudioConfig
}

// TurnManager drives the turn state machine for one session:
// IDLE -> HISTORY_SENT -> INPUT_OPEN -> INPUT_CLOSED -> PERSISTED -> IDLE.
// Each new turn first replays the full persisted history to the
// stateless service, then opens a fresh audio container for caller
// input. On the service's end-of-turn acknowledgment the transcripts
// freeze into a user/assistant entry pair, which always lands in
// memory and, when a store is configured, in the external store.
//
// All methods are safe for concurrent use; the inbound decode loop,
// tool goroutines, and gateway handlers all call in.
type TurnManager struct {
	sessionID  string
	builder    *wire.Builder
	out        Outbound
	store      history.Store
	ownerID    string
	inputAudio wire.AudioConfig

	mu          sync.Mutex
	state       types.TurnState
	turnCounter int
	externalID  string
	current     *types.Turn
	entries     []types.HistoryEntry
	backlog     []types.HistoryEntry
	pending     map[string]types.ToolInvocation
	boundary    bool
	interrupted bool

	// audioContent names the open audio container while INPUT_OPEN
	audioContent string
}

// NewTurnManager creates the turn machine in the IDLE state.
func NewTurnManager(cfg TurnManagerConfig) *TurnManager {
	return &TurnManager{
		sessionID:  cfg.SessionID,
		builder:    cfg.Builder,
		out:        cfg.Out,
		store:      cfg.Store,
		ownerID:    cfg.OwnerID,
		inputAudio: cfg.InputAudio,
		state:      types.TurnStateIdle,
		pending:    make(map[string]types.ToolInvocation),
	}
}

// State returns the current turn state.
func (tm *TurnManager) State() types.TurnState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state
}

// TurnCounter returns the number of completed turns.
func (tm *TurnManager) TurnCounter() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.turnCounter
}

// ExternalSessionID returns the external store binding, empty while
// persistence is unavailable.
func (tm *TurnManager) ExternalSessionID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.externalID
}

// PendingTools returns the number of unresolved tool invocations.
func (tm *TurnManager) PendingTools() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}

// History returns a copy of the in-memory history in replay order.
func (tm *TurnManager) History() []types.HistoryEntry {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]types.HistoryEntry, len(tm.entries))
	copy(out, tm.entries)
	return out
}

// Seed installs the external session binding and any recovered history
// before the first turn. Duplicate (turn, role) entries left behind by
// at-least-once appends collapse to their first occurrence.
func (tm *TurnManager) Seed(externalID string, entries []types.HistoryEntry) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.externalID = externalID

	type entryKey struct {
		turn int
		role types.Role
	}
	seen := make(map[entryKey]bool, len(entries))
	deduped := make([]types.HistoryEntry, 0, len(entries))
	counter := 0
	for _, entry := range entries {
		k := entryKey{turn: entry.TurnNumber, role: entry.Role}
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, entry)
		if entry.TurnNumber+1 > counter {
			counter = entry.TurnNumber + 1
		}
	}
	types.SortHistory(deduped)

	tm.entries = deduped
	tm.turnCounter = counter
}

// BeginTurn opens a new turn: when history exists it is replayed first,
// in persisted order, then a fresh audio container opens for caller
// input. Fails unless the machine is IDLE.
func (tm *TurnManager) BeginTurn(_ context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.state != types.TurnStateIdle {
		return fmt.Errorf("%w: turn state %s", ErrTurnInProgress, tm.state)
	}

	if len(tm.entries) > 0 {
		if err := tm.replayHistoryLocked(); err != nil {
			return err
		}
		tm.setStateLocked(types.TurnStateHistorySent)
	}

	name := uuid.NewString()
	ev, err := tm.builder.AudioContentStart(name, tm.inputAudio)
	if err != nil {
		tm.state = types.TurnStateIdle
		return err
	}
	if err := tm.out.Enqueue(ev); err != nil {
		// A failed open leaves nothing in flight; back to IDLE so a
		// later BeginTurn can retry.
		tm.state = types.TurnStateIdle
		return err
	}

	tm.audioContent = name
	tm.current = &types.Turn{
		TurnNumber: tm.turnCounter,
		StartedAt:  time.Now().UTC(),
	}
	tm.setStateLocked(types.TurnStateInputOpen)
	return nil
}

// replayHistoryLocked resends every entry as its own TEXT container so
// the stateless service regains the conversation before new input.
func (tm *TurnManager) replayHistoryLocked() error {
	for _, entry := range tm.entries {
		role := wire.RoleUser
		if entry.Role == types.RoleAssistant {
			role = wire.RoleAssistant
		}

		name := uuid.NewString()
		start, err := tm.builder.TextContentStart(name, role)
		if err != nil {
			return err
		}
		text, err := tm.builder.TextInput(name, entry.Text)
		if err != nil {
			return err
		}
		end, err := tm.builder.ContentEnd(name)
		if err != nil {
			return err
		}
		for _, ev := range []*wire.Event{start, text, end} {
			if err := tm.out.Enqueue(ev); err != nil {
				return err
			}
		}
	}
	logger.Debug("history replayed",
		"session_id", tm.sessionID,
		"entries", len(tm.entries))
	return nil
}

// FeedAudio forwards one chunk of caller PCM into the open input
// container.
func (tm *TurnManager) FeedAudio(pcm []byte) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.state != types.TurnStateInputOpen {
		return fmt.Errorf("%w: turn state %s", ErrNoOpenInput, tm.state)
	}
	ev, err := tm.builder.AudioInput(tm.audioContent, pcm)
	if err != nil {
		return err
	}
	return tm.out.Enqueue(ev)
}

// EndInput closes the caller's audio container. The turn then waits for
// the service's end-of-turn acknowledgment.
func (tm *TurnManager) EndInput() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.closeInputLocked()
}

func (tm *TurnManager) closeInputLocked() error {
	if tm.state != types.TurnStateInputOpen {
		return fmt.Errorf("%w: turn state %s", ErrNoOpenInput, tm.state)
	}
	ev, err := tm.builder.ContentEnd(tm.audioContent)
	if err != nil {
		return err
	}
	if err := tm.out.Enqueue(ev); err != nil {
		return err
	}
	tm.setStateLocked(types.TurnStateInputClosed)
	return nil
}

// NoteUserText appends a finalized user transcript fragment to the
// current turn.
func (tm *TurnManager) NoteUserText(text string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.current == nil {
		return
	}
	tm.current.UserTranscript = joinFragment(tm.current.UserTranscript, text)
}

// NoteAssistantText appends a finalized assistant transcript fragment
// to the current turn.
func (tm *TurnManager) NoteAssistantText(text string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.current == nil {
		return
	}
	tm.current.AssistantTranscript = joinFragment(tm.current.AssistantTranscript, text)
}

// NoteInterrupted marks the current turn as cut short by barge-in. The
// turn still completes and persists normally.
func (tm *TurnManager) NoteInterrupted() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.current != nil {
		tm.interrupted = true
	}
}

// ToolStarted records an invocation the turn must wait for before it
// may persist.
func (tm *TurnManager) ToolStarted(inv types.ToolInvocation) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.pending[inv.ToolUseID] = inv
}

// ToolResolved clears one resolved invocation. When the service's turn
// boundary already arrived and this was the last outstanding tool, the
// turn persists now; the returned values mirror NoteBoundary.
func (tm *TurnManager) ToolResolved(ctx context.Context, toolUseID string) (turnNumber int, persisted bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.pending, toolUseID)
	if tm.boundary && len(tm.pending) == 0 && tm.current != nil {
		return tm.persistLocked(ctx), true
	}
	return 0, false
}

// NoteBoundary handles the service's end-of-turn acknowledgment. Open
// input is force-closed first, for flows where the service detects the
// boundary before the caller ends input. The turn persists immediately
// unless tool invocations are outstanding, in which case it persists
// when the last one resolves.
func (tm *TurnManager) NoteBoundary(ctx context.Context) (turnNumber int, persisted bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.current == nil {
		return 0, false
	}
	if tm.state == types.TurnStateInputOpen {
		if err := tm.closeInputLocked(); err != nil {
			logger.Warn("failed to close input at turn boundary",
				"session_id", tm.sessionID,
				"error", err)
		}
	}
	if len(tm.pending) > 0 {
		tm.boundary = true
		logger.Debug("turn boundary deferred on outstanding tools",
			"session_id", tm.sessionID,
			"pending", len(tm.pending))
		return tm.current.TurnNumber, false
	}
	return tm.persistLocked(ctx), true
}

// persistLocked freezes the turn into its user and assistant entries,
// appends them to in-memory history and the external store, and resets
// the machine to IDLE. Store failures degrade to in-memory history and
// retry on later turns.
func (tm *TurnManager) persistLocked(ctx context.Context) int {
	turn := tm.current
	turn.CompletedAt = time.Now().UTC()

	pair := turn.Entries()
	tm.entries = append(tm.entries, pair...)
	tm.backlog = append(tm.backlog, pair...)
	tm.flushBacklogLocked(ctx)

	tm.setStateLocked(types.TurnStatePersisted)
	tm.setStateLocked(types.TurnStateIdle)

	outcome := metrics.OutcomeCompleted
	if tm.interrupted {
		outcome = metrics.OutcomeInterrupted
	}
	metrics.RecordTurn(outcome, turn.CompletedAt.Sub(turn.StartedAt).Seconds())

	number := turn.TurnNumber
	tm.turnCounter++
	tm.current = nil
	tm.boundary = false
	tm.interrupted = false
	tm.audioContent = ""
	return number
}

// flushBacklogLocked appends queued entries to the store in order,
// stopping at the first failure so order is preserved on retry. A
// session that started without an external binding acquires one here.
func (tm *TurnManager) flushBacklogLocked(ctx context.Context) {
	if tm.store == nil || len(tm.backlog) == 0 {
		return
	}

	if tm.externalID == "" {
		id, err := tm.store.CreateSession(ctx, tm.ownerID)
		if err != nil {
			metrics.RecordHistoryOp(metrics.OpCreate, metrics.StatusError)
			logger.Warn("history session create failed; keeping history in memory",
				"session_id", tm.sessionID,
				"error", err)
			return
		}
		metrics.RecordHistoryOp(metrics.OpCreate, metrics.StatusSuccess)
		tm.externalID = id
	}

	for len(tm.backlog) > 0 {
		entry := tm.backlog[0]
		if err := tm.store.Append(ctx, tm.externalID, entry); err != nil {
			metrics.RecordHistoryOp(metrics.OpAppend, metrics.StatusError)
			logger.Warn("history append failed; will retry next turn",
				"session_id", tm.sessionID,
				"error", types.NewPersistenceError("append", tm.externalID, err))
			return
		}
		metrics.RecordHistoryOp(metrics.OpAppend, metrics.StatusSuccess)
		tm.backlog = tm.backlog[1:]
	}
}

// Abort abandons any in-flight turn at session close: open input is
// closed on the wire and the partial turn is dropped without
// persisting.
func (tm *TurnManager) Abort() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.state == types.TurnStateInputOpen {
		if err := tm.closeInputLocked(); err != nil {
			logger.Debug("input container close failed during abort",
				"session_id", tm.sessionID,
				"error", err)
		}
	}
	if tm.current != nil {
		logger.Debug("abandoning unfinished turn",
			"session_id", tm.sessionID,
			"turn", tm.current.TurnNumber)
	}

	tm.current = nil
	tm.pending = make(map[string]types.ToolInvocation)
	tm.boundary = false
	tm.interrupted = false
	tm.audioContent = ""
	// Direct reset: abort is not a normal machine transition.
	tm.state = types.TurnStateIdle
}

// setStateLocked moves the machine and logs the transition. Call sites
// enforce legality; an illegal move is logged and taken anyway so the
// machine cannot wedge.
func (tm *TurnManager) setStateLocked(next types.TurnState) {
	if !tm.state.CanTransition(next) {
		logger.Warn("illegal turn transition",
			"session_id", tm.sessionID,
			"from", string(tm.state),
			"to", string(next))
	}
	tm.state = next
	logger.TurnEvent(tm.sessionID, tm.turnCounter, string(next))
}

// joinFragment concatenates transcript fragments with a single space.
func joinFragment(existing, fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return existing
	}
	if existing == "" {
		return fragment
	}
	return existing + " " + fragment
}
