package types

import "time"

// TurnState tracks one conversation turn through the turn state machine.
type TurnState string

// Turn states. A turn advances strictly forward; PERSISTED returns the
// machine to IDLE for the next turn.
const (
	TurnStateIdle        TurnState = "IDLE"
	TurnStateHistorySent TurnState = "HISTORY_SENT"
	TurnStateInputOpen   TurnState = "INPUT_OPEN"
	TurnStateInputClosed TurnState = "INPUT_CLOSED"
	TurnStatePersisted   TurnState = "PERSISTED"
)

// turnTransitions maps each state to its legal successors.
// IDLE may skip HISTORY_SENT on the first turn of a session, when
// there is no history to resend.
var turnTransitions = map[TurnState][]TurnState{
	TurnStateIdle:        {TurnStateHistorySent, TurnStateInputOpen},
	TurnStateHistorySent: {TurnStateInputOpen},
	TurnStateInputOpen:   {TurnStateInputClosed},
	TurnStateInputClosed: {TurnStatePersisted},
	TurnStatePersisted:   {TurnStateIdle},
}

// CanTransition reports whether a move from s to next is legal.
func (s TurnState) CanTransition(next TurnState) bool {
	for _, allowed := range turnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Turn is the mutable record of one in-flight exchange. Transcript
// fields accumulate while the turn is open and are frozen into a pair
// of HistoryEntry records when the turn persists.
type Turn struct {
	// TurnNumber is the zero-based position of this turn in the session
	TurnNumber int `json:"turn_number"`

	// UserTranscript accumulates recognized user speech for this turn
	UserTranscript string `json:"user_transcript"`

	// AssistantTranscript accumulates the assistant's final-stage text
	AssistantTranscript string `json:"assistant_transcript"`

	// StartedAt is when input opened for this turn
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is zero while the turn is open
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the turn has reached its boundary.
func (t *Turn) Completed() bool {
	return !t.CompletedAt.IsZero()
}

// Entries freezes the turn's transcripts into its history pair,
// user first then assistant, both stamped with the completion time.
// Both entries are produced even when a transcript is empty.
func (t *Turn) Entries() []HistoryEntry {
	ts := t.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return []HistoryEntry{
		{Role: RoleUser, Text: t.UserTranscript, TurnNumber: t.TurnNumber, Timestamp: ts},
		{Role: RoleAssistant, Text: t.AssistantTranscript, TurnNumber: t.TurnNumber, Timestamp: ts},
	}
}
