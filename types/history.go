package types

import (
	"fmt"
	"sort"
	"time"
)

// Role identifies the speaker of a history entry or transcript fragment.
type Role string

// Speaker roles used in history entries and the dialogue stream.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known speaker roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// HistoryEntry is one immutable line of persisted conversation history.
// Entries are created only when a turn completes and are ordered by
// turn number, with the user entry preceding the assistant entry
// within the same turn.
type HistoryEntry struct {
	// Role is the speaker: "user" or "assistant"
	Role Role `json:"role"`

	// Text is the finalized transcript for this role in this turn.
	// May be empty; an empty assistant response is still recorded.
	Text string `json:"text"`

	// TurnNumber is the zero-based turn this entry belongs to
	TurnNumber int `json:"turn_number"`

	// Timestamp records when the turn completed
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that the entry carries a persistable role and turn number.
func (e HistoryEntry) Validate() error {
	if e.Role != RoleUser && e.Role != RoleAssistant {
		return fmt.Errorf("history entry role must be user or assistant, got: %q", e.Role)
	}
	if e.TurnNumber < 0 {
		return fmt.Errorf("history entry turn number must be non-negative, got: %d", e.TurnNumber)
	}
	return nil
}

// roleRank orders roles within a single turn: user speaks before assistant.
func roleRank(r Role) int {
	switch r {
	case RoleUser:
		return 0
	case RoleAssistant:
		return 1
	default:
		return 2
	}
}

// SortHistory orders entries by turn number, then user before assistant
// within a turn. The sort is stable so equal entries keep arrival order.
func SortHistory(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TurnNumber != entries[j].TurnNumber {
			return entries[i].TurnNumber < entries[j].TurnNumber
		}
		return roleRank(entries[i].Role) < roleRank(entries[j].Role)
	})
}
