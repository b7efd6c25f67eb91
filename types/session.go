package types

import "time"

// SessionState tracks a session through its lifecycle.
// ERROR is absorbing and reachable from any non-terminal state.
type SessionState string

// Session lifecycle states.
const (
	SessionStateCreated   SessionState = "CREATED"
	SessionStateStreaming SessionState = "STREAMING"
	SessionStateEnded     SessionState = "ENDED"
	SessionStateError     SessionState = "ERROR"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionStateEnded || s == SessionStateError
}

// sessionTransitions maps each state to the states it may move to.
var sessionTransitions = map[SessionState][]SessionState{
	SessionStateCreated:   {SessionStateStreaming, SessionStateEnded, SessionStateError},
	SessionStateStreaming: {SessionStateEnded, SessionStateError},
	SessionStateEnded:     {},
	SessionStateError:     {},
}

// CanTransition reports whether a move from s to next is legal.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is the engine-owned record of one live voice session.
// It is owned exclusively by its SessionEngine; the registry reads
// CreatedAt/LastActivityAt for eviction decisions.
type Session struct {
	// SessionID is the local identifier minted at creation
	SessionID string `json:"session_id"`

	// ExternalSessionID is the opaque history-store handle.
	// Empty until the first turn has been persisted.
	ExternalSessionID string `json:"external_session_id,omitempty"`

	// State is the current lifecycle state
	State SessionState `json:"state"`

	// TurnCounter counts completed turns, monotonic from 0
	TurnCounter int `json:"turn_counter"`

	// CreatedAt is when the session record was minted
	CreatedAt time.Time `json:"created_at"`

	// LastActivityAt is bumped on every inbound or outbound event
	// and drives idle eviction
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Touch records activity at the given instant.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// SessionStats accumulates per-session traffic counters.
// Updated by the engine, surfaced through the info endpoint and metrics.
type SessionStats struct {
	// AudioBytesSent counts raw input audio bytes forwarded to the service
	AudioBytesSent int64 `json:"audio_bytes_sent"`

	// AudioBytesReceived counts synthesized audio bytes decoded from the service
	AudioBytesReceived int64 `json:"audio_bytes_received"`

	// MessageCount counts decoded inbound events
	MessageCount int64 `json:"message_count"`

	// ToolCallCount counts tool invocations dispatched
	ToolCallCount int64 `json:"tool_call_count"`
}

// SessionInfo is the externally visible snapshot of a session,
// returned by the session info endpoint.
type SessionInfo struct {
	SessionID         string       `json:"session_id"`
	ExternalSessionID string       `json:"external_session_id,omitempty"`
	State             SessionState `json:"state"`
	TurnCounter       int          `json:"turn_counter"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivityAt    time.Time    `json:"last_activity_at"`

	// Traffic counters
	AudioBytesSent     int64 `json:"audio_bytes_sent"`
	AudioBytesReceived int64 `json:"audio_bytes_received"`
	MessageCount       int64 `json:"message_count"`
	ToolCallCount      int64 `json:"tool_call_count"`
}
