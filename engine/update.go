package engine

import (
	"time"

	"github.com/voicewire/turnbridge/types"
)

// UpdateType tags outward session updates for streaming subscribers.
type UpdateType string

// Update types, in rough order of traffic volume.
const (
	UpdateAudio        UpdateType = "audio"
	UpdateTranscript   UpdateType = "transcript"
	UpdateToolCall     UpdateType = "tool_call"
	UpdateToolResult   UpdateType = "tool_result"
	UpdateBargeIn      UpdateType = "barge_in"
	UpdateTurnComplete UpdateType = "turn_complete"
	UpdateStatus       UpdateType = "status"
	UpdateError        UpdateType = "error"
)

// Update is one outward-facing session event, shaped for direct JSON
// delivery to SSE and WebSocket subscribers. Only the fields relevant
// to the Type are populated.
type Update struct {
	Type      UpdateType `json:"type"`
	SessionID string     `json:"session_id"`
	Timestamp time.Time  `json:"timestamp"`

	// State accompanies status updates.
	State types.SessionState `json:"state,omitempty"`

	// Transcript fields. Final distinguishes settled text from the
	// low-latency speculative drafts that precede it.
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Audio is one base64 PCM16 chunk of synthesized speech.
	Audio string `json:"audio,omitempty"`

	// Tool activity fields.
	ToolName  string `json:"tool_name,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolOK    bool   `json:"tool_ok,omitempty"`

	// TurnNumber accompanies turn_complete updates.
	TurnNumber int `json:"turn_number,omitempty"`

	// Error carries a subscriber-safe failure description.
	Error string `json:"error,omitempty"`
}
