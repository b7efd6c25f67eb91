package gateway

import (
	"time"

	"github.com/voicewire/turnbridge/types"
)

// SessionStartRequest is the body of POST /session/start. Every field
// is optional; unset inference knobs fall back to the daemon defaults.
type SessionStartRequest struct {
	SystemPrompt string   `json:"system_prompt"`
	VoiceID      string   `json:"voice_id"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	TopP         *float64 `json:"top_p"`

	// OwnerID labels the session in the history store.
	OwnerID string `json:"owner_id"`

	// ExternalSessionID resumes a persisted conversation; its history
	// is replayed before the first turn.
	ExternalSessionID string `json:"external_session_id"`
}

// SessionStartResponse is the body returned by POST /session/start.
type SessionStartResponse struct {
	SessionID         string             `json:"session_id"`
	ExternalSessionID string             `json:"external_session_id,omitempty"`
	Status            types.SessionState `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
}

// AudioChunkRequest is the body of POST /audio/chunk. AudioData is
// base64 LPCM; chunks at a different sample rate than the session's
// input format are resampled before being forwarded.
type AudioChunkRequest struct {
	SessionID  string `json:"session_id"`
	AudioData  string `json:"audio_data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// AudioEndRequest is the body of POST /audio/end.
type AudioEndRequest struct {
	SessionID string `json:"session_id"`
}

// HistoryResponse is the body of GET /session/{session_id}/history.
type HistoryResponse struct {
	SessionID string               `json:"session_id"`
	Entries   []types.HistoryEntry `json:"entries"`
	Count     int                  `json:"count"`
}
