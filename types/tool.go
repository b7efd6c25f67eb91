package types

import (
	"encoding/json"
	"time"
)

// ToolInvocation is a transient service-initiated request to run a named
// local function. It is created when a toolUse event is decoded and
// consumed exactly once when the correlated result is enqueued. The
// enclosing turn may not persist while any invocation is outstanding.
type ToolInvocation struct {
	// ToolUseID correlates the eventual result with this request
	ToolUseID string `json:"tool_use_id"`

	// ToolName selects the registered handler
	ToolName string `json:"tool_name"`

	// Input is the JSON-encoded tool arguments as received
	Input json.RawMessage `json:"input"`

	// ReceivedAt is when the invocation was decoded from the stream
	ReceivedAt time.Time `json:"received_at"`
}

// ToolFailureKind classifies structured tool failures that flow back
// into the dialogue stream instead of aborting the turn.
type ToolFailureKind string

// Structured tool failure kinds.
const (
	// ToolFailureUnknownTool is returned when no handler is registered
	// under the requested name.
	ToolFailureUnknownTool ToolFailureKind = "UNKNOWN_TOOL"

	// ToolFailureInvalidInput is returned when the input does not
	// satisfy the tool's schema.
	ToolFailureInvalidInput ToolFailureKind = "INVALID_INPUT"

	// ToolFailureHandlerFailure is returned when the handler errors
	// or panics during execution.
	ToolFailureHandlerFailure ToolFailureKind = "HANDLER_FAILURE"
)
