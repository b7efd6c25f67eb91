package types

import "fmt"

// The error taxonomy separates failure domains so callers can route
// each one correctly: transport failures kill the session, tool
// failures flow back into the stream, persistence failures degrade to
// in-memory history, and recovery failures fall back to a fresh session.

// TransportError indicates the duplex channel to the dialogue service
// failed. The session engine treats it as terminal.
type TransportError struct {
	// Op is the channel operation that failed: "open", "send", "receive", "close"
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a terminal transport failure.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ToolExecutionError carries a structured tool failure. It is recorded
// and converted into a result event; it never aborts the turn.
type ToolExecutionError struct {
	Kind      ToolFailureKind
	Tool      string
	ToolUseID string
	Err       error
}

func (e *ToolExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s (%s): %s: %v", e.Tool, e.ToolUseID, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s (%s): %s", e.Tool, e.ToolUseID, e.Kind)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// PersistenceError indicates a history-store operation failed. The turn
// still completes; the engine keeps in-memory history and retries
// persistence on the next turn.
type PersistenceError struct {
	// Op is the store operation that failed: "create", "append", "replay"
	Op                string
	ExternalSessionID string
	Err               error
}

func (e *PersistenceError) Error() string {
	if e.ExternalSessionID != "" {
		return fmt.Sprintf("history %s (%s): %v", e.Op, e.ExternalSessionID, e.Err)
	}
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a non-fatal history-store failure.
func NewPersistenceError(op, externalSessionID string, err error) *PersistenceError {
	return &PersistenceError{Op: op, ExternalSessionID: externalSessionID, Err: err}
}

// RecoveryError indicates replay of an external session failed or
// returned nothing. The engine proceeds as a fresh session.
type RecoveryError struct {
	ExternalSessionID string
	Err               error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery of %s: %v", e.ExternalSessionID, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
