// Package logger provides structured logging with automatic secret redaction.
package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeySessionID identifies the local session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyExternalSessionID identifies the history-store session handle.
	ContextKeyExternalSessionID contextKey = "external_session_id"

	// ContextKeyTurnID identifies the current conversation turn.
	ContextKeyTurnID contextKey = "turn_id"

	// ContextKeyTool identifies the tool being dispatched.
	ContextKeyTool contextKey = "tool"

	// ContextKeyModel identifies the dialogue model in use.
	ContextKeyModel contextKey = "model"

	// ContextKeyRequestID identifies the individual request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyCorrelationID is used for distributed tracing.
	ContextKeyCorrelationID contextKey = "correlation_id"

	// ContextKeyEnvironment identifies the deployment environment.
	ContextKeyEnvironment contextKey = "environment"
)

// allContextKeys lists all context keys that should be extracted for logging.
// This is used by the handler to iterate over all possible context values.
var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyExternalSessionID,
	ContextKeyTurnID,
	ContextKeyTool,
	ContextKeyModel,
	ContextKeyRequestID,
	ContextKeyCorrelationID,
	ContextKeyEnvironment,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithExternalSessionID returns a new context with the external session handle set.
func WithExternalSessionID(ctx context.Context, externalID string) context.Context {
	return context.WithValue(ctx, ContextKeyExternalSessionID, externalID)
}

// WithTurnID returns a new context with the turn ID set.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, ContextKeyTurnID, turnID)
}

// WithTool returns a new context with the tool name set.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ContextKeyTool, tool)
}

// WithModel returns a new context with the model name set.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ContextKeyModel, model)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// WithEnvironment returns a new context with the environment set.
func WithEnvironment(ctx context.Context, environment string) context.Context {
	return context.WithValue(ctx, ContextKeyEnvironment, environment)
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// This is a convenience function for setting multiple fields in one call.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.SessionID != "" {
		ctx = WithSessionID(ctx, fields.SessionID)
	}
	if fields.ExternalSessionID != "" {
		ctx = WithExternalSessionID(ctx, fields.ExternalSessionID)
	}
	if fields.TurnID != "" {
		ctx = WithTurnID(ctx, fields.TurnID)
	}
	if fields.Tool != "" {
		ctx = WithTool(ctx, fields.Tool)
	}
	if fields.Model != "" {
		ctx = WithModel(ctx, fields.Model)
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, fields.CorrelationID)
	}
	if fields.Environment != "" {
		ctx = WithEnvironment(ctx, fields.Environment)
	}
	return ctx
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	SessionID         string
	ExternalSessionID string
	TurnID            string
	Tool              string
	Model             string
	RequestID         string
	CorrelationID     string
	Environment       string
}

// ExtractLoggingFields extracts all logging fields from a context.
// Returns a LoggingFields struct with all values found in the context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		fields.SessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyExternalSessionID); v != nil {
		fields.ExternalSessionID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyTurnID); v != nil {
		fields.TurnID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyTool); v != nil {
		fields.Tool, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyModel); v != nil {
		fields.Model, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyCorrelationID); v != nil {
		fields.CorrelationID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyEnvironment); v != nil {
		fields.Environment, _ = v.(string)
	}
	return fields
}
