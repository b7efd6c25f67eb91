// Package logger provides structured logging with automatic secret redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Session lifecycle logging (create, stream, end, evict)
//   - Tool dispatch logging (invocations, results, failures)
//   - Automatic credential and webhook-secret redaction
//   - Contextual logging with request tracing
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger
)

func init() {
	// Check LOG_LEVEL environment variable
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}

	// Initialize with text handler writing to stderr
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// ParseLevel converts a string level name to slog.Level.
// Unknown or empty strings default to slog.LevelInfo.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
// The context can be used for request tracing and cancellation.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// SessionEvent logs a session lifecycle transition with structured fields.
// Additional attributes can be passed as key-value pairs after the required parameters.
func SessionEvent(sessionID, event string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"event", event,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🎙️ Session Event", allAttrs...)
}

// TurnEvent logs a turn state transition for a session.
func TurnEvent(sessionID string, turnNumber int, state string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"turn", turnNumber,
		"state", state,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("🔁 Turn Transition", allAttrs...)
}

// ToolCall logs a tool invocation request arriving from the dialogue stream.
func ToolCall(sessionID, toolUseID, toolName string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"tool_use_id", toolUseID,
		"tool", toolName,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("🔧 Tool Invocation", allAttrs...)
}

// ToolResponse logs the result of a tool execution with its latency.
func ToolResponse(sessionID, toolUseID, toolName string, latencyMs int64, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"tool_use_id", toolUseID,
		"tool", toolName,
		"latency_ms", latencyMs,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("✅ Tool Result", allAttrs...)
}

// ToolError logs a failed tool execution for debugging and monitoring.
func ToolError(sessionID, toolUseID, toolName string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"session_id", sessionID,
		"tool_use_id", toolUseID,
		"tool", toolName,
		"error", err,
	)
	allAttrs = append(allAttrs, attrs...)
	Error("❌ Tool Execution Failed", allAttrs...)
}

var (
	// secretPatterns contains compiled regular expressions for detecting sensitive data.
	// Patterns match AWS credentials, webhook secrets, and bearer tokens.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),                  // AWS access key IDs
		regexp.MustCompile(`(?i)x-n8n-secret:\s*[^\s,}"]+`),     // Webhook shared secrets
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_.-]+`),          // Bearer tokens
		regexp.MustCompile(`AWS4-HMAC-SHA256\s+Credential=\S+`), // SigV4 authorization headers
	}
)

// RedactSensitiveData removes credentials and other sensitive information from strings.
// It replaces matched patterns with a redacted form that preserves the first few characters
// for debugging while hiding the sensitive portion.
//
// Supported patterns:
//   - AWS access key IDs (AKIA...): Shows first 4 chars
//   - Webhook shared-secret headers: value replaced entirely
//   - Bearer tokens: Shows only "Bearer [REDACTED]"
//   - SigV4 Authorization headers: replaced entirely
//
// This function is safe for concurrent use as it only reads from the compiled patterns.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if strings.HasPrefix(match, "AWS4-HMAC-SHA256") {
				return "AWS4-HMAC-SHA256 [REDACTED]"
			}
			// Show first 4 characters for debugging context
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}

// WebhookRequest logs outbound webhook request details at debug level with
// automatic secret redaction. This function is a no-op when debug logging is
// disabled for performance.
func WebhookRequest(eventType, url string, body interface{}) {
	// Early return if debug logging is disabled for performance
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 6)
	attrs = append(attrs,
		"event_type", eventType,
		"url", RedactSensitiveData(url),
	)

	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			attrs = append(attrs, "body_error", err.Error())
		} else {
			attrs = append(attrs, "body", RedactSensitiveData(string(bodyJSON)))
		}
	}

	Debug("🔵 Webhook Request", attrs...)
}

// WebhookResponse logs webhook delivery outcomes at debug level.
// Errors are promoted to error level regardless of the configured debug gate.
func WebhookResponse(eventType string, statusCode int, err error) {
	if err != nil {
		Error("🔴 Webhook Delivery Failed",
			"event_type", eventType,
			"status_code", statusCode,
			"error", err.Error(),
		)
		return
	}

	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	var emoji string
	switch {
	case statusCode >= 200 && statusCode < 300:
		emoji = "🟢"
	case statusCode >= 400:
		emoji = "🔴"
	default:
		emoji = "🟡"
	}

	Debug(emoji+" Webhook Response",
		"event_type", eventType,
		"status_code", statusCode,
	)
}
