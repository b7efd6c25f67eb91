package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
	"github.com/voicewire/turnbridge/types"
)

// Result is the outcome of exactly one dispatched invocation. Content
// is always valid JSON ready to send back on the stream; Failure is
// empty on success.
type Result struct {
	ToolUseID string
	ToolName  string
	Content   json.RawMessage
	Failure   types.ToolFailureKind
	LatencyMs int64
}

// OK reports whether the handler produced a normal result.
func (r Result) OK() bool {
	return r.Failure == ""
}

// failurePayload is the structured content sent back for failed
// invocations, shaped so the model can read and react to it.
type failurePayload struct {
	Error          string   `json:"error"`
	Kind           string   `json:"kind"`
	AvailableTools []string `json:"available_tools,omitempty"`
}

// Dispatcher resolves invocations against a registry. It never returns
// an error: every invocation, including unknown names and handler
// crashes, yields exactly one Result correlated by the tool use ID.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch validates and runs one invocation. The handler gets a
// context bounded by the descriptor's timeout; panics and errors are
// converted into structured failure results.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, inv types.ToolInvocation) Result {
	start := time.Now()
	logger.ToolCall(sessionID, inv.ToolUseID, inv.ToolName)

	reg, ok := d.registry.lookup(inv.ToolName)
	if !ok {
		return d.failed(sessionID, inv, start, types.ToolFailureUnknownTool,
			fmt.Errorf("unknown tool: %s", inv.ToolName))
	}

	if err := d.registry.validator.ValidateInput(reg.descriptor, inv.Input); err != nil {
		return d.failed(sessionID, inv, start, types.ToolFailureInvalidInput, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, reg.descriptor.Timeout())
	defer cancel()

	out, err := runHandler(runCtx, reg.handler, inv.Input)
	if err != nil {
		return d.failed(sessionID, inv, start, types.ToolFailureHandlerFailure, err)
	}

	content, err := json.Marshal(out)
	if err != nil {
		return d.failed(sessionID, inv, start, types.ToolFailureHandlerFailure,
			fmt.Errorf("tool result not serializable: %w", err))
	}

	latency := time.Since(start)
	metrics.RecordToolCall(inv.ToolName, metrics.StatusSuccess, latency.Seconds())
	logger.ToolResponse(sessionID, inv.ToolUseID, inv.ToolName, latency.Milliseconds())

	return Result{
		ToolUseID: inv.ToolUseID,
		ToolName:  inv.ToolName,
		Content:   content,
		LatencyMs: latency.Milliseconds(),
	}
}

// panicError marks a recovered handler panic so the reported message
// can stay generic while logs keep the panic value.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("tool handler panicked: %v", e.value)
}

// runHandler isolates handler execution so a panic becomes an error
// instead of tearing down the inbound decode loop.
func runHandler(ctx context.Context, handler Handler, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &panicError{value: r}
		}
	}()
	return handler(ctx, input)
}

func (d *Dispatcher) failed(sessionID string, inv types.ToolInvocation, start time.Time, kind types.ToolFailureKind, cause error) Result {
	latency := time.Since(start)
	execErr := &types.ToolExecutionError{
		Kind:      kind,
		Tool:      inv.ToolName,
		ToolUseID: inv.ToolUseID,
		Err:       cause,
	}

	metrics.RecordToolCall(inv.ToolName, failureStatus(kind), latency.Seconds())
	logger.ToolError(sessionID, inv.ToolUseID, inv.ToolName, execErr)

	payload := failurePayload{
		Error: safeMessage(cause),
		Kind:  string(kind),
	}
	if kind == types.ToolFailureUnknownTool {
		payload.AvailableTools = d.registry.List()
	}
	content, err := json.Marshal(payload)
	if err != nil {
		content = json.RawMessage(`{"error":"tool failed","kind":"` + string(kind) + `"}`)
	}

	return Result{
		ToolUseID: inv.ToolUseID,
		ToolName:  inv.ToolName,
		Content:   content,
		Failure:   kind,
		LatencyMs: latency.Milliseconds(),
	}
}

// safeMessage keeps handler internals out of the stream: expected
// failures pass their message through, panics are reported generically.
func safeMessage(cause error) string {
	if cause == nil {
		return "tool failed"
	}
	var pe *panicError
	if errors.As(cause, &pe) {
		return "internal error in tool handler"
	}
	return cause.Error()
}

func failureStatus(kind types.ToolFailureKind) string {
	switch kind {
	case types.ToolFailureUnknownTool:
		return metrics.StatusUnknownTool
	case types.ToolFailureInvalidInput:
		return metrics.StatusInvalidInput
	case types.ToolFailureHandlerFailure:
		return metrics.StatusHandlerFailure
	default:
		return metrics.StatusError
	}
}
