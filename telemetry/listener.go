package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicewire/turnbridge/engine"
	"github.com/voicewire/turnbridge/types"
)

// spanEntry tracks an in-flight span and its context.
type spanEntry struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx // needed to parent child spans
}

// toolEntry ties a tool span to its owning session so session teardown
// can close invocations that never resolved.
type toolEntry struct {
	entry     *spanEntry
	sessionID string
}

// UpdateListener converts session updates into OTel spans in real time:
// a root span per session, a child span per turn, and a span per tool
// invocation, with transcripts and barge-ins attached as span events.
// OnUpdate matches the engine's update callback shape so the daemon can
// tee updates into it alongside the gateway hub. Safe for concurrent
// use.
type UpdateListener struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*spanEntry // sessionID → root span + ctx
	turns    map[string]*spanEntry // sessionID → current turn span
	tools    map[string]toolEntry  // toolUseID → span + owning session
}

// NewUpdateListener creates a listener that creates OTel spans from
// session updates.
func NewUpdateListener(tracer trace.Tracer) *UpdateListener {
	return &UpdateListener{
		tracer:   tracer,
		sessions: make(map[string]*spanEntry),
		turns:    make(map[string]*spanEntry),
		tools:    make(map[string]toolEntry),
	}
}

// StartSession opens the root span for a session, optionally parented
// under the span context in parentCtx. Sessions not started here get a
// background-parented root on their first streaming status update, so
// calling this is only needed to tie the session to an inbound request
// trace.
func (l *UpdateListener) StartSession(parentCtx context.Context, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startSessionLocked(parentCtx, sessionID)
}

func (l *UpdateListener) startSessionLocked(parentCtx context.Context, sessionID string) *spanEntry {
	if se, ok := l.sessions[sessionID]; ok {
		return se
	}
	ctx, span := l.tracer.Start(parentCtx, "turnbridge.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	se := &spanEntry{span: span, ctx: ctx}
	l.sessions[sessionID] = se
	return se
}

// OnUpdate handles a single session update and creates or completes
// spans accordingly.
func (l *UpdateListener) OnUpdate(u engine.Update) {
	switch u.Type {
	case engine.UpdateStatus:
		l.handleStatus(u)
	case engine.UpdateTranscript:
		l.handleTranscript(u)
	case engine.UpdateToolCall:
		l.startTool(u)
	case engine.UpdateToolResult:
		l.endTool(u)
	case engine.UpdateBargeIn:
		l.handleBargeIn(u)
	case engine.UpdateTurnComplete:
		l.endTurn(u)
	case engine.UpdateError:
		l.handleError(u)
	case engine.UpdateAudio:
		// Per-chunk audio is far too chatty to trace.
	}
}

// Close ends every open span, newest first, for daemon shutdown. Spans
// left open would never export.
func (l *UpdateListener) Close() {
	l.mu.Lock()
	tools := l.tools
	turns := l.turns
	sessions := l.sessions
	l.tools = make(map[string]toolEntry)
	l.turns = make(map[string]*spanEntry)
	l.sessions = make(map[string]*spanEntry)
	l.mu.Unlock()

	for _, te := range tools {
		te.entry.span.End()
	}
	for _, se := range turns {
		se.span.End()
	}
	for _, se := range sessions {
		se.span.End()
	}
}

// turnLocked returns the current turn span for the session, opening one
// parented under the session root when none is in flight. Turns open
// lazily on their first traced activity because the engine has no
// explicit turn-started update.
func (l *UpdateListener) turnLocked(sessionID string) *spanEntry {
	if se, ok := l.turns[sessionID]; ok {
		return se
	}
	parent := context.Background()
	if root, ok := l.sessions[sessionID]; ok {
		parent = root.ctx
	}
	ctx, span := l.tracer.Start(parent, "turnbridge.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	se := &spanEntry{span: span, ctx: ctx}
	l.turns[sessionID] = se
	return se
}

func (l *UpdateListener) handleStatus(u engine.Update) {
	if u.State == types.SessionStateStreaming {
		l.mu.Lock()
		l.startSessionLocked(context.Background(), u.SessionID)
		l.mu.Unlock()
		return
	}
	if !u.State.Terminal() {
		return
	}

	l.mu.Lock()
	root, haveRoot := l.sessions[u.SessionID]
	delete(l.sessions, u.SessionID)
	turn := l.turns[u.SessionID]
	delete(l.turns, u.SessionID)
	var orphans []*spanEntry
	for id, te := range l.tools {
		if te.sessionID == u.SessionID {
			orphans = append(orphans, te.entry)
			delete(l.tools, id)
		}
	}
	l.mu.Unlock()

	for _, te := range orphans {
		te.span.SetStatus(codes.Error, "session ended before tool resolved")
		te.span.End()
	}
	if turn != nil {
		turn.span.End()
	}
	if !haveRoot {
		return
	}
	root.span.SetAttributes(attribute.String("session.state", string(u.State)))
	if u.State == types.SessionStateError {
		root.span.SetStatus(codes.Error, "session failed")
	} else {
		root.span.SetStatus(codes.Ok, "")
	}
	root.span.End()
}

// handleTranscript attaches settled transcript text as a span event on
// the current turn, opening the turn span when this is its first traced
// activity. Speculative drafts are skipped; their settled form follows.
func (l *UpdateListener) handleTranscript(u engine.Update) {
	if !u.Final {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[u.SessionID]; !ok {
		return
	}
	turn := l.turnLocked(u.SessionID)
	turn.span.AddEvent("gen_ai."+u.Role+".message",
		trace.WithAttributes(attribute.String("gen_ai.message.content", u.Text)))
}

func (l *UpdateListener) startTool(u engine.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[u.SessionID]; !ok {
		return
	}
	turn := l.turnLocked(u.SessionID)
	ctx, span := l.tracer.Start(turn.ctx, "turnbridge.tool."+u.ToolName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", u.ToolName),
			attribute.String("tool.use_id", u.ToolUseID),
		),
	)
	l.tools[u.ToolUseID] = toolEntry{
		entry:     &spanEntry{span: span, ctx: ctx},
		sessionID: u.SessionID,
	}
}

func (l *UpdateListener) endTool(u engine.Update) {
	l.mu.Lock()
	te, ok := l.tools[u.ToolUseID]
	delete(l.tools, u.ToolUseID)
	l.mu.Unlock()
	if !ok {
		return
	}
	te.entry.span.SetAttributes(attribute.Bool("tool.ok", u.ToolOK))
	if u.ToolOK {
		te.entry.span.SetStatus(codes.Ok, "")
	} else {
		te.entry.span.SetStatus(codes.Error, "tool invocation failed")
	}
	te.entry.span.End()
}

func (l *UpdateListener) handleBargeIn(u engine.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[u.SessionID]; !ok {
		return
	}
	l.turnLocked(u.SessionID).span.AddEvent("barge_in")
}

func (l *UpdateListener) endTurn(u engine.Update) {
	l.mu.Lock()
	se, ok := l.turns[u.SessionID]
	delete(l.turns, u.SessionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	se.span.SetAttributes(attribute.Int("turn.number", u.TurnNumber))
	se.span.SetStatus(codes.Ok, "")
	se.span.End()
}

func (l *UpdateListener) handleError(u engine.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if root, ok := l.sessions[u.SessionID]; ok {
		root.span.AddEvent("session.error",
			trace.WithAttributes(attribute.String("error.message", u.Error)))
	}
}
