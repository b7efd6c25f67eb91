// Package engine binds one voice session together. The Engine owns the
// duplex event channel to the dialogue service, drives the turn state
// machine, dispatches tool invocations, schedules response audio, and
// publishes outward updates for streaming subscribers.
//
// A session moves CREATED -> STREAMING -> ENDED, with ERROR as an
// absorbing state reachable from any non-terminal state. Inbound
// service events arrive through the Engine's channel.Sink
// implementation; callers drive it through Start, BeginTurn, FeedAudio,
// EndTurnInput, and End.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/turnbridge/audio"
	"github.com/voicewire/turnbridge/channel"
	"github.com/voicewire/turnbridge/dialog"
	"github.com/voicewire/turnbridge/history"
	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
	"github.com/voicewire/turnbridge/screen"
	"github.com/voicewire/turnbridge/tools"
	"github.com/voicewire/turnbridge/types"
	"github.com/voicewire/turnbridge/wire"
)

var (
	// ErrTurnInProgress is returned by BeginTurn while a turn is in flight.
	ErrTurnInProgress = errors.New("engine: turn already in progress")

	// ErrNoOpenInput is returned when audio arrives with no open input
	// container.
	ErrNoOpenInput = errors.New("engine: no open input container")
)

// persistTimeout bounds the store writes of one turn persist.
const persistTimeout = 10 * time.Second

// Config assembles one session's collaborators. Transport is required;
// nil collaborators disable their feature.
type Config struct {
	// SessionID is assigned by the registry; empty generates one.
	SessionID string

	// OwnerID identifies the caller for history bookkeeping.
	OwnerID string

	// ExternalSessionID, when set, recovers history from the store
	// before the first turn.
	ExternalSessionID string

	// SystemPrompt opens the dialogue as a SYSTEM text container.
	SystemPrompt string

	// VoiceID and Inference are the generation settings declared to
	// the service.
	VoiceID   string
	Inference wire.InferenceConfig

	// InputAudio and OutputAudio describe the PCM shapes. Zero values
	// select 16 kHz input and 24 kHz output, 16-bit mono.
	InputAudio  wire.AudioConfig
	OutputAudio wire.AudioConfig

	Transport dialog.Transport
	History   history.Store
	Tools     *tools.Dispatcher

	// ToolSpecs is the catalog declared in the prompt preamble,
	// normally Registry.Specs() of the registry behind Tools.
	ToolSpecs []wire.ToolSpec

	// Screener checks assistant text before it reaches subscribers.
	Screener *screen.Screener

	// OnUpdate receives outward updates. It is called from engine
	// goroutines and must not block.
	OnUpdate func(Update)

	// OnPlayback receives scheduled audio buffers at their start time,
	// for embedders with a local audio device.
	OnPlayback audio.PlayFunc

	// Channel carries tunables for the event channel.
	Channel channel.Config
}

func (c Config) withDefaults() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.VoiceID == "" {
		c.VoiceID = "matthew"
	}
	if c.Inference.MaxTokens == 0 {
		c.Inference.MaxTokens = 1024
	}
	if c.Inference.Temperature == 0 {
		c.Inference.Temperature = 0.7
	}
	if c.Inference.TopP == 0 {
		c.Inference.TopP = 0.9
	}
	if c.InputAudio.SampleRateHertz == 0 {
		c.InputAudio = wire.AudioConfig{
			SampleRateHertz: audio.SampleRate16kHz,
			SampleSizeBits:  16,
			ChannelCount:    1,
		}
	}
	if c.OutputAudio.SampleRateHertz == 0 {
		c.OutputAudio = wire.AudioConfig{
			SampleRateHertz: audio.SampleRate24kHz,
			SampleSizeBits:  16,
			ChannelCount:    1,
		}
	}
	return c
}

// outboundFunc adapts a function to the Outbound interface.
type outboundFunc func(*wire.Event) error

func (f outboundFunc) Enqueue(ev *wire.Event) error { return f(ev) }

// Engine is one live session.
type Engine struct {
	cfg     Config
	builder *wire.Builder
	turns   *TurnManager
	sched   *audio.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *types.Session
	ch      *channel.Channel
	err     error
	ending  bool
	stats   types.SessionStats

	// contentStage maps inbound content IDs to their generation stage
	// so transcript fragments can be classified speculative or final.
	contentStage map[string]string

	done chan struct{}
}

// New assembles a session in the CREATED state. Start must be called
// before any turn.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	cfg = cfg.withDefaults()

	now := time.Now().UTC()
	e := &Engine{
		cfg:     cfg,
		builder: wire.NewBuilder(uuid.NewString()),
		session: &types.Session{
			SessionID:         cfg.SessionID,
			ExternalSessionID: cfg.ExternalSessionID,
			State:             types.SessionStateCreated,
			CreatedAt:         now,
			LastActivityAt:    now,
		},
		contentStage: make(map[string]string),
		done:         make(chan struct{}),
	}
	e.turns = NewTurnManager(TurnManagerConfig{
		SessionID:  cfg.SessionID,
		Builder:    e.builder,
		Out:        outboundFunc(e.enqueue),
		Store:      cfg.History,
		OwnerID:    cfg.OwnerID,
		InputAudio: cfg.InputAudio,
	})
	e.sched = audio.NewScheduler(audio.SchedulerConfig{
		SampleRate: cfg.OutputAudio.SampleRateHertz,
		OnPlay:     cfg.OnPlayback,
	})
	return e, nil
}

// Start opens the event channel, binds the external history session,
// and sends the dialogue preamble. The session moves from CREATED to
// STREAMING. ctx bounds startup only; the session itself lives until
// End.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.session.State != types.SessionStateCreated {
		state := e.session.State
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot start session in state %s", state)
	}
	e.mu.Unlock()

	e.ctx, e.cancel = context.WithCancel(context.Background())

	ch, err := channel.OpenWithConfig(e.ctx, e.cfg.Channel, e.session.SessionID, e.cfg.Transport, e)
	if err != nil {
		e.cancel()
		return err
	}
	e.mu.Lock()
	e.ch = ch
	e.mu.Unlock()

	externalID, entries := e.bindHistory(ctx)
	e.turns.Seed(externalID, entries)

	e.mu.Lock()
	e.session.ExternalSessionID = externalID
	e.session.TurnCounter = e.turns.TurnCounter()
	e.mu.Unlock()

	if err := e.sendPreamble(); err != nil {
		_ = ch.Close(ctx)
		e.cancel()
		return err
	}

	e.mu.Lock()
	e.session.State = types.SessionStateStreaming
	e.session.Touch(time.Now().UTC())
	e.mu.Unlock()

	metrics.RecordSessionStart()
	logger.SessionEvent(e.session.SessionID, "session started",
		"external_session_id", externalID,
		"recovered_turns", e.turns.TurnCounter())
	e.publishStatus(types.SessionStateStreaming)
	return nil
}

// bindHistory resolves the external history binding: replay when
// resuming, create when fresh. A failed or empty replay degrades to a
// fresh session; a failed create degrades to in-memory history with a
// lazy binding at first persist.
func (e *Engine) bindHistory(ctx context.Context) (string, []types.HistoryEntry) {
	store := e.cfg.History
	if store == nil {
		return "", nil
	}

	if e.cfg.ExternalSessionID != "" {
		entries, err := store.Replay(ctx, e.cfg.ExternalSessionID)
		switch {
		case err != nil:
			metrics.RecordHistoryOp(metrics.OpReplay, metrics.StatusError)
			logger.Warn("history replay failed; starting fresh",
				"session_id", e.session.SessionID,
				"error", &types.RecoveryError{ExternalSessionID: e.cfg.ExternalSessionID, Err: err})
		case len(entries) == 0:
			metrics.RecordHistoryOp(metrics.OpReplay, metrics.StatusSuccess)
			logger.Warn("history replay returned nothing; starting fresh",
				"session_id", e.session.SessionID,
				"external_session_id", e.cfg.ExternalSessionID)
		default:
			metrics.RecordHistoryOp(metrics.OpReplay, metrics.StatusSuccess)
			logger.Info("session recovered from history",
				"session_id", e.session.SessionID,
				"external_session_id", e.cfg.ExternalSessionID,
				"entries", len(entries))
			return e.cfg.ExternalSessionID, entries
		}
	}

	id, err := store.CreateSession(ctx, e.cfg.OwnerID)
	if err != nil {
		metrics.RecordHistoryOp(metrics.OpCreate, metrics.StatusError)
		logger.Warn("history session create failed; continuing in memory",
			"session_id", e.session.SessionID,
			"error", err)
		return "", nil
	}
	metrics.RecordHistoryOp(metrics.OpCreate, metrics.StatusSuccess)
	return id, nil
}

// sendPreamble opens the dialogue: session settings, the prompt
// declaration with the tool catalog, and the system prompt.
func (e *Engine) sendPreamble() error {
	var events []*wire.Event
	add := func(ev *wire.Event, err error) error {
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}

	if err := add(e.builder.SessionStart(e.cfg.Inference)); err != nil {
		return err
	}
	if err := add(e.builder.PromptStart(e.cfg.VoiceID, e.cfg.OutputAudio, e.cfg.ToolSpecs)); err != nil {
		return err
	}
	if e.cfg.SystemPrompt != "" {
		name := uuid.NewString()
		if err := add(e.builder.TextContentStart(name, wire.RoleSystem)); err != nil {
			return err
		}
		if err := add(e.builder.TextInput(name, e.cfg.SystemPrompt)); err != nil {
			return err
		}
		if err := add(e.builder.ContentEnd(name)); err != nil {
			return err
		}
	}

	for _, ev := range events {
		if err := e.enqueue(ev); err != nil {
			return err
		}
	}
	return nil
}

// enqueue hands one event to the channel once it exists.
func (e *Engine) enqueue(ev *wire.Event) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	if ch == nil {
		return errors.New("engine: session not started")
	}
	return ch.Enqueue(ev)
}

// BeginTurn opens a new turn. It fails while a turn is in flight.
func (e *Engine) BeginTurn(ctx context.Context) error {
	if err := e.requireStreaming(); err != nil {
		return err
	}
	if err := e.turns.BeginTurn(ctx); err != nil {
		return err
	}
	e.touch()
	return nil
}

// FeedAudio streams one chunk of caller PCM16 at the input sample rate.
// The first chunk after IDLE opens a new turn implicitly.
func (e *Engine) FeedAudio(ctx context.Context, pcm []byte) error {
	if err := e.requireStreaming(); err != nil {
		return err
	}
	if e.turns.State() == types.TurnStateIdle {
		if err := e.turns.BeginTurn(ctx); err != nil && !errors.Is(err, ErrTurnInProgress) {
			return err
		}
	}
	if err := e.turns.FeedAudio(pcm); err != nil {
		return err
	}

	metrics.RecordAudioBytes(metrics.DirectionIn, len(pcm))
	e.mu.Lock()
	e.stats.AudioBytesSent += int64(len(pcm))
	e.session.Touch(time.Now().UTC())
	e.mu.Unlock()
	return nil
}

// EndTurnInput closes the caller's audio input for the current turn.
func (e *Engine) EndTurnInput() error {
	if err := e.requireStreaming(); err != nil {
		return err
	}
	if err := e.turns.EndInput(); err != nil {
		return err
	}
	e.touch()
	return nil
}

func (e *Engine) requireStreaming() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State != types.SessionStateStreaming {
		return fmt.Errorf("engine: session is %s", e.session.State)
	}
	return nil
}

// End closes the session normally.
func (e *Engine) End(ctx context.Context) error {
	return e.end(ctx, metrics.OutcomeCompleted)
}

// Evict closes the session on the registry's behalf; outcome labels
// the eviction cause in metrics.
func (e *Engine) Evict(ctx context.Context, outcome string) error {
	return e.end(ctx, outcome)
}

// end tears the session down exactly once: it abandons any open turn,
// sends the closing events, flushes and closes the channel, and stops
// the audio scheduler. Losing callers wait for the winner to finish.
func (e *Engine) end(ctx context.Context, outcome string) error {
	e.mu.Lock()
	if e.ending {
		e.mu.Unlock()
		<-e.done
		return nil
	}
	e.ending = true
	e.mu.Unlock()
	defer close(e.done)

	e.turns.Abort()

	var events []*wire.Event
	if ev, err := e.builder.PromptEnd(); err == nil {
		events = append(events, ev)
	}
	if ev, err := e.builder.SessionEnd(); err == nil {
		events = append(events, ev)
	}
	for _, ev := range events {
		// A failed channel rejects these; teardown proceeds regardless.
		if err := e.enqueue(ev); err != nil {
			break
		}
	}

	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	var closeErr error
	if ch != nil {
		closeErr = ch.Close(ctx)
	}

	e.sched.Close()
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	if e.session.State.CanTransition(types.SessionStateEnded) {
		e.session.State = types.SessionStateEnded
	}
	finalState := e.session.State
	duration := time.Since(e.session.CreatedAt)
	e.mu.Unlock()

	metrics.RecordSessionEnd(outcome, duration.Seconds())
	logger.SessionEvent(e.session.SessionID, "session ended",
		"outcome", outcome,
		"duration_ms", duration.Milliseconds())
	e.publishStatus(finalState)
	return closeErr
}

// Done is closed when session teardown has completed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// OnEvent routes one decoded service event. It runs on the channel's
// decode goroutine; slow work is handed off.
func (e *Engine) OnEvent(ev *wire.Inbound) {
	e.mu.Lock()
	e.stats.MessageCount++
	e.mu.Unlock()

	switch ev.Kind {
	case wire.KindCompletionStart:
		if ev.CompletionStart != nil {
			logger.Debug("completion started",
				"session_id", e.session.SessionID,
				"completion_id", ev.CompletionStart.CompletionID)
		}
	case wire.KindContentStart:
		e.onContentStart(ev.ContentStart)
	case wire.KindTextOutput:
		e.onTextOutput(ev.TextOutput)
	case wire.KindAudioOutput:
		e.onAudioOutput(ev.AudioOutput)
	case wire.KindToolUse:
		e.onToolUse(ev.ToolUse)
	case wire.KindContentEnd:
		e.onContentEnd(ev.ContentEnd)
	case wire.KindCompletionEnd:
		if ev.CompletionEnd != nil {
			logger.Debug("completion ended",
				"session_id", e.session.SessionID,
				"completion_id", ev.CompletionEnd.CompletionID,
				"stop_reason", ev.CompletionEnd.StopReason)
		}
	case wire.KindUsage:
		// Token counts are recorded by the channel.
	case wire.KindError:
		e.onServiceError(ev.Error)
	default:
		logger.Debug("ignoring unrecognized service event",
			"session_id", e.session.SessionID,
			"kind", string(ev.Kind))
	}
}

func (e *Engine) onContentStart(cs *wire.ContentStart) {
	if cs == nil {
		return
	}
	if stage := cs.GenerationStage(); stage != "" {
		e.mu.Lock()
		e.contentStage[cs.ContentID] = stage
		e.mu.Unlock()
	}
}

func (e *Engine) onTextOutput(to *wire.TextOutput) {
	if to == nil {
		return
	}

	if to.IsBargeIn() {
		e.sched.Flush()
		e.turns.NoteInterrupted()
		logger.Info("barge-in; flushed scheduled audio",
			"session_id", e.session.SessionID)
		e.publish(Update{Type: UpdateBargeIn})
		return
	}

	final := true
	e.mu.Lock()
	if stage, ok := e.contentStage[to.ContentID]; ok {
		final = stage != wire.GenerationStageSpeculative
	}
	e.mu.Unlock()

	role := types.RoleAssistant
	if to.Role == wire.RoleUser {
		role = types.RoleUser
	}

	text := to.Content
	if final && role == types.RoleAssistant {
		text = e.cfg.Screener.Screen(e.session.SessionID, text).Text
	}

	if final {
		switch role {
		case types.RoleUser:
			e.turns.NoteUserText(text)
		case types.RoleAssistant:
			e.turns.NoteAssistantText(text)
		}
	}

	e.publish(Update{
		Type:  UpdateTranscript,
		Role:  string(role),
		Text:  text,
		Final: final,
	})
}

func (e *Engine) onAudioOutput(ao *wire.AudioOutput) {
	if ao == nil {
		return
	}
	pcm, err := ao.Decoded()
	if err != nil {
		logger.Warn("dropping undecodable audio chunk",
			"session_id", e.session.SessionID,
			"error", err)
		return
	}

	// The scheduler records the outbound byte metric when it accepts
	// the fragment.
	if err := e.sched.Enqueue(pcm); err != nil && !errors.Is(err, audio.ErrSchedulerClosed) {
		logger.Warn("audio scheduling failed",
			"session_id", e.session.SessionID,
			"error", err)
	}

	e.mu.Lock()
	e.stats.AudioBytesReceived += int64(len(pcm))
	e.mu.Unlock()

	e.publish(Update{Type: UpdateAudio, Audio: ao.Content})
}

func (e *Engine) onToolUse(tu *wire.ToolUse) {
	if tu == nil {
		return
	}
	inv := types.ToolInvocation{
		ToolUseID:  tu.ToolUseID,
		ToolName:   tu.ToolName,
		Input:      tu.Input(),
		ReceivedAt: time.Now().UTC(),
	}
	e.turns.ToolStarted(inv)

	e.mu.Lock()
	e.stats.ToolCallCount++
	e.mu.Unlock()
	e.publish(Update{Type: UpdateToolCall, ToolName: inv.ToolName, ToolUseID: inv.ToolUseID})

	// Handlers may take seconds; the decode loop keeps flowing.
	go e.runTool(inv)
}

// runTool dispatches one invocation and returns its result to the
// service as the three-event TOOL sequence on a fresh container. Every
// invocation yields exactly one result, failures included.
func (e *Engine) runTool(inv types.ToolInvocation) {
	var result tools.Result
	if e.cfg.Tools != nil {
		result = e.cfg.Tools.Dispatch(e.ctx, e.session.SessionID, inv)
	} else {
		result = tools.Result{
			ToolUseID: inv.ToolUseID,
			ToolName:  inv.ToolName,
			Content:   json.RawMessage(`{"error":"no tools registered","kind":"UNKNOWN_TOOL"}`),
			Failure:   types.ToolFailureUnknownTool,
		}
	}

	if err := e.sendToolResult(result); err != nil {
		logger.Warn("failed to return tool result",
			"session_id", e.session.SessionID,
			"tool_use_id", result.ToolUseID,
			"error", err)
	}

	e.publish(Update{
		Type:      UpdateToolResult,
		ToolName:  result.ToolName,
		ToolUseID: result.ToolUseID,
		ToolOK:    result.OK(),
	})

	ctx, cancel := context.WithTimeout(e.ctx, persistTimeout)
	defer cancel()
	if turnNumber, persisted := e.turns.ToolResolved(ctx, inv.ToolUseID); persisted {
		e.finishTurn(turnNumber)
	}
}

func (e *Engine) sendToolResult(result tools.Result) error {
	name := uuid.NewString()

	var events []*wire.Event
	add := func(ev *wire.Event, err error) error {
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}
	if err := add(e.builder.ToolResultContentStart(name, result.ToolUseID)); err != nil {
		return err
	}
	if err := add(e.builder.ToolResult(name, result.Content)); err != nil {
		return err
	}
	if err := add(e.builder.ContentEnd(name)); err != nil {
		return err
	}

	for _, ev := range events {
		if err := e.enqueue(ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) onContentEnd(ce *wire.ContentEnd) {
	if ce == nil {
		return
	}
	e.mu.Lock()
	delete(e.contentStage, ce.ContentID)
	e.mu.Unlock()

	if ce.Interrupted() {
		e.turns.NoteInterrupted()
	}
	if !ce.EndOfTurn() {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, persistTimeout)
	defer cancel()
	if turnNumber, persisted := e.turns.NoteBoundary(ctx); persisted {
		e.finishTurn(turnNumber)
	}
}

// finishTurn publishes turn completion and refreshes the session
// snapshot after a persist.
func (e *Engine) finishTurn(turnNumber int) {
	counter := e.turns.TurnCounter()
	e.mu.Lock()
	e.session.TurnCounter = counter
	e.mu.Unlock()

	logger.SessionEvent(e.session.SessionID, "turn completed", "turn", turnNumber)
	e.publish(Update{Type: UpdateTurnComplete, TurnNumber: turnNumber})
}

func (e *Engine) onServiceError(se *wire.ServiceError) {
	if se == nil {
		return
	}
	logger.Error("dialogue service reported an error",
		"session_id", e.session.SessionID,
		"error", se.Error())
	e.publish(Update{Type: UpdateError, Error: se.Error()})
}

// OnStreamEnd handles the service finishing its response stream. During
// a voluntary close this is the expected final handshake; otherwise the
// session can no longer make progress and winds down.
func (e *Engine) OnStreamEnd() {
	e.mu.Lock()
	ending := e.ending
	e.mu.Unlock()
	if ending {
		return
	}

	logger.Info("service ended the stream", "session_id", e.session.SessionID)
	go func() { _ = e.end(context.Background(), metrics.OutcomeCompleted) }()
}

// OnTransportError moves the session to ERROR and releases its
// resources. The failure stays inspectable through Err.
func (e *Engine) OnTransportError(err error) {
	e.mu.Lock()
	if e.ending || e.session.State.Terminal() {
		e.mu.Unlock()
		return
	}
	e.err = err
	e.session.State = types.SessionStateError
	e.mu.Unlock()

	logger.Error("session transport failure",
		"session_id", e.session.SessionID,
		"error", err)
	e.publish(Update{Type: UpdateError, Error: err.Error()})

	go func() { _ = e.end(context.Background(), metrics.OutcomeError) }()
}

// SessionID returns the local session identifier.
func (e *Engine) SessionID() string {
	return e.session.SessionID
}

// ExternalSessionID returns the history-store binding, which may be
// assigned lazily after a degraded start.
func (e *Engine) ExternalSessionID() string {
	return e.turns.ExternalSessionID()
}

// State returns the session lifecycle state.
func (e *Engine) State() types.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State
}

// Err returns the terminal error for sessions in the ERROR state.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// TurnState exposes the turn machine's state.
func (e *Engine) TurnState() types.TurnState {
	return e.turns.State()
}

// History returns the session's in-memory history in replay order.
func (e *Engine) History() []types.HistoryEntry {
	return e.turns.History()
}

// Scheduler exposes the session's audio scheduler.
func (e *Engine) Scheduler() *audio.Scheduler {
	return e.sched
}

// Info snapshots the session for the info endpoint.
func (e *Engine) Info() types.SessionInfo {
	externalID := e.turns.ExternalSessionID()
	turnCounter := e.turns.TurnCounter()

	e.mu.Lock()
	defer e.mu.Unlock()
	return types.SessionInfo{
		SessionID:          e.session.SessionID,
		ExternalSessionID:  externalID,
		State:              e.session.State,
		TurnCounter:        turnCounter,
		CreatedAt:          e.session.CreatedAt,
		LastActivityAt:     e.session.LastActivityAt,
		AudioBytesSent:     e.stats.AudioBytesSent,
		AudioBytesReceived: e.stats.AudioBytesReceived,
		MessageCount:       e.stats.MessageCount,
		ToolCallCount:      e.stats.ToolCallCount,
	}
}

// IdleFor reports how long since the caller last interacted.
func (e *Engine) IdleFor(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.IdleFor(now)
}

// Age reports time since the session was created.
func (e *Engine) Age(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Age(now)
}

func (e *Engine) touch() {
	e.mu.Lock()
	e.session.Touch(time.Now().UTC())
	e.mu.Unlock()
}

// publish delivers one outward update. The hub behind OnUpdate must
// not block; slow subscribers are its problem, not the engine's.
func (e *Engine) publish(u Update) {
	if e.cfg.OnUpdate == nil {
		return
	}
	u.SessionID = e.session.SessionID
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	e.cfg.OnUpdate(u)
}

func (e *Engine) publishStatus(state types.SessionState) {
	e.publish(Update{Type: UpdateStatus, State: state})
}
