// Package channel implements the duplex event stream that binds a session
// to the dialogue service. Outbound events pass through a FIFO queue drained
// by a single goroutine so transmission order always matches enqueue order;
// a second goroutine decodes inbound frames and hands them to a Sink. The
// two loops never block each other.
package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/voicewire/turnbridge/dialog"
	"github.com/voicewire/turnbridge/logger"
	metrics "github.com/voicewire/turnbridge/metrics/prometheus"
	"github.com/voicewire/turnbridge/types"
	"github.com/voicewire/turnbridge/wire"
)

var (
	// ErrChannelClosed is returned by Enqueue after Close or a transport failure.
	ErrChannelClosed = errors.New("channel: closed")
)

const (
	// DefaultCloseTimeout bounds how long Close waits for the outbound flush
	// and for the service to finish the response stream after half-close.
	DefaultCloseTimeout = 5 * time.Second

	// DefaultQueueWarnDepth is the outbound queue depth that triggers a
	// backpressure warning.
	DefaultQueueWarnDepth = 256
)

// Config holds tunables for a Channel.
type Config struct {
	// CloseTimeout bounds each phase of the shutdown sequence.
	// Zero selects DefaultCloseTimeout.
	CloseTimeout time.Duration

	// QueueWarnDepth is the queue depth at which backpressure is logged.
	// Zero selects DefaultQueueWarnDepth.
	QueueWarnDepth int
}

func (c Config) defaults() Config {
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.QueueWarnDepth == 0 {
		c.QueueWarnDepth = DefaultQueueWarnDepth
	}
	return c
}

// Sink receives the inbound side of a channel. Implementations are called
// from the decode goroutine and must not block indefinitely.
type Sink interface {
	// OnEvent delivers one decoded inbound event.
	OnEvent(ev *wire.Inbound)

	// OnStreamEnd reports that the service finished its response stream.
	OnStreamEnd()

	// OnTransportError reports a terminal transport failure. The channel
	// stops after surfacing it; there is no retry at this layer.
	OnTransportError(err error)
}

// Channel is one duplex event stream. Enqueue is safe for concurrent use;
// Close may be called once the session is done or after a transport failure.
type Channel struct {
	sessionID string
	cfg       Config
	transport dialog.Transport
	sink      Sink

	mu      sync.Mutex
	queue   []*wire.Event
	closing bool
	failed  bool

	wake    chan struct{}
	drainCh chan struct{}

	drainDone chan struct{}
	readDone  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects the transport and starts the drain and decode loops with
// default configuration. ctx must outlive the session; canceling it tears
// the channel down.
func Open(ctx context.Context, sessionID string, transport dialog.Transport, sink Sink) (*Channel, error) {
	return OpenWithConfig(ctx, Config{}, sessionID, transport, sink)
}

// OpenWithConfig is Open with explicit configuration.
func OpenWithConfig(ctx context.Context, cfg Config, sessionID string, transport dialog.Transport, sink Sink) (*Channel, error) {
	if transport == nil {
		return nil, errors.New("channel: transport is required")
	}
	if sink == nil {
		return nil, errors.New("channel: sink is required")
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, types.NewTransportError("connect", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		sessionID: sessionID,
		cfg:       cfg.defaults(),
		transport: transport,
		sink:      sink,
		wake:      make(chan struct{}, 1),
		drainCh:   make(chan struct{}),
		drainDone: make(chan struct{}),
		readDone:  make(chan struct{}),
		ctx:       cctx,
		cancel:    cancel,
	}

	c.wg.Add(2)
	go c.drainLoop()
	go c.decodeLoop()

	logger.Debug("event channel opened", "session_id", sessionID)
	return c, nil
}

// SessionID returns the session this channel belongs to.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Enqueue appends an event to the outbound queue and wakes the drain loop.
// It never blocks. Events are transmitted in exactly the order enqueued.
func (c *Channel) Enqueue(ev *wire.Event) error {
	if ev == nil {
		return errors.New("channel: nil event")
	}

	c.mu.Lock()
	if c.closing || c.failed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, ev)
	depth := len(c.queue)
	c.mu.Unlock()

	if depth == c.cfg.QueueWarnDepth {
		logger.Warn("outbound event queue backed up",
			"session_id", c.sessionID,
			"depth", depth)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth reports the current outbound queue depth.
func (c *Channel) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close flushes the outbound queue, half-closes the transport so the service
// can finish its response, waits for the response stream to end, then closes
// the transport. It is idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	failed := c.failed
	c.mu.Unlock()

	close(c.drainCh)

	if !failed {
		select {
		case <-c.drainDone:
		case <-ctx.Done():
		case <-time.After(c.cfg.CloseTimeout):
			logger.Warn("timed out flushing outbound queue",
				"session_id", c.sessionID,
				"remaining", c.Depth())
		}

		if err := c.transport.CloseSend(); err != nil {
			logger.Warn("half-close failed",
				"session_id", c.sessionID,
				"error", err)
		}

		select {
		case <-c.readDone:
		case <-ctx.Done():
		case <-time.After(c.cfg.CloseTimeout):
			logger.Warn("timed out draining response stream",
				"session_id", c.sessionID)
		}
	}

	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()

	logger.Debug("event channel closed", "session_id", c.sessionID)
	return err
}

// drainLoop is the single consumer of the outbound queue.
func (c *Channel) drainLoop() {
	defer c.wg.Done()
	defer close(c.drainDone)

	for {
		if !c.sendPending() {
			return
		}
		select {
		case <-c.wake:
		case <-c.drainCh:
			c.sendPending()
			return
		}
	}
}

// sendPending transmits queued events in order until the queue is empty.
// It returns false once the transport has failed.
func (c *Channel) sendPending() bool {
	for {
		c.mu.Lock()
		if c.failed {
			c.mu.Unlock()
			return false
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.transport.Send(c.ctx, ev.Payload); err != nil {
			c.fail("send", err)
			return false
		}
		metrics.RecordOutboundEvent(ev.Name)
	}
}

// decodeLoop reads raw frames, decodes them, and dispatches to the sink.
func (c *Channel) decodeLoop() {
	defer c.wg.Done()
	defer close(c.readDone)

	for {
		payload, err := c.transport.Receive(c.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("response stream ended", "session_id", c.sessionID)
				c.sink.OnStreamEnd()
				return
			}
			c.mu.Lock()
			expected := c.closing || c.failed
			c.mu.Unlock()
			if expected {
				return
			}
			c.fail("receive", err)
			return
		}

		ev, derr := wire.Decode(payload)
		if derr != nil {
			logger.Warn("skipping undecodable frame",
				"session_id", c.sessionID,
				"error", derr)
			continue
		}

		metrics.RecordInboundEvent(string(ev.Kind))
		if ev.Kind == wire.KindUsage && ev.Usage != nil {
			metrics.RecordDialogueTokens(ev.Usage.TotalInputTokens, ev.Usage.TotalOutputTokens)
		}
		c.sink.OnEvent(ev)
	}
}

// fail marks the channel failed and surfaces the error once. Failures during
// a voluntary close are expected and not surfaced.
func (c *Channel) fail(op string, err error) {
	c.mu.Lock()
	suppress := c.failed || c.closing
	c.failed = true
	c.mu.Unlock()

	if suppress {
		return
	}

	logger.Error("channel transport failure",
		"session_id", c.sessionID,
		"op", op,
		"error", err)
	c.sink.OnTransportError(types.NewTransportError(op, err))
}
