// Package wstransport implements the dialogue transport over a
// WebSocket. Event envelopes travel as JSON text frames. It is used
// against local relay services in development; production sessions use
// the bedrock transport.
package wstransport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/turnbridge/dialog"
	"github.com/voicewire/turnbridge/logger"
)

// Default connection constants.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMaxFrameSize      = 16 * 1024 * 1024 // 16MB
	DefaultMaxRetries        = 3
	DefaultRetryBackoffBase  = 1 * time.Second
	DefaultRetryBackoffMax   = 30 * time.Second
	DefaultCloseGracePeriod  = 5 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
)

// jitterFactor is the +-25% jitter applied to backoff delays.
const jitterFactor = 0.25

// jitterPrecision is the granularity for crypto/rand jitter generation.
const jitterPrecision = 1000

// jitterHalfPrecision normalizes jitter output to the range [-1, 1].
const jitterHalfPrecision = jitterPrecision / 2

// Config configures the WebSocket dialogue transport.
type Config struct {
	// URL is the relay endpoint, ws:// or wss://.
	URL string

	// Headers are sent during the WebSocket handshake.
	Headers http.Header

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each frame. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxFrameSize is the read limit. Defaults to DefaultMaxFrameSize.
	MaxFrameSize int64

	// MaxRetries is the number of connection attempts. Defaults to DefaultMaxRetries.
	MaxRetries int

	// RetryBackoffBase is the initial backoff delay. Defaults to DefaultRetryBackoffBase.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the backoff delay. Defaults to DefaultRetryBackoffMax.
	RetryBackoffMax time.Duration

	// CloseGracePeriod is the deadline for writing the close frame.
	// Defaults to DefaultCloseGracePeriod.
	CloseGracePeriod time.Duration

	// HeartbeatInterval is the ping cadence once connected. Zero
	// disables the heartbeat; DefaultHeartbeatInterval applies when
	// negative values sneak in from config parsing.
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Transport is a WebSocket-backed dialog.Transport with retrying
// connect, write serialization, and an optional ping heartbeat.
type Transport struct {
	cfg Config

	conn    *websocket.Conn
	mu      sync.Mutex
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)
	closed  bool
	closeCh chan struct{}
}

var _ dialog.Transport = (*Transport)(nil)

// New creates a Transport. Call Connect to establish the stream.
func New(cfg Config) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:     cfg,
		closeCh: make(chan struct{}),
	}
}

// Connect dials the relay, retrying with exponential backoff and
// jitter up to MaxRetries attempts.
func (t *Transport) Connect(ctx context.Context) error {
	var lastErr error
	backoff := t.cfg.RetryBackoffBase

	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := t.connectOnce(ctx)
		if err == nil {
			if t.cfg.HeartbeatInterval > 0 {
				go t.heartbeatLoop(ctx)
			}
			return nil
		}
		lastErr = err

		logger.Warn("dialogue relay connect attempt failed",
			"attempt", attempt, "max_attempts", t.cfg.MaxRetries, "error", lastErr)

		if attempt < t.cfg.MaxRetries {
			delay := backoffWithJitter(backoff, t.cfg.RetryBackoffMax)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			if backoff > t.cfg.RetryBackoffMax {
				backoff = t.cfg.RetryBackoffMax
			}
		}
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", t.cfg.MaxRetries, lastErr)
}

func (t *Transport) connectOnce(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	logger.Debug("connecting to dialogue relay", "url", t.cfg.URL)

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			logger.Error("dialogue relay dial failed", "error", err, "status", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(t.cfg.MaxFrameSize)
	t.conn = conn

	logger.Debug("dialogue relay connected", "url", t.cfg.URL)
	return nil
}

// Send writes one event frame as a WebSocket text message.
func (t *Transport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return dialog.ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Receive blocks until the next frame arrives, the context is
// canceled, or the transport closes.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil, dialog.ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()

	type readResult struct {
		msgType int
		data    []byte
		err     error
	}
	ch := make(chan readResult, 1)

	go func() {
		msgType, data, err := conn.ReadMessage()
		ch <- readResult{msgType: msgType, data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closeCh:
		return nil, dialog.ErrNotConnected
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msgType != websocket.TextMessage && r.msgType != websocket.BinaryMessage {
			return nil, fmt.Errorf("unexpected message type: %d", r.msgType)
		}
		return r.data, nil
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		case <-ticker.C:
			if !t.sendPing() {
				return
			}
		}
	}
}

func (t *Transport) sendPing() bool {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return false
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
		logger.Warn("failed to set write deadline for ping", "error", err)
		return true // non-fatal
	}
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logger.Warn("dialogue relay ping failed", "error", err)
		return false
	}
	return true
}

// CloseSend is a no-op: WebSocket frames have no half-close, and the
// relay ends the conversation when it sees the final protocol event.
func (t *Transport) CloseSend() error {
	return nil
}

// Close writes a close frame and tears the connection down. Safe to
// call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)

	if t.conn == nil {
		return nil
	}

	t.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.CloseGracePeriod))
	_ = t.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	t.writeMu.Unlock()

	return t.conn.Close()
}

// Connected reports whether the stream is established and not closed.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

// backoffWithJitter computes a delay with +-25% jitter, capped at maxDelay.
func backoffWithJitter(base, maxDelay time.Duration) time.Duration {
	delay := float64(base)
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(jitterPrecision))
	jitter := delay * jitterFactor * (float64(n.Int64())/jitterHalfPrecision - 1)
	result := delay + jitter
	if result < 0 {
		result = float64(base)
	}
	if result > float64(maxDelay) {
		result = float64(maxDelay)
	}
	return time.Duration(math.Max(result, 0))
}
