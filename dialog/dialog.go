// Package dialog defines the transport boundary to the speech dialogue
// service. A Transport carries opaque event frames in both directions;
// encoding and interpretation of frames belong to the wire package and
// the per-session channel loops.
//
// Two implementations exist: bedrock speaks the AWS bidirectional
// invoke stream (binary event-stream frames over a signed HTTP/2
// request), and wstransport speaks JSON text frames over a WebSocket,
// used against local relays in development.
package dialog

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send and Receive before Connect
// succeeds or after Close.
var ErrNotConnected = errors.New("dialog: transport not connected")

// Transport is a duplex frame stream to the dialogue service.
//
// Send and Receive may be called from different goroutines; neither
// blocks the other. Receive returns io.EOF when the service ends the
// stream cleanly. Close unblocks any in-flight Send or Receive.
type Transport interface {
	// Connect establishes the stream. Implementations that cannot
	// observe connection failures until traffic flows report them from
	// the first Receive instead.
	Connect(ctx context.Context) error

	// Send transmits one encoded event frame.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks until the next inbound frame arrives.
	Receive(ctx context.Context) ([]byte, error)

	// CloseSend ends the outbound half of the stream after the final
	// event, letting the service finish its response; Receive keeps
	// working until EOF. Transports without half-close return nil.
	CloseSend() error

	// Close terminates the stream and releases its resources.
	Close() error
}
