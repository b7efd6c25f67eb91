// Package bedrock implements the dialogue transport over the AWS
// bidirectional invoke stream: a single SigV4-signed POST whose
// request body carries outbound binary event-stream frames while the
// response body carries inbound ones. Each frame's payload is JSON
// like {"bytes":"<base64>"} where the decoded bytes are one dialogue
// event envelope.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/voicewire/turnbridge/dialog"
	"github.com/voicewire/turnbridge/logger"
)

const (
	contentTypeEventStream = "application/vnd.amazon.eventstream"
	exceptionType          = "exception"
	bidirectionalStreamOp  = "invoke-with-bidirectional-stream"
)

// outboundHeaders are attached to every request frame.
var outboundHeaders = eventstream.Headers{
	{Name: ":event-type", Value: eventstream.StringValue("chunk")},
	{Name: ":content-type", Value: eventstream.StringValue("application/json")},
	{Name: ":message-type", Value: eventstream.StringValue("event")},
}

// chunkPayload is the JSON payload inside each binary frame.
type chunkPayload struct {
	Bytes string `json:"bytes"`
}

// Config configures the Bedrock dialogue stream.
type Config struct {
	// Region is the AWS region. Defaults to us-east-1.
	Region string

	// ModelID is the dialogue model, e.g. "amazon.nova-sonic-v1:0".
	ModelID string

	// EndpointURL overrides the regional endpoint. Optional.
	EndpointURL string

	// RoleARN, when set, assumes the role via STS before signing.
	RoleARN string

	// Credential, when set, is used as-is and RoleARN is ignored.
	Credential *Credential

	// HTTPClient defaults to http.DefaultClient. The endpoint speaks
	// HTTP/2, which the default transport negotiates via ALPN.
	HTTPClient *http.Client
}

// Endpoint returns the regional endpoint unless overridden.
func (c Config) Endpoint() string {
	if c.EndpointURL != "" {
		return strings.TrimSuffix(c.EndpointURL, "/")
	}
	region := c.Region
	if region == "" {
		region = defaultRegion
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}

// Stream is a dialog.Transport over one bidirectional invoke request.
//
// Connect signs and launches the request; network and authorization
// failures surface from the first Receive, as response headers only
// arrive once the service accepts the stream. A Stream serves one
// session and cannot be reconnected after Close.
type Stream struct {
	cfg     Config
	client  *http.Client
	encoder *eventstream.Encoder
	decoder *eventstream.Decoder

	mu        sync.Mutex
	writeMu   sync.Mutex // serializes frame encoding into the pipe
	pw        *io.PipeWriter
	connected bool
	closed    bool
	closeCh   chan struct{}

	// readyCh closes once the response (or its failure) is known.
	readyCh  chan struct{}
	readyErr error
	body     io.ReadCloser

	frameBuf []byte
}

var _ dialog.Transport = (*Stream)(nil)

// NewStream creates a Stream. Call Connect to launch the request.
func NewStream(cfg Config) *Stream {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Stream{
		cfg:      cfg,
		client:   client,
		encoder:  eventstream.NewEncoder(),
		decoder:  eventstream.NewDecoder(),
		closeCh:  make(chan struct{}),
		readyCh:  make(chan struct{}),
		frameBuf: make([]byte, 0, 4096),
	}
}

// Connect resolves credentials, signs the request, and launches it.
// The context bounds the whole stream: cancellation tears it down.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	if s.connected {
		return fmt.Errorf("stream already connected")
	}
	if s.cfg.ModelID == "" {
		return fmt.Errorf("model ID is required")
	}

	cred := s.cfg.Credential
	if cred == nil {
		var err error
		if s.cfg.RoleARN != "" {
			cred, err = NewCredentialWithRole(ctx, s.cfg.Region, s.cfg.RoleARN)
		} else {
			cred, err = NewCredential(ctx, s.cfg.Region)
		}
		if err != nil {
			return err
		}
	}

	streamURL := fmt.Sprintf("%s/model/%s/%s",
		s.cfg.Endpoint(), url.PathEscape(s.cfg.ModelID), bidirectionalStreamOp)

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, streamURL, pr)
	if err != nil {
		pw.Close()
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeEventStream)
	req.Header.Set("Accept", contentTypeEventStream)

	if err := cred.SignStreamingRequest(ctx, req); err != nil {
		pw.Close()
		return err
	}

	s.pw = pw
	s.connected = true

	logger.Debug("launching dialogue stream",
		"model_id", s.cfg.ModelID, "endpoint", s.cfg.Endpoint())

	go s.run(ctx, req)
	return nil
}

// run executes the request and publishes the response body. It also
// tears the stream down when the context ends first.
func (s *Stream) run(ctx context.Context, req *http.Request) {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closeCh:
		}
	}()

	resp, err := s.client.Do(req)
	if err != nil {
		s.publishResponse(nil, fmt.Errorf("stream request failed: %w", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		s.publishResponse(nil, fmt.Errorf("stream rejected: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail))))
		return
	}
	s.publishResponse(resp.Body, nil)
}

func (s *Stream) publishResponse(body io.ReadCloser, err error) {
	s.mu.Lock()
	if s.closed && body != nil {
		// Close raced the response; release it.
		body.Close()
		body = nil
		if err == nil {
			err = dialog.ErrNotConnected
		}
	}
	s.body = body
	s.readyErr = err
	s.mu.Unlock()
	close(s.readyCh)
}

// Send encodes one event envelope as a binary frame on the request
// body. It blocks while the HTTP transport drains the pipe; Close
// unblocks it.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return dialog.ErrNotConnected
	}
	pw := s.pw
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	wrapped, err := json.Marshal(chunkPayload{
		Bytes: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode frame payload: %w", err)
	}

	msg := eventstream.Message{
		Headers: outboundHeaders,
		Payload: wrapped,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.encoder.Encode(pw, msg); err != nil {
		return fmt.Errorf("failed to write stream frame: %w", err)
	}
	return nil
}

// Receive blocks until the next event envelope arrives. It returns
// io.EOF when the service ends the response cleanly, and an error
// carrying the exception payload when the service aborts the stream.
// Frames whose payload cannot be unwrapped are skipped.
//
// Receive is not safe for concurrent callers; the per-session decode
// loop is its only consumer.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closeCh:
		return nil, dialog.ErrNotConnected
	case <-s.readyCh:
	}

	s.mu.Lock()
	body, readyErr := s.body, s.readyErr
	s.mu.Unlock()
	if readyErr != nil {
		return nil, readyErr
	}
	if body == nil {
		return nil, dialog.ErrNotConnected
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := s.decoder.Decode(body, s.frameBuf)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil, dialog.ErrNotConnected
			}
			return nil, fmt.Errorf("failed to decode stream frame: %w", err)
		}

		if isException(msg) {
			return nil, fmt.Errorf("dialogue stream exception: %s", string(msg.Payload))
		}

		payload, ok := unwrapFrame(msg)
		if !ok {
			continue
		}
		return payload, nil
	}
}

// isException checks the frame's type headers for the exception marker.
func isException(msg eventstream.Message) bool {
	for _, name := range []string{":event-type", ":message-type"} {
		if val := msg.Headers.Get(name); val != nil {
			if str, ok := val.(eventstream.StringValue); ok && string(str) == exceptionType {
				return true
			}
		}
	}
	return false
}

// unwrapFrame extracts the event envelope from a frame's
// {"bytes":"<base64>"} payload. Malformed and empty payloads are
// skipped rather than failing the stream.
func unwrapFrame(msg eventstream.Message) ([]byte, bool) {
	var payload chunkPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, false
	}
	if payload.Bytes == "" {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(payload.Bytes)
	if err != nil {
		logger.Warn("skipping frame with invalid base64 payload", "error", err)
		return nil, false
	}
	return decoded, true
}

// CloseSend ends the request body after the final event so the service
// can finish its response. Receive keeps working until EOF.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	pw := s.pw
	s.mu.Unlock()
	if pw == nil {
		return nil
	}
	return pw.Close()
}

// Close ends the request body, releases the response, and unblocks any
// in-flight Send or Receive. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	pw, body := s.pw, s.body
	s.mu.Unlock()

	if pw != nil {
		_ = pw.Close()
	}
	if body != nil {
		_ = body.Close()
	}
	return nil
}
