package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicewire/turnbridge/engine"
	"github.com/voicewire/turnbridge/registry"
	"github.com/voicewire/turnbridge/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeTransport records outbound frames and lets tests push inbound ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (tr *fakeTransport) Connect(context.Context) error { return nil }

func (tr *fakeTransport) Send(_ context.Context, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	tr.mu.Lock()
	tr.sent = append(tr.sent, cp)
	tr.mu.Unlock()
	return nil
}

func (tr *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-tr.inbound:
		return p, nil
	case <-tr.done:
		return nil, io.EOF
	}
}

func (tr *fakeTransport) CloseSend() error {
	tr.once.Do(func() { close(tr.done) })
	return nil
}

func (tr *fakeTransport) Close() error { return nil }

func (tr *fakeTransport) push(payload []byte) { tr.inbound <- payload }

// allSent joins every outbound frame so tests can grep the traffic.
func (tr *fakeTransport) allSent() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var b strings.Builder
	for _, p := range tr.sent {
		b.Write(p)
		b.WriteByte('\n')
	}
	return b.String()
}

// transportTap hands each started session its own transport and keeps
// the handles for assertions.
type transportTap struct {
	mu  sync.Mutex
	all []*fakeTransport
}

func (tt *transportTap) builder() SessionBuilder {
	return func(req SessionStartRequest) (engine.Config, error) {
		tr := newFakeTransport()
		tt.mu.Lock()
		tt.all = append(tt.all, tr)
		tt.mu.Unlock()
		return engine.Config{
			SystemPrompt: req.SystemPrompt,
			VoiceID:      req.VoiceID,
			Transport:    tr,
		}, nil
	}
}

func (tt *transportTap) last() *fakeTransport {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if len(tt.all) == 0 {
		return nil
	}
	return tt.all[len(tt.all)-1]
}

func newTestGateway(t *testing.T, regCfg registry.Config, gwCfg Config) (http.Handler, *transportTap, *registry.Registry) {
	t.Helper()
	tap := &transportTap{}
	reg := registry.New(regCfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	srv := New(gwCfg, reg, tap.builder())
	return srv.Routes(), tap, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func bodyMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func startTestSession(t *testing.T, h http.Handler) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/session/start", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id, _ := bodyMap(t, w)["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func frame(name string, body map[string]any) []byte {
	payload, err := json.Marshal(map[string]any{"event": map[string]any{name: body}})
	if err != nil {
		panic(err)
	}
	return payload
}

func frameTextOutput(contentID, role, content string) []byte {
	return frame("textOutput", map[string]any{
		"contentId": contentID,
		"role":      role,
		"content":   content,
	})
}

func frameContentEnd(contentID, stopReason string) []byte {
	return frame("contentEnd", map[string]any{
		"contentId":  contentID,
		"type":       "TEXT",
		"stopReason": stopReason,
	})
}

func pcmB64(n int) string {
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	return base64.StdEncoding.EncodeToString(pcm)
}

func TestRootAndHealth(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})

	w := doJSON(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "turnbridge", bodyMap(t, w)["service"])

	w = doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := bodyMap(t, w)
	assert.Equal(t, "healthy", m["status"])
	assert.Equal(t, float64(0), m["active_sessions"])
}

func TestSessionStart(t *testing.T) {
	h, _, reg := newTestGateway(t, registry.Config{}, Config{})

	w := doJSON(t, h, http.MethodPost, "/session/start", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := bodyMap(t, w)
	assert.NotEmpty(t, m["session_id"])
	assert.Equal(t, "STREAMING", m["status"])
	assert.Equal(t, 1, reg.Count())
}

func TestSessionStartAppliesOverrides(t *testing.T) {
	h, tap, _ := newTestGateway(t, registry.Config{}, Config{})

	w := doJSON(t, h, http.MethodPost, "/session/start", map[string]any{
		"system_prompt": "You are a terse test assistant.",
		"voice_id":      "amy",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	waitFor(t, func() bool {
		sent := tap.last().allSent()
		return strings.Contains(sent, "terse test assistant") && strings.Contains(sent, "amy")
	}, "session preamble did not carry the overrides")
}

func TestSessionStartInvalidJSON(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})

	req := httptest.NewRequest(http.MethodPost, "/session/start", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionStartOverCapacity(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{MaxConcurrent: 1}, Config{})

	startTestSession(t, h)
	w := doJSON(t, h, http.MethodPost, "/session/start", map[string]any{})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAudioChunk(t *testing.T) {
	h, tap, _ := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	w := doJSON(t, h, http.MethodPost, "/audio/chunk", map[string]any{
		"session_id": id,
		"audio_data": pcmB64(1280),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := bodyMap(t, w)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, float64(1280), m["bytes_sent"])

	waitFor(t, func() bool {
		return strings.Contains(tap.last().allSent(), "audioInput")
	}, "audio chunk never reached the transport")
}

func TestAudioChunkResamples(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	// 640 bytes at 8 kHz become 1280 bytes at the 16 kHz input rate.
	w := doJSON(t, h, http.MethodPost, "/audio/chunk", map[string]any{
		"session_id":  id,
		"audio_data":  pcmB64(640),
		"sample_rate": 8000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1280), bodyMap(t, w)["bytes_sent"])
}

func TestAudioChunkValidation(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing session id", map[string]any{"audio_data": pcmB64(64)}, http.StatusBadRequest},
		{"unknown session", map[string]any{"session_id": "ghost", "audio_data": pcmB64(64)}, http.StatusNotFound},
		{"bad base64", map[string]any{"session_id": id, "audio_data": "!!!"}, http.StatusBadRequest},
		{"unsupported format", map[string]any{"session_id": id, "audio_data": pcmB64(64), "format": "mp3"}, http.StatusBadRequest},
		{"stereo", map[string]any{"session_id": id, "audio_data": pcmB64(64), "channels": 2}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/audio/chunk", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestAudioEnd(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	// Nothing open yet.
	w := doJSON(t, h, http.MethodPost, "/audio/end", map[string]any{"session_id": id})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/audio/chunk", map[string]any{
		"session_id": id,
		"audio_data": pcmB64(640),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/audio/end", map[string]any{"session_id": id})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "success", bodyMap(t, w)["status"])
}

func TestAudioEndUnknownSession(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})
	w := doJSON(t, h, http.MethodPost, "/audio/end", map[string]any{"session_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionInfo(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	w := doJSON(t, h, http.MethodGet, "/session/"+id+"/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := bodyMap(t, w)
	assert.Equal(t, id, m["session_id"])
	assert.Equal(t, "STREAMING", m["state"])

	w = doJSON(t, h, http.MethodGet, "/session/ghost/info", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionHistory(t *testing.T) {
	h, tap, reg := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	w := doJSON(t, h, http.MethodGet, "/session/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := bodyMap(t, w)
	assert.Equal(t, float64(0), m["count"])
	assert.NotNil(t, m["entries"])

	// Open a turn, then complete it through the service stream.
	w = doJSON(t, h, http.MethodPost, "/audio/chunk", map[string]any{
		"session_id": id,
		"audio_data": pcmB64(640),
	})
	require.Equal(t, http.StatusOK, w.Code)

	tr := tap.last()
	tr.push(frameTextOutput("c-u", wire.RoleUser, "what time is my call"))
	tr.push(frameTextOutput("c-a", wire.RoleAssistant, "your call is at three"))
	tr.push(frameContentEnd("c-a", wire.StopReasonEndTurn))

	eng, ok := reg.Get(id)
	require.True(t, ok)
	waitFor(t, func() bool { return len(eng.History()) == 2 }, "turn never persisted")

	w = doJSON(t, h, http.MethodGet, "/session/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m = bodyMap(t, w)
	assert.Equal(t, float64(2), m["count"])
	entries := m["entries"].([]any)
	first := entries[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "what time is my call", first["text"])
}

func TestEndSessionRoute(t *testing.T) {
	h, _, reg := newTestGateway(t, registry.Config{}, Config{})
	id := startTestSession(t, h)

	w := doJSON(t, h, http.MethodDelete, "/session/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	waitFor(t, func() bool { return reg.Count() == 0 }, "session still registered after delete")

	w = doJSON(t, h, http.MethodDelete, "/session/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventStreamUnknownSession(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{})
	w := doJSON(t, h, http.MethodGet, "/events/stream/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventStreamDeliversUpdates(t *testing.T) {
	h, tap, _ := newTestGateway(t, registry.Config{}, Config{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := startTestSession(t, h)

	resp, err := http.Get(ts.URL + "/events/stream/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 100)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	expectLine := func(substr string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ln, open := <-lines:
				if !open {
					t.Fatalf("stream ended before %q", substr)
				}
				if strings.Contains(ln, substr) {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}

	tap.last().push(frameTextOutput("c-a", wire.RoleAssistant, "hello from the stream"))
	expectLine("event:transcript")
	expectLine("hello from the stream")

	// Ending the session delivers a terminal status, then EOF.
	w := doJSON(t, h, http.MethodDelete, "/session/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	expectLine("event:status")

	waitFor(t, func() bool {
		select {
		case _, open := <-lines:
			return !open
		default:
			return false
		}
	}, "stream did not close after session end")
}

func wsDial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestWebSocketRoundTrip(t *testing.T) {
	h, tap, reg := newTestGateway(t, registry.Config{}, Config{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := startTestSession(t, h)
	conn := wsDial(t, ts, "/ws/"+id)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "audio_data",
		"data": pcmB64(1280),
	}))
	waitFor(t, func() bool {
		return strings.Contains(tap.last().allSent(), "audioInput")
	}, "websocket audio never reached the transport")

	tap.last().push(frameTextOutput("c-a", wire.RoleAssistant, "answer over websocket"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "transcript" {
			assert.Equal(t, "answer over websocket", msg["text"])
			break
		}
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "end_session"}))
	waitFor(t, func() bool { return reg.Count() == 0 }, "session survived an explicit end")
}

func TestWebSocketCreatesSession(t *testing.T) {
	h, _, reg := newTestGateway(t, registry.Config{}, Config{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := wsDial(t, ts, "/ws/never-seen")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "session_created", msg["type"])
	createdID, _ := msg["session_id"].(string)
	require.NotEmpty(t, createdID)

	_, ok := reg.Get(createdID)
	assert.True(t, ok)

	// A connection-owned session dies with the connection.
	conn.Close()
	waitFor(t, func() bool { return reg.Count() == 0 }, "owned session survived disconnect")
}

func TestWebSocketDisconnectKeepsRestSession(t *testing.T) {
	h, _, reg := newTestGateway(t, registry.Config{}, Config{})
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := startTestSession(t, h)
	conn := wsDial(t, ts, "/ws/"+id)
	conn.Close()

	// The observer dropping must not end a REST-managed session.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reg.Count())
	eng, ok := reg.Get(id)
	require.True(t, ok)
	assert.False(t, eng.State().Terminal())
}

func TestCORSHeaders(t *testing.T) {
	h, _, _ := newTestGateway(t, registry.Config{}, Config{
		CORSOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/session/start", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/session/start", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlerWrapsRoutes(t *testing.T) {
	tap := &transportTap{}
	reg := registry.New(registry.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	srv := New(Config{}, reg, tap.builder())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
