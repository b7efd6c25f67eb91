// Package gateway exposes the HTTP control surface for voice sessions:
// REST routes for session lifecycle and audio input, plus SSE and
// WebSocket egress fed by a per-session broadcast hub. The gateway
// owns no session state; it resolves sessions through the registry
// and forwards engine updates to subscribers.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/voicewire/turnbridge/audio"
	"github.com/voicewire/turnbridge/engine"
	"github.com/voicewire/turnbridge/logger"
	"github.com/voicewire/turnbridge/registry"
	"github.com/voicewire/turnbridge/types"
	"github.com/voicewire/turnbridge/version"
)

const (
	// wsWriteWait bounds each outbound WebSocket write.
	wsWriteWait = 10 * time.Second

	// wsPongWait is how long a connection may go without a pong.
	wsPongWait = 60 * time.Second

	// wsPingPeriod must be shorter than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	// wsMaxMessageSize caps inbound frames; base64 audio chunks are
	// well under this.
	wsMaxMessageSize = 1 << 20

	// sessionEndTimeout bounds session teardown triggered by a
	// WebSocket disconnect.
	sessionEndTimeout = 10 * time.Second
)

// SessionBuilder turns a start request into an engine configuration.
// The gateway fills in the session ID and routes updates to its hub; a
// callback the builder sets keeps receiving updates alongside the hub.
type SessionBuilder func(req SessionStartRequest) (engine.Config, error)

// Config holds gateway tunables.
type Config struct {
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string

	// InputSampleRate is the session input rate; client chunks at
	// other rates are resampled to it. Zero selects 16000.
	InputSampleRate int

	// SubscriberBuffer overrides the hub's per-subscriber backlog.
	SubscriberBuffer int
}

// Server is the HTTP gateway.
type Server struct {
	cfg      Config
	reg      *registry.Registry
	build    SessionBuilder
	hub      *Hub
	origins  map[string]struct{}
	wildcard bool
	upgrader websocket.Upgrader
}

// New creates a gateway over the given registry. build is invoked for
// every session start request.
func New(cfg Config, reg *registry.Registry, build SessionBuilder) *Server {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		build:   build,
		hub:     NewHub(cfg.SubscriberBuffer),
		origins: make(map[string]struct{}, len(cfg.CORSOrigins)),
	}
	for _, origin := range cfg.CORSOrigins {
		if origin == "*" {
			s.wildcard = true
			continue
		}
		s.origins[origin] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.originAllowed(origin)
		},
	}
	return s
}

// Hub returns the broadcast hub so embedders can publish into it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the otelhttp-wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Routes(), "gateway")
}

// Routes builds the bare route table without tracing middleware.
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.corsMiddleware(), requestLog())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.POST("/session/start", s.handleSessionStart)
	r.POST("/audio/chunk", s.handleAudioChunk)
	r.POST("/audio/end", s.handleAudioEnd)
	r.GET("/events/stream/:session_id", s.handleEventStream)
	r.GET("/ws/:session_id", s.handleWebSocket)
	r.DELETE("/session/:session_id", s.handleEndSession)
	r.GET("/session/:session_id/info", s.handleSessionInfo)
	r.GET("/session/:session_id/history", s.handleSessionHistory)
	return r
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "turnbridge",
		"version": version.GetVersion(),
		"status":  "operational",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"version":         version.GetVersion(),
		"active_sessions": s.reg.Count(),
	})
}

func (s *Server) handleSessionStart(c *gin.Context) {
	var req SessionStartRequest
	// An empty body starts a session with all defaults.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	eng, err := s.startSession(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrCapacity):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "session capacity reached"})
		case errors.Is(err, registry.ErrShuttingDown):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		default:
			logger.Error("session start failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		}
		return
	}

	info := eng.Info()
	c.JSON(http.StatusOK, SessionStartResponse{
		SessionID:         eng.SessionID(),
		ExternalSessionID: eng.ExternalSessionID(),
		Status:            info.State,
		CreatedAt:         info.CreatedAt,
	})
}

func (s *Server) startSession(ctx context.Context, req SessionStartRequest) (*engine.Engine, error) {
	return s.reg.StartSession(ctx, func(sessionID string) (*engine.Engine, error) {
		cfg, err := s.build(req)
		if err != nil {
			return nil, err
		}
		cfg.SessionID = sessionID
		// A builder-provided callback keeps receiving updates alongside
		// the hub.
		if tee := cfg.OnUpdate; tee != nil {
			cfg.OnUpdate = func(u engine.Update) {
				s.hub.Publish(u)
				tee(u)
			}
		} else {
			cfg.OnUpdate = s.hub.Publish
		}
		return engine.New(cfg)
	})
}

func (s *Server) handleAudioChunk(c *gin.Context) {
	var req AudioChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	eng, ok := s.reg.Get(req.SessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if eng.State() != types.SessionStateStreaming {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session is not active"})
		return
	}
	if req.Format != "" && req.Format != "pcm" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only pcm audio is supported"})
		return
	}
	if req.Channels > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only mono audio is supported"})
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 audio"})
		return
	}
	if req.SampleRate > 0 && req.SampleRate != s.cfg.InputSampleRate {
		pcm, err = audio.ResamplePCM16(pcm, req.SampleRate, s.cfg.InputSampleRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported sample rate"})
			return
		}
	}

	if err := eng.FeedAudio(c.Request.Context(), pcm); err != nil {
		logger.Warn("audio chunk rejected",
			"session_id", req.SessionID,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send audio"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "bytes_sent": len(pcm)})
}

func (s *Server) handleAudioEnd(c *gin.Context) {
	var req AudioEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	eng, ok := s.reg.Get(req.SessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := eng.EndTurnInput(); err != nil {
		if errors.Is(err, engine.ErrNoOpenInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no audio input in progress"})
			return
		}
		logger.Warn("audio end failed",
			"session_id", req.SessionID,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end audio"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "audio input ended"})
}

// handleEventStream serves one session's updates as server-sent events.
// Opening the stream arms the first turn's audio input so the caller
// can speak immediately.
func (s *Server) handleEventStream(c *gin.Context) {
	sessionID := c.Param("session_id")
	eng, ok := s.reg.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	sub := s.hub.Subscribe(sessionID)
	defer s.hub.Unsubscribe(sub)

	if err := eng.BeginTurn(c.Request.Context()); err != nil && !errors.Is(err, engine.ErrTurnInProgress) {
		logger.Debug("begin turn on stream open",
			"session_id", sessionID,
			"error", err)
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Send headers now; the first update may be a while.
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case u, open := <-sub.Updates():
			if !open {
				return false
			}
			c.SSEvent(string(u.Type), u)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// wsClientMessage is the inbound WebSocket vocabulary: audio_data
// carries a base64 chunk, end_audio closes the input container,
// end_session ends the session.
type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// handleWebSocket serves the bidirectional streaming surface. An
// unknown session ID starts a fresh default session owned by this
// connection; connection-owned sessions end when the socket closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("session_id")
	eng, ok := s.reg.Get(sessionID)
	created := false
	if !ok {
		var err error
		eng, err = s.startSession(c.Request.Context(), SessionStartRequest{})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, registry.ErrCapacity) {
				status = http.StatusTooManyRequests
			}
			logger.Warn("websocket session create failed", "error", err)
			c.JSON(status, gin.H{"error": "failed to create session"})
			return
		}
		created = true
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			"session_id", eng.SessionID(),
			"error", err)
		if created {
			s.endBounded(eng)
		}
		return
	}
	defer conn.Close()

	if created {
		_ = conn.WriteJSON(gin.H{
			"type":       "session_created",
			"session_id": eng.SessionID(),
		})
	}

	sub := s.hub.Subscribe(eng.SessionID())
	defer s.hub.Unsubscribe(sub)

	if err := eng.BeginTurn(c.Request.Context()); err != nil && !errors.Is(err, engine.ErrTurnInProgress) {
		logger.Debug("begin turn on websocket open",
			"session_id", eng.SessionID(),
			"error", err)
	}

	go s.wsWriteLoop(conn, sub)

	endRequested := s.wsReadLoop(c.Request.Context(), conn, eng)
	if created || endRequested {
		s.endBounded(eng)
	}
}

// wsWriteLoop is the connection's single writer: updates and pings
// only ever leave from here.
func (s *Server) wsWriteLoop(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case u, open := <-sub.Updates():
			if !open {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadLoop consumes client messages until disconnect. It reports
// whether the client explicitly asked to end the session.
func (s *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn, eng *engine.Engine) bool {
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed",
					"session_id", eng.SessionID(),
					"error", err)
			}
			return false
		}

		switch msg.Type {
		case "audio_data":
			if msg.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				logger.Warn("dropping undecodable websocket audio",
					"session_id", eng.SessionID(),
					"error", err)
				continue
			}
			if err := eng.FeedAudio(ctx, pcm); err != nil {
				logger.Warn("websocket audio rejected",
					"session_id", eng.SessionID(),
					"error", err)
				return false
			}
		case "end_audio":
			if err := eng.EndTurnInput(); err != nil {
				logger.Debug("end_audio without open input",
					"session_id", eng.SessionID())
			}
		case "end_session":
			return true
		default:
			logger.Debug("ignoring unknown websocket message",
				"session_id", eng.SessionID(),
				"type", msg.Type)
		}
	}
}

func (s *Server) endBounded(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionEndTimeout)
	defer cancel()
	_ = eng.End(ctx)
}

func (s *Server) handleEndSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	err := s.reg.EndSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		logger.Warn("session end failed",
			"session_id", sessionID,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "session ended"})
}

func (s *Server) handleSessionInfo(c *gin.Context) {
	eng, ok := s.reg.Get(c.Param("session_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, eng.Info())
}

func (s *Server) handleSessionHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	eng, ok := s.reg.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	entries := eng.History()
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	c.JSON(http.StatusOK, HistoryResponse{
		SessionID: sessionID,
		Entries:   entries,
		Count:     len(entries),
	})
}

func (s *Server) originAllowed(origin string) bool {
	if s.wildcard {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
