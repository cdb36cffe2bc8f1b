package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/nrhchnd1412/agentcore/pkg/commandqueue"
	"github.com/nrhchnd1412/agentcore/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// Invoker runs invocations. *orchestrator.Orchestrator implements it.
type Invoker interface {
	Invoke(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	EndSession(sessionID string) bool
}

// Server is the HTTP and WebSocket front of the runtime.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	pruneInterval   time.Duration

	invoker  Invoker
	auth     *AuthHandler
	limiter  *ActorRateLimiter
	clients  *connections
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	started  time.Time

	// shutdownMu guards server, listener and isShuttingDown.
	shutdownMu     sync.RWMutex
	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	pruneCancel    context.CancelFunc
	pruneWG        sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, ":8080" by default.
	Addr            string
	SharedSecret    string
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
	// PruneInterval controls how often idle rate limiter entries are dropped.
	PruneInterval time.Duration
	Invoker       Invoker
	Logger        zerolog.Logger
}

// NewServer validates cfg and creates a server. Call Start to listen.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 5 * time.Minute
	}

	s := &Server{
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		pruneInterval:   cfg.PruneInterval,
		invoker:         cfg.Invoker,
		auth:            NewAuthHandler(cfg.SharedSecret),
		limiter:         NewActorRateLimiter(cfg.RateLimit),
		clients:         newConnections(),
		logger:          cfg.Logger.With().Str("component", "gateway").Logger(),
		started:         time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	observability.EnsureRegistered()
	return s, nil
}

// Handler returns the routed handler. Invocation and session routes require
// the shared secret when one is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /invocations", s.auth.Middleware(http.HandlerFunc(s.handleInvocation)))
	mux.Handle("GET /ws", s.auth.Middleware(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("DELETE /sessions/{id}", s.auth.Middleware(http.HandlerFunc(s.handleEndSession)))
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.shutdownMu.Lock()
	s.listener = ln
	s.server = srv
	s.shutdownMu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startPruner()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new requests, waits for in-flight streams up to the shutdown
// timeout and closes WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopPruner()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	closed := s.clients.closeAll()
	err := srv.Shutdown(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown timeout reached, forcing close")
		_ = srv.Close()
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Int("ws_clients_closed", closed).Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startPruner() {
	ctx, cancel := context.WithCancel(context.Background())
	s.pruneCancel = cancel
	s.pruneWG.Add(1)

	go func() {
		defer s.pruneWG.Done()

		ticker := time.NewTicker(s.pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.limiter.Prune(s.pruneInterval); n > 0 {
					s.logger.Debug().Int("actors", n).Msg("Pruned idle rate limiters")
				}
			}
		}
	}()
}

func (s *Server) stopPruner() {
	if s.pruneCancel != nil {
		s.pruneCancel()
		s.pruneCancel = nil
	}
	s.pruneWG.Wait()
}

// handleInvocation streams one invocation as chunked text, or as SSE when
// the client accepts text/event-stream.
func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var body InvocationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvocationBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req := s.toRequest(r.Header, body)

	release, ok := s.admit(w, req.ActorID, r.RemoteAddr)
	if !ok {
		return
	}
	defer release()

	ctx := requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", req.SessionID).
		Str("actor_id", req.ActorID).
		Msg("Invocation received")

	resp, err := s.invoker.Invoke(ctx, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set(SessionHeader, resp.SessionID())
	w.Header().Set(RequestIDHeader, resp.RequestID())
	if acceptsEventStream(r) {
		s.streamSSE(w, resp, logger)
		return
	}
	s.streamText(w, resp, logger)
}

// toRequest prefers the session headers over the body's session_id.
func (s *Server) toRequest(header http.Header, body InvocationRequest) orchestrator.Request {
	sessionID := header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = header.Get(RuntimeSessionHeader)
	}
	if sessionID == "" {
		sessionID = body.SessionID
	}
	actorID := body.ActorID
	if actorID == "" {
		actorID = defaultActorID
	}
	return orchestrator.Request{
		Prompt:    body.Prompt,
		ActorID:   actorID,
		SessionID: sessionID,
	}
}

// admit applies the actor's rate limit and writes 429 on rejection.
func (s *Server) admit(w http.ResponseWriter, actorID, remoteAddr string) (func(), bool) {
	key := actorID
	if key == "" || key == defaultActorID {
		key = hostOf(remoteAddr)
	}
	release, reason, ok := s.limiter.Acquire(key)
	if !ok {
		observability.RecordRateLimited()
		s.logger.Warn().Str("actor_id", actorID).Str("reason", reason).Msg("Invocation rate limited")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, reason)
		return nil, false
	}
	return release, true
}

func (s *Server) streamText(w http.ResponseWriter, resp *orchestrator.Response, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for chunk, err := range resp.Chunks() {
		if err != nil {
			logger.Warn().Err(err).Msg("Invocation finished with error")
			return
		}
		if _, werr := w.Write([]byte(chunk)); werr != nil {
			logger.Debug().Err(werr).Msg("Client went away")
			return
		}
		_ = rc.Flush()
	}
}

func (s *Server) streamSSE(w http.ResponseWriter, resp *orchestrator.Response, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(frame Frame) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	for chunk, err := range resp.Chunks() {
		if err != nil {
			logger.Warn().Err(err).Msg("Invocation finished with error")
			_ = send(Frame{Type: FrameError, Error: err.Error(), RequestID: resp.RequestID()})
			return
		}
		if werr := send(Frame{Type: FrameChunk, Data: chunk}); werr != nil {
			logger.Debug().Err(werr).Msg("Client went away")
			return
		}
	}
	_ = send(Frame{Type: FrameComplete, RequestID: resp.RequestID(), SessionID: resp.SessionID()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.invoker.EndSession(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePing answers the runtime health probe.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	status := "Healthy"
	if s.shuttingDown() {
		status = "Unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"time_of_last_update": s.started.Unix(),
	})
}

// handleWebSocket serves invocations over one connection. Each text frame is
// an InvocationRequest; replies are chunk frames ending in complete or error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
	}
	s.clients.track(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	defer func() {
		_ = conn.Close()
		s.clients.untrack(clientID)
		s.logger.Info().Str("clientId", clientID).Msg("Client disconnected")
	}()

	headerSession := r.Header.Get(SessionHeader)
	for {
		var body InvocationRequest
		if err := conn.ReadJSON(&body); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if werr := client.WriteJSON(Frame{Type: FrameError, Error: "invalid request: " + err.Error()}); werr != nil {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("clientId", clientID).Msg("WebSocket read ended")
			}
			return
		}
		if body.SessionID == "" {
			body.SessionID = headerSession
		}
		if !s.serveFrame(r, client, body) {
			return
		}
	}
}

// serveFrame runs one WebSocket invocation. It reports false once the
// connection can no longer be written.
func (s *Server) serveFrame(r *http.Request, client *Client, body InvocationRequest) bool {
	req := s.toRequest(nil, body)

	key := req.ActorID
	if key == defaultActorID {
		key = hostOf(client.IPAddress)
	}
	release, reason, ok := s.limiter.Acquire(key)
	if !ok {
		observability.RecordRateLimited()
		return client.WriteJSON(Frame{Type: FrameError, Error: reason, SessionID: req.SessionID}) == nil
	}
	defer release()

	s.clients.begin(client.ID, req.ActorID, req.SessionID)
	defer s.clients.end(client.ID)

	ctx := requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("clientId", client.ID).Logger()

	resp, err := s.invoker.Invoke(ctx, req)
	if err != nil {
		return client.WriteJSON(Frame{Type: FrameError, Error: err.Error(), SessionID: req.SessionID}) == nil
	}

	for chunk, err := range resp.Chunks() {
		if err != nil {
			logger.Warn().Err(err).Msg("Invocation finished with error")
			return client.WriteJSON(Frame{
				Type:      FrameError,
				Error:     err.Error(),
				RequestID: resp.RequestID(),
				SessionID: resp.SessionID(),
			}) == nil
		}
		if werr := client.WriteJSON(Frame{Type: FrameChunk, Data: chunk}); werr != nil {
			logger.Debug().Err(werr).Msg("Client went away")
			return false
		}
	}
	return client.WriteJSON(Frame{
		Type:      FrameComplete,
		RequestID: resp.RequestID(),
		SessionID: resp.SessionID(),
	}) == nil
}

// ConnectedClients returns the connected WebSocket clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.snapshot()
}

// requestContext carries the caller's trace id, when given, into the
// invocation.
func requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if traceID := r.Header.Get(TraceIDHeader); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	return ctx
}

func statusFor(err error) int {
	var cfgErr *orchestrator.ConfigurationError
	switch {
	case errors.As(err, &cfgErr) && cfgErr.Field == "credential":
		return http.StatusBadGateway
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, commandqueue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
