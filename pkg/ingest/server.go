package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/beacon/internal/observability"
	"github.com/harun/beacon/internal/tracing"
	"github.com/harun/beacon/pkg/session"
	"github.com/harun/beacon/pkg/telemetry"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server is the ingest HTTP server
type Server struct {
	options   ServerOptions
	server    *http.Server
	sink      Sink
	limiter   *RateLimiter
	validator *validator
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	startTime time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]*websocket.Conn
}

// NewServer creates a new ingest server
func NewServer(options ServerOptions, sink Sink, logger zerolog.Logger) (*Server, error) {
	if sink == nil {
		return nil, fmt.Errorf("session sink is required")
	}
	if options.Port == 0 {
		options.Port = defaultPort
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = defaultRateLimit
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = defaultMaxBodyBytes
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = defaultShutdown
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		options:   options,
		sink:      sink,
		validator: v,
		logger:    logger.With().Str("component", "ingest").Logger(),
		startTime: time.Now(),
		conns:     make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if options.RateLimitPerMinute > 0 {
		s.limiter = NewRateLimiter(options.RateLimitPerMinute)
	}

	return s, nil
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	mux.HandleFunc("POST /v1/events", s.guard(s.handleEvents))
	mux.HandleFunc("POST /v1/routes", s.guard(s.handleRoute))
	mux.HandleFunc("POST /v1/flush", s.guard(s.handleFlush))
	mux.HandleFunc("GET /v1/ws", s.guard(s.handleWebSocket))
	mux.HandleFunc("GET /v1/state", s.guard(s.handleState))
	mux.HandleFunc("GET /v1/stats", s.guard(s.handleStats))
	mux.HandleFunc("GET /v1/policies", s.guard(s.handlePolicies))

	return mux
}

// Start starts the ingest server and blocks until it stops
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.server = srv
	s.shutdownMu.Unlock()

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting ingest server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start ingest server: %w", err)
	}

	return nil
}

// Stop gracefully stops the ingest server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down ingest server")

	s.connsMu.Lock()
	for id, conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(s.conns, id)
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	timeout := time.NewTimer(s.options.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-timeout.C:
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context done, forcing close")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown ingest server: %w", err)
		}
	}

	s.logger.Info().Msg("Ingest server stopped")
	return nil
}

// guard applies the shutdown check, rate limiting and in-flight tracking.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		if s.limiter != nil {
			ip := clientIP(r)
			if ok, retry := s.limiter.Allow(ip); !ok {
				retryAfter := int((retry + time.Second - 1) / time.Second)
				s.logger.Warn().
					Str("ip", ip).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}

		r = r.WithContext(tracing.NewRequestContext(r.Context()))
		next(w, r)
	}
}

// readBody reads a bounded request body and verifies its signature.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}

	if s.options.SharedSecret != "" {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" || !verifySignature(body, signature, s.options.SharedSecret) {
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("ip", clientIP(r)).
				Msg("Invalid request signature")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return nil, false
		}
	}

	return body, true
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.sink.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessionId": stats.SessionID,
		"buffered":  stats.Buffered,
		"breaker":   stats.Queue.Breaker.Open,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	events, err := s.validator.decodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted, err := s.commit(events)
	if err != nil {
		s.writeCommitError(w, r, err, accepted)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: accepted})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	rc, err := s.validator.decodeRoute(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.sink.CommitRoute(rc); err != nil {
		s.writeCommitError(w, r, err, 0)
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: 1})
}

func (s *Server) commit(events []telemetry.Event) (int, error) {
	for i, ev := range events {
		if err := s.sink.Commit(ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

func (s *Server) writeCommitError(w http.ResponseWriter, r *http.Request, err error, accepted int) {
	status := http.StatusBadRequest
	if errors.Is(err, session.ErrNotInitialized) || errors.Is(err, session.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Warn().
		Err(err).
		Str("path", r.URL.Path).
		Int("accepted", accepted).
		Msg("Commit rejected")
	writeJSON(w, status, map[string]interface{}{
		"error":    err.Error(),
		"accepted": accepted,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readBody(w, r); !ok {
		return
	}

	if err := s.sink.Flush(r.Context()); err != nil {
		s.writeCommitError(w, r, err, 0)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := s.sink.Wait(r.Context()); err != nil {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusAccepted, s.sink.Stats())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sink.Snapshot()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sink.Stats())
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": s.sink.Policies(),
	})
}

// handleWebSocket streams events from a client. Every text message holds
// one event or an array of them and is answered with an acceptedResponse
// or an errorResponse.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.options.SharedSecret != "" {
		timestamp := r.Header.Get(TimestampHeader)
		signature := r.Header.Get(SignatureHeader)
		if !verifyStreamSignature(timestamp, signature, s.options.SharedSecret, time.Now()) {
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("ip", clientIP(r)).
				Msg("Invalid stream signature")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(s.options.MaxBodyBytes)

	clientID, _ := gonanoid.New()
	s.connsMu.Lock()
	s.conns[clientID] = conn
	s.connsMu.Unlock()

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Stream client connected")

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, clientID)
		s.connsMu.Unlock()
		_ = conn.Close()
		s.logger.Info().Str("clientId", clientID).Msg("Stream client disconnected")
	}()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", clientID).Msg("WebSocket error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if err := conn.WriteJSON(s.streamMessage(message)); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send response")
			return
		}
	}
}

func (s *Server) streamMessage(message []byte) interface{} {
	events, err := s.validator.decodeEvents(message)
	if err != nil {
		return errorResponse{Error: err.Error()}
	}
	accepted, err := s.commit(events)
	if err != nil {
		return map[string]interface{}{"error": err.Error(), "accepted": accepted}
	}
	return acceptedResponse{Accepted: accepted}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
