package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/dialog-audio-service/internal/config"
	"github.com/skypro1111/dialog-audio-service/internal/metrics"
	"github.com/skypro1111/dialog-audio-service/internal/protocol"
	"github.com/skypro1111/dialog-audio-service/internal/session"
)

// IngestServer accepts WebSocket session streams and runs one event
// dispatcher per connection. Admission is bounded: connections beyond the
// configured concurrency limit are rejected with 503 before the upgrade.
type IngestServer struct {
	server     *http.Server
	dispatcher *session.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	sem        chan struct{}
	handlers   sync.WaitGroup

	conns       map[*websocket.Conn]struct{}
	connections uint64
	rejected    uint64
	mu          sync.RWMutex
}

// NewIngestServer creates the ingest server. The dispatcher is shared: all
// per-session state lives inside each Run invocation.
func NewIngestServer(cfg config.ServerConfig, dispatcher *session.Dispatcher, logger *slog.Logger, m *metrics.Metrics) *IngestServer {
	bufSize := cfg.ReadBufferSize
	if bufSize == 0 {
		bufSize = 16384
	}

	s := &IngestServer{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		sem:        make(chan struct{}, cfg.MaxConcurrentSessions),
		conns:      make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufSize,
			WriteBufferSize: bufSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", s.handleStream)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start starts the ingest server.
func (s *IngestServer) Start() error {
	s.logger.Info("Starting WebSocket ingest server",
		slog.String("address", s.server.Addr),
		slog.Int("max_concurrent_sessions", cap(s.sem)),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ingest server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the ingest server. http.Server.Shutdown does not
// touch hijacked connections, so live WebSocket streams are closed explicitly
// here; each dispatcher then sees a read error and runs its recovery finalize
// before Stop returns (or the context expires).
func (s *IngestServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket ingest server...")

	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	open := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if open > 0 {
		s.logger.Info("Closed live session streams for shutdown", slog.Int("count", open))
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline expired before all sessions drained")
		return ctx.Err()
	}

	return err
}

// handleStream upgrades the connection and runs the session dispatcher until
// the stream ends.
func (s *IngestServer) handleStream(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s.handlers.Add(1)
	defer s.handlers.Done()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.connections++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Info("Session stream connected", slog.String("remote", remote))

	stream := &wsEventStream{
		conn:    conn,
		logger:  s.logger,
		metrics: s.metrics,
	}

	if err := s.dispatcher.Run(r.Context(), stream); err != nil {
		s.logger.Warn("Session stream ended with error",
			slog.String("remote", remote),
			slog.String("error", err.Error()),
		)
		return
	}

	// Clean end: acknowledge with an empty close frame before dropping the
	// connection.
	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		s.logger.Debug("Close ack failed", slog.String("error", err.Error()))
	}

	s.logger.Info("Session stream closed", slog.String("remote", remote))
}

// Stats is a snapshot of connection counters for the monitoring API.
type Stats struct {
	ActiveConnections int    `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	Rejected          uint64 `json:"rejected"`
	MaxConcurrent     int    `json:"max_concurrent"`
}

// GetStats returns ingest connection counters.
func (s *IngestServer) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		ActiveConnections: len(s.sem),
		TotalConnections:  s.connections,
		Rejected:          s.rejected,
		MaxConcurrent:     cap(s.sem),
	}
}

// wsEventStream adapts a WebSocket connection to the dispatcher's event
// stream. Malformed frames are counted and skipped; the stream itself only
// fails on transport errors.
type wsEventStream struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (ws *wsEventStream) Next() (*protocol.StreamEvent, error) {
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			ws.metrics.RecordParseError()
			ws.logger.Warn("Dropping malformed event frame", slog.String("error", err.Error()))
			continue
		}

		return ev, nil
	}
}
