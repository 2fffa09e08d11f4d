package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/dialog-audio-service/internal/config"
	"github.com/skypro1111/dialog-audio-service/internal/forward"
	"github.com/skypro1111/dialog-audio-service/internal/metrics"
	"github.com/skypro1111/dialog-audio-service/internal/session"
	"github.com/skypro1111/dialog-audio-service/internal/storage"
	"github.com/skypro1111/dialog-audio-service/internal/transcription"
)

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	registry    *session.Registry
	store       *storage.Store
	ingest      *IngestServer
	forwarder   *forward.Forwarder     // may be nil
	transcriber *transcription.Client  // may be nil
	metrics     *metrics.Metrics

	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	registry *session.Registry, store *storage.Store, ingest *IngestServer,
	forwarder *forward.Forwarder, transcriber *transcription.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		registry:    registry,
		store:       store,
		ingest:      ingest,
		forwarder:   forwarder,
		transcriber: transcriber,
		metrics:     m,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Finalized recordings
	mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleRecordings))
	mux.HandleFunc("/recordings/", h.withMetrics("/recordings/{name}", h.handleRecordingDownload))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	ingestStats := h.ingest.GetStats()

	components := map[string]interface{}{
		"ingest": map[string]interface{}{
			"status":             "running",
			"active_connections": ingestStats.ActiveConnections,
			"total_connections":  ingestStats.TotalConnections,
			"rejected":           ingestStats.Rejected,
		},
		"sessions": map[string]interface{}{
			"status":       "running",
			"active_count": h.registry.Count(),
		},
	}

	if h.forwarder != nil {
		fwdStats := h.forwarder.GetStats()
		components["forward"] = map[string]interface{}{
			"status":     "running",
			"published":  fwdStats.Published,
			"dropped":    fwdStats.Dropped,
			"queue_size": fwdStats.QueueSize,
		}
	}

	if h.transcriber != nil {
		trStats := h.transcriber.GetStats()
		components["transcription"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  trStats.TotalRequests,
			"success_rate":    trStats.SuccessRate,
			"active_requests": trStats.ActiveRequests,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "dialog-audio-service",
			"version": "1.0.0",
		},
		"components": components,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.GetAll()
	sessionInfos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		sessionInfos = append(sessionInfos, sess.GetInfo())
	}

	response := map[string]interface{}{
		"total_sessions": len(sessionInfos),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessionInfos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Path[len("/sessions/"):]
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.registry.Get(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.GetInfo())
}

// handleRecordings implements the /recordings endpoint
func (h *HTTPServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recordings, err := h.store.ListRecordings()
	if err != nil {
		h.logger.Error("Failed to list recordings", slog.String("error", err.Error()))
		http.Error(w, "Failed to list recordings", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"total_recordings": len(recordings),
		"timestamp":        time.Now().UTC(),
		"recordings":       recordings,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRecordingDownload implements the /recordings/{name} endpoint
func (h *HTTPServer) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Path[len("/recordings/"):]
	if name == "" {
		http.Error(w, "Recording name required", http.StatusBadRequest)
		return
	}

	f, err := h.store.OpenRecording(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "Recording not found", http.StatusNotFound)
		} else {
			http.Error(w, "Invalid recording name", http.StatusBadRequest)
		}
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Error("Failed to stream recording",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":                    h.config.Server.Port,
			"bind_address":            h.config.Server.BindAddress,
			"read_buffer_size":        h.config.Server.ReadBufferSize,
			"max_concurrent_sessions": h.config.Server.MaxConcurrentSessions,
		},
		"audio": map[string]interface{}{
			"default_codec": h.config.Audio.DefaultCodec,
			"sample_rate":   h.config.Audio.SampleRate,
			"channels":      h.config.Audio.Channels,
			"ptime_ms":      h.config.Audio.PtimeMS,
		},
		"storage": map[string]interface{}{
			"recordings_dir": h.config.Storage.RecordingsDir,
			"captures_dir":   h.config.Storage.CapturesDir,
			"raw_capture":    h.config.Storage.RawCapture,
		},
		"forward": map[string]interface{}{
			"enabled":    h.config.Forward.Enabled,
			"queue_size": h.config.Forward.QueueSize,
			"workers":    h.config.Forward.Workers,
		},
		"transcription": map[string]interface{}{
			"enabled":        h.config.Transcription.Enabled,
			"endpoint":       h.config.Transcription.Endpoint,
			"timeout":        h.config.Transcription.Timeout,
			"max_retries":    h.config.Transcription.MaxRetries,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
			"output_format":  h.config.Transcription.OutputFormat,
			// API key is intentionally omitted
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"ingest":    h.ingest.GetStats(),
		"sessions": map[string]interface{}{
			"active_count": h.registry.Count(),
		},
	}

	if h.forwarder != nil {
		stats["forward"] = h.forwarder.GetStats()
	}
	if h.transcriber != nil {
		stats["transcription"] = h.transcriber.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Dialog Audio Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                        "API documentation",
			"GET /health":                  "Service health check",
			"GET /sessions":                "List all live sessions",
			"GET /sessions/{session_id}":   "Get detailed session information",
			"GET /recordings":              "List finalized recordings",
			"GET /recordings/{name}":       "Download a finalized recording",
			"GET /config":                  "Get service configuration",
			"GET /stats":                   "Get service statistics",
			"GET /metrics":                 "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
