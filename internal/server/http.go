package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/config"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/stream"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/summary"
)

const (
	serviceName    = "live-translation-relay"
	serviceVersion = "1.0.0"

	defaultSummaryListLimit = 20
)

// sessionLister is implemented by stores that index summaries by
// correlation key
type sessionLister interface {
	SessionsFor(ctx context.Context, correlationKey string, limit int64) ([]string, error)
}

// HTTPServer serves the media-stream endpoint and the monitoring API
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	streams   *StreamServer
	store     summary.Store
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	// Server state
	startTime time.Time
	ready     atomic.Bool
	listener  net.Listener
	serveErr  chan error
}

// NewHTTPServer creates the HTTP server. store and gatherer may be nil.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, streamMgr *stream.Manager,
	store summary.Store, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		streams:   NewStreamServer(logger.With(slog.String("component", "stream")), streamMgr, m),
		store:     store,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
		serveErr:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         appConfig.HTTP.GetListenAddress(),
		Handler:      mux,
		ReadTimeout:  appConfig.HTTP.GetReadTimeoutDuration(),
		WriteTimeout: appConfig.HTTP.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Media-stream WebSocket endpoint. Not wrapped: the upgrader needs the
	// raw ResponseWriter to hijack the connection.
	mux.Handle(h.config.HTTP.StreamPath, h.streams)

	// Health probes
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/live", h.withMetrics("/live", h.handleLive))
	mux.HandleFunc("/ready", h.withMetrics("/ready", h.handleReady))

	// Session monitoring
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{key}", h.handleSessionDetail))

	// Call summaries
	mux.HandleFunc("/summaries", h.withMetrics("/summaries", h.handleSummaries))
	mux.HandleFunc("/summaries/", h.withMetrics("/summaries/{id}", h.handleSummaryDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

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

// Handler returns the root handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Streams returns the media-stream endpoint
func (h *HTTPServer) Streams() *StreamServer {
	return h.streams
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener
	h.ready.Store(true)

	h.logger.Info("Starting HTTP server",
		slog.String("address", listener.Addr().String()),
		slog.String("stream_path", h.config.HTTP.StreamPath))

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
			h.serveErr <- err
		}
	}()

	return nil
}

// Errors delivers the error that stopped the server, if it failed
func (h *HTTPServer) Errors() <-chan error {
	return h.serveErr
}

// Addr returns the bound listen address once Start has succeeded
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop drains the server. The listener closes first, then every live
// session is torn down, then the handlers for hijacked media sockets are
// awaited.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")
	h.ready.Store(false)

	err := h.server.Shutdown(ctx)
	h.streamMgr.Stop()

	done := make(chan struct{})
	go func() {
		h.streams.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamStats := h.streams.GetStatistics()

	summaryBackend := "none"
	if h.store != nil {
		summaryBackend = h.config.Summary.Backend
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"stream_server": map[string]any{
				"status":             "running",
				"active_connections": streamStats.ActiveConnections,
			},
			"session_manager": map[string]any{
				"status":          "running",
				"active_sessions": h.streamMgr.Count(),
			},
			"translation": map[string]any{
				"enabled": h.config.Translation.Enabled,
				"model":   h.config.Translation.Model,
			},
			"summary_store": map[string]any{
				"backend": summaryBackend,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleLive implements the /live liveness probe
func (h *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReady implements the /ready readiness probe. It fails once the
// server has begun draining.
func (h *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.Sessions()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{correlation_key} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if key == "" {
		http.Error(w, "Correlation key required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.Find(key)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleSummaries implements /summaries?correlation_key=...&limit=...
func (h *HTTPServer) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lister, ok := h.store.(sessionLister)
	if !ok {
		http.Error(w, "Summary listing not supported by storage backend", http.StatusNotImplemented)
		return
	}

	key := r.URL.Query().Get("correlation_key")
	if key == "" {
		http.Error(w, "correlation_key query parameter required", http.StatusBadRequest)
		return
	}

	limit := int64(defaultSummaryListLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ids, err := lister.SessionsFor(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("Failed to list call summaries",
			slog.String("correlation_key", key),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to list summaries", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_key": key,
		"session_ids":     ids,
	})
}

// handleSummaryDetail implements the /summaries/{session_id} endpoint
func (h *HTTPServer) handleSummaryDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.store == nil {
		http.Error(w, "Summary storage disabled", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/summaries/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	record, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, summary.ErrNotFound) {
			http.Error(w, "Summary not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to load call summary",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to load summary", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]any{
		"http": map[string]any{
			"port":             h.config.HTTP.Port,
			"address":          h.config.HTTP.Address,
			"stream_path":      h.config.HTTP.StreamPath,
			"read_timeout":     h.config.HTTP.ReadTimeout,
			"write_timeout":    h.config.HTTP.WriteTimeout,
			"shutdown_timeout": h.config.HTTP.ShutdownTimeout,
		},
		"relay": map[string]any{
			"warmup_ms":               h.config.Relay.WarmupMs,
			"idle_timeout":            h.config.Relay.IdleTimeout,
			"sweep_interval":          h.config.Relay.SweepInterval,
			"forward_original_audio":  h.config.Relay.ForwardOriginalAudio,
			"default_caller_language": h.config.Relay.DefaultCallerLanguage,
		},
		"translation": map[string]any{
			"enabled":         h.config.Translation.Enabled,
			"endpoint":        h.config.Translation.Endpoint,
			"model":           h.config.Translation.Model,
			"voice":           h.config.Translation.Voice,
			"audio_format":    h.config.Translation.AudioFormat,
			"connect_timeout": h.config.Translation.ConnectTimeout,
			// Note: API key is intentionally omitted for security
		},
		"summary": map[string]any{
			"backend":      h.config.Summary.Backend,
			"redis_addr":   h.config.Summary.Redis.Addr,
			"redis_db":     h.config.Summary.Redis.DB,
			"key_prefix":   h.config.Summary.KeyPrefix,
			"ttl":          h.config.Summary.TTL,
			"save_timeout": h.config.Summary.SaveTimeout,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.Sessions()
	armed := 0
	for _, info := range sessions {
		if info.State == stream.StateBothLegsArmed.String() {
			armed++
		}
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams":   h.streams.GetStatistics(),
		"sessions": map[string]any{
			"active_count": len(sessions),
			"armed_count":  armed,
		},
	}

	writeJSON(w, http.StatusOK, stats)
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

	apiDoc := map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":                                  "API documentation",
			"GET " + h.config.HTTP.StreamPath:        "Media stream WebSocket (caller and agent legs)",
			"GET /health":                            "Service health check",
			"GET /live":                              "Liveness probe",
			"GET /ready":                             "Readiness probe",
			"GET /sessions":                          "List live relay sessions",
			"GET /sessions/{correlation_key}":        "Get detailed session information",
			"GET /summaries?correlation_key={key}":   "List stored call summaries for a caller",
			"GET /summaries/{session_id}":            "Get a stored call summary",
			"GET /config":                            "Get service configuration",
			"GET /stats":                             "Get service statistics",
			"GET /metrics":                           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
