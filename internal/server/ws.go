package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/leg"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/stream"
)

// StreamServer accepts media-stream WebSocket connections and feeds their
// lifecycle events into the session manager
type StreamServer struct {
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	// Concurrency management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool

	connectionsAccepted atomic.Uint64
	connectionsClosed   atomic.Uint64
	upgradeErrors       atomic.Uint64
	readErrors          atomic.Uint64
}

// StreamStatistics contains connection counters for the monitoring API
type StreamStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsClosed   uint64 `json:"connections_closed"`
	ActiveConnections   uint64 `json:"active_connections"`
	UpgradeErrors       uint64 `json:"upgrade_errors"`
	ReadErrors          uint64 `json:"read_errors"`
}

// NewStreamServer creates a new stream endpoint
func NewStreamServer(logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &StreamServer{
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media streams connect from the telephony provider, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *StreamServer) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// ServeHTTP upgrades the request and serves the leg until its socket closes
func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.upgradeErrors.Add(1)
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.connectionsAccepted.Add(1)
	s.metrics.RecordConnectionOpened()
	defer func() {
		s.connectionsClosed.Add(1)
		s.metrics.RecordConnectionClosed()
	}()

	logger := s.logger.With(slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("Media stream connected")

	adapter := leg.NewAdapter(conn, logger, s.metrics)
	s.wire(adapter, logger)

	if err := adapter.Run(s.ctx); err != nil {
		s.readErrors.Add(1)
		logger.Warn("Media stream read failed",
			slog.String("stream_sid", adapter.StreamSid()),
			slog.String("error", err.Error()))
	}

	// A socket that drops without a stop frame still ends its call.
	if key := adapter.CorrelationKey(); key != "" {
		if s.streamMgr.OnLegDisconnect(key, adapter) {
			logger.Info("Session closed after leg disconnect",
				slog.String("correlation_key", key),
				slog.String("direction", string(adapter.Direction())))
		}
	}
	_ = adapter.Close()

	logger.Debug("Media stream disconnected", slog.String("stream_sid", adapter.StreamSid()))
}

// wire installs the subscriptions that translate adapter events into
// session manager calls
func (s *StreamServer) wire(adapter *leg.Adapter, logger *slog.Logger) {
	adapter.OnStart(func(*protocol.Frame) {
		// The manager closes the leg itself when it cannot be bound.
		_ = s.streamMgr.OnLegStart(adapter.CorrelationKey(), adapter.Direction(), adapter.Language(), adapter)
	})

	adapter.OnMedia(func(f *protocol.Frame) {
		key := adapter.CorrelationKey()
		if key == "" {
			return
		}
		err := s.streamMgr.OnLegMedia(key, adapter.Direction(), f.Media.Payload)
		if err != nil && !errors.Is(err, stream.ErrSessionNotFound) {
			logger.Debug("Media frame dropped",
				slog.String("correlation_key", key),
				slog.String("error", err.Error()))
		}
	})

	adapter.OnStop(func(e leg.StopEvent) {
		if e.CorrelationKey == "" {
			logger.Warn("Stop received before start")
			return
		}
		s.streamMgr.OnLegStop(e.CorrelationKey)
	})
}

// GetStatistics returns current connection counters
func (s *StreamServer) GetStatistics() StreamStatistics {
	closed := s.connectionsClosed.Load()
	accepted := s.connectionsAccepted.Load()
	return StreamStatistics{
		ConnectionsAccepted: accepted,
		ConnectionsClosed:   closed,
		ActiveConnections:   accepted - closed,
		UpgradeErrors:       s.upgradeErrors.Load(),
		ReadErrors:          s.readErrors.Load(),
	}
}

// Stop rejects new connections, closes open ones and waits for their
// handlers to return
func (s *StreamServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Stopping stream server...")
	s.cancel()
	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("Stream server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("upgrade_errors", stats.UpgradeErrors),
		slog.Uint64("read_errors", stats.ReadErrors))
}
