// Package realtimefake is a local stand-in for the realtime translation
// endpoint. It echoes the audio of each turn back as the "translation",
// which is enough to exercise the relay end to end without credentials.
package realtimefake

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTurnChunks is one second of 20ms frames
const DefaultTurnChunks = 50

// Config controls how the fake segments and answers turns
type Config struct {
	// TurnChunks is the number of appended chunks that make one turn.
	TurnChunks int
	// ResponseDelay is slept between speech_stopped and the first audio
	// delta, to give the relay a measurable latency.
	ResponseDelay time.Duration
	// RequireAuth rejects connections without a bearer token.
	RequireAuth bool
}

type clientEvent struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio"`
	Session json.RawMessage `json:"session"`
}

// Server is an http.Handler speaking the realtime event protocol
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sessions atomic.Uint64
	turns    atomic.Uint64
}

// New creates a fake endpoint
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.TurnChunks <= 0 {
		cfg.TurnChunks = DefaultTurnChunks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Turns returns the number of turns answered so far
func (s *Server) Turns() uint64 {
	return s.turns.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RequireAuth && !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "Missing bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	id := s.sessions.Add(1)
	sess := &session{
		id:     fmt.Sprintf("sess_%d", id),
		conn:   conn,
		server: s,
		logger: s.logger.With(slog.Uint64("session", id)),
	}
	sess.logger.Info("Realtime session opened",
		slog.String("model", r.URL.Query().Get("model")),
		slog.String("remote_addr", r.RemoteAddr))

	sess.run()
}

type session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	buffer  []string
	turnSeq int
	eventID int
}

func (s *session) send(v map[string]any) error {
	s.eventID++
	v["event_id"] = fmt.Sprintf("event_%d", s.eventID)
	return s.conn.WriteJSON(v)
}

func (s *session) run() {
	if err := s.send(map[string]any{
		"type":    "session.created",
		"session": map[string]any{"id": s.id},
	}); err != nil {
		return
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("Realtime session closed", slog.Int("turns", s.turnSeq))
			return
		}

		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("Invalid client event", slog.String("error", err.Error()))
			continue
		}

		if err := s.handle(ev); err != nil {
			s.logger.Warn("Failed to answer client event",
				slog.String("type", ev.Type),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (s *session) handle(ev clientEvent) error {
	switch ev.Type {
	case "session.update":
		s.logger.Debug("Session configured", slog.Int("config_bytes", len(ev.Session)))
		return s.send(map[string]any{
			"type":    "session.updated",
			"session": json.RawMessage(ev.Session),
		})

	case "input_audio_buffer.append":
		if ev.Audio == "" {
			return s.sendError("invalid_value", "audio must not be empty")
		}
		if len(s.buffer) == 0 {
			if err := s.send(map[string]any{
				"type":    "input_audio_buffer.speech_started",
				"item_id": s.itemID(),
			}); err != nil {
				return err
			}
		}
		s.buffer = append(s.buffer, ev.Audio)
		if len(s.buffer) >= s.server.cfg.TurnChunks {
			return s.answerTurn()
		}
		return nil

	default:
		return s.sendError("unknown_event", fmt.Sprintf("unsupported event type %q", ev.Type))
	}
}

func (s *session) itemID() string {
	return fmt.Sprintf("item_%d", s.turnSeq+1)
}

// answerTurn ends the current turn and echoes its audio back
func (s *session) answerTurn() error {
	itemID := s.itemID()
	responseID := fmt.Sprintf("resp_%d", s.turnSeq+1)
	chunks := s.buffer
	s.buffer = nil
	s.turnSeq++

	if err := s.send(map[string]any{
		"type":    "input_audio_buffer.speech_stopped",
		"item_id": itemID,
	}); err != nil {
		return err
	}

	if s.server.cfg.ResponseDelay > 0 {
		time.Sleep(s.server.cfg.ResponseDelay)
	}

	for _, chunk := range chunks {
		if err := s.send(map[string]any{
			"type":        "response.audio.delta",
			"response_id": responseID,
			"item_id":     itemID,
			"delta":       chunk,
		}); err != nil {
			return err
		}
	}

	s.server.turns.Add(1)
	s.logger.Debug("Turn answered",
		slog.String("item_id", itemID),
		slog.Int("chunks", len(chunks)))

	return s.send(map[string]any{
		"type":        "response.audio.done",
		"response_id": responseID,
		"item_id":     itemID,
	})
}

func (s *session) sendError(code, message string) error {
	return s.send(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "invalid_request_error",
			"code":    code,
			"message": message,
		},
	})
}
