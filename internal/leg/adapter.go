// Package leg wraps one media-stream WebSocket connection and exposes its
// frames as typed events.
package leg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
)

var (
	// ErrClosed is returned when sending on an adapter that has been closed.
	ErrClosed = errors.New("stream adapter closed")
	// ErrStreamNotStarted is returned when sending before a start frame arrived.
	ErrStreamNotStarted = errors.New("stream not started")
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn the adapter needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// StopEvent is delivered to stop subscribers. CorrelationKey and Direction
// are the values latched from this stream's start frame.
type StopEvent struct {
	Frame          *protocol.Frame
	CorrelationKey string
	Direction      protocol.Direction
}

// FrameHandler receives a decoded frame
type FrameHandler func(*protocol.Frame)

// StopHandler receives the end-of-stream notification
type StopHandler func(StopEvent)

// Adapter turns a leg socket into typed events and sends audio back to it.
type Adapter struct {
	conn    Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeTimeout time.Duration

	mu             sync.Mutex
	streamSid      string
	correlationKey string
	direction      protocol.Direction
	language       string
	onConnected    []FrameHandler
	onStart        []FrameHandler
	onMedia        []FrameHandler
	onMark         []FrameHandler
	onStop         []StopHandler

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	markSeq   atomic.Uint64
}

// NewAdapter wraps conn. m may be nil.
func NewAdapter(conn Conn, logger *slog.Logger, m *metrics.Metrics) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		conn:         conn,
		logger:       logger,
		metrics:      m,
		writeTimeout: defaultWriteTimeout,
	}
}

// OnConnected subscribes to connected frames
func (a *Adapter) OnConnected(h FrameHandler) {
	a.mu.Lock()
	a.onConnected = append(a.onConnected, h)
	a.mu.Unlock()
}

// OnStart subscribes to the start frame. Subscribers run after the stream
// id, correlation key and direction have been latched.
func (a *Adapter) OnStart(h FrameHandler) {
	a.mu.Lock()
	a.onStart = append(a.onStart, h)
	a.mu.Unlock()
}

// OnMedia subscribes to inbound audio frames
func (a *Adapter) OnMedia(h FrameHandler) {
	a.mu.Lock()
	a.onMedia = append(a.onMedia, h)
	a.mu.Unlock()
}

// OnMark subscribes to mark echoes
func (a *Adapter) OnMark(h FrameHandler) {
	a.mu.Lock()
	a.onMark = append(a.onMark, h)
	a.mu.Unlock()
}

// OnStop subscribes to end-of-stream. All subscriptions are dropped after
// stop subscribers have run.
func (a *Adapter) OnStop(h StopHandler) {
	a.mu.Lock()
	a.onStop = append(a.onStop, h)
	a.mu.Unlock()
}

// StreamSid returns the stream id latched from the start frame
func (a *Adapter) StreamSid() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamSid
}

// CorrelationKey returns the key latched from the start frame
func (a *Adapter) CorrelationKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.correlationKey
}

// Direction returns the leg direction latched from the start frame
func (a *Adapter) Direction() protocol.Direction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.direction
}

// Language returns the language hint latched from the start frame
func (a *Adapter) Language() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.language
}

// Dispatch decodes one raw message and delivers it to subscribers.
// Malformed and unknown frames are logged and dropped.
func (a *Adapter) Dispatch(raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			a.metrics.RecordUnknownEvent()
			a.logger.Debug("Dropping frame with unknown event",
				slog.String("event", frame.Event),
				slog.String("stream_sid", frame.StreamID()))
			return
		}
		a.metrics.RecordParseError()
		a.logger.Warn("Failed to parse frame",
			slog.String("error", err.Error()),
			slog.Int("size", len(raw)))
		return
	}

	a.metrics.RecordFrame(frame.Event)

	switch frame.Event {
	case protocol.EventConnected:
		a.emit(a.snapshot(&a.onConnected), frame)
	case protocol.EventStart:
		a.handleStart(frame)
	case protocol.EventMedia:
		a.emit(a.snapshot(&a.onMedia), frame)
	case protocol.EventMark:
		a.emit(a.snapshot(&a.onMark), frame)
	case protocol.EventStop:
		a.handleStop(frame)
	}
}

func (a *Adapter) handleStart(frame *protocol.Frame) {
	a.mu.Lock()
	if a.streamSid != "" {
		a.mu.Unlock()
		a.logger.Warn("Ignoring repeated start frame",
			slog.String("stream_sid", frame.Start.StreamSid))
		return
	}
	a.streamSid = frame.Start.StreamSid
	a.correlationKey = frame.Start.CorrelationKey()
	a.direction = frame.Start.Direction()
	a.language = frame.Start.Language()
	handlers := append([]FrameHandler(nil), a.onStart...)
	a.mu.Unlock()

	a.logger.Info("Stream started",
		slog.String("stream_sid", frame.Start.StreamSid),
		slog.String("call_sid", frame.Start.CallSid),
		slog.String("direction", string(frame.Start.Direction())))

	a.emit(handlers, frame)
}

func (a *Adapter) handleStop(frame *protocol.Frame) {
	a.mu.Lock()
	event := StopEvent{
		Frame:          frame,
		CorrelationKey: a.correlationKey,
		Direction:      a.direction,
	}
	handlers := append([]StopHandler(nil), a.onStop...)
	a.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	a.clearSubscribers()
}

func (a *Adapter) snapshot(list *[]FrameHandler) []FrameHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FrameHandler(nil), (*list)...)
}

func (a *Adapter) emit(handlers []FrameHandler, frame *protocol.Frame) {
	for _, h := range handlers {
		h(frame)
	}
}

func (a *Adapter) clearSubscribers() {
	a.mu.Lock()
	a.onConnected = nil
	a.onStart = nil
	a.onMedia = nil
	a.onMark = nil
	a.onStop = nil
	a.mu.Unlock()
}

// SendAudio writes the payloads as a single media frame, followed by a
// mark when endOfTurn is set. An empty payload list with endOfTurn sends
// only the mark.
func (a *Adapter) SendAudio(payloads []string, endOfTurn bool) error {
	if a.closed.Load() {
		return ErrClosed
	}
	streamSid := a.StreamSid()
	if streamSid == "" {
		return ErrStreamNotStarted
	}

	if len(payloads) > 0 {
		payload, err := protocol.ConcatPayloads(payloads)
		if err != nil {
			return fmt.Errorf("failed to build media frame: %w", err)
		}
		msg, err := protocol.EncodeMedia(streamSid, payload)
		if err != nil {
			return err
		}
		if err := a.write(msg); err != nil {
			return err
		}
	}

	if endOfTurn {
		name := strconv.FormatUint(a.markSeq.Add(1), 10)
		msg, err := protocol.EncodeMark(streamSid, name)
		if err != nil {
			return err
		}
		if err := a.write(msg); err != nil {
			return err
		}
	}

	return nil
}

func (a *Adapter) write(msg []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close shuts the underlying connection. Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.writeMu.Lock()
		err = a.conn.Close()
		a.writeMu.Unlock()
	})
	return err
}

// Closed reports whether Close has been called
func (a *Adapter) Closed() bool {
	return a.closed.Load()
}

// Run reads frames until the connection fails, Close is called or ctx is
// cancelled. Frames are dispatched in arrival order from this goroutine.
func (a *Adapter) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		a.Close()
	})
	defer stop()
	defer a.clearSubscribers()

	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		if msgType != websocket.TextMessage {
			a.logger.Debug("Ignoring non-text message", slog.Int("type", msgType))
			continue
		}
		a.Dispatch(data)
	}
}
