// Package translation implements a client for a realtime speech-to-speech
// translation endpoint speaking the OpenAI Realtime event protocol.
package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelNotReady is returned by PushAudio when the channel is not open.
var ErrChannelNotReady = errors.New("translation channel not ready")

const (
	DefaultEndpoint    = "wss://api.openai.com/v1/realtime"
	DefaultModel       = "gpt-4o-realtime-preview"
	DefaultVoice       = "alloy"
	DefaultAudioFormat = "g711_ulaw"

	defaultConnectTimeout = 10 * time.Second
	writeTimeout          = 5 * time.Second
)

// State is the lifecycle state of a Channel
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the endpoint and session parameters for a channel
type Config struct {
	Endpoint       string
	APIKey         string
	Model          string
	Voice          string
	AudioFormat    string
	ConnectTimeout time.Duration

	// Dialer overrides websocket.DefaultDialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.AudioFormat == "" {
		c.AudioFormat = DefaultAudioFormat
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Channel is one realtime translation session. Callbacks run on the
// channel's read goroutine in the order events arrive.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	state   atomic.Int32

	mu              sync.Mutex
	onSpeechStopped []func(turnID string)
	onAudio         []func(payload string)
	onAudioDone     []func()
	onClosed        []func(err error)

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an unconnected channel
func New(cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg.withDefaults(),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnSpeechStopped subscribes to end-of-speech notifications. The turn id is
// the provider's item id.
func (c *Channel) OnSpeechStopped(fn func(turnID string)) {
	c.mu.Lock()
	c.onSpeechStopped = append(c.onSpeechStopped, fn)
	c.mu.Unlock()
}

// OnAudio subscribes to translated base64 audio chunks
func (c *Channel) OnAudio(fn func(payload string)) {
	c.mu.Lock()
	c.onAudio = append(c.onAudio, fn)
	c.mu.Unlock()
}

// OnAudioDone subscribes to end-of-response notifications
func (c *Channel) OnAudioDone(fn func()) {
	c.mu.Lock()
	c.onAudioDone = append(c.onAudioDone, fn)
	c.mu.Unlock()
}

// OnClosed subscribes to the channel closing. err is nil for a local Close.
func (c *Channel) OnClosed(fn func(err error)) {
	c.mu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// State returns the current lifecycle state
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Done is closed once the channel has closed
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) endpointURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid translation endpoint: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" && c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the endpoint, sends the session configuration and starts
// the read loop. A channel connects at most once.
func (c *Channel) Connect(ctx context.Context, instructions string) error {
	if c.State() != StateConnecting {
		return fmt.Errorf("connect in state %s: %w", c.State(), ErrChannelNotReady)
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		c.finish(nil)
		return fmt.Errorf("translation api key is required")
	}

	wsURL, err := c.endpointURL()
	if err != nil {
		c.finish(nil)
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		c.finish(nil)
		return fmt.Errorf("failed to dial translation endpoint: %w", err)
	}
	c.writeMu.Lock()
	if c.State() == StateClosed {
		c.writeMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("channel closed while connecting: %w", ErrChannelNotReady)
	}
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.writeJSON(newSessionUpdate(c.cfg, instructions)); err != nil {
		c.finish(nil)
		return fmt.Errorf("failed to send session update: %w", err)
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("channel closed while connecting: %w", ErrChannelNotReady)
	}

	c.logger.Info("Translation channel open",
		slog.String("model", c.cfg.Model),
		slog.String("voice", c.cfg.Voice))

	go c.readLoop()
	return nil
}

// PushAudio appends one base64 audio chunk to the remote input buffer
func (c *Channel) PushAudio(payload string) error {
	if c.State() != StateOpen {
		return ErrChannelNotReady
	}
	return c.writeJSON(audioAppend{Type: eventInputAudioAppend, Audio: payload})
}

func (c *Channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil || c.State() == StateClosed {
		return ErrChannelNotReady
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.logger.Warn("Translation channel closed by remote",
					slog.Int("code", closeErr.Code),
					slog.String("text", strings.TrimSpace(closeErr.Text)))
			} else {
				c.logger.Error("Translation channel read failed", slog.String("error", err.Error()))
			}
			c.finish(err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Channel) handleMessage(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("Failed to parse translation event", slog.String("error", err.Error()))
		return
	}

	switch ev.Type {
	case eventSpeechStopped:
		c.mu.Lock()
		handlers := append([]func(string){}, c.onSpeechStopped...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(ev.ItemID)
		}
	case eventResponseAudio:
		if ev.Delta == "" {
			return
		}
		c.mu.Lock()
		handlers := append([]func(string){}, c.onAudio...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(ev.Delta)
		}
	case eventResponseAudioDone:
		c.mu.Lock()
		handlers := append([]func(){}, c.onAudioDone...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	case eventError:
		attrs := []any{slog.String("event_id", ev.EventID)}
		if ev.Error != nil {
			attrs = append(attrs,
				slog.String("type", ev.Error.Type),
				slog.String("code", ev.Error.Code),
				slog.String("message", ev.Error.Message))
		}
		c.logger.Error("Translation endpoint reported error", attrs...)
	case eventSessionCreated, eventSessionUpdated, eventSpeechStarted:
		c.logger.Debug("Translation event", slog.String("type", ev.Type))
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.finish(nil)
	return nil
}

func (c *Channel) finish(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.writeMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.writeMu.Unlock()

		c.mu.Lock()
		handlers := append([]func(error){}, c.onClosed...)
		c.onSpeechStopped = nil
		c.onAudio = nil
		c.onAudioDone = nil
		c.onClosed = nil
		c.mu.Unlock()

		close(c.done)
		for _, fn := range handlers {
			fn(cause)
		}
	})
}
