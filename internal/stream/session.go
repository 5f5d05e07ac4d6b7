package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/leg"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/summary"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/translation"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrLegAlreadyBound    = errors.New("leg already bound")
	ErrInvalidDirection   = errors.New("invalid leg direction")
	ErrMissingCorrelation = errors.New("missing correlation key")
)

// Close reasons
const (
	ReasonStop       = "stop"
	ReasonDisconnect = "disconnect"
	ReasonIdle       = "idle_timeout"
	ReasonReplaced   = "replaced"
	ReasonShutdown   = "shutdown"
)

// DefaultWarmup is how long agent audio is kept away from translation
// after the first agent frame.
const DefaultWarmup = time.Second

// Leg is the sending side of one media-stream connection.
type Leg interface {
	SendAudio(payloads []string, endOfTurn bool) error
	Close() error
}

// Translator is a connected translation channel for one leg's audio.
type Translator interface {
	PushAudio(payload string) error
	OnSpeechStopped(fn func(turnID string))
	OnAudio(fn func(payload string))
	OnAudioDone(fn func())
	OnClosed(fn func(err error))
	Close() error
}

// TranslatorFactory opens a translator for the audio of the given leg.
// The returned translator is already connected.
type TranslatorFactory func(ctx context.Context, direction protocol.Direction, language string) (Translator, error)

// State is the relay state of a session
type State int

const (
	StateAwaitingLegs State = iota
	StateBothLegsArmed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingLegs:
		return "awaiting_legs"
	case StateBothLegsArmed:
		return "both_legs_armed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig holds the relay behaviour shared by all sessions
type SessionConfig struct {
	Warmup               time.Duration
	ForwardOriginalAudio bool
	DefaultLanguage      string
}

// Session pairs the caller and agent legs of one call and relays audio
// between them.
type Session struct {
	ID        string
	Key       string
	StartTime time.Time

	cfg           SessionConfig
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	newTranslator TranslatorFactory
	onClosed      func(*Session)

	// release frees the session's registry key. It runs as soon as the
	// state flips to StateClosed, before any leg or channel I/O.
	release func(*Session) bool

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             State
	caller            Leg
	agent             Leg
	language          string
	callerTranslator  Translator
	agentTranslator   Translator
	agentFirstMediaAt time.Time
	callerLatency     latencyBuffer
	agentLatency      latencyBuffer
	lastActivity      time.Time
	armedAt           time.Time
	endTime           time.Time
	closeReason       string
	callerFrames      uint64
	agentFrames       uint64
	translatedChunks  uint64
}

func newSession(key string, cfg SessionConfig, logger *slog.Logger, m *metrics.Metrics,
	now func() time.Time, factory TranslatorFactory, onClosed func(*Session)) *Session {
	if now == nil {
		now = time.Now
	}
	if cfg.Warmup <= 0 {
		cfg.Warmup = DefaultWarmup
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	started := now()

	return &Session{
		ID:            id,
		Key:           key,
		StartTime:     started,
		cfg:           cfg,
		logger:        logger.With(slog.String("session_id", id), slog.String("correlation_key", key)),
		metrics:       m,
		now:           now,
		newTranslator: factory,
		onClosed:      onClosed,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateAwaitingLegs,
		lastActivity:  started,
	}
}

// State returns the current relay state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session last saw a bind or media frame
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) translationEnabled() bool {
	return s.newTranslator != nil
}

// setLanguage records the caller's language hint. The first non-empty
// hint wins.
func (s *Session) setLanguage(language string) {
	if language == "" {
		return
	}
	s.mu.Lock()
	if s.language == "" {
		s.language = language
	}
	s.mu.Unlock()
}

// HasLeg reports whether a leg is bound for direction
func (s *Session) HasLeg(direction protocol.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legFor(direction) != nil
}

// Owns reports whether leg is one of the session's bound legs
func (s *Session) Owns(leg Leg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return leg != nil && (s.caller == leg || s.agent == leg)
}

func (s *Session) legFor(direction protocol.Direction) Leg {
	switch direction {
	case protocol.DirectionInbound:
		return s.caller
	case protocol.DirectionOutbound:
		return s.agent
	}
	return nil
}

func (s *Session) translatorFor(direction protocol.Direction) Translator {
	if direction == protocol.DirectionOutbound {
		return s.agentTranslator
	}
	return s.callerTranslator
}

func (s *Session) latencyFor(direction protocol.Direction) *latencyBuffer {
	if direction == protocol.DirectionOutbound {
		return &s.agentLatency
	}
	return &s.callerLatency
}

// BindLeg attaches a leg. The session arms exactly once, on the bind that
// makes both legs present, whichever order they arrive in.
func (s *Session) BindLeg(direction protocol.Direction, leg Leg) error {
	if !direction.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.legFor(direction) != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", direction.LegName(), ErrLegAlreadyBound)
	}

	if direction == protocol.DirectionInbound {
		s.caller = leg
	} else {
		s.agent = leg
	}
	now := s.now()
	s.lastActivity = now

	armed := s.state == StateAwaitingLegs && s.caller != nil && s.agent != nil
	if armed {
		s.state = StateBothLegsArmed
		s.armedAt = now
	}
	language := s.language
	s.mu.Unlock()

	s.logger.Info("Leg bound to session", slog.String("leg", direction.LegName()))

	if armed {
		s.arm(language)
	}
	return nil
}

// arm runs once on the transition to StateBothLegsArmed
func (s *Session) arm(language string) {
	s.metrics.RecordSessionArmed()

	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	s.logger.Info("Both legs armed, relaying audio",
		slog.Bool("translation", s.translationEnabled()),
		slog.String("language", language),
		slog.Bool("forward_original_audio", s.forwardOriginal()))

	if !s.translationEnabled() {
		return
	}

	// Channels connect in the background. Audio that arrives before a
	// channel is open is forwarded raw only.
	for _, direction := range []protocol.Direction{protocol.DirectionInbound, protocol.DirectionOutbound} {
		go s.openTranslator(direction, language)
	}
}

func (s *Session) forwardOriginal() bool {
	return !s.translationEnabled() || s.cfg.ForwardOriginalAudio
}

func (s *Session) openTranslator(direction protocol.Direction, language string) {
	leg := direction.LegName()

	tr, err := s.newTranslator(s.ctx, direction, language)
	if err != nil {
		if s.ctx.Err() == nil {
			s.metrics.RecordTranslationError(leg, "connect")
			s.logger.Error("Failed to open translation channel",
				slog.String("leg", leg),
				slog.String("error", err.Error()))
		}
		return
	}

	tr.OnSpeechStopped(func(turnID string) { s.handleSpeechStopped(direction, turnID) })
	tr.OnAudio(func(payload string) { s.handleTranslatedAudio(direction, payload) })
	tr.OnAudioDone(func() { s.handleTranslatedAudioDone(direction) })
	tr.OnClosed(func(err error) { s.detachTranslator(direction, tr, err) })

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	if direction == protocol.DirectionOutbound {
		s.agentTranslator = tr
	} else {
		s.callerTranslator = tr
	}
	s.mu.Unlock()

	s.logger.Info("Translation channel attached", slog.String("leg", leg))
}

// detachTranslator drops a channel that closed on its own. Later frames
// from the leg count as not_ready drops instead of failed pushes.
func (s *Session) detachTranslator(direction protocol.Direction, tr Translator, cause error) {
	s.mu.Lock()
	if s.state == StateClosed || s.translatorFor(direction) != tr {
		s.mu.Unlock()
		return
	}
	if direction == protocol.DirectionOutbound {
		s.agentTranslator = nil
	} else {
		s.callerTranslator = nil
	}
	s.mu.Unlock()

	_ = tr.Close()

	leg := direction.LegName()
	s.metrics.RecordTranslationError(leg, "closed")
	attrs := []any{slog.String("leg", leg)}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	s.logger.Warn("Translation channel lost, relaying raw audio only", attrs...)
}

// HandleMedia relays one audio frame received on the given leg. Before
// both legs are armed the frame is dropped.
func (s *Session) HandleMedia(direction protocol.Direction, payload string) error {
	leg := direction.LegName()

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateAwaitingLegs:
		s.lastActivity = s.now()
		s.mu.Unlock()
		s.logger.Debug("Dropping media before both legs are armed", slog.String("leg", leg))
		return nil
	}

	now := s.now()
	s.lastActivity = now
	if direction == protocol.DirectionOutbound {
		s.agentFrames++
	} else {
		s.callerFrames++
	}
	target := s.legFor(direction.Opposite())

	var tr Translator
	push := false
	dropReason := ""
	if s.translationEnabled() {
		push = true
		if direction == protocol.DirectionOutbound {
			if s.agentFirstMediaAt.IsZero() {
				s.agentFirstMediaAt = now
			}
			if now.Sub(s.agentFirstMediaAt) < s.cfg.Warmup {
				push = false
				dropReason = "warmup"
			}
		}
		if push {
			tr = s.translatorFor(direction)
			if tr == nil {
				push = false
				dropReason = "not_ready"
			}
		}
	}
	s.mu.Unlock()

	if s.forwardOriginal() {
		if err := target.SendAudio([]string{payload}, false); err != nil {
			if s.closedDuringSend(err) {
				return nil
			}
			s.metrics.RecordForwardError(direction.Opposite().LegName())
			s.logger.Warn("Failed to forward audio",
				slog.String("from", leg),
				slog.String("error", err.Error()))
		} else {
			s.metrics.RecordForward(leg)
		}
	}

	if dropReason != "" {
		s.metrics.RecordTranslationDrop(leg, dropReason)
	}
	if !push {
		return nil
	}

	if err := tr.PushAudio(payload); err != nil {
		reason := "error"
		if errors.Is(err, translation.ErrChannelNotReady) {
			reason = "not_ready"
		}
		s.metrics.RecordTranslationDrop(leg, reason)
		// An attached channel only refuses audio once it is closed.
		s.detachTranslator(direction, tr, err)
		return nil
	}
	s.metrics.RecordTranslationPush(leg)
	return nil
}

// closedDuringSend reports whether a send failed because teardown closed
// the leg after the frame was accepted.
func (s *Session) closedDuringSend(err error) bool {
	return errors.Is(err, leg.ErrClosed) || s.State() == StateClosed
}

func (s *Session) handleSpeechStopped(direction protocol.Direction, turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.latencyFor(direction).speechStopped(turnID, s.now())
}

// handleTranslatedAudio forwards audio translated from direction's speech
// to the opposite leg
func (s *Session) handleTranslatedAudio(direction protocol.Direction, payload string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	latency, stamped := s.latencyFor(direction).firstAudio(s.now())
	s.translatedChunks++
	target := s.legFor(direction.Opposite())
	s.mu.Unlock()

	leg := direction.LegName()
	s.metrics.RecordTranslatedChunk(leg)
	if stamped {
		s.metrics.RecordTurnLatency(leg, latency.Seconds())
		s.logger.Debug("First translated audio for turn",
			slog.String("leg", leg),
			slog.Duration("latency", latency))
	}

	if err := target.SendAudio([]string{payload}, false); err != nil {
		if s.closedDuringSend(err) {
			return
		}
		s.metrics.RecordForwardError(direction.Opposite().LegName())
		s.logger.Warn("Failed to forward translated audio",
			slog.String("from", leg),
			slog.String("error", err.Error()))
	}
}

func (s *Session) handleTranslatedAudioDone(direction protocol.Direction) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	target := s.legFor(direction.Opposite())
	s.mu.Unlock()

	if err := target.SendAudio(nil, true); err != nil {
		s.logger.Debug("Failed to send end of turn mark",
			slog.String("leg", direction.Opposite().LegName()),
			slog.String("error", err.Error()))
	}
}

// Close tears the session down. Only the first call has any effect; it
// returns false for every later call.
func (s *Session) Close(reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	wasArmed := s.state == StateBothLegsArmed
	s.state = StateClosed
	s.endTime = s.now()
	s.closeReason = reason
	legs := []Leg{s.caller, s.agent}
	translators := []Translator{s.callerTranslator, s.agentTranslator}
	s.callerTranslator = nil
	s.agentTranslator = nil
	callerMean, callerTurns := s.callerLatency.mean()
	agentMean, agentTurns := s.agentLatency.mean()
	duration := s.endTime.Sub(s.StartTime)
	s.mu.Unlock()

	if s.release != nil {
		s.release(s)
	}
	s.cancel()

	for _, leg := range legs {
		if leg != nil {
			_ = leg.Close()
		}
	}
	for _, tr := range translators {
		if tr != nil {
			_ = tr.Close()
		}
	}

	if callerTurns > 0 {
		s.metrics.RecordSessionMeanLatency(protocol.DirectionInbound.LegName(), callerMean.Seconds())
	}
	if agentTurns > 0 {
		s.metrics.RecordSessionMeanLatency(protocol.DirectionOutbound.LegName(), agentMean.Seconds())
	}
	s.metrics.RecordSessionClosed(reason, duration.Seconds())

	s.logger.Info("Session closed",
		slog.String("reason", reason),
		slog.Bool("armed", wasArmed),
		slog.Duration("duration", duration),
		slog.Duration("caller_mean_latency", callerMean),
		slog.Int("caller_turns", callerTurns),
		slog.Duration("agent_mean_latency", agentMean),
		slog.Int("agent_turns", agentTurns))

	if s.onClosed != nil {
		s.onClosed(s)
	}
	return true
}

// MeanLatency returns the mean turn latency and number of complete turns
// for the leg whose speech was translated
func (s *Session) MeanLatency(direction protocol.Direction) (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyFor(direction).mean()
}

// SessionInfo is a monitoring snapshot of a session
type SessionInfo struct {
	ID               string        `json:"id"`
	CorrelationKey   string        `json:"correlation_key"`
	State            string        `json:"state"`
	Language         string        `json:"language,omitempty"`
	CallerBound      bool          `json:"caller_bound"`
	AgentBound       bool          `json:"agent_bound"`
	CallerTranslator bool          `json:"caller_translator"`
	AgentTranslator  bool          `json:"agent_translator"`
	StartTime        time.Time     `json:"start_time"`
	ArmedAt          *time.Time    `json:"armed_at,omitempty"`
	LastActivity     time.Time     `json:"last_activity"`
	Duration         time.Duration `json:"duration"`
	CallerFrames     uint64        `json:"caller_frames"`
	AgentFrames      uint64        `json:"agent_frames"`
	TranslatedChunks uint64        `json:"translated_chunks"`
	CallerTurns      int           `json:"caller_turns"`
	AgentTurns       int           `json:"agent_turns"`
}

// Info returns a snapshot for the monitoring API
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.now()
	if s.state == StateClosed {
		end = s.endTime
	}
	_, callerTurns := s.callerLatency.mean()
	_, agentTurns := s.agentLatency.mean()

	info := SessionInfo{
		ID:               s.ID,
		CorrelationKey:   s.Key,
		State:            s.state.String(),
		Language:         s.language,
		CallerBound:      s.caller != nil,
		AgentBound:       s.agent != nil,
		CallerTranslator: s.callerTranslator != nil,
		AgentTranslator:  s.agentTranslator != nil,
		StartTime:        s.StartTime,
		LastActivity:     s.lastActivity,
		Duration:         end.Sub(s.StartTime),
		CallerFrames:     s.callerFrames,
		AgentFrames:      s.agentFrames,
		TranslatedChunks: s.translatedChunks,
		CallerTurns:      callerTurns,
		AgentTurns:       agentTurns,
	}
	if !s.armedAt.IsZero() {
		armedAt := s.armedAt
		info.ArmedAt = &armedAt
	}
	return info
}

// Summary builds the record persisted after teardown
func (s *Session) Summary() summary.CallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	callerMean, callerTurns := s.callerLatency.mean()
	agentMean, agentTurns := s.agentLatency.mean()
	end := s.endTime
	if end.IsZero() {
		end = s.now()
	}
	language := s.language
	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	return summary.CallSummary{
		SessionID:         s.ID,
		CorrelationKey:    s.Key,
		Language:          language,
		CloseReason:       s.closeReason,
		StartTime:         s.StartTime,
		EndTime:           end,
		Duration:          end.Sub(s.StartTime),
		Armed:             !s.armedAt.IsZero(),
		Translated:        s.translationEnabled(),
		CallerFrames:      s.callerFrames,
		AgentFrames:       s.agentFrames,
		CallerTurns:       callerTurns,
		AgentTurns:        agentTurns,
		CallerMeanLatency: callerMean,
		AgentMeanLatency:  agentMean,
	}
}
