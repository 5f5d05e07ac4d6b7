package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/summary"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultSummaryTimeout = 5 * time.Second
)

// ManagerConfig contains configuration for the session registry
type ManagerConfig struct {
	Session SessionConfig

	// IdleTimeout closes sessions with no activity for this long.
	// Zero disables the sweeper.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// NewTranslator is nil when translation is disabled.
	NewTranslator TranslatorFactory

	Store          summary.Store
	SummaryTimeout time.Duration

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Manager is the session registry. It maps correlation keys to relay
// sessions and routes leg events to them.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	cfg      ManagerConfig

	// Cleanup management
	ctx      context.Context
	cancel   context.CancelFunc
	cleanup  chan struct{}
	saves    sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a registry and starts its idle sweeper
func NewManager(logger *slog.Logger, cfg ManagerConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = defaultSummaryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// GetOrCreate returns the live session for key, creating it if absent.
// created reports whether a new session was made.
func (m *Manager) GetOrCreate(key string) (session *Session, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[key]; ok {
		return existing, false
	}

	session = newSession(key, m.cfg.Session, m.logger, m.cfg.Metrics,
		m.cfg.Clock, m.cfg.NewTranslator, m.sessionClosed)
	session.release = m.Remove
	m.sessions[key] = session

	m.cfg.Metrics.RecordSessionCreated()
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))

	m.logger.Info("Created relay session",
		slog.String("session_id", session.ID),
		slog.String("correlation_key", key))

	return session, true
}

// Find returns the live session for key
func (m *Manager) Find(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	return session, ok
}

// Remove deletes session from the registry if it is still the entry for
// its key. It does not close the session.
func (m *Manager) Remove(session *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[session.Key]
	if !ok || current != session {
		return false
	}
	delete(m.sessions, session.Key)
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))
	return true
}

// sessionClosed runs at the end of every session teardown. The key has
// already been released by then.
func (m *Manager) sessionClosed(session *Session) {
	if m.cfg.Store == nil {
		return
	}

	record := session.Summary()
	m.saves.Add(1)
	go func() {
		defer m.saves.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SummaryTimeout)
		defer cancel()

		if err := m.cfg.Store.Save(ctx, record); err != nil {
			m.logger.Warn("Failed to save call summary",
				slog.String("session_id", record.SessionID),
				slog.String("error", err.Error()))
			return
		}
		m.logger.Debug("Call summary saved", slog.String("session_id", record.SessionID))
	}()
}

// OnLegStart binds a leg that has sent its start frame. The caller leg
// creates the session; the agent leg must find an existing one. On error
// the leg is closed.
func (m *Manager) OnLegStart(key string, direction protocol.Direction, language string, leg Leg) error {
	err := m.bindLeg(key, direction, language, leg)
	if err != nil {
		m.cfg.Metrics.RecordCorrelationError(protocol.EventStart)
		m.logger.Warn("Dropping leg",
			slog.String("correlation_key", key),
			slog.String("direction", string(direction)),
			slog.String("error", err.Error()))
		_ = leg.Close()
	}
	return err
}

func (m *Manager) bindLeg(key string, direction protocol.Direction, language string, leg Leg) error {
	if key == "" {
		return ErrMissingCorrelation
	}
	if !direction.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	var session *Session
	switch direction {
	case protocol.DirectionInbound:
		var created bool
		session, created = m.GetOrCreate(key)
		if !created && (session.State() == StateClosed || session.HasLeg(protocol.DirectionInbound)) {
			// A new caller stream for the same key replaces the old call.
			// If the old call is already tearing down, evict it here.
			if !session.Close(ReasonReplaced) {
				m.Remove(session)
			}
			session, _ = m.GetOrCreate(key)
		}
	case protocol.DirectionOutbound:
		var ok bool
		session, ok = m.Find(key)
		if !ok {
			return fmt.Errorf("agent leg for %s: %w", key, ErrSessionNotFound)
		}
	}

	session.setLanguage(language)
	return session.BindLeg(direction, leg)
}

// OnLegMedia routes one audio frame to the session for key. A frame with
// no session is dropped and never creates one.
func (m *Manager) OnLegMedia(key string, direction protocol.Direction, payload string) error {
	session, ok := m.Find(key)
	if !ok {
		m.cfg.Metrics.RecordCorrelationError(protocol.EventMedia)
		m.logger.Debug("Dropping media for unknown session",
			slog.String("correlation_key", key),
			slog.String("direction", string(direction)))
		return fmt.Errorf("media for %s: %w", key, ErrSessionNotFound)
	}
	return session.HandleMedia(direction, payload)
}

// OnLegStop tears down the session for key. A stop for a key that has
// already been removed is a no-op.
func (m *Manager) OnLegStop(key string) bool {
	session, ok := m.Find(key)
	if !ok {
		m.logger.Debug("Stop for unknown session", slog.String("correlation_key", key))
		return false
	}
	return session.Close(ReasonStop)
}

// OnLegDisconnect tears down the session for key if leg belongs to it.
// Used when a socket drops without sending stop.
func (m *Manager) OnLegDisconnect(key string, leg Leg) bool {
	session, ok := m.Find(key)
	if !ok || !session.Owns(leg) {
		return false
	}
	return session.Close(ReasonDisconnect)
}

// Count returns the number of sessions in the registry
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of every live session, oldest first
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// Stop closes every session, stops the sweeper and waits for pending
// summary writes
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping session manager...")

		m.cancel()
		<-m.cleanup

		m.mu.RLock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, session := range m.sessions {
			sessions = append(sessions, session)
		}
		m.mu.RUnlock()

		for _, session := range sessions {
			session.Close(ReasonShutdown)
		}

		m.saves.Wait()

		m.logger.Info("Session manager stopped",
			slog.Int("closed_sessions", len(sessions)),
			slog.Int("remaining_sessions", m.Count()))
	})
}

// startCleanupRoutine runs in a separate goroutine to close idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.cfg.IdleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.cfg.IdleTimeout),
		slog.Duration("check_interval", m.cfg.SweepInterval))

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.closeIdleSessions()
		}
	}
}

// closeIdleSessions tears down sessions that have been inactive for too long
func (m *Manager) closeIdleSessions() int {
	now := m.cfg.Clock()
	expired := make([]*Session, 0)

	m.mu.RLock()
	for _, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.cfg.IdleTimeout {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Closing idle sessions", slog.Int("expired_count", len(expired)))

		for _, session := range expired {
			session.Close(ReasonIdle)
		}
	}
	return len(expired)
}
