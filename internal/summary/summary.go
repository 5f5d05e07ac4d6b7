// Package summary persists a short record of every relayed call once the
// session has been torn down.
package summary

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when no summary exists for the id.
var ErrNotFound = errors.New("call summary not found")

// CallSummary is the record written when a relay session closes
type CallSummary struct {
	SessionID      string        `json:"session_id"`
	CorrelationKey string        `json:"correlation_key"`
	Language       string        `json:"language,omitempty"`
	CloseReason    string        `json:"close_reason"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	Armed          bool          `json:"armed"`
	Translated     bool          `json:"translated"`

	CallerFrames uint64 `json:"caller_frames"`
	AgentFrames  uint64 `json:"agent_frames"`

	CallerTurns       int           `json:"caller_turns"`
	AgentTurns        int           `json:"agent_turns"`
	CallerMeanLatency time.Duration `json:"caller_mean_latency"`
	AgentMeanLatency  time.Duration `json:"agent_mean_latency"`
}

// Store saves and loads call summaries
type Store interface {
	Save(ctx context.Context, s CallSummary) error
	Get(ctx context.Context, sessionID string) (CallSummary, error)
	Close() error
}

const timeLayout = time.RFC3339Nano

// fields flattens a summary into hash fields
func (s CallSummary) fields() map[string]any {
	return map[string]any{
		"session_id":          s.SessionID,
		"correlation_key":     s.CorrelationKey,
		"language":            s.Language,
		"close_reason":        s.CloseReason,
		"start_time":          s.StartTime.UTC().Format(timeLayout),
		"end_time":            s.EndTime.UTC().Format(timeLayout),
		"duration_ms":         s.Duration.Milliseconds(),
		"armed":               strconv.FormatBool(s.Armed),
		"translated":          strconv.FormatBool(s.Translated),
		"caller_frames":       s.CallerFrames,
		"agent_frames":        s.AgentFrames,
		"caller_turns":        s.CallerTurns,
		"agent_turns":         s.AgentTurns,
		"caller_mean_latency": s.CallerMeanLatency.Milliseconds(),
		"agent_mean_latency":  s.AgentMeanLatency.Milliseconds(),
	}
}

// fromFields rebuilds a summary from hash fields. Unparseable numbers
// decode as zero.
func fromFields(m map[string]string) CallSummary {
	num := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	ts := func(k string) time.Time {
		t, _ := time.Parse(timeLayout, m[k])
		return t
	}
	return CallSummary{
		SessionID:         m["session_id"],
		CorrelationKey:    m["correlation_key"],
		Language:          m["language"],
		CloseReason:       m["close_reason"],
		StartTime:         ts("start_time"),
		EndTime:           ts("end_time"),
		Duration:          time.Duration(num("duration_ms")) * time.Millisecond,
		Armed:             m["armed"] == "true",
		Translated:        m["translated"] == "true",
		CallerFrames:      uint64(num("caller_frames")),
		AgentFrames:       uint64(num("agent_frames")),
		CallerTurns:       int(num("caller_turns")),
		AgentTurns:        int(num("agent_turns")),
		CallerMeanLatency: time.Duration(num("caller_mean_latency")) * time.Millisecond,
		AgentMeanLatency:  time.Duration(num("agent_mean_latency")) * time.Millisecond,
	}
}

// MemoryStore keeps summaries in process. Used when no Redis is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]CallSummary
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[string]CallSummary)}
}

func (m *MemoryStore) Save(_ context.Context, s CallSummary) error {
	m.mu.Lock()
	m.summaries[s.SessionID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (CallSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[sessionID]
	if !ok {
		return CallSummary{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored summaries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.summaries)
}
