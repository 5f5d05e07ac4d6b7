package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/config"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/realtimefake"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/stream"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/summary"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/translation"
)

func newTranslatingEnv(t *testing.T, forwardOriginal bool) *testEnv {
	t.Helper()

	fake := httptest.NewServer(realtimefake.New(realtimefake.Config{
		TurnChunks:    2,
		ResponseDelay: 20 * time.Millisecond,
		RequireAuth:   true,
	}, testLogger()))
	t.Cleanup(fake.Close)
	endpoint := "ws" + strings.TrimPrefix(fake.URL, "http")

	cfg := config.Default()
	cfg.Translation.Enabled = true
	cfg.Relay.ForwardOriginalAudio = forwardOriginal

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	store := summary.NewMemoryStore()

	factory := func(ctx context.Context, direction protocol.Direction, language string) (stream.Translator, error) {
		ch := translation.New(translation.Config{Endpoint: endpoint, APIKey: "sk-test"}, testLogger())
		if err := ch.Connect(ctx, translation.Instructions(direction, language)); err != nil {
			return nil, err
		}
		return ch, nil
	}

	mgr := stream.NewManager(testLogger(), stream.ManagerConfig{
		Session: stream.SessionConfig{
			Warmup:               cfg.Relay.GetWarmupDuration(),
			ForwardOriginalAudio: cfg.Relay.ForwardOriginalAudio,
			DefaultLanguage:      cfg.Relay.DefaultCallerLanguage,
		},
		NewTranslator: factory,
		Store:         store,
		Metrics:       m,
	})

	h := NewHTTPServer(&cfg, testLogger(), mgr, store, m, reg)
	ts := httptest.NewServer(h.Handler())

	env := &testEnv{t: t, cfg: &cfg, mgr: mgr, store: store, http: h, ts: ts, metrics: m}
	t.Cleanup(func() {
		h.Streams().Stop()
		mgr.Stop()
		ts.Close()
	})
	return env
}

func (e *testEnv) waitForTranslators() {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		session, ok := e.mgr.Find(testCaller)
		if !ok {
			return false
		}
		info := session.Info()
		return info.CallerTranslator && info.AgentTranslator
	}, waitFor, tick)
}

type received struct {
	media []string
	marks int
}

// collectUntilMark reads frames until the first mark arrives
func collectUntilMark(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	var got received
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))

		switch msg.Event {
		case "media":
			got.media = append(got.media, msg.Media.Payload)
		case "mark":
			got.marks++
			return got
		}
	}
}

func TestTranslatedAudioReachesOppositeLeg(t *testing.T) {
	env := newTranslatingEnv(t, false)

	caller, agent := env.armCall()
	env.waitForTranslators()

	sendJSON(t, caller, mediaFrame("MZcaller", "AAEC"))
	sendJSON(t, caller, mediaFrame("MZcaller", "AwQF"))

	// Only translated audio is relayed, followed by an end-of-turn mark.
	got := collectUntilMark(t, agent)
	assert.Equal(t, []string{"AAEC", "AwQF"}, got.media)
	assert.Equal(t, 1, got.marks)

	session, ok := env.mgr.Find(testCaller)
	require.True(t, ok)
	assert.Equal(t, 1, session.Info().CallerTurns)

	sendJSON(t, caller, stopFrame("MZcaller"))
	require.Eventually(t, func() bool { return env.mgr.Count() == 0 }, waitFor, tick)

	store := env.store.(*summary.MemoryStore)
	require.Eventually(t, func() bool { return store.Len() == 1 }, waitFor, tick)

	record, err := store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.True(t, record.Translated)
	assert.Equal(t, 1, record.CallerTurns)
	assert.Greater(t, record.CallerMeanLatency, time.Duration(0))
	assert.Equal(t, "French", record.Language)
}

func TestForwardOriginalAlongsideTranslation(t *testing.T) {
	env := newTranslatingEnv(t, true)

	caller, agent := env.armCall()
	env.waitForTranslators()

	sendJSON(t, caller, mediaFrame("MZcaller", "AAEC"))
	sendJSON(t, caller, mediaFrame("MZcaller", "AwQF"))

	// Raw and translated copies both arrive; their interleaving is not fixed.
	got := collectUntilMark(t, agent)
	assert.ElementsMatch(t, []string{"AAEC", "AwQF", "AAEC", "AwQF"}, got.media)
}

func TestAgentAudioWarmupHoldsBackTranslation(t *testing.T) {
	env := newTranslatingEnv(t, false)

	_, agent := env.armCall()
	env.waitForTranslators()

	// Inside the one second warm-up nothing reaches the agent translator,
	// so no turn can complete.
	sendJSON(t, agent, mediaFrame("MZagent", "AAEC"))
	sendJSON(t, agent, mediaFrame("MZagent", "AwQF"))

	time.Sleep(200 * time.Millisecond)
	session, ok := env.mgr.Find(testCaller)
	require.True(t, ok)
	assert.Equal(t, 0, session.Info().AgentTurns)
}
