package translation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealtime records client events and lets the test push server events.
type fakeRealtime struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	header   http.Header
	query    string
	received []map[string]any
	conn     *websocket.Conn
	ready    chan struct{}
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	f := &fakeRealtime{t: t, ready: make(chan struct{})}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeRealtime) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.header = r.Header.Clone()
	f.query = r.URL.RawQuery
	f.conn = conn
	f.mu.Unlock()
	close(f.ready)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if json.Unmarshal(data, &m) == nil {
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
		}
	}
}

func (f *fakeRealtime) send(v any) {
	<-f.ready
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(f.t, f.conn.WriteJSON(v))
}

func (f *fakeRealtime) events() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.received...)
}

func (f *fakeRealtime) closeConn() {
	<-f.ready
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Close()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T, f *fakeRealtime) *Channel {
	ch := New(Config{Endpoint: f.url(), APIKey: "sk-test", Model: "test-model"}, testLogger())
	require.NoError(t, ch.Connect(context.Background(), "translate please"))
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestChannelConnectSendsSingleSessionUpdate(t *testing.T) {
	f := newFakeRealtime(t)
	ch := connect(t, f)
	assert.Equal(t, StateOpen, ch.State())

	require.Eventually(t, func() bool { return len(f.events()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ev := f.events()[0]
	assert.Equal(t, "session.update", ev["type"])
	session := ev["session"].(map[string]any)
	assert.Equal(t, "translate please", session["instructions"])
	assert.Equal(t, "g711_ulaw", session["input_audio_format"])
	assert.Equal(t, "g711_ulaw", session["output_audio_format"])
	assert.Equal(t, "alloy", session["voice"])
	assert.Equal(t, "server_vad", session["turn_detection"].(map[string]any)["type"])

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Bearer sk-test", f.header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", f.header.Get("OpenAI-Beta"))
	assert.Contains(t, f.query, "model=test-model")
}

func TestChannelPushAudio(t *testing.T) {
	f := newFakeRealtime(t)
	ch := connect(t, f)

	require.NoError(t, ch.PushAudio("AAEC"))
	require.Eventually(t, func() bool { return len(f.events()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ev := f.events()[1]
	assert.Equal(t, "input_audio_buffer.append", ev["type"])
	assert.Equal(t, "AAEC", ev["audio"])
}

func TestChannelPushAudioRequiresOpen(t *testing.T) {
	ch := New(Config{APIKey: "sk-test"}, testLogger())
	assert.ErrorIs(t, ch.PushAudio("AA=="), ErrChannelNotReady)

	f := newFakeRealtime(t)
	open := connect(t, f)
	require.NoError(t, open.Close())
	assert.Equal(t, StateClosed, open.State())
	assert.ErrorIs(t, open.PushAudio("AA=="), ErrChannelNotReady)
}

func TestChannelClassifiesServerEvents(t *testing.T) {
	f := newFakeRealtime(t)
	ch := New(Config{Endpoint: f.url(), APIKey: "sk-test"}, testLogger())

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	ch.OnSpeechStopped(func(turnID string) { record("stopped:" + turnID) })
	ch.OnAudio(func(payload string) { record("audio:" + payload) })
	ch.OnAudioDone(func() { record("done") })

	require.NoError(t, ch.Connect(context.Background(), "x"))
	t.Cleanup(func() { ch.Close() })

	f.send(map[string]any{"type": "session.updated"})
	f.send(map[string]any{"type": "input_audio_buffer.speech_stopped", "item_id": "item_1"})
	f.send(map[string]any{"type": "response.audio.delta", "delta": "AQ=="})
	f.send(map[string]any{"type": "error", "error": map[string]any{"message": "boom"}})
	f.send(map[string]any{"type": "something.unknown"})
	f.send(map[string]any{"type": "response.audio.delta", "delta": "Ag=="})
	f.send(map[string]any{"type": "response.audio.done"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stopped:item_1", "audio:AQ==", "audio:Ag==", "done"}, order)
	assert.Equal(t, StateOpen, ch.State())
}

func TestChannelRemoteCloseTransitionsToClosed(t *testing.T) {
	f := newFakeRealtime(t)
	ch := New(Config{Endpoint: f.url(), APIKey: "sk-test"}, testLogger())

	closed := make(chan error, 1)
	ch.OnClosed(func(err error) { closed <- err })
	require.NoError(t, ch.Connect(context.Background(), "x"))

	f.closeConn()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not observe remote close")
	}
	assert.Equal(t, StateClosed, ch.State())
	<-ch.Done()
}

func TestChannelConnectFailures(t *testing.T) {
	t.Run("missing api key", func(t *testing.T) {
		ch := New(Config{Endpoint: "ws://127.0.0.1:1"}, testLogger())
		require.Error(t, ch.Connect(context.Background(), "x"))
		assert.Equal(t, StateClosed, ch.State())
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		ch := New(Config{Endpoint: "ws://127.0.0.1:1", APIKey: "k", ConnectTimeout: time.Second}, testLogger())
		require.Error(t, ch.Connect(context.Background(), "x"))
		assert.Equal(t, StateClosed, ch.State())
		assert.ErrorIs(t, ch.PushAudio("AA=="), ErrChannelNotReady)
	})

	t.Run("connect twice", func(t *testing.T) {
		f := newFakeRealtime(t)
		ch := connect(t, f)
		assert.ErrorIs(t, ch.Connect(context.Background(), "x"), ErrChannelNotReady)
	})
}

func TestInstructions(t *testing.T) {
	caller := CallerInstructions("Spanish")
	assert.Contains(t, caller, "from Spanish to English")
	assert.NotContains(t, caller, languagePlaceholder)

	agent := AgentInstructions("Spanish")
	assert.Contains(t, agent, "from English to Spanish")

	assert.Equal(t, agent, Instructions("outbound", "Spanish"))
	assert.Equal(t, caller, Instructions("inbound", "Spanish"))
}
