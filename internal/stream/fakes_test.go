package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/leg"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/translation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sent struct {
	payloads  []string
	endOfTurn bool
}

type fakeLeg struct {
	mu     sync.Mutex
	sends  []sent
	closes int

	// closing, when set, blocks Close until it is closed
	closing chan struct{}
	// beforeSend, when set, runs at the start of every SendAudio
	beforeSend func()
}

func (l *fakeLeg) SendAudio(payloads []string, endOfTurn bool) error {
	if l.beforeSend != nil {
		l.beforeSend()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closes > 0 {
		return leg.ErrClosed
	}
	l.sends = append(l.sends, sent{payloads: append([]string(nil), payloads...), endOfTurn: endOfTurn})
	return nil
}

func (l *fakeLeg) Close() error {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	if l.closing != nil {
		<-l.closing
	}
	return nil
}

// payloads returns every forwarded payload in order
func (l *fakeLeg) payloads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, s := range l.sends {
		out = append(out, s.payloads...)
	}
	return out
}

func (l *fakeLeg) marks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sends {
		if s.endOfTurn {
			n++
		}
	}
	return n
}

func (l *fakeLeg) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

type fakeTranslator struct {
	mu              sync.Mutex
	pushed          []string
	closes          int
	notReady        bool
	onSpeechStopped func(string)
	onAudio         func(string)
	onAudioDone     func()
	onClosed        func(error)
}

func (t *fakeTranslator) PushAudio(payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notReady || t.closes > 0 {
		return translation.ErrChannelNotReady
	}
	t.pushed = append(t.pushed, payload)
	return nil
}

func (t *fakeTranslator) OnSpeechStopped(fn func(string)) { t.mu.Lock(); t.onSpeechStopped = fn; t.mu.Unlock() }
func (t *fakeTranslator) OnAudio(fn func(string))         { t.mu.Lock(); t.onAudio = fn; t.mu.Unlock() }
func (t *fakeTranslator) OnAudioDone(fn func())           { t.mu.Lock(); t.onAudioDone = fn; t.mu.Unlock() }
func (t *fakeTranslator) OnClosed(fn func(error))         { t.mu.Lock(); t.onClosed = fn; t.mu.Unlock() }

func (t *fakeTranslator) Close() error {
	t.mu.Lock()
	t.closes++
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
	return nil
}

// fail simulates a transport error: the channel closes on its own
func (t *fakeTranslator) fail(err error) {
	t.mu.Lock()
	t.closes++
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *fakeTranslator) pushes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.pushed...)
}

func (t *fakeTranslator) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTranslator) speechStopped(turnID string) {
	t.mu.Lock()
	fn := t.onSpeechStopped
	t.mu.Unlock()
	fn(turnID)
}

func (t *fakeTranslator) audio(payload string) {
	t.mu.Lock()
	fn := t.onAudio
	t.mu.Unlock()
	fn(payload)
}

func (t *fakeTranslator) audioDone() {
	t.mu.Lock()
	fn := t.onAudioDone
	t.mu.Unlock()
	fn()
}

// fakeFactory hands out one fakeTranslator per direction
type fakeFactory struct {
	mu          sync.Mutex
	translators map[protocol.Direction]*fakeTranslator
	languages   map[protocol.Direction]string
	calls       int
	notReady    bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		translators: make(map[protocol.Direction]*fakeTranslator),
		languages:   make(map[protocol.Direction]string),
	}
}

func (f *fakeFactory) open(_ context.Context, direction protocol.Direction, language string) (Translator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	tr := &fakeTranslator{notReady: f.notReady}
	f.translators[direction] = tr
	f.languages[direction] = language
	return tr, nil
}

func (f *fakeFactory) get(direction protocol.Direction) *fakeTranslator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.translators[direction]
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
