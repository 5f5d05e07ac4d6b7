package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/config"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/summary"
)

func TestNewSummaryStore(t *testing.T) {
	ctx := context.Background()

	store, err := newSummaryStore(ctx, config.SummaryConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = newSummaryStore(ctx, config.SummaryConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &summary.MemoryStore{}, store)

	_, err = newSummaryStore(ctx, config.SummaryConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestTranslatorFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Nil(t, newTranslatorFactory(config.TranslationConfig{Enabled: false}, logger))

	factory := newTranslatorFactory(config.TranslationConfig{Enabled: true, Endpoint: "ws://127.0.0.1:1/realtime"}, logger)
	require.NotNil(t, factory)

	// No API key: the channel refuses to dial.
	_, err := factory(context.Background(), protocol.DirectionInbound, "French")
	assert.Error(t, err)
}

func TestCheckConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 5050
  stream_path: /media
summary:
  backend: memory
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check-config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "configuration OK")
	assert.Contains(t, out.String(), ":5050")
	assert.Contains(t, out.String(), "stream_path=/media")
	assert.Contains(t, out.String(), "summary=memory")
}

func TestCheckConfigCommandRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: -1\n"), 0o644))

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{"check-config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	assert.Error(t, rootCmd.Execute())
}
