// Command fake-realtime runs a local realtime endpoint that echoes each
// turn's audio back. Point translation.endpoint at it to try the relay
// without an API key.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/config"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/logger"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/realtimefake"
)

var (
	listenAddr    string
	turnChunks    int
	responseDelay time.Duration
	requireAuth   bool
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:          "fake-realtime",
	Short:        "Local echo server for the realtime translation protocol",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "addr", ":9000", "Listen address")
	rootCmd.Flags().IntVar(&turnChunks, "turn-chunks", realtimefake.DefaultTurnChunks, "Appended chunks per turn")
	rootCmd.Flags().DurationVar(&responseDelay, "delay", 150*time.Millisecond, "Delay between speech_stopped and the first audio delta")
	rootCmd.Flags().BoolVar(&requireAuth, "require-auth", true, "Reject connections without a bearer token")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	log := logger.NewWithWriter(config.LoggingConfig{Level: logLevel, Format: "text"}, os.Stderr)

	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", realtimefake.New(realtimefake.Config{
		TurnChunks:    turnChunks,
		ResponseDelay: responseDelay,
		RequireAuth:   requireAuth,
	}, log))

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	log.Info("Fake realtime endpoint listening",
		slog.String("endpoint", "ws://localhost"+listenAddr+"/v1/realtime"),
		slog.Int("turn_chunks", turnChunks),
		slog.Duration("delay", responseDelay))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
