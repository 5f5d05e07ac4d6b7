package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/config"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/logger"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/metrics"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/protocol"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/server"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/stream"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/summary"
	"github.com/twilio-samples/live-translation-openai-realtime-api/internal/translation"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "live-translation-relay"
	serviceVersion    = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Live call translation relay",
	Long:          "Pairs the caller and agent media streams of a call and relays audio between them, optionally through a realtime translation model.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		return run(cmd.Context(), configPath)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: listen=%s stream_path=%s translation=%t summary=%s\n",
			cfg.HTTP.GetListenAddress(), cfg.HTTP.StreamPath, cfg.Translation.Enabled, cfg.Summary.Backend)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", path))

	// Log configuration summary (without sensitive data)
	log.Info("Configuration loaded",
		slog.String("listen_address", cfg.HTTP.GetListenAddress()),
		slog.String("stream_path", cfg.HTTP.StreamPath),
		slog.Int("warmup_ms", cfg.Relay.WarmupMs),
		slog.Bool("forward_original_audio", cfg.Relay.ForwardOriginalAudio),
		slog.Bool("translation_enabled", cfg.Translation.Enabled),
		slog.String("translation_model", cfg.Translation.Model),
		slog.String("summary_backend", cfg.Summary.Backend),
		slog.String("log_level", cfg.Logging.Level))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	log.Info("Prometheus metrics initialized")

	store, err := newSummaryStore(ctx, cfg.Summary)
	if err != nil {
		return fmt.Errorf("failed to initialize summary store: %w", err)
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn("Failed to close summary store", slog.String("error", err.Error()))
			}
		}()
		log.Info("Summary store initialized", slog.String("backend", cfg.Summary.Backend))
	}

	streamMgr := stream.NewManager(log.With(slog.String("component", "relay")), stream.ManagerConfig{
		Session: stream.SessionConfig{
			Warmup:               cfg.Relay.GetWarmupDuration(),
			ForwardOriginalAudio: cfg.Relay.ForwardOriginalAudio,
			DefaultLanguage:      cfg.Relay.DefaultCallerLanguage,
		},
		IdleTimeout:    cfg.Relay.GetIdleTimeoutDuration(),
		SweepInterval:  cfg.Relay.GetSweepIntervalDuration(),
		NewTranslator:  newTranslatorFactory(cfg.Translation, log),
		Store:          store,
		SummaryTimeout: cfg.Summary.GetSaveTimeoutDuration(),
		Metrics:        appMetrics,
	})
	defer streamMgr.Stop()

	httpServer := server.NewHTTPServer(cfg, log.With(slog.String("component", "http")),
		streamMgr, store, appMetrics, registry)
	if err := httpServer.Start(); err != nil {
		return err
	}

	log.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-httpServer.Errors():
			return fmt.Errorf("http server failed: %w", err)
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received, stopping service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.GetShutdownTimeoutDuration())
		defer cancel()

		if err := httpServer.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("HTTP server did not stop cleanly", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Service stopped with error", slog.String("error", err.Error()))
		return err
	}

	log.Info("Service stopped")
	return nil
}

// newSummaryStore returns nil when summaries are disabled
func newSummaryStore(ctx context.Context, cfg config.SummaryConfig) (summary.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := summary.NewRedisStore(ctx, summary.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.GetTTLDuration(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return summary.NewMemoryStore(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown summary backend %q", cfg.Backend)
	}
}

// newTranslatorFactory returns nil when translation is disabled, which
// leaves the relay forwarding raw audio only
func newTranslatorFactory(cfg config.TranslationConfig, log *slog.Logger) stream.TranslatorFactory {
	if !cfg.Enabled {
		return nil
	}

	channelCfg := translation.Config{
		Endpoint:       cfg.Endpoint,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		Voice:          cfg.Voice,
		AudioFormat:    cfg.AudioFormat,
		ConnectTimeout: cfg.GetConnectTimeoutDuration(),
	}

	return func(ctx context.Context, direction protocol.Direction, language string) (stream.Translator, error) {
		channel := translation.New(channelCfg, log.With(
			slog.String("component", "translation"),
			slog.String("leg", direction.LegName())))

		if err := channel.Connect(ctx, translation.Instructions(direction, language)); err != nil {
			return nil, err
		}
		return channel, nil
	}
}
