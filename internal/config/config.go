package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file
const (
	EnvOpenAIAPIKey         = "OPENAI_API_KEY"
	EnvRedisPassword        = "REDIS_PASSWORD"
	EnvForwardOriginalAudio = "FORWARD_AUDIO_BEFORE_TRANSLATION"
)

// Config represents the complete service configuration
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Relay       RelayConfig       `yaml:"relay"`
	Translation TranslationConfig `yaml:"translation"`
	Summary     SummaryConfig     `yaml:"summary"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HTTPConfig contains the media-stream WebSocket and monitoring API server configuration
type HTTPConfig struct {
	Port            int    `yaml:"port"`
	Address         string `yaml:"address"`
	StreamPath      string `yaml:"stream_path"`
	ReadTimeout     int    `yaml:"read_timeout"`     // seconds
	WriteTimeout    int    `yaml:"write_timeout"`    // seconds
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// RelayConfig contains call-leg pairing and relay parameters
type RelayConfig struct {
	WarmupMs              int    `yaml:"warmup_ms"`
	IdleTimeout           int    `yaml:"idle_timeout"`   // seconds, 0 disables the sweeper
	SweepInterval         int    `yaml:"sweep_interval"` // seconds
	ForwardOriginalAudio  bool   `yaml:"forward_original_audio"`
	DefaultCallerLanguage string `yaml:"default_caller_language"`
}

// TranslationConfig contains realtime translation endpoint configuration
type TranslationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Voice          string `yaml:"voice"`
	AudioFormat    string `yaml:"audio_format"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
}

// SummaryConfig contains call summary storage configuration
type SummaryConfig struct {
	Backend     string      `yaml:"backend"` // none, memory or redis
	Redis       RedisConfig `yaml:"redis"`
	KeyPrefix   string      `yaml:"key_prefix"`
	TTL         int         `yaml:"ttl"`          // seconds
	SaveTimeout int         `yaml:"save_timeout"` // seconds
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs a raw relay on :4040
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:            4040,
			Address:         "0.0.0.0",
			StreamPath:      "/intercept",
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 10,
		},
		Relay: RelayConfig{
			WarmupMs:              1000,
			IdleTimeout:           300,
			SweepInterval:         30,
			ForwardOriginalAudio:  true,
			DefaultCallerLanguage: "Spanish",
		},
		Translation: TranslationConfig{
			Enabled:        false,
			Endpoint:       "wss://api.openai.com/v1/realtime",
			Model:          "gpt-4o-realtime-preview",
			Voice:          "alloy",
			AudioFormat:    "g711_ulaw",
			ConnectTimeout: 10,
		},
		Summary: SummaryConfig{
			Backend:     "none",
			Redis:       RedisConfig{Addr: "localhost:6379"},
			KeyPrefix:   "relay:calls:",
			TTL:         7 * 24 * 3600,
			SaveTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides secrets and toggles from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvOpenAIAPIKey); ok && v != "" {
		c.Translation.APIKey = v
	}
	if v, ok := lookup(EnvRedisPassword); ok && v != "" {
		c.Summary.Redis.Password = v
	}
	if v, ok := lookup(EnvForwardOriginalAudio); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be a boolean, got '%s'", EnvForwardOriginalAudio, v)
		}
		c.Relay.ForwardOriginalAudio = b
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Translation.Validate(); err != nil {
		return fmt.Errorf("translation config: %w", err)
	}

	if err := c.Summary.Validate(); err != nil {
		return fmt.Errorf("summary config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if !strings.HasPrefix(h.StreamPath, "/") {
		return fmt.Errorf("stream_path must start with '/', got '%s'", h.StreamPath)
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("read_timeout and write_timeout cannot be negative")
	}

	if h.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", h.ShutdownTimeout)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.WarmupMs < 0 || r.WarmupMs > 10000 {
		return fmt.Errorf("warmup_ms must be between 0 and 10000, got %d", r.WarmupMs)
	}

	if r.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", r.IdleTimeout)
	}

	if r.IdleTimeout > 0 && r.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", r.SweepInterval)
	}

	if strings.TrimSpace(r.DefaultCallerLanguage) == "" {
		return fmt.Errorf("default_caller_language cannot be empty")
	}

	return nil
}

// Validate validates translation configuration. Endpoint settings are only
// checked when translation is enabled.
func (t *TranslationConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if !strings.HasPrefix(t.Endpoint, "ws://") && !strings.HasPrefix(t.Endpoint, "wss://") {
		return fmt.Errorf("endpoint must be a ws:// or wss:// URL, got '%s'", t.Endpoint)
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty when translation is enabled (set %s)", EnvOpenAIAPIKey)
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	validFormats := map[string]bool{"g711_ulaw": true, "g711_alaw": true, "pcm16": true}
	if !validFormats[t.AudioFormat] {
		return fmt.Errorf("audio_format must be one of [g711_ulaw, g711_alaw, pcm16], got '%s'", t.AudioFormat)
	}

	if t.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", t.ConnectTimeout)
	}

	return nil
}

// Validate validates summary configuration
func (s *SummaryConfig) Validate() error {
	switch s.Backend {
	case "none", "memory":
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis addr cannot be empty when backend is redis")
		}
		if s.Redis.DB < 0 {
			return fmt.Errorf("redis db cannot be negative, got %d", s.Redis.DB)
		}
	default:
		return fmt.Errorf("backend must be one of [none, memory, redis], got '%s'", s.Backend)
	}

	if s.TTL < 0 {
		return fmt.Errorf("ttl cannot be negative, got %d", s.TTL)
	}

	if s.SaveTimeout < 1 {
		return fmt.Errorf("save_timeout must be at least 1 second, got %d", s.SaveTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path.
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetListenAddress returns the host:port the HTTP server binds to
func (h *HTTPConfig) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (h *HTTPConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// GetWarmupDuration returns the agent warm-up window as a time.Duration
func (r *RelayConfig) GetWarmupDuration() time.Duration {
	return time.Duration(r.WarmupMs) * time.Millisecond
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (r *RelayConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// GetSweepIntervalDuration returns the sweeper interval as a time.Duration
func (r *RelayConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}

// GetConnectTimeoutDuration returns the channel connect timeout as a time.Duration
func (t *TranslationConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(t.ConnectTimeout) * time.Second
}

// GetTTLDuration returns the summary TTL as a time.Duration
func (s *SummaryConfig) GetTTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// GetSaveTimeoutDuration returns the summary save timeout as a time.Duration
func (s *SummaryConfig) GetSaveTimeoutDuration() time.Duration {
	return time.Duration(s.SaveTimeout) * time.Second
}
