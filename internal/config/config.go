// Package config handles loading and validating the parley configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/voice"
)

// Config is the root configuration for the parley daemon.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Transports   TransportsConfig         `mapstructure:"transports"`
	Cache        CacheConfig              `mapstructure:"cache"`
	Breakers     BreakersConfig           `mapstructure:"breakers"`
	Memory       MemoryConfig             `mapstructure:"memory"`
	Orchestrator OrchestratorConfig       `mapstructure:"orchestrator"`
	Generator    GeneratorConfig          `mapstructure:"generator"`
	TTS          TTSConfig                `mapstructure:"tts"`
	Voices       map[string]voice.Profile `mapstructure:"voices"`
	Logging      LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig holds the health check server settings.
type ServerConfig struct {
	HealthPort      int           `mapstructure:"health_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TransportsConfig holds the configuration for each transport layer.
type TransportsConfig struct {
	GRPC GRPCConfig `mapstructure:"grpc"`
	HTTP HTTPConfig `mapstructure:"http"`
}

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HTTPConfig configures the HTTP/WebSocket transport.
type HTTPConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// CacheConfig sizes the response cache. Capacity accepts human sizes
// such as "64MiB".
type CacheConfig struct {
	Capacity      string        `mapstructure:"capacity"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	WarmFillers   bool          `mapstructure:"warm_fillers"`
}

// CapacityBytes parses Capacity.
func (c CacheConfig) CapacityBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.Capacity)
	if err != nil {
		return 0, fmt.Errorf("cache.capacity %q: %w", c.Capacity, err)
	}
	return int64(n), nil
}

// BreakersConfig holds the default breaker settings and per-dependency
// overrides. Zero fields in an override inherit the default.
type BreakersConfig struct {
	Defaults  breaker.Settings            `mapstructure:"defaults"`
	Overrides map[string]breaker.Settings `mapstructure:"overrides"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	WindowSize    int           `mapstructure:"window_size"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Archive       ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig configures the redis archive for expired conversations.
type ArchiveConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// OrchestratorConfig holds the response cycle timings and filler phrases.
type OrchestratorConfig struct {
	AckDelay             time.Duration `mapstructure:"ack_delay"`
	AckMinChars          int           `mapstructure:"ack_min_chars"`
	ThinkingInterval     time.Duration `mapstructure:"thinking_interval"`
	MaxThinkingCues      int           `mapstructure:"max_thinking_cues"`
	PartialResponseDelay time.Duration `mapstructure:"partial_response_delay"`
	CacheMaxChars        int           `mapstructure:"cache_max_chars"`
	FallbackPhrase       string        `mapstructure:"fallback_phrase"`
	AckPhrases           []string      `mapstructure:"ack_phrases"`
	ThinkingPhrases      []string      `mapstructure:"thinking_phrases"`
	PartialPhrases       []string      `mapstructure:"partial_phrases"`
	SystemPrompt         string        `mapstructure:"system_prompt"`
}

// GeneratorConfig selects and configures the LLM backend.
type GeneratorConfig struct {
	Backend string       `mapstructure:"backend"` // "openai" or "local"
	OpenAI  OpenAIConfig `mapstructure:"openai"`
	Local   LocalConfig  `mapstructure:"local"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"`
	TranscriptionModel string  `mapstructure:"transcription_model"`
	CompletionModel    string  `mapstructure:"completion_model"`
	Temperature        float64 `mapstructure:"temperature"`
	MaxTokens          int     `mapstructure:"max_tokens"`
}

// LocalConfig holds self-hosted LLM settings.
type LocalConfig struct {
	WhisperEndpoint string `mapstructure:"whisper_endpoint"`
	WhisperType     string `mapstructure:"whisper_type"` // "openai" (default) or "asr" (ahmetoner/whisper-asr-webservice)
	LLMEndpoint     string `mapstructure:"llm_endpoint"`
	LLMModel        string `mapstructure:"llm_model"` // Ollama model name (e.g., "llama3.2:1b")
	VADFilter       bool   `mapstructure:"vad_filter"`
	Language        string `mapstructure:"language"` // ISO-639-1 default language (e.g., "en", "fr")
}

// TTSConfig selects and configures the text-to-speech backend.
type TTSConfig struct {
	Backend string      `mapstructure:"backend"` // "piper"
	Piper   PiperConfig `mapstructure:"piper"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// For a single Piper instance that serves all languages, set Endpoint.
// For per-language instances, set Endpoints which maps ISO-639-1 codes to
// individual Wyoming TCP endpoints. Endpoints takes precedence and Endpoint
// is the fallback.
type PiperConfig struct {
	Endpoint  string            `mapstructure:"endpoint"`  // Default Wyoming TCP endpoint (host:port)
	Endpoints map[string]string `mapstructure:"endpoints"` // ISO-639-1 language code -> Wyoming TCP endpoint
	Voices    map[string]string `mapstructure:"voices"`    // ISO-639-1 language code -> Piper voice model name
}

// LoggingConfig holds structured logging settings. When File is set, logs
// are also written to a rotating file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()

	// Defaults
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("transports.grpc.enabled", true)
	v.SetDefault("transports.grpc.port", 50051)
	v.SetDefault("transports.http.enabled", true)
	v.SetDefault("transports.http.port", 8080)

	v.SetDefault("cache.capacity", "64MiB")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.warm_fillers", true)

	bd := breaker.DefaultSettings()
	v.SetDefault("breakers.defaults.timeout", bd.Timeout)
	v.SetDefault("breakers.defaults.reset_timeout", bd.ResetTimeout)
	v.SetDefault("breakers.defaults.error_threshold_percentage", bd.ErrorThresholdPercentage)
	v.SetDefault("breakers.defaults.rolling_window", bd.RollingWindow)
	v.SetDefault("breakers.defaults.rolling_buckets", bd.RollingBuckets)
	v.SetDefault("breakers.defaults.volume_threshold", bd.VolumeThreshold)

	v.SetDefault("memory.window_size", 20)
	v.SetDefault("memory.idle_ttl", "24h")
	v.SetDefault("memory.sweep_interval", "5m")
	v.SetDefault("memory.archive.enabled", false)
	v.SetDefault("memory.archive.addr", "localhost:6379")
	v.SetDefault("memory.archive.key_prefix", "parley:conversation:")
	v.SetDefault("memory.archive.ttl", "168h")

	v.SetDefault("orchestrator.ack_delay", "800ms")
	v.SetDefault("orchestrator.ack_min_chars", 10)
	v.SetDefault("orchestrator.thinking_interval", "1500ms")
	v.SetDefault("orchestrator.max_thinking_cues", 2)
	v.SetDefault("orchestrator.partial_response_delay", "3s")
	v.SetDefault("orchestrator.cache_max_chars", 100)
	v.SetDefault("orchestrator.fallback_phrase", "I'm sorry, could you give me a moment and say that again?")
	v.SetDefault("orchestrator.ack_phrases", []string{"Okay.", "Got it.", "Sure."})
	v.SetDefault("orchestrator.thinking_phrases", []string{"Hmm.", "Let me see."})
	v.SetDefault("orchestrator.partial_phrases", []string{"Let me pull that up for you, one moment."})
	v.SetDefault("orchestrator.system_prompt", "You are a friendly phone agent. Answer in one or two short spoken sentences.")

	v.SetDefault("generator.backend", "openai")
	v.SetDefault("generator.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("generator.openai.transcription_model", "gpt-4o-transcribe")
	v.SetDefault("generator.openai.completion_model", "gpt-4o-mini")
	v.SetDefault("generator.openai.temperature", 0.7)
	v.SetDefault("generator.openai.max_tokens", 150)
	v.SetDefault("generator.local.whisper_endpoint", "http://localhost:8000/v1/audio/transcriptions")
	v.SetDefault("generator.local.whisper_type", "openai")
	v.SetDefault("generator.local.llm_endpoint", "http://localhost:11434/api/generate")
	v.SetDefault("generator.local.llm_model", "llama3")
	v.SetDefault("generator.local.vad_filter", false)
	v.SetDefault("generator.local.language", "")

	v.SetDefault("tts.backend", "piper")
	v.SetDefault("tts.piper.endpoint", "localhost:10200")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("parley")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/parley")
	}

	// Environment variables: PARLEY_SERVER_HEALTH_PORT, PARLEY_GENERATOR_BACKEND, etc.
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./parley.yaml, ./configs/parley.yaml, /etc/parley/parley.yaml.
func Load(configFile string) (*Config, error) {
	v := newViper(configFile)

	// Read config file (optional, env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${OPENAI_API_KEY}")
	cfg.Generator.OpenAI.APIKey = resolveEnvRef(cfg.Generator.OpenAI.APIKey)
	cfg.Memory.Archive.Password = resolveEnvRef(cfg.Memory.Archive.Password)

	for id, p := range cfg.Voices {
		if p.ID == "" {
			p.ID = id
		}
		cfg.Voices[id] = p
	}
	return &cfg, nil
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Cache.CapacityBytes(); err != nil {
		return err
	}
	if err := c.Breakers.Defaults.Validate(); err != nil {
		return fmt.Errorf("breakers.defaults: %w", err)
	}
	for name, o := range c.Breakers.Overrides {
		if err := o.Merge(c.Breakers.Defaults).Validate(); err != nil {
			return fmt.Errorf("breakers.overrides.%s: %w", name, err)
		}
	}
	if c.Memory.WindowSize < 1 {
		return fmt.Errorf("memory.window_size must be positive, got %d", c.Memory.WindowSize)
	}
	switch c.Generator.Backend {
	case "openai", "local":
	default:
		return fmt.Errorf("unknown generator backend %q", c.Generator.Backend)
	}
	if c.TTS.Backend != "piper" {
		return fmt.Errorf("unknown tts backend %q", c.TTS.Backend)
	}
	for id, p := range c.Voices {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("voices.%s: %w", id, err)
		}
		c.Voices[id] = p
	}
	return nil
}

// Watch re-reads the config file whenever it changes on disk and passes
// the new configuration to fn. Invalid edits are logged and skipped. It
// returns an error when there is no config file to watch.
func Watch(configFile string, fn func(*Config)) error {
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			slog.Warn("ignoring invalid config change", "path", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "path", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

var logLevel = new(slog.LevelVar)

// SetupLogging configures the global slog logger based on config. The
// returned closer releases the log file, if any.
func SetupLogging(cfg LoggingConfig) io.Closer {
	SetLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: logLevel}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetLogLevel changes the level of the logger installed by SetupLogging.
func SetLogLevel(level string) {
	logLevel.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
