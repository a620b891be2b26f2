package shared

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Realtime   RealtimeConfig  `yaml:"realtime"`
	Bridge     BridgeConfig    `yaml:"bridge"`
	Guardrails GuardrailConfig `yaml:"guardrails"`
	Booking    BookingConfig   `yaml:"booking"`
	Log        LogConfig       `yaml:"log"`
	// Businesses maps a called number (E.164) to the business that owns it.
	// Calls to numbers missing here are rejected; there is no fallback owner.
	Businesses map[string]string `yaml:"businesses"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	PublicHost        string        `yaml:"public_host"`
	StreamPath        string        `yaml:"stream_path"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

type RealtimeConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	Model              string        `yaml:"model"`
	Voice              string        `yaml:"voice"`
	Language           string        `yaml:"language"`
	TranscriptionModel string        `yaml:"transcription_model"`
	VADEagerness       string        `yaml:"vad_eagerness"`
	NoiseReduction     string        `yaml:"noise_reduction"`
	Speed              float64       `yaml:"speed"`
	MaxOutputTokens    int64         `yaml:"max_output_tokens"`
	Instructions       string        `yaml:"instructions"`
	FunctionTimeout    time.Duration `yaml:"function_timeout"`
	ConnectAttempts    uint64        `yaml:"connect_attempts"`
	ConnectBackoff     time.Duration `yaml:"connect_backoff"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
}

type BridgeConfig struct {
	InboundQueueFrames  int           `yaml:"inbound_queue_frames"`
	OutboundQueueFrames int           `yaml:"outbound_queue_frames"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	FlushTimeout        time.Duration `yaml:"flush_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
}

type GuardrailConfig struct {
	MinLength       int     `yaml:"min_length"`
	MaxLength       int     `yaml:"max_length"`
	PerMinute       int     `yaml:"per_minute"`
	PerHour         int     `yaml:"per_hour"`
	RepetitionRatio float64 `yaml:"repetition_ratio"`
	SymbolRatio     float64 `yaml:"symbol_ratio"`
	RedisURL        string  `yaml:"redis_url"`
}

type BookingConfig struct {
	// Backend is one of memory, rest, postgres.
	Backend     string        `yaml:"backend"`
	RESTBaseURL string        `yaml:"rest_base_url"`
	RESTToken   string        `yaml:"rest_token"`
	DatabaseURL string        `yaml:"database_url"`
	Timeout     time.Duration `yaml:"timeout"`
	Migrate     bool          `yaml:"migrate"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Trace      bool   `yaml:"trace"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// ConsoleTranscripts echoes every conversation turn to stdout.
	ConsoleTranscripts bool `yaml:"console_transcripts"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			StreamPath:        "/voice/stream",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownGrace:     20 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:                "wss://api.openai.com/v1/realtime",
			Model:              "gpt-realtime",
			Voice:              "marin",
			Language:           "ro",
			TranscriptionModel: "gpt-4o-mini-transcribe",
			VADEagerness:       "medium",
			NoiseReduction:     "near_field",
			Speed:              1.0,
			MaxOutputTokens:    1024,
			FunctionTimeout:    8 * time.Second,
			ConnectAttempts:    3,
			ConnectBackoff:     250 * time.Millisecond,
			HandshakeTimeout:   10 * time.Second,
			PingInterval:       20 * time.Second,
		},
		Bridge: BridgeConfig{
			InboundQueueFrames:  50,  // 1s of 20ms frames
			OutboundQueueFrames: 500, // 10s of 20ms frames
			IdleTimeout:         2 * time.Minute,
			SweepInterval:       15 * time.Second,
			FlushTimeout:        2 * time.Second,
			WriteTimeout:        5 * time.Second,
		},
		Guardrails: GuardrailConfig{
			MinLength:       1,
			MaxLength:       1000,
			PerMinute:       30,
			PerHour:         300,
			RepetitionRatio: 0.6,
			SymbolRatio:     0.5,
		},
		Booking: BookingConfig{
			Backend: "memory",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Businesses: map[string]string{},
	}
}

// LoadConfig layers defaults, the YAML file at path (optional) and
// environment overrides, then validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	str := func(key string, dst *string) {
		if err != nil {
			return
		}
		*dst, err = Getenv(GetenvString, key, false, *dst)
	}
	str("OPENAI_API_KEY", &c.Realtime.APIKey)
	str("OPENAI_REALTIME_URL", &c.Realtime.URL)
	str("SALON_ADDR", &c.Server.Addr)
	str("SALON_PUBLIC_HOST", &c.Server.PublicHost)
	str("SALON_LOG_LEVEL", &c.Log.Level)
	str("SALON_LOG_FILE", &c.Log.File)
	str("SALON_BOOKING_BACKEND", &c.Booking.Backend)
	str("SALON_BOOKING_URL", &c.Booking.RESTBaseURL)
	str("SALON_BOOKING_TOKEN", &c.Booking.RESTToken)
	str("DATABASE_URL", &c.Booking.DatabaseURL)
	str("REDIS_URL", &c.Guardrails.RedisURL)
	if err != nil {
		return err
	}
	if c.Bridge.IdleTimeout, err = Getenv(GetenvDuration, "SALON_IDLE_TIMEOUT", false, c.Bridge.IdleTimeout); err != nil {
		return err
	}
	if c.Realtime.FunctionTimeout, err = Getenv(GetenvDuration, "SALON_FUNCTION_TIMEOUT", false, c.Realtime.FunctionTimeout); err != nil {
		return err
	}
	if c.Guardrails.PerMinute, err = Getenv(GetenvInt, "SALON_RATE_PER_MINUTE", false, c.Guardrails.PerMinute); err != nil {
		return err
	}
	if c.Guardrails.PerHour, err = Getenv(GetenvInt, "SALON_RATE_PER_HOUR", false, c.Guardrails.PerHour); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Realtime.APIKey) == "" {
		errs = append(errs, ErrNoAPIKey)
	}
	if c.Realtime.FunctionTimeout <= 0 {
		errs = append(errs, errors.New("realtime.function_timeout must be positive"))
	}
	if c.Bridge.InboundQueueFrames <= 0 || c.Bridge.OutboundQueueFrames <= 0 {
		errs = append(errs, errors.New("bridge queue sizes must be positive"))
	}
	if c.Guardrails.MaxLength < c.Guardrails.MinLength {
		errs = append(errs, errors.New("guardrails.max_length must be >= min_length"))
	}
	switch c.Booking.Backend {
	case "memory":
	case "rest":
		if c.Booking.RESTBaseURL == "" {
			errs = append(errs, errors.New("booking.rest_base_url is required for the rest backend"))
		}
	case "postgres":
		if c.Booking.DatabaseURL == "" {
			errs = append(errs, errors.New("booking.database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown booking backend %q", c.Booking.Backend))
	}
	return errors.Join(errs...)
}

// BusinessFor resolves the business owning a called number.
func (c *Config) BusinessFor(calledNumber string) (string, error) {
	if id, ok := c.Businesses[strings.TrimSpace(calledNumber)]; ok && id != "" {
		return id, nil
	}
	return "", ErrUnknownBusiness
}
