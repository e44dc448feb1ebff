// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"speech-turn-service/internal/service/turn"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig
	Turn          TurnConfig        `envPrefix:"TURN_"`
	Classifier    ClassifierConfig  `envPrefix:"CLASSIFIER_"`
	STT           STTConfig         `envPrefix:"STT_"`
	AudioLimits   AudioLimitsConfig `envPrefix:"AUDIO_"`
	Kafka         KafkaConfig       `envPrefix:"KAFKA_"`
	Database      DatabaseConfig    `envPrefix:"DATABASE_"`
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string `env:"SERVICE_PRINCIPAL" envDefault:"svc-speech-turn"`
	GRPCPort  string `env:"GRPC_PORT" envDefault:"50051"`
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"production"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
}

// TurnConfig tunes the turn-completion dispatcher.
type TurnConfig struct {
	Threshold          float64       `env:"THRESHOLD" envDefault:"0.7"`
	GracePeriod        time.Duration `env:"GRACE_PERIOD" envDefault:"250ms"`
	MaxHold            time.Duration `env:"MAX_HOLD" envDefault:"2s"`
	FallbackMode       string        `env:"FALLBACK_MODE" envDefault:"force-send"`
	MaxContextMessages int           `env:"MAX_CONTEXT_MESSAGES" envDefault:"10"`
	SegmentMaxAge      time.Duration `env:"SEGMENT_MAX_AGE" envDefault:"0s"`
	ClassifierTimeout  time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"1s"`
	Active             bool          `env:"ACTIVE" envDefault:"true"`
}

// ClassifierConfig selects the end-of-turn classifier. The punctuation
// heuristic is used when URL is empty.
type ClassifierConfig struct {
	URL    string  `env:"URL"`
	MaxQPS float64 `env:"MAX_QPS" envDefault:"20"`
}

type STTConfig struct {
	Provider       string `env:"PROVIDER" envDefault:"mock"`
	LanguageCode   string `env:"LANGUAGE_CODE" envDefault:"en-US"`
	SampleRateHz   int32  `env:"SAMPLE_RATE_HZ" envDefault:"8000"`
	InterimResults bool   `env:"INTERIM_RESULTS" envDefault:"true"`
	AudioEncoding  string `env:"AUDIO_ENCODING" envDefault:"LINEAR16"`
	MaxSpeakers    int32  `env:"MAX_SPEAKERS" envDefault:"0"`
}

// AudioLimitsConfig bounds the audio accepted for one utterance.
type AudioLimitsConfig struct {
	MaxBytes    int64         `env:"MAX_BYTES" envDefault:"5242880"`
	MaxDuration time.Duration `env:"MAX_DURATION" envDefault:"5m"`
}

type KafkaConfig struct {
	Enabled        bool     `env:"ENABLED" envDefault:"false"`
	Brokers        []string `env:"BROKERS" envSeparator:","`
	TopicMessages  string   `env:"TOPIC_MESSAGES" envDefault:"conversation.messages"`
	TopicTurns     string   `env:"TOPIC_TURNS" envDefault:"conversation.turns"`
	TopicDecisions string   `env:"TOPIC_DECISIONS" envDefault:"conversation.turn-decisions"`
	// Principal falls back to SERVICE_PRINCIPAL.
	Principal string `env:"PRINCIPAL"`
}

// DatabaseConfig is optional: turns are kept in memory without a URL.
type DatabaseConfig struct {
	URL string `env:"URL"`
}

type ObservabilityConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	SentryDSN string `env:"SENTRY_DSN"`
}

var (
	ErrUnknownSTTProvider = errors.New("unknown STT provider")
	ErrMissingPort        = errors.New("port must be set")
)

// Load parses the environment and validates the result.
func Load() (*Configuration, error) {
	var cfg Configuration
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid: %w", err)
	}
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the parser cannot express.
func (c *Configuration) Validate() error {
	if c.Service.GRPCPort == "" || c.Service.HTTPPort == "" {
		return ErrMissingPort
	}
	switch c.STT.Provider {
	case "mock", "google":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSTTProvider, c.STT.Provider)
	}
	if err := c.TurnConfig().Validate(); err != nil {
		return fmt.Errorf("turn config: %w", err)
	}
	return nil
}

// TurnConfig converts the environment settings into a dispatcher config.
func (c *Configuration) TurnConfig() turn.Config {
	return turn.Config{
		Threshold:          c.Turn.Threshold,
		GracePeriod:        c.Turn.GracePeriod,
		MaxHold:            c.Turn.MaxHold,
		FallbackMode:       turn.FallbackMode(c.Turn.FallbackMode),
		MaxContextMessages: c.Turn.MaxContextMessages,
		SegmentMaxAge:      c.Turn.SegmentMaxAge,
		ClassifierTimeout:  c.Turn.ClassifierTimeout,
		Active:             c.Turn.Active,
	}
}
