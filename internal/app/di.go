package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"speech-turn-service/internal/config"
	"speech-turn-service/internal/events"
	"speech-turn-service/internal/observability/metrics"
	"speech-turn-service/internal/repository"
	"speech-turn-service/internal/repository/postgres"
	"speech-turn-service/internal/schema"
	"speech-turn-service/internal/service/conversation"
	"speech-turn-service/internal/service/stt"
	"speech-turn-service/internal/service/stt/google"
	"speech-turn-service/internal/service/stt/mock"
	"speech-turn-service/internal/service/turn"
	"speech-turn-service/internal/service/turn/classifier"
)

const databaseInitTimeout = 15 * time.Second

// Pinger is implemented by dependencies that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

func setupDI(cfg *config.Configuration) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, metrics.DefaultMetrics)
	registerEvents(injector)
	registerRepository(injector)
	registerClassifier(injector)
	registerSTT(injector)
	registerConversations(injector)
	registerServers(injector)

	return injector
}

func registerEvents(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*events.Publisher, error) {
		cfg := do.MustInvoke[*config.Configuration](i)
		return events.New(&events.Config{
			Enabled:        cfg.Kafka.Enabled,
			Brokers:        cfg.Kafka.Brokers,
			TopicMessages:  cfg.Kafka.TopicMessages,
			TopicTurns:     cfg.Kafka.TopicTurns,
			TopicDecisions: cfg.Kafka.TopicDecisions,
			Principal:      cfg.Kafka.Principal,
		}, events.WithValidator(schema.New())), nil
	})
}

func registerRepository(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (repository.TurnRepository, error) {
		cfg := do.MustInvoke[*config.Configuration](i)
		if cfg.Database.URL == "" {
			log.Warn().Msg("DATABASE_URL not set, completed turns are kept in memory")
			return repository.NewMemory(), nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()
		repo, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Connected to PostgreSQL")
		return repo, nil
	})
}

func registerClassifier(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (turn.EotClassifier, error) {
		cfg := do.MustInvoke[*config.Configuration](i)
		if cfg.Classifier.URL == "" {
			log.Info().Msg("Using punctuation heuristic end-of-turn classifier")
			return classifier.Instrument("heuristic", classifier.NewHeuristic()), nil
		}

		c, err := classifier.NewHTTP(classifier.HTTPConfig{
			URL:     cfg.Classifier.URL,
			MaxQPS:  cfg.Classifier.MaxQPS,
			Timeout: cfg.Turn.ClassifierTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create classifier: %w", err)
		}
		log.Info().Str("url", cfg.Classifier.URL).Msg("Using HTTP end-of-turn classifier")
		return classifier.Instrument("http", c), nil
	})
}

func registerSTT(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (stt.Factory, error) {
		cfg := do.MustInvoke[*config.Configuration](i)
		switch cfg.STT.Provider {
		case "google":
			return google.NewFactory(google.Config{
				LanguageCode:   cfg.STT.LanguageCode,
				SampleRateHz:   cfg.STT.SampleRateHz,
				InterimResults: cfg.STT.InterimResults,
				AudioEncoding:  cfg.STT.AudioEncoding,
				MaxSpeakers:    cfg.STT.MaxSpeakers,
			}), nil
		case "mock":
			return func(context.Context) (stt.Adapter, error) {
				return mock.New(), nil
			}, nil
		default:
			return nil, fmt.Errorf("%w: %q", config.ErrUnknownSTTProvider, cfg.STT.Provider)
		}
	})
}

func registerConversations(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*conversation.Manager, error) {
		cfg := do.MustInvoke[*config.Configuration](i)
		return conversation.NewManager(cfg.TurnConfig(), conversation.Limits{
			MaxAudioBytes: cfg.AudioLimits.MaxBytes,
			MaxDuration:   cfg.AudioLimits.MaxDuration,
		}, conversation.ManagerDeps{
			Classifier: do.MustInvoke[turn.EotClassifier](i),
			Publisher:  do.MustInvoke[*events.Publisher](i),
			Repository: do.MustInvoke[repository.TurnRepository](i),
			STT:        do.MustInvoke[stt.Factory](i),
		}), nil
	})
}
