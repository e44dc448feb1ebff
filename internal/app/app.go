// Package app assembles the service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"

	"speech-turn-service/internal/config"
	"speech-turn-service/internal/events"
	"speech-turn-service/internal/observability"
	"speech-turn-service/internal/observability/logging"
	"speech-turn-service/internal/repository"
	"speech-turn-service/internal/service/conversation"
)

const shutdownTimeout = 15 * time.Second

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	injector do.Injector
	sentry   bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}
	a.setupSentry()
	a.injector = setupDI(cfg)

	a.Logger.Info().
		Str("env", cfg.Service.Env).
		Str("sttProvider", cfg.STT.Provider).
		Bool("kafkaEnabled", cfg.Kafka.Enabled).
		Msg("Speech turn service application created")
	return a
}

func (a *Application) setupSentry() {
	if a.Cfg.Observability.SentryDSN == "" {
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              a.Cfg.Observability.SentryDSN,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		Environment:      a.Cfg.Service.Env,
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Sentry init failed")
		return
	}
	a.sentry = true
	a.Logger.Info().Msg("Sentry initialized")
}

// Manager resolves the conversation manager.
func (a *Application) Manager() (*conversation.Manager, error) {
	return do.Invoke[*conversation.Manager](a.injector)
}

// Run serves gRPC and HTTP until ctx is cancelled or a server fails, then
// shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	grpcServer, err := do.Invoke[*GRPCServer](a.injector)
	if err != nil {
		return fmt.Errorf("build grpc server: %w", err)
	}
	httpServer, err := do.Invoke[*observability.Server](a.injector)
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("grpcPort", a.Cfg.Service.GRPCPort).
		Str("httpPort", a.Cfg.Service.HTTPPort).
		Msg("Speech turn service starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcServer.Server.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return httpServer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		stopGRPC(shutdownCtx, grpcServer)
		return nil
	})

	runErr := g.Wait()
	if err := a.Shutdown(); err != nil {
		a.Logger.Error().Err(err).Msg("Shutdown completed with errors")
	}
	return runErr
}

// Shutdown closes live conversations, then the publisher and repository.
func (a *Application) Shutdown() error {
	a.Logger.Info().Msg("Speech turn service shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if manager, err := a.Manager(); err == nil {
		errs = append(errs, manager.CloseAll(ctx))
	}
	if publisher, err := do.Invoke[*events.Publisher](a.injector); err == nil {
		errs = append(errs, publisher.Close())
	}
	if repo, err := do.Invoke[repository.TurnRepository](a.injector); err == nil {
		if closer, ok := repo.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	if report := a.injector.Shutdown(); report != nil && !report.Succeed {
		errs = append(errs, report)
	}
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
	return errors.Join(errs...)
}
