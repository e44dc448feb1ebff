package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "speech-turn-service/internal/api/grpc"
	"speech-turn-service/internal/config"
	httpapi "speech-turn-service/internal/http"
	"speech-turn-service/internal/observability"
	"speech-turn-service/internal/observability/metrics"
	"speech-turn-service/internal/repository"
	"speech-turn-service/internal/service/conversation"
)

// GRPCServer bundles the gRPC server with its health service.
type GRPCServer struct {
	Server *grpc.Server
	Health *health.Server
}

func registerServers(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*GRPCServer, error) {
		manager := do.MustInvoke[*conversation.Manager](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		server := grpc.NewServer(
			grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
		)

		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(server, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

		grpcapi.Register(server, manager)
		reflection.Register(server)

		return &GRPCServer{Server: server, Health: healthServer}, nil
	})

	do.Provide(injector, func(i do.Injector) (*observability.Server, error) {
		cfg := do.MustInvoke[*config.Configuration](i)
		manager := do.MustInvoke[*conversation.Manager](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		repo := do.MustInvoke[repository.TurnRepository](i)

		var ready httpapi.ReadinessCheck
		if p, ok := repo.(Pinger); ok {
			ready = p.Ping
		}

		router := httpapi.NewRouter(httpapi.RouterDeps{
			Manager:   manager,
			Ready:     ready,
			Gatherer:  prometheus.DefaultGatherer,
			Websocket: httpapi.NewStreamHandler(manager, m, cfg.Service.AllowedOrigins),
		})
		return observability.NewServer(":"+cfg.Service.HTTPPort, router), nil
	})
}

// stopGRPC drains in-flight streams, forcing a stop when ctx expires.
func stopGRPC(ctx context.Context, s *GRPCServer) {
	s.Health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.Server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Server.Stop()
	}
}
