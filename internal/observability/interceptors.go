// Package observability provides gRPC interceptors and the HTTP server for
// metrics and health.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-turn-service/internal/observability/metrics"
)

const sentryFlushTimeout = 2 * time.Second

// UnaryServerInterceptor returns a gRPC unary interceptor for logging and
// panic recovery.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer recoverPanic(ctx, info.FullMethod, &err)

		resp, err = handler(ctx, req)

		duration := time.Since(start)
		st, _ := status.FromError(err)

		log.Debug().
			Str("method", info.FullMethod).
			Str("code", st.Code().String()).
			Dur("duration", duration).
			Msg("gRPC unary call")

		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor for metrics,
// logging and error reporting.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()
		m.RecordStreamStart("grpc")
		defer func() {
			duration := time.Since(start)
			success := err == nil
			m.RecordStreamEnd("grpc", success, duration)

			st, _ := status.FromError(err)
			if reportable(st.Code()) {
				captureError(ss.Context(), info.FullMethod, err)
			}

			log.Info().
				Str("method", info.FullMethod).
				Str("code", st.Code().String()).
				Dur("duration", duration).
				Bool("success", success).
				Msg("gRPC stream completed")
		}()
		defer recoverPanic(ss.Context(), info.FullMethod, &err)

		return handler(srv, ss)
	}
}

// reportable filters out codes caused by clients rather than the service.
func reportable(code codes.Code) bool {
	switch code {
	case codes.OK, codes.Canceled, codes.InvalidArgument, codes.NotFound, codes.DeadlineExceeded:
		return false
	}
	return true
}

func recoverPanic(ctx context.Context, method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.Scope().SetTag("grpc.method", method)
	hub.RecoverWithContext(ctx, r)
	hub.Flush(sentryFlushTimeout)

	log.Error().
		Str("method", method).
		Interface("panic", r).
		Msg("gRPC handler panicked")
	*err = status.Error(codes.Internal, fmt.Sprintf("internal error: %v", r))
}

func captureError(ctx context.Context, method string, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("grpc.method", method)
		hub.CaptureException(err)
	})
}
