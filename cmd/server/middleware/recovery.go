package middleware

import (
	"context"
	"runtime/debug"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// RecoveryMiddleware turns handler panics into Internal errors.
type RecoveryMiddleware struct {
	logger zerolog.Logger
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger zerolog.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		logger: logger,
	}
}

// UnaryInterceptor returns a unary server interceptor for panic recovery.
func (m *RecoveryMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				m.handlePanic(ctx, r, info.FullMethod)
				err = status.Error(codes.Internal, errors.MsgToolExecuteError)
			}
		}()

		return handler(ctx, req)
	}
}

// StreamInterceptor returns a stream server interceptor for panic recovery.
func (m *RecoveryMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.handlePanic(ss.Context(), r, info.FullMethod)
				err = status.Error(codes.Internal, errors.MsgToolExecuteError)
			}
		}()

		return handler(srv, ss)
	}
}

// handlePanic logs the panic with its stack. Neither reaches the client.
func (m *RecoveryMiddleware) handlePanic(ctx context.Context, r interface{}, method string) {
	event := m.logger.Error().
		Str("method", method).
		Interface("panic", r).
		Str("stack", string(debug.Stack()))
	if id, ok := models.RequestIDFromContext(ctx); ok {
		event = event.Str("request_id", id)
	}
	event.Msg("Panic recovered")
}
