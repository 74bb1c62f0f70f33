// Package middleware provides gRPC interceptors for the gateway server.
package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/sqlgate/pkg/models"
)

// RequestIDHeader carries the request ID in gRPC metadata, both ways.
const RequestIDHeader = "x-request-id"

// LoggingMiddleware tags each call with a request ID and logs its outcome.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger,
	}
}

// UnaryInterceptor returns a unary server interceptor for logging.
func (m *LoggingMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		ctx, requestID := withRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		resp, err := handler(ctx, req)

		m.event(err).
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Str("code", status.Code(err).String()).
			Msg("Unary request")

		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for logging.
func (m *LoggingMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx, requestID := withRequestID(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(RequestIDHeader, requestID))

		wrapped := &loggingServerStream{ServerStream: ss, ctx: ctx}
		err := handler(srv, wrapped)

		m.event(err).
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Str("code", status.Code(err).String()).
			Int("messages_sent", wrapped.messagesSent).
			Int("messages_received", wrapped.messagesReceived).
			Msg("Stream request")

		return err
	}
}

func (m *LoggingMiddleware) event(err error) *zerolog.Event {
	if err != nil && status.Code(err) != codes.Canceled {
		return m.logger.Error().Err(err)
	}
	return m.logger.Info()
}

// withRequestID reuses a caller-supplied ID or mints one.
func withRequestID(ctx context.Context) (context.Context, string) {
	if id, ok := models.RequestIDFromContext(ctx); ok {
		return ctx, id
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(RequestIDHeader); len(vals) > 0 && vals[0] != "" {
			return models.ContextWithRequestID(ctx, vals[0]), vals[0]
		}
	}
	id := uuid.NewString()
	return models.ContextWithRequestID(ctx, id), id
}

// loggingServerStream carries the tagged context and counts messages.
type loggingServerStream struct {
	grpc.ServerStream
	ctx              context.Context
	messagesSent     int
	messagesReceived int
}

func (s *loggingServerStream) Context() context.Context {
	return s.ctx
}

func (s *loggingServerStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.messagesSent++
	}
	return err
}

func (s *loggingServerStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.messagesReceived++
	}
	return err
}
