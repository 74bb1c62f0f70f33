package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsCollector is the subset of the metrics collector the interceptors use.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
}

// MetricsMiddleware records call counts, status codes and latency.
type MetricsMiddleware struct {
	collector MetricsCollector
}

// NewMetricsMiddleware creates a new metrics middleware.
func NewMetricsMiddleware(collector MetricsCollector) *MetricsMiddleware {
	return &MetricsMiddleware{
		collector: collector,
	}
}

// UnaryInterceptor returns a unary server interceptor for metrics.
func (m *MetricsMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		m.collector.IncrementCounter("grpc_requests_total", "method", info.FullMethod, "type", "unary")

		resp, err := handler(ctx, req)

		m.collector.RecordHistogram("grpc_request_duration_seconds", time.Since(start).Seconds(), "method", info.FullMethod, "type", "unary")
		m.collector.IncrementCounter("grpc_responses_total", "method", info.FullMethod, "type", "unary", "code", status.Code(err).String())
		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for metrics.
func (m *MetricsMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.collector.IncrementCounter("grpc_requests_total", "method", info.FullMethod, "type", "stream")

		wrapped := &metricsServerStream{ServerStream: ss, collector: m.collector, method: info.FullMethod}
		err := handler(srv, wrapped)

		m.collector.RecordHistogram("grpc_request_duration_seconds", time.Since(start).Seconds(), "method", info.FullMethod, "type", "stream")
		m.collector.IncrementCounter("grpc_responses_total", "method", info.FullMethod, "type", "stream", "code", status.Code(err).String())
		return err
	}
}

// metricsServerStream counts streamed messages.
type metricsServerStream struct {
	grpc.ServerStream
	collector MetricsCollector
	method    string
}

func (s *metricsServerStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err != nil {
		s.collector.IncrementCounter("grpc_stream_send_errors_total", "method", s.method)
		return err
	}
	s.collector.IncrementCounter("grpc_stream_messages_sent_total", "method", s.method)
	return nil
}
