package middleware

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/sqlgate/pkg/models"
)

type fakeServerStream struct {
	ctx    context.Context
	header metadata.MD
	sent   int
}

func (f *fakeServerStream) SetHeader(md metadata.MD) error {
	f.header = metadata.Join(f.header, md)
	return nil
}
func (f *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)       {}
func (f *fakeServerStream) Context() context.Context     { return f.ctx }
func (f *fakeServerStream) SendMsg(interface{}) error {
	f.sent++
	return nil
}
func (f *fakeServerStream) RecvMsg(interface{}) error { return nil }

type recordingCollector struct {
	mu       sync.Mutex
	counters map[string]int
	observed map[string]int
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{counters: map[string]int{}, observed: map[string]int{}}
}

func (r *recordingCollector) IncrementCounter(name string, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
	for i := 0; i+1 < len(labels); i += 2 {
		if labels[i] == "code" {
			r.counters[name+"/"+labels[i+1]]++
		}
	}
}

func (r *recordingCollector) RecordHistogram(name string, _ float64, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[name]++
}

var unaryInfo = &grpc.UnaryServerInfo{FullMethod: "/arrow.flight.protocol.FlightService/GetFlightInfo"}
var streamInfo = &grpc.StreamServerInfo{FullMethod: "/arrow.flight.protocol.FlightService/DoAction", IsServerStream: true}

func TestLoggingUnaryGeneratesRequestID(t *testing.T) {
	var buf bytes.Buffer
	mw := NewLoggingMiddleware(zerolog.New(&buf))

	var seen string
	_, err := mw.UnaryInterceptor()(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		id, ok := models.RequestIDFromContext(ctx)
		require.True(t, ok)
		seen = id
		return "ok", nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, 36)
	assert.Contains(t, buf.String(), seen)
	assert.Contains(t, buf.String(), `"code":"OK"`)
}

func TestLoggingUnaryReusesIncomingRequestID(t *testing.T) {
	mw := NewLoggingMiddleware(zerolog.Nop())
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "req-42"))

	var seen string
	_, err := mw.UnaryInterceptor()(ctx, nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		seen, _ = models.RequestIDFromContext(ctx)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", seen)
}

func TestLoggingUnaryLogsErrors(t *testing.T) {
	var buf bytes.Buffer
	mw := NewLoggingMiddleware(zerolog.New(&buf))

	_, err := mw.UnaryInterceptor()(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.PermissionDenied, "denied")
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), `"code":"PermissionDenied"`)
}

func TestLoggingStreamPropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	mw := NewLoggingMiddleware(zerolog.New(&buf))
	ss := &fakeServerStream{ctx: context.Background()}

	var seen string
	err := mw.StreamInterceptor()(nil, ss, streamInfo, func(srv interface{}, stream grpc.ServerStream) error {
		seen, _ = models.RequestIDFromContext(stream.Context())
		require.NoError(t, stream.SendMsg("a"))
		require.NoError(t, stream.SendMsg("b"))
		return nil
	})
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	assert.Equal(t, []string{seen}, ss.header.Get(RequestIDHeader))
	assert.Equal(t, 2, ss.sent)
	assert.Contains(t, buf.String(), `"messages_sent":2`)
}

func TestRecoveryUnary(t *testing.T) {
	var buf bytes.Buffer
	mw := NewRecoveryMiddleware(zerolog.New(&buf))

	ctx := models.ContextWithRequestID(context.Background(), "req-7")
	_, err := mw.UnaryInterceptor()(ctx, nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("boom")
	})

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "boom")
	assert.Contains(t, buf.String(), "Panic recovered")
	assert.Contains(t, buf.String(), "req-7")
}

func TestRecoveryStream(t *testing.T) {
	mw := NewRecoveryMiddleware(zerolog.Nop())
	err := mw.StreamInterceptor()(nil, &fakeServerStream{ctx: context.Background()}, streamInfo, func(srv interface{}, stream grpc.ServerStream) error {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestMetricsUnary(t *testing.T) {
	rc := newRecordingCollector()
	mw := NewMetricsMiddleware(rc)

	_, err := mw.UnaryInterceptor()(context.Background(), nil, unaryInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "closing")
	})
	require.Error(t, err)

	assert.Equal(t, 1, rc.counters["grpc_requests_total"])
	assert.Equal(t, 1, rc.counters["grpc_responses_total/Unavailable"])
	assert.Equal(t, 1, rc.observed["grpc_request_duration_seconds"])
}

func TestMetricsStream(t *testing.T) {
	rc := newRecordingCollector()
	mw := NewMetricsMiddleware(rc)

	err := mw.StreamInterceptor()(nil, &fakeServerStream{ctx: context.Background()}, streamInfo, func(srv interface{}, stream grpc.ServerStream) error {
		for i := 0; i < 3; i++ {
			if err := stream.SendMsg(i); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, rc.counters["grpc_stream_messages_sent_total"])
	assert.Equal(t, 1, rc.counters["grpc_responses_total/OK"])
}
