package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/handlers"
	"github.com/TFMV/sqlgate/pkg/infrastructure"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Mock implementations for dependencies
type mockQueryHandler struct {
	handlers.QueryHandler
	executeToolFunc      func(ctx context.Context, sql string) *models.ToolResponse
	executeStatementFunc func(ctx context.Context, sql string) (*arrow.Schema, <-chan flight.StreamChunk, error)
	getFlightInfoFunc    func(ctx context.Context, sql string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error)
}

func (m *mockQueryHandler) ExecuteTool(ctx context.Context, sql string) *models.ToolResponse {
	return m.executeToolFunc(ctx, sql)
}

func (m *mockQueryHandler) ExecuteStatement(ctx context.Context, sql string) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	return m.executeStatementFunc(ctx, sql)
}

func (m *mockQueryHandler) GetFlightInfo(ctx context.Context, sql string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	return m.getFlightInfoFunc(ctx, sql, desc)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	key := name
	for _, l := range labels {
		key += ":" + l
	}
	m.counts[key]++
}

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

var idSchema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)

// idStream returns a stream holding one record with the given ids.
func idStream(alloc memory.Allocator, ids ...int64) <-chan flight.StreamChunk {
	b := array.NewRecordBuilder(alloc, idSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)

	ch := make(chan flight.StreamChunk, 1)
	ch <- flight.StreamChunk{Data: b.NewRecord()}
	close(ch)
	return ch
}

func setupTestServer(t *testing.T) (*FlightSQLServer, *mockQueryHandler, *countingMetrics) {
	t.Helper()

	qh := &mockQueryHandler{}
	m := &countingMetrics{}
	srv, err := NewFlightSQLServer(
		qh,
		infrastructure.NewSQLInfoProvider("mysql", "test"),
		memory.NewGoAllocator(),
		m,
		zerolog.New(zerolog.NewTestWriter(t)),
	)
	require.NoError(t, err)
	return srv, qh, m
}

// startFlight serves srv on a loopback listener and returns a connected client.
func startFlight(t *testing.T, srv *FlightSQLServer) *flightsql.Client {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := grpc.NewServer()
	srv.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cl, err := flightsql.NewClient(lis.Addr().String(), nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func doExecuteQuery(t *testing.T, cl *flightsql.Client, sql string) (*models.ToolResponse, error) {
	t.Helper()

	stream, err := cl.Client.DoAction(context.Background(), &flight.Action{Type: ExecuteQueryActionType, Body: []byte(sql)})
	require.NoError(t, err)

	res, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)

	var resp models.ToolResponse
	require.NoError(t, json.Unmarshal(res.GetBody(), &resp))
	return &resp, nil
}

func TestFlightSQLServer_ExecuteQueryAction(t *testing.T) {
	srv, qh, m := setupTestServer(t)
	qh.executeToolFunc = func(ctx context.Context, sql string) *models.ToolResponse {
		switch sql {
		case "SELECT id FROM users WHERE id = 1":
			return models.NewTextResponse("[\n  {\n    \"id\": 1\n  }\n]", false)
		case "DROP TABLE users":
			return models.NewTextResponse("Error: "+errors.MsgReadOnlyPolicy, true)
		default:
			return models.NewTextResponse(errors.MsgToolExecuteError, true)
		}
	}
	cl := startFlight(t, srv)

	resp, err := doExecuteQuery(t, cl, "SELECT id FROM users WHERE id = 1")
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.JSONEq(t, `[{"id":1}]`, resp.Text())

	resp, err = doExecuteQuery(t, cl, "DROP TABLE users")
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error: Only SELECT, SHOW, or DESCRIBE statements are allowed.", resp.Text())

	resp, err = doExecuteQuery(t, cl, "SELEC * FORM t")
	require.NoError(t, err)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing query", resp.Text())

	assert.Equal(t, 3, m.count("server_requests_total:method:execute_query"))
}

func TestFlightSQLServer_ListActions(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	cl := startFlight(t, srv)

	stream, err := cl.Client.ListActions(context.Background(), &flight.Empty{})
	require.NoError(t, err)

	var types []string
	for {
		at, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, at.GetType())
	}

	require.NotEmpty(t, types)
	assert.Equal(t, ExecuteQueryActionType, types[0])
	assert.Contains(t, types, flightsql.CreatePreparedStatementActionType)
}

func TestFlightSQLServer_StatementQuery(t *testing.T) {
	srv, qh, _ := setupTestServer(t)
	alloc := memory.NewGoAllocator()

	const query = "SELECT id FROM users"
	qh.getFlightInfoFunc = func(ctx context.Context, sql string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
		assert.Equal(t, query, sql)
		ticket, err := flightsql.CreateStatementQueryTicket([]byte(sql))
		if err != nil {
			return nil, err
		}
		return &flight.FlightInfo{
			Schema:           flight.SerializeSchema(idSchema, alloc),
			FlightDescriptor: desc,
			Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: ticket}}},
			TotalRecords:     2,
			TotalBytes:       -1,
		}, nil
	}
	qh.executeStatementFunc = func(ctx context.Context, sql string) (*arrow.Schema, <-chan flight.StreamChunk, error) {
		assert.Equal(t, query, sql)
		return idSchema, idStream(alloc, 1, 2), nil
	}
	cl := startFlight(t, srv)
	ctx := context.Background()

	info, err := cl.Execute(ctx, query)
	require.NoError(t, err)
	require.Len(t, info.Endpoint, 1)

	rdr, err := cl.DoGet(ctx, info.Endpoint[0].Ticket)
	require.NoError(t, err)
	defer rdr.Release()

	var ids []int64
	for rdr.Next() {
		col := rdr.Record().Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
	}
	require.NoError(t, rdr.Err())
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestFlightSQLServer_StatementQueryRejected(t *testing.T) {
	srv, qh, _ := setupTestServer(t)
	qh.getFlightInfoFunc = func(ctx context.Context, sql string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
		return nil, errors.ToStatus(errors.ErrPolicyRejected)
	}
	cl := startFlight(t, srv)

	_, err := cl.Execute(context.Background(), "DELETE FROM users")
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, errors.MsgReadOnlyPolicy, st.Message())
}

func TestFlightSQLServer_StatementUpdateRefused(t *testing.T) {
	srv, _, m := setupTestServer(t)
	cl := startFlight(t, srv)

	n, err := cl.ExecuteUpdate(context.Background(), "UPDATE users SET name = 'x'")
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, 1, m.count("server_requests_total:method:do_put_statement_update"))
}

func TestFlightSQLServer_SqlInfoReadOnly(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	cl := startFlight(t, srv)
	ctx := context.Background()

	info, err := cl.GetSqlInfo(ctx, []flightsql.SqlInfo{flightsql.SqlInfoFlightSqlServerReadOnly})
	require.NoError(t, err)

	rdr, err := cl.DoGet(ctx, info.Endpoint[0].Ticket)
	require.NoError(t, err)
	defer rdr.Release()

	require.True(t, rdr.Next())
	rec := rdr.Record()
	require.Equal(t, int64(1), rec.NumRows())
	assert.Equal(t, uint32(flightsql.SqlInfoFlightSqlServerReadOnly), rec.Column(0).(*array.Uint32).Value(0))

	values := rec.Column(1).(*array.DenseUnion)
	flag := values.Field(values.ChildID(0)).(*array.Boolean)
	assert.True(t, flag.Value(int(values.ValueOffset(0))))
}

func TestFlightSQLServer_TransactionsRefused(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	_, err := srv.GetFlightInfoStatement(context.Background(), &flightsqlStatement{query: "SELECT 1", txn: []byte("tx")}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFlightSQLServer_Close(t *testing.T) {
	srv, qh, _ := setupTestServer(t)
	qh.executeStatementFunc = func(ctx context.Context, sql string) (*arrow.Schema, <-chan flight.StreamChunk, error) {
		t.Error("must not execute after close")
		return nil, nil, nil
	}

	var closed []string
	srv.OnClose(func() error { closed = append(closed, "pool"); return nil })
	srv.OnClose(func() error { closed = append(closed, "metrics"); return assert.AnError })

	err := srv.Close(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"pool", "metrics"}, closed)

	require.NoError(t, srv.Close(context.Background()))
	assert.Len(t, closed, 2)

	_, _, err = srv.DoGetStatement(context.Background(), &statementTicket{handle: []byte("SELECT 1")})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

type flightsqlStatement struct {
	query string
	txn   []byte
}

func (s *flightsqlStatement) GetQuery() string         { return s.query }
func (s *flightsqlStatement) GetTransactionId() []byte { return s.txn }

type statementTicket struct {
	handle []byte
}

func (s *statementTicket) GetStatementHandle() []byte { return s.handle }
