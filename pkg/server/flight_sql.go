// Package server wires the query handler to Arrow Flight SQL over gRPC.
package server

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/handlers"
	"github.com/TFMV/sqlgate/pkg/infrastructure"
)

// ExecuteQueryActionType is the DoAction type whose body is SQL text and
// whose single result is a JSON tool response.
const ExecuteQueryActionType = "execute_query"

// MetricsCollector defines the metrics interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
}

//───────────────────────────────────
// FlightSQLServer
//───────────────────────────────────

// FlightSQLServer implements the read-only subset of Flight SQL.
type FlightSQLServer struct {
	flightsql.BaseServer

	queryHandler handlers.QueryHandler
	allocator    arrowmemory.Allocator
	logger       zerolog.Logger
	metrics      MetricsCollector

	mu      sync.RWMutex
	closing bool
	closers []func() error
}

// NewFlightSQLServer wires up all dependencies and registers the SqlInfo
// table.
func NewFlightSQLServer(
	qh handlers.QueryHandler,
	sqlInfo *infrastructure.SQLInfoProvider,
	alloc arrowmemory.Allocator,
	metrics MetricsCollector,
	lg zerolog.Logger,
) (*FlightSQLServer, error) {
	if alloc == nil {
		alloc = arrowmemory.DefaultAllocator
	}
	s := &FlightSQLServer{
		queryHandler: qh,
		allocator:    alloc,
		metrics:      metrics,
		logger:       lg.With().Str("component", "server").Logger(),
	}
	s.BaseServer.Alloc = alloc

	if sqlInfo != nil {
		if err := sqlInfo.Register(&s.BaseServer); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OnClose registers a function run by Close, in registration order.
func (s *FlightSQLServer) OnClose(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// FlightServer returns the gRPC Flight service, including the
// execute_query action.
func (s *FlightSQLServer) FlightServer() flight.FlightServer {
	return &actionServer{
		FlightServer: flightsql.NewFlightServerWithAllocator(s, s.allocator),
		srv:          s,
	}
}

// Register registers the Flight SQL server with a gRPC server.
func (s *FlightSQLServer) Register(grpcServer *grpc.Server) {
	flight.RegisterFlightServiceServer(grpcServer, s.FlightServer())
}

// Close gracefully shuts down the server.
func (s *FlightSQLServer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	closers := s.closers
	s.mu.Unlock()

	s.logger.Info().Msg("Closing Flight SQL server")

	var firstErr error
	for _, fn := range closers {
		if err := fn(); err != nil {
			s.logger.Error().Err(err).Msg("Error during shutdown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.Info().Msg("Flight SQL server closed")
	return firstErr
}

func (s *FlightSQLServer) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

//───────────────────────────────────
// Statements
//───────────────────────────────────

// GetFlightInfoStatement runs the guarded query once to learn its schema.
func (s *FlightSQLServer) GetFlightInfoStatement(
	ctx context.Context,
	cmd flightsql.StatementQuery,
	desc *flight.FlightDescriptor,
) (*flight.FlightInfo, error) {
	if s.isClosing() {
		return nil, status.Error(codes.Unavailable, errors.MsgToolExecuteError)
	}
	if len(cmd.GetTransactionId()) > 0 {
		return nil, status.Error(codes.InvalidArgument, "transactions are not supported")
	}
	s.metrics.IncrementCounter("server_requests_total", "method", "get_flight_info_statement")
	return s.queryHandler.GetFlightInfo(ctx, cmd.GetQuery(), desc)
}

// DoGetStatement re-executes the statement carried in the ticket handle.
func (s *FlightSQLServer) DoGetStatement(
	ctx context.Context,
	ticket flightsql.StatementQueryTicket,
) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	if s.isClosing() {
		return nil, nil, status.Error(codes.Unavailable, errors.MsgToolExecuteError)
	}
	s.metrics.IncrementCounter("server_requests_total", "method", "do_get_statement")
	return s.queryHandler.ExecuteStatement(ctx, string(ticket.GetStatementHandle()))
}

// DoPutCommandStatementUpdate always refuses: the gateway never writes.
func (s *FlightSQLServer) DoPutCommandStatementUpdate(
	ctx context.Context,
	req flightsql.StatementUpdate,
) (int64, error) {
	s.metrics.IncrementCounter("server_requests_total", "method", "do_put_statement_update")
	s.logger.Info().Msg("Refused statement update")
	return 0, errors.ToStatus(errors.ErrPolicyRejected)
}

//───────────────────────────────────
// execute_query action
//───────────────────────────────────

// actionServer adds the execute_query action in front of the Flight SQL
// action router.
type actionServer struct {
	flight.FlightServer
	srv *FlightSQLServer
}

// DoAction handles execute_query and delegates everything else.
func (a *actionServer) DoAction(cmd *flight.Action, stream flight.FlightService_DoActionServer) error {
	if cmd.GetType() != ExecuteQueryActionType {
		return a.FlightServer.DoAction(cmd, stream)
	}

	if a.srv.isClosing() {
		return status.Error(codes.Unavailable, errors.MsgToolExecuteError)
	}
	a.srv.metrics.IncrementCounter("server_requests_total", "method", "execute_query")

	resp := a.srv.queryHandler.ExecuteTool(stream.Context(), string(cmd.GetBody()))
	body, err := resp.Marshal()
	if err != nil {
		a.srv.logger.Error().Err(err).Msg("Failed to encode tool response")
		return status.Error(codes.Internal, errors.MsgToolExecuteError)
	}
	return stream.Send(&flight.Result{Body: body})
}

// ListActions advertises execute_query before the Flight SQL actions.
func (a *actionServer) ListActions(in *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	if err := stream.Send(&flight.ActionType{
		Type:        ExecuteQueryActionType,
		Description: "Run one SQL text through the read-only guard and return a JSON tool response",
	}); err != nil {
		return err
	}
	return a.FlightServer.ListActions(in, stream)
}
