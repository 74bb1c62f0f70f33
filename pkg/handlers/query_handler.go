package handlers

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/infrastructure/converter"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/services"
)

// queryHandler implements QueryHandler interface.
type queryHandler struct {
	guard     services.ExecutionGuard
	allocator memory.Allocator
	logger    Logger
	metrics   MetricsCollector
	batchSize int
}

// NewQueryHandler creates a new query handler. batchSize <= 0 keeps the
// converter's default.
func NewQueryHandler(
	guard services.ExecutionGuard,
	allocator memory.Allocator,
	logger Logger,
	metrics MetricsCollector,
	batchSize int,
) QueryHandler {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	return &queryHandler{
		guard:     guard,
		allocator: allocator,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// ExecuteTool runs sql and renders exactly one of the three payloads.
func (h *queryHandler) ExecuteTool(ctx context.Context, sql string) *models.ToolResponse {
	timer := h.metrics.StartTimer("handler_execute_tool")
	defer timer.Stop()

	res := h.guard.Execute(ctx, sql)
	h.metrics.IncrementCounter("handler_tool_calls_total", "outcome", string(res.Status))

	switch res.Status {
	case models.StatusSucceeded:
		out, err := res.RowsJSON()
		if err != nil {
			h.logger.Error("Failed to serialize rows", "request_id", res.RequestID, "error", err)
			return models.NewTextResponse(errors.MsgToolExecuteError, true)
		}
		return models.NewTextResponse(string(out), false)
	case models.StatusRejected:
		return models.NewTextResponse("Error: "+errors.MsgReadOnlyPolicy, true)
	default:
		return models.NewTextResponse(errors.MsgToolExecuteError, true)
	}
}

// ExecuteStatement runs sql and streams the rows in Arrow record batches.
func (h *queryHandler) ExecuteStatement(ctx context.Context, sql string) (*arrow.Schema, <-chan flight.StreamChunk, error) {
	timer := h.metrics.StartTimer("handler_execute_statement")
	defer timer.Stop()

	rs, err := h.run(ctx, sql)
	if err != nil {
		return nil, nil, err
	}

	reader := converter.NewBatchReader(h.allocator, rs)
	reader.SetBatchSize(h.batchSize)
	schema := reader.Schema()

	chunks := make(chan flight.StreamChunk, 4)
	go func() {
		defer close(chunks)
		defer reader.Release()

		sent := 0
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()

			select {
			case chunks <- flight.StreamChunk{Data: rec}:
				sent++
			case <-ctx.Done():
				rec.Release()
				h.logger.Warn("Statement streaming cancelled", "records_sent", sent)
				return
			}
		}
		h.metrics.RecordHistogram("handler_statement_records", float64(sent))
	}()

	return schema, chunks, nil
}

// GetFlightInfo returns the schema of sql together with a ticket that
// carries the statement text as its handle.
func (h *queryHandler) GetFlightInfo(ctx context.Context, sql string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	timer := h.metrics.StartTimer("handler_get_flight_info")
	defer timer.Stop()

	rs, err := h.run(ctx, sql)
	if err != nil {
		return nil, err
	}

	ticket, err := flightsql.CreateStatementQueryTicket([]byte(sql))
	if err != nil {
		h.logger.Error("Failed to create ticket", "error", err)
		return nil, errors.ToStatus(errors.Wrap(err, errors.CodeInternal, "failed to create ticket"))
	}

	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(converter.SchemaFor(rs), h.allocator),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: ticket},
		}},
		TotalRecords: int64(len(rs.Rows)),
		TotalBytes:   -1,
	}, nil
}

// run executes sql through the guard and maps non-success outcomes to
// gRPC statuses that carry only the fixed caller-facing messages.
func (h *queryHandler) run(ctx context.Context, sql string) (*models.ResultSet, error) {
	res := h.guard.Execute(ctx, sql)

	switch res.Status {
	case models.StatusSucceeded:
		return res.Rows, nil
	case models.StatusRejected:
		h.metrics.IncrementCounter("handler_rejections_total")
		return nil, errors.ToStatus(errors.ErrPolicyRejected)
	default:
		h.metrics.IncrementCounter("handler_failures_total")
		return nil, errors.ToStatus(errors.New(errors.CodeExecutionFailed, res.Detail))
	}
}
