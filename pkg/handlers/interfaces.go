// Package handlers contains Flight SQL protocol handlers.
package handlers

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/TFMV/sqlgate/pkg/models"
)

// QueryHandler turns guarded executions into transport payloads.
type QueryHandler interface {
	// ExecuteTool runs sql and renders the outcome as a tool response.
	ExecuteTool(ctx context.Context, sql string) *models.ToolResponse

	// ExecuteStatement runs sql and streams the rows as Arrow records.
	ExecuteStatement(ctx context.Context, sql string) (*arrow.Schema, <-chan flight.StreamChunk, error)

	// GetFlightInfo runs sql to learn its schema and returns a ticket that
	// re-executes it.
	GetFlightInfo(ctx context.Context, sql string, desc *flight.FlightDescriptor) (*flight.FlightInfo, error)
}

// Logger defines the logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines the metrics interface.
type MetricsCollector interface {
	IncrementCounter(name string, tags ...string)
	RecordHistogram(name string, value float64, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop()
}
