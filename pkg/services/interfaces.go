// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/TFMV/sqlgate/pkg/models"
)

// StatementClassifier reports the kind of every statement in a SQL text.
type StatementClassifier interface {
	Classify(sql string) ([]models.StatementKind, error)
}

// ExecutionGuard runs SQL text only when it is provably read-only.
type ExecutionGuard interface {
	Execute(ctx context.Context, sql string) *models.ExecutionResult
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
