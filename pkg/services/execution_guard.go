package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// GuardOption configures an execution guard.
type GuardOption func(*executionGuard)

// WithQueryTimeout bounds the query step. Zero leaves it to the pool and
// the caller's context.
func WithQueryTimeout(d time.Duration) GuardOption {
	return func(g *executionGuard) {
		g.queryTimeout = d
	}
}

// executionGuard implements ExecutionGuard.
type executionGuard struct {
	classifier   StatementClassifier
	policy       *Policy
	pool         repositories.ConnectionPool
	logger       Logger
	metrics      MetricsCollector
	queryTimeout time.Duration
}

// NewExecutionGuard creates a new execution guard. A nil policy means the
// default denylist.
func NewExecutionGuard(
	classifier StatementClassifier,
	pool repositories.ConnectionPool,
	policy *Policy,
	logger Logger,
	metrics MetricsCollector,
	opts ...GuardOption,
) ExecutionGuard {
	if policy == nil {
		policy, _ = NewPolicy(PolicyDenylist)
	}
	g := &executionGuard{
		classifier: classifier,
		policy:     policy,
		pool:       pool,
		logger:     logger,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute classifies sql, applies the policy and, when permitted, runs it in
// a read-only transaction that is always rolled back.
func (g *executionGuard) Execute(ctx context.Context, sql string) *models.ExecutionResult {
	start := time.Now()

	requestID, ok := models.RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
		ctx = models.ContextWithRequestID(ctx, requestID)
	}

	g.logger.Debug("Guarding query", "request_id", requestID, "query", sql)

	result := g.guard(ctx, requestID, sql)
	result.RequestID = requestID
	result.ExecutionTime = time.Since(start)

	g.metrics.IncrementCounter("guard_requests_total", "outcome", string(result.Status))
	g.metrics.RecordHistogram("guard_execution_seconds", result.ExecutionTime.Seconds(), "outcome", string(result.Status))

	return result
}

func (g *executionGuard) guard(ctx context.Context, requestID, sql string) *models.ExecutionResult {
	kinds, err := g.classifier.Classify(sql)
	if err != nil {
		g.logger.Warn("Failed to parse query", "request_id", requestID, "error", err)
		return models.Failed(errors.MsgQueryError)
	}

	if violations := g.policy.Violations(kinds); len(violations) > 0 {
		g.logger.Info("Rejected query",
			"request_id", requestID,
			"kinds", models.KindStrings(kinds),
			"violations", models.KindStrings(violations),
			"policy", string(g.policy.Mode()))
		g.metrics.IncrementCounter("guard_rejections_total")

		result := models.Rejected(errors.MsgReadOnlyPolicy)
		result.Kinds = kinds
		return result
	}

	result := g.run(ctx, requestID, sql, keepsSession(kinds))
	result.Kinds = kinds
	return result
}

// run owns the connection for one request. The connection is released on
// every path and the transaction, once begun, is always rolled back.
// Unless reuse is true the session is discarded on release.
func (g *executionGuard) run(ctx context.Context, requestID, sql string, reuse bool) (result *models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Recovered from panic during guarded execution", "request_id", requestID, "panic", r)
			g.metrics.IncrementCounter("guard_panics_total")
			result = models.Failed(errors.MsgExecutionError)
		}
	}()

	timer := g.metrics.StartTimer("guard_acquire")
	conn, err := g.pool.Acquire(ctx)
	timer.Stop()
	if err != nil {
		g.logger.Error("Failed to acquire connection", "request_id", requestID, "error", err)
		return models.Failed(errors.MsgExecutionError)
	}
	defer g.pool.Release(conn)
	if !reuse {
		conn.Discard()
	}

	if err := conn.SetReadOnly(ctx); err != nil {
		g.logger.Error("Failed to set session read-only", "request_id", requestID, "error", err)
		return models.Failed(errors.MsgExecutionError)
	}

	if err := conn.BeginTransaction(ctx); err != nil {
		g.logger.Error("Failed to begin transaction", "request_id", requestID, "error", err)
		return models.Failed(errors.MsgExecutionError)
	}
	defer g.rollback(ctx, requestID, conn)

	queryCtx := ctx
	if g.queryTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, g.queryTimeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := conn.Query(queryCtx, sql)
	if err != nil {
		g.logger.Error("Query execution failed",
			"request_id", requestID,
			"error", err,
			"execution_time", time.Since(start))
		return models.Failed(errors.MsgExecutionError)
	}

	g.metrics.RecordHistogram("guard_result_rows", float64(len(rows.Rows)))
	g.logger.Info("Query executed",
		"request_id", requestID,
		"rows", len(rows.Rows),
		"execution_time", time.Since(start))

	return models.Succeeded(rows)
}

// rollback runs even when ctx is already cancelled. A failure here is logged
// and never replaces the request's result.
func (g *executionGuard) rollback(ctx context.Context, requestID string, conn repositories.Connection) {
	if err := conn.Rollback(context.WithoutCancel(ctx)); err != nil {
		g.logger.Warn("Rollback failed", "request_id", requestID, "error", err)
		g.metrics.IncrementCounter("guard_rollback_errors_total")
	}
}

// keepsSession reports whether a session that ran kinds can be reused.
// Anything beyond plain reads (USE, SET, temporary tables) may leave state
// that outlives the rollback.
func keepsSession(kinds []models.StatementKind) bool {
	for _, k := range kinds {
		switch k {
		case models.KindSelect, models.KindShow, models.KindDescribe:
		default:
			return false
		}
	}
	return true
}
