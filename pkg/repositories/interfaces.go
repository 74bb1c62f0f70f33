// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"

	"github.com/TFMV/sqlgate/pkg/models"
)

// ConnectionPool hands out exclusively owned connections.
type ConnectionPool interface {
	// Acquire blocks until a connection is available, ctx is done, or the
	// pool's own acquire timeout elapses.
	Acquire(ctx context.Context) (Connection, error)
	// Release returns a connection to the pool. Releasing twice is a no-op.
	Release(conn Connection)
}

// Connection is one pooled session. It deliberately has no Commit.
type Connection interface {
	// SetReadOnly puts the session into read-only transaction mode.
	SetReadOnly(ctx context.Context) error
	// BeginTransaction starts an explicit transaction.
	BeginTransaction(ctx context.Context) error
	// Query runs sql inside the open transaction and materializes all rows.
	Query(ctx context.Context, sql string) (*models.ResultSet, error)
	// Rollback discards the open transaction.
	Rollback(ctx context.Context) error
	// Discard closes the session on Release instead of returning it for reuse.
	Discard()
}
