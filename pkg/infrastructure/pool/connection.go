package pool

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/infrastructure/converter"
	"github.com/TFMV/sqlgate/pkg/models"
)

// pooledConnection is one session checked out of a connectionPool. It is
// owned by a single request and is not safe for concurrent use.
type pooledConnection struct {
	conn     *sql.Conn
	tx       *sql.Tx
	dialect  Dialect
	discard  bool
	released atomic.Bool
}

// Discard drops the underlying session when the connection is released.
func (c *pooledConnection) Discard() {
	c.discard = true
}

// SetReadOnly runs the dialect's session read-only statement.
func (c *pooledConnection) SetReadOnly(ctx context.Context) error {
	if _, err := c.conn.ExecContext(ctx, c.dialect.ReadOnlyStatement); err != nil {
		return errors.Wrap(err, errors.CodeExecutionFailed, "failed to set session read-only")
	}
	return nil
}

// BeginTransaction starts the transaction every query runs in.
func (c *pooledConnection) BeginTransaction(ctx context.Context) error {
	if c.tx != nil {
		return errors.New(errors.CodeInternal, "transaction already in progress")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeExecutionFailed, "failed to begin transaction")
	}
	c.tx = tx
	return nil
}

// Query runs query inside the open transaction and materializes every row.
func (c *pooledConnection) Query(ctx context.Context, query string) (*models.ResultSet, error) {
	if c.tx == nil {
		return nil, errors.ErrNoTransaction
	}

	rows, err := c.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeExecutionFailed, "failed to execute query")
	}
	defer rows.Close()

	return converter.ScanResultSet(rows)
}

// Rollback discards the open transaction.
func (c *pooledConnection) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return errors.ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, errors.CodeExecutionFailed, "failed to roll back transaction")
	}
	return nil
}
