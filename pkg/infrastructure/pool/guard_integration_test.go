package pool_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/infrastructure/pool"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/services"
)

type discardLogger struct{}

func (discardLogger) Debug(string, ...interface{}) {}
func (discardLogger) Info(string, ...interface{})  {}
func (discardLogger) Warn(string, ...interface{})  {}
func (discardLogger) Error(string, ...interface{}) {}

type discardMetrics struct{}

func (discardMetrics) IncrementCounter(string, ...string)         {}
func (discardMetrics) RecordHistogram(string, float64, ...string) {}
func (discardMetrics) RecordGauge(string, float64, ...string)     {}
func (discardMetrics) StartTimer(string) services.Timer           { return discardTimer{} }

type discardTimer struct{}

func (discardTimer) Stop() time.Duration { return 0 }

func setupGuard(t *testing.T) (services.ExecutionGuard, pool.ConnectionPool, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "users.db")
	seed, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = seed.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = seed.Exec(`INSERT INTO users (id, name) VALUES (1, 'alice'), (2, 'bob')`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	p, err := pool.New(pool.Config{Driver: "sqlite", DSN: path, MaxOpenConnections: 2}, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	guard := services.NewExecutionGuard(
		services.NewStatementClassifier(),
		p,
		nil,
		discardLogger{},
		discardMetrics{},
	)
	return guard, p, path
}

func countUsers(t *testing.T, path string) int {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	return n
}

func TestGuardedExecution_SelectIsIdempotent(t *testing.T) {
	guard, p, path := setupGuard(t)
	ctx := context.Background()

	first := guard.Execute(ctx, "SELECT id FROM users WHERE id = 1")
	require.Equal(t, models.StatusSucceeded, first.Status, first.Detail)
	out, err := first.RowsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(out))

	second := guard.Execute(ctx, "SELECT id FROM users WHERE id = 1")
	require.Equal(t, models.StatusSucceeded, second.Status)
	again, err := second.RowsJSON()
	require.NoError(t, err)
	assert.Equal(t, out, again)

	assert.Equal(t, 2, countUsers(t, path))
	assert.Equal(t, int64(0), p.Stats().Outstanding)
}

func TestGuardedExecution_RejectsMutations(t *testing.T) {
	guard, p, path := setupGuard(t)
	ctx := context.Background()

	for _, q := range []string{
		"DROP TABLE users",
		"DELETE FROM users",
		"UPDATE users SET name = 'x'",
		"INSERT INTO users (id, name) VALUES (9, 'eve')",
		"TRUNCATE TABLE users",
		"SELECT 1; DELETE FROM users",
	} {
		res := guard.Execute(ctx, q)
		assert.Equal(t, models.StatusRejected, res.Status, q)
		assert.Equal(t, errors.MsgReadOnlyPolicy, res.Reason, q)
	}

	assert.Equal(t, 2, countUsers(t, path))
	assert.Equal(t, int64(0), p.Stats().Acquired)
}

func TestGuardedExecution_EmptyResult(t *testing.T) {
	guard, _, _ := setupGuard(t)

	res := guard.Execute(context.Background(), "SELECT id FROM users WHERE id = 42")
	require.Equal(t, models.StatusSucceeded, res.Status)
	out, err := res.RowsJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestGuardedExecution_EngineErrorIsGeneric(t *testing.T) {
	guard, p, _ := setupGuard(t)

	res := guard.Execute(context.Background(), "SELECT missing_column FROM users")
	require.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, errors.MsgExecutionError, res.Detail)
	assert.NotContains(t, res.Detail, "missing_column")
	assert.Equal(t, int64(0), p.Stats().Outstanding)
}
