// Package pool provides bounded database connection pooling for the guarded
// execution pipeline.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// Config represents pool configuration.
type Config struct {
	Driver             string        `json:"driver"`
	DSN                string        `json:"dsn"`
	MaxOpenConnections int           `json:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout"`
	AcquireTimeout     time.Duration `json:"acquire_timeout"`
}

// ConnectionPool manages exclusively owned database sessions.
type ConnectionPool interface {
	repositories.ConnectionPool

	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck performs a health check on the pool.
	HealthCheck(ctx context.Context) error
	// Close closes the connection pool.
	Close() error
	// SetMetricsCollector sets the metrics collector.
	SetMetricsCollector(collector MetricsCollector)
}

// MetricsCollector interface for collecting pool metrics.
type MetricsCollector interface {
	RecordConnectionAcquisition(duration time.Duration, success bool)
	UpdateActiveConnections(count int)
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	Driver            string        `json:"driver"`
	OpenConnections   int           `json:"open_connections"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	Outstanding       int64         `json:"outstanding"`
	Acquired          int64         `json:"acquired"`
	AcquireFailures   int64         `json:"acquire_failures"`
	Discarded         int64         `json:"discarded"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
	LastHealthCheck   time.Time     `json:"last_health_check"`
	HealthCheckStatus string        `json:"health_check_status"`
}

type connectionPool struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  zerolog.Logger

	closed atomic.Bool

	lastHealthCheck atomic.Int64
	healthStatus    atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc

	acquired        atomic.Int64
	acquireFailures atomic.Int64
	discarded       atomic.Int64
	outstanding     atomic.Int64

	metrics atomic.Pointer[MetricsCollector]
}

// New opens a pool for cfg.Driver and verifies it with one health check.
func New(cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	dialect, err := LookupDialect(cfg.Driver)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConfigInvalid, "invalid pool configuration")
	}
	if cfg.DSN == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConfigInvalid, "dsn is required")
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 10
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = cfg.MaxOpenConnections
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	cfg.Driver = dialect.Name

	logger = logger.With().Str("component", "pool").Str("driver", dialect.Name).Logger()
	logger.Info().
		Str("dsn", MaskDSN(dialect.Name, cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Dur("conn_lifetime", cfg.ConnMaxLifetime).
		Dur("conn_idle_time", cfg.ConnMaxIdleTime).
		Dur("acquire_timeout", cfg.AcquireTimeout).
		Msg("Creating connection pool")

	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())

	pool := &connectionPool{
		db:      db,
		dialect: dialect,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	pool.healthStatus.Store("unknown")

	connCtx, connCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer connCancel()

	if err := pool.HealthCheck(connCtx); err != nil {
		db.Close()
		cancel()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "initial health check failed")
	}

	if cfg.HealthCheckPeriod > 0 {
		go pool.healthCheckRoutine(ctx)
	}

	logger.Info().Msg("Connection pool created successfully")

	return pool, nil
}

// Acquire takes one session out of the pool, waiting at most AcquireTimeout.
func (p *connectionPool) Acquire(ctx context.Context) (repositories.Connection, error) {
	if p.closed.Load() {
		return nil, pkgerrors.ErrPoolClosed
	}

	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	duration := time.Since(start)
	if err != nil {
		p.acquireFailures.Add(1)
		p.recordAcquisition(duration, false)
		if errors.Is(err, sql.ErrConnDone) || p.closed.Load() {
			return nil, pkgerrors.ErrPoolClosed
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeAcquisitionFailed, "failed to acquire connection")
	}

	p.acquired.Add(1)
	p.recordAcquisition(duration, true)
	p.updateActive(p.outstanding.Add(1))

	if duration > time.Second {
		p.logger.Warn().Dur("wait", duration).Msg("Slow connection acquisition")
	}

	return &pooledConnection{conn: conn, dialect: p.dialect}, nil
}

// Release returns conn to the pool. An open transaction is rolled back first.
func (p *connectionPool) Release(conn repositories.Connection) {
	pc, ok := conn.(*pooledConnection)
	if !ok || pc == nil {
		return
	}
	if !pc.released.CompareAndSwap(false, true) {
		return
	}

	if pc.tx != nil {
		if err := pc.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			p.logger.Warn().Err(err).Msg("Rollback on release failed")
		}
		pc.tx = nil
	}
	if pc.discard {
		// ErrBadConn makes database/sql close the driver connection.
		_ = pc.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		p.discarded.Add(1)
	}
	if err := pc.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Warn().Err(err).Msg("Failed to return connection to pool")
	}
	p.updateActive(p.outstanding.Add(-1))
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	stats := p.db.Stats()
	return PoolStats{
		Driver:            p.dialect.Name,
		OpenConnections:   stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		Outstanding:       p.outstanding.Load(),
		Acquired:          p.acquired.Load(),
		AcquireFailures:   p.acquireFailures.Load(),
		Discarded:         p.discarded.Load(),
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
		LastHealthCheck:   time.Unix(p.lastHealthCheck.Load(), 0),
		HealthCheckStatus: p.getHealthStatus(),
	}
}

// SetMetricsCollector sets the metrics collector.
func (p *connectionPool) SetMetricsCollector(collector MetricsCollector) {
	if collector == nil {
		p.metrics.Store(nil)
		return
	}
	p.metrics.Store(&collector)
}

// HealthCheck pings the database and runs the dialect's probe query.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.ErrPoolClosed
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "ping failed")
	}

	var one int
	if err := p.db.QueryRowContext(ctx, p.dialect.PingStatement).Scan(&one); err != nil {
		p.updateHealthStatus("unhealthy", "probe query failed")
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "probe query failed")
	}

	p.updateHealthStatus("healthy", "")
	return nil
}

// Close stops the health check routine and closes the database.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	p.logger.Info().Msg("Closing connection pool")

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

func (p *connectionPool) recordAcquisition(d time.Duration, success bool) {
	if m := p.metrics.Load(); m != nil {
		(*m).RecordConnectionAcquisition(d, success)
	}
}

func (p *connectionPool) updateActive(n int64) {
	if m := p.metrics.Load(); m != nil {
		(*m).UpdateActiveConnections(int(n))
	}
}

// healthCheckRoutine performs periodic health checks until ctx is cancelled.
func (p *connectionPool) healthCheckRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	p.logger.Info().Dur("period", p.config.HealthCheckPeriod).Msg("Health check routine started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Health check routine stopped")
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.HealthCheck(probeCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

// updateHealthStatus updates the health status using atomic operations.
func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().Unix())
	previous := p.getHealthStatus()
	p.healthStatus.Store(status)

	if status != previous && status == "unhealthy" {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health status changed")
	}
}

func (p *connectionPool) getHealthStatus() string {
	if v := p.healthStatus.Load(); v != nil {
		return v.(string)
	}
	return "unknown"
}

// maskDSN hides passwords and secret query parameters in URL-like DSNs.
// Anything it cannot parse as a URL keeps only its first and last 3 runes.
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
