// Package server assembles the gateway: pool, guard, handler and the Flight
// SQL service behind a configured gRPC server.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/sqlgate/cmd/server/config"
	"github.com/TFMV/sqlgate/cmd/server/middleware"
	"github.com/TFMV/sqlgate/pkg/handlers"
	"github.com/TFMV/sqlgate/pkg/infrastructure"
	"github.com/TFMV/sqlgate/pkg/infrastructure/memory"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/infrastructure/pool"
	pkgserver "github.com/TFMV/sqlgate/pkg/server"
	"github.com/TFMV/sqlgate/pkg/services"
)

// HealthServiceName is the service name reported to gRPC health checks.
const HealthServiceName = "flight.sql"

// Server owns every gateway component and their shutdown order.
type Server struct {
	config    *config.Config
	logger    zerolog.Logger
	metrics   metrics.Collector
	allocator *memory.TrackedAllocator

	pool    pool.ConnectionPool
	guard   services.ExecutionGuard
	handler handlers.QueryHandler
	flight  *pkgserver.FlightSQLServer

	health *health.Server
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the gateway from cfg. cfg must already be validated.
func New(cfg *config.Config, version string, logger zerolog.Logger, collector metrics.Collector) (*Server, error) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	srv := &Server{
		config:    cfg,
		logger:    logger,
		metrics:   collector,
		allocator: memory.NewTrackedAllocator(nil),
	}

	if err := cfg.ResolvePassword(); err != nil {
		return nil, err
	}
	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build DSN: %w", err)
	}

	srv.pool, err = pool.New(poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	srv.pool.SetMetricsCollector(&poolMetricsAdapter{collector: collector})

	policy, err := services.NewPolicy(services.PolicyMode(cfg.Policy.Mode))
	if err != nil {
		_ = srv.pool.Close()
		return nil, err
	}

	logAdapter := func(component string) *loggerAdapter {
		return &loggerAdapter{logger: logger.With().Str("component", component).Logger()}
	}

	srv.guard = services.NewExecutionGuard(
		services.NewStatementClassifier(),
		srv.pool,
		policy,
		logAdapter("guard"),
		&serviceMetricsAdapter{collector: collector},
		services.WithQueryTimeout(cfg.QueryTimeout),
	)

	srv.handler = handlers.NewQueryHandler(
		srv.guard,
		srv.allocator,
		logAdapter("query_handler"),
		&handlerMetricsAdapter{collector: collector},
		cfg.BatchSize,
	)

	srv.flight, err = pkgserver.NewFlightSQLServer(
		srv.handler,
		infrastructure.NewSQLInfoProvider(cfg.Database.Driver, version),
		srv.allocator,
		collector,
		logger,
	)
	if err != nil {
		_ = srv.pool.Close()
		return nil, fmt.Errorf("failed to register SQL info: %w", err)
	}
	srv.flight.OnClose(srv.pool.Close)

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Str("policy", string(policy.Mode())).
		Dur("query_timeout", cfg.QueryTimeout).
		Msg("Gateway components initialized")

	return srv, nil
}

// QueryHandler returns the handler used by both transports.
func (s *Server) QueryHandler() handlers.QueryHandler {
	return s.handler
}

// Pool returns the connection pool.
func (s *Server) Pool() pool.ConnectionPool {
	return s.pool
}

// Allocator returns the tracked Arrow allocator.
func (s *Server) Allocator() *memory.TrackedAllocator {
	return s.allocator
}

// Middleware returns the interceptor chain: logging, metrics, recovery.
func (s *Server) Middleware() []grpc.ServerOption {
	logging := middleware.NewLoggingMiddleware(s.logger)
	metricsMW := middleware.NewMetricsMiddleware(s.metrics)
	recovery := middleware.NewRecoveryMiddleware(s.logger)

	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			logging.UnaryInterceptor(),
			metricsMW.UnaryInterceptor(),
			recovery.UnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamInterceptor(),
			metricsMW.StreamInterceptor(),
			recovery.StreamInterceptor(),
		),
	}
}

// NewGRPCServer returns a gRPC server with the Flight SQL service and, when
// enabled, health and reflection registered.
func (s *Server) NewGRPCServer() (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(s.config.MaxMessageSize)),
		grpc.MaxSendMsgSize(int(s.config.MaxMessageSize)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if s.config.TLS.Enabled {
		creds, err := s.transportCredentials()
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	opts = append(opts, s.Middleware()...)

	grpcServer := grpc.NewServer(opts...)
	s.flight.Register(grpcServer)

	if s.config.Health.Enabled {
		s.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, s.health)
		s.health.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	if s.config.Reflection {
		reflection.Register(grpcServer)
	}

	if s.config.Health.Interval > 0 && s.stop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reportLoop(ctx, s.config.Health.Interval)
		}()
	}

	return grpcServer, nil
}

func (s *Server) transportCredentials() (credentials.TransportCredentials, error) {
	tlsCfg := s.config.TLS
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if tlsCfg.ClientAuth {
		pem, err := os.ReadFile(tlsCfg.ClientCACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", tlsCfg.ClientCACertFile)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(conf), nil
}

// Serve runs grpcServer on lis until it stops.
func (s *Server) Serve(grpcServer *grpc.Server, lis net.Listener) error {
	s.logger.Info().
		Str("address", lis.Addr().String()).
		Bool("tls", s.config.TLS.Enabled).
		Msg("Server listening")
	return grpcServer.Serve(lis)
}

// reportLoop publishes pool and allocator gauges and mirrors pool health into
// the gRPC health service.
func (s *Server) reportLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report(ctx)
		}
	}
}

func (s *Server) report(ctx context.Context) {
	stats := s.pool.Stats()
	s.metrics.RecordGauge(metrics.PoolOpenConnections, float64(stats.OpenConnections))
	s.metrics.RecordGauge(metrics.PoolInUseConnections, float64(stats.InUse))
	s.metrics.RecordGauge(metrics.ArrowBytesAllocated, float64(s.allocator.BytesUsed()))
	s.metrics.RecordGauge(metrics.ArrowBytesPeak, float64(s.allocator.PeakBytes()))

	if s.health == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, s.config.Pool.ConnectionTimeout)
	defer cancel()
	if err := s.pool.HealthCheck(checkCtx); err != nil {
		s.health.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.health.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Close stops background reporting and shuts the Flight SQL server down,
// which closes the pool.
func (s *Server) Close(ctx context.Context) error {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	return s.flight.Close(ctx)
}
