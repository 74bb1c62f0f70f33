// Package main provides the entry point for the sqlgate server.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/TFMV/sqlgate/cmd/server/config"
	"github.com/TFMV/sqlgate/cmd/server/server"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errQueryFailed marks a query whose tool response was an error. The text has
// already been printed.
var errQueryFailed = stderrors.New("query failed")

// legacyEnv maps config keys to the environment variables older deployments set.
var legacyEnv = map[string]string{
	"database.host":     "MYSQL_DB_HOST",
	"database.port":     "MYSQL_DB_PORT",
	"database.user":     "MYSQL_DB_USER",
	"database.password": "MYSQL_DB_PASSWORD",
	"database.name":     "MYSQL_DB_NAME",
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "sqlgate",
		Short: "Read-only SQL gateway",
		Long: `sqlgate runs SQL from untrusted callers against a database, but only when
every statement is provably read-only. Results are served over Arrow Flight SQL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("driver", "mysql", "database driver (mysql, postgres, sqlite)")
	flags.String("dsn", "", "database DSN, overrides the database section")
	flags.String("policy", "denylist", "statement policy (denylist, allowlist)")
	flags.Duration("query-timeout", 0, "per-query timeout (0 disables)")
	bindFlag(v, flags.Lookup("config"), "config")
	bindFlag(v, flags.Lookup("log-level"), "log_level")
	bindFlag(v, flags.Lookup("driver"), "database.driver")
	bindFlag(v, flags.Lookup("dsn"), "database.dsn")
	bindFlag(v, flags.Lookup("policy"), "policy.mode")
	bindFlag(v, flags.Lookup("query-timeout"), "query_timeout")

	root.AddCommand(newServeCmd(v), newQueryCmd(v), newVersionCmd())
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Flight SQL server",
		Long: `Start the Flight SQL server with the specified configuration.

Example:
  sqlgate serve --config ./config.yaml
  sqlgate serve --driver sqlite --dsn ./shop.db --address 127.0.0.1:8815`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("address", "0.0.0.0:8815", "server listen address")
	flags.Bool("tls", false, "enable TLS")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS key file")
	flags.Bool("metrics", true, "enable Prometheus metrics")
	flags.String("metrics-address", ":9090", "metrics server address")
	flags.Bool("health", true, "enable health checks")
	flags.Bool("reflection", true, "enable gRPC reflection")
	flags.Int64("max-message-size", 16*1024*1024, "maximum message size in bytes")
	flags.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	bindFlag(v, flags.Lookup("address"), "address")
	bindFlag(v, flags.Lookup("tls"), "tls.enabled")
	bindFlag(v, flags.Lookup("tls-cert"), "tls.cert_file")
	bindFlag(v, flags.Lookup("tls-key"), "tls.key_file")
	bindFlag(v, flags.Lookup("metrics"), "metrics.enabled")
	bindFlag(v, flags.Lookup("metrics-address"), "metrics.address")
	bindFlag(v, flags.Lookup("health"), "health.enabled")
	bindFlag(v, flags.Lookup("reflection"), "reflection")
	bindFlag(v, flags.Lookup("max-message-size"), "max_message_size")
	bindFlag(v, flags.Lookup("shutdown-timeout"), "shutdown_timeout")
	return cmd
}

func newQueryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql | ->",
		Short: "Run one SQL text through the read-only guard",
		Long: `Run one SQL text through the read-only guard and print the tool response
text. Use - to read the SQL from stdin. Exits with status 1 when the response
is an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, v, args[0])
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sqlgate\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

func bindFlag(v *viper.Viper, flag *pflag.Flag, key string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Errorf("failed to bind flag %s: %w", key, err))
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !stderrors.Is(err, errQueryFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel, os.Stderr)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting sqlgate")

	// Create metrics collector
	var collector metrics.Collector
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path, nil)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	} else {
		collector = metrics.NewNoOpCollector()
	}

	srv, err := server.New(cfg, version, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	grpcServer, err := srv.NewGRPCServer()
	if err != nil {
		_ = srv.Close(context.Background())
		return fmt.Errorf("failed to setup gRPC server: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		_ = srv.Close(context.Background())
		return fmt.Errorf("failed to create listener: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(grpcServer, listener); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErrCh:
		_ = srv.Close(context.Background())
		return err
	}

	// Graceful shutdown
	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	if err := srv.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Server shutdown complete")
	return nil
}

func runQuery(cmd *cobra.Command, v *viper.Viper, arg string) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	query := arg
	if arg == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read query: %w", err)
		}
		query = string(b)
	}

	// Logs go to stderr so stdout carries only the response text.
	logger := setupLogging(cfg.LogLevel, cmd.ErrOrStderr())

	srv, err := server.New(cfg, version, logger, metrics.NewNoOpCollector())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resp := srv.QueryHandler().ExecuteTool(ctx, query)
	fmt.Fprintln(cmd.OutOrStdout(), resp.Text())
	if resp.IsError {
		return errQueryFailed
	}
	return nil
}

// loadConfig layers defaults, the config file, environment and flags.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	setDefaults(v, config.DefaultConfig())

	v.SetEnvPrefix("SQLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "SQLGATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables reach Unmarshal.
func setDefaults(v *viper.Viper, d *config.Config) {
	v.SetDefault("address", d.Address)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("query_timeout", d.QueryTimeout)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("reflection", d.Reflection)

	v.SetDefault("tls.enabled", d.TLS.Enabled)
	v.SetDefault("tls.cert_file", d.TLS.CertFile)
	v.SetDefault("tls.key_file", d.TLS.KeyFile)
	v.SetDefault("tls.client_auth", d.TLS.ClientAuth)
	v.SetDefault("tls.client_ca_cert_file", d.TLS.ClientCACertFile)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.interval", d.Health.Interval)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	// Zero lets Validate pick the driver's port.
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.multi_statements", d.Database.MultiStatements)
	v.SetDefault("database.password_keyring", d.Database.PasswordKeyring)

	v.SetDefault("pool.max_open", d.Pool.MaxOpenConnections)
	v.SetDefault("pool.max_idle", d.Pool.MaxIdleConnections)
	v.SetDefault("pool.conn_max_lifetime", d.Pool.ConnMaxLifetime)
	v.SetDefault("pool.conn_max_idle_time", d.Pool.ConnMaxIdleTime)
	v.SetDefault("pool.health_check_period", d.Pool.HealthCheckPeriod)
	v.SetDefault("pool.connection_timeout", d.Pool.ConnectionTimeout)
	v.SetDefault("pool.acquire_timeout", d.Pool.AcquireTimeout)

	v.SetDefault("policy.mode", d.Policy.Mode)
}

// setupLogging builds the process logger. Terminals get console output.
func setupLogging(level string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out = zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(out).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "sqlgate")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
