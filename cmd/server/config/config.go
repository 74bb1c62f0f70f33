// Package config provides configuration structures for the gateway server.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/zalando/go-keyring"

	"github.com/TFMV/sqlgate/pkg/infrastructure/pool"
)

// KeyringService is the OS keyring service name used for database passwords.
const KeyringService = "sqlgate"

// Config represents the server configuration.
type Config struct {
	// Server settings
	Address         string        `mapstructure:"address" yaml:"address" json:"address"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout" json:"query_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" yaml:"max_message_size" json:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`

	// TLS configuration
	TLS TLSConfig `mapstructure:"tls" yaml:"tls" json:"tls"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Health check configuration
	Health HealthConfig `mapstructure:"health" yaml:"health" json:"health"`

	// gRPC reflection
	Reflection bool `mapstructure:"reflection" yaml:"reflection" json:"reflection"`

	// Database the gateway reads from
	Database DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`

	// Connection pool configuration
	Pool PoolConfig `mapstructure:"pool" yaml:"pool" json:"pool"`

	// Statement policy
	Policy PolicyConfig `mapstructure:"policy" yaml:"policy" json:"policy"`
}

// TLSConfig represents TLS configuration.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
	// Mutual TLS
	ClientAuth       bool   `mapstructure:"client_auth" yaml:"client_auth" json:"client_auth"`
	ClientCACertFile string `mapstructure:"client_ca_cert_file" yaml:"client_ca_cert_file" json:"client_ca_cert_file"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
}

// DatabaseConfig describes the backing database.
type DatabaseConfig struct {
	Driver   string            `mapstructure:"driver" yaml:"driver" json:"driver"`
	Host     string            `mapstructure:"host" yaml:"host" json:"host"`
	Port     int               `mapstructure:"port" yaml:"port" json:"port"`
	User     string            `mapstructure:"user" yaml:"user" json:"user"`
	Password string            `mapstructure:"password" yaml:"password" json:"-"`
	Name     string            `mapstructure:"name" yaml:"name" json:"name"`
	Params   map[string]string `mapstructure:"params" yaml:"params" json:"params"`

	// DSN, when set, is used verbatim instead of the fields above.
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"-"`

	// MultiStatements lets one text carry several statements (MySQL only).
	MultiStatements bool `mapstructure:"multi_statements" yaml:"multi_statements" json:"multi_statements"`

	// PasswordKeyring reads the password from the OS keyring when Password is empty.
	PasswordKeyring bool `mapstructure:"password_keyring" yaml:"password_keyring" json:"password_keyring"`
}

// PoolConfig represents connection pool configuration.
type PoolConfig struct {
	MaxOpenConnections int           `mapstructure:"max_open" yaml:"max_open" json:"max_open"`
	MaxIdleConnections int           `mapstructure:"max_idle" yaml:"max_idle" json:"max_idle"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `mapstructure:"health_check_period" yaml:"health_check_period" json:"health_check_period"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" json:"connection_timeout"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout" json:"acquire_timeout"`
}

// PolicyConfig selects the statement policy.
type PolicyConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024 * 1024 // 16MB
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout must not be negative")
	}

	// Validate TLS
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS cert and key files are required when TLS is enabled")
		}
		if c.TLS.ClientAuth && c.TLS.ClientCACertFile == "" {
			return fmt.Errorf("client CA file is required when client auth is enabled")
		}
	}

	// Validate database
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "":
		c.Database.Driver = "mysql"
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		if c.Database.Driver == "sqlite" {
			if c.Database.Name == "" {
				return fmt.Errorf("database name (file path) is required for sqlite")
			}
		} else if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		// Fallbacks for unset MYSQL_DB_USER and MYSQL_DB_NAME.
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "mysql"
		}
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "mysql":
			c.Database.Port = 3306
		case "postgres":
			c.Database.Port = 5432
		}
	}

	// Set defaults for connection pool
	if c.Pool.MaxOpenConnections <= 0 {
		c.Pool.MaxOpenConnections = 10
	}
	if c.Pool.MaxIdleConnections <= 0 {
		c.Pool.MaxIdleConnections = c.Pool.MaxOpenConnections
	}
	if c.Pool.MaxIdleConnections > c.Pool.MaxOpenConnections {
		c.Pool.MaxIdleConnections = c.Pool.MaxOpenConnections
	}
	if c.Pool.ConnMaxLifetime <= 0 {
		c.Pool.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Pool.ConnMaxIdleTime <= 0 {
		c.Pool.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Pool.HealthCheckPeriod <= 0 {
		c.Pool.HealthCheckPeriod = 1 * time.Minute
	}
	if c.Pool.ConnectionTimeout <= 0 {
		c.Pool.ConnectionTimeout = 10 * time.Second
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = 30 * time.Second
	}

	// Validate policy
	c.Policy.Mode = strings.ToLower(strings.TrimSpace(c.Policy.Mode))
	switch c.Policy.Mode {
	case "":
		c.Policy.Mode = "denylist"
	case "denylist", "allowlist":
	default:
		return fmt.Errorf("unsupported policy mode: %s", c.Policy.Mode)
	}

	// Set defaults for metrics
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	return nil
}

// ResolvePassword fills Database.Password from the OS keyring when asked to
// and no password was configured.
func (c *Config) ResolvePassword() error {
	if c.Database.Password != "" || !c.Database.PasswordKeyring {
		return nil
	}
	secret, err := keyring.Get(KeyringService, c.Database.User)
	if err != nil {
		return fmt.Errorf("read password for %q from keyring: %w", c.Database.User, err)
	}
	c.Database.Password = secret
	return nil
}

// BuildDSN renders the driver DSN for the database section.
func (c *Config) BuildDSN() (string, error) {
	db := c.Database
	if db.DSN != "" {
		return db.DSN, nil
	}

	switch db.Driver {
	case "", "mysql":
		mc := mysql.NewConfig()
		mc.User = db.User
		mc.Passwd = db.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
		mc.DBName = db.Name
		mc.MultiStatements = db.MultiStatements
		mc.Timeout = c.Pool.ConnectionTimeout
		if len(db.Params) > 0 {
			mc.Params = make(map[string]string, len(db.Params))
			for k, v := range db.Params {
				mc.Params[k] = v
			}
		}
		return mc.FormatDSN(), nil

	case "postgres":
		u := &url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
			Path:   "/" + db.Name,
		}
		if db.User != "" {
			if db.Password != "" {
				u.User = url.UserPassword(db.User, db.Password)
			} else {
				u.User = url.User(db.User)
			}
		}
		q := url.Values{}
		for k, v := range db.Params {
			q.Set(k, v)
		}
		if c.Pool.ConnectionTimeout > 0 && q.Get("connect_timeout") == "" {
			q.Set("connect_timeout", strconv.Itoa(int(c.Pool.ConnectionTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case "sqlite":
		if len(db.Params) == 0 {
			return db.Name, nil
		}
		q := url.Values{}
		for k, v := range db.Params {
			q.Set(k, v)
		}
		return "file:" + db.Name + "?" + q.Encode(), nil

	default:
		return "", fmt.Errorf("unsupported database driver: %s", db.Driver)
	}
}

// PoolConfig returns the connection pool settings with the rendered DSN.
func (c *Config) PoolConfig() (pool.Config, error) {
	dsn, err := c.BuildDSN()
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Driver:             c.Database.Driver,
		DSN:                dsn,
		MaxOpenConnections: c.Pool.MaxOpenConnections,
		MaxIdleConnections: c.Pool.MaxIdleConnections,
		ConnMaxLifetime:    c.Pool.ConnMaxLifetime,
		ConnMaxIdleTime:    c.Pool.ConnMaxIdleTime,
		HealthCheckPeriod:  c.Pool.HealthCheckPeriod,
		ConnectionTimeout:  c.Pool.ConnectionTimeout,
		AcquireTimeout:     c.Pool.AcquireTimeout,
	}, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         "0.0.0.0:8815",
		LogLevel:        "info",
		QueryTimeout:    0,
		MaxMessageSize:  16 * 1024 * 1024,
		ShutdownTimeout: 30 * time.Second,
		BatchSize:       1024,
		TLS: TLSConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
		Reflection: true,
		Database: DatabaseConfig{
			Driver: "mysql",
			Host:   "localhost",
			Port:   3306,
		},
		Pool: PoolConfig{
			MaxOpenConnections: 10,
			MaxIdleConnections: 10,
			ConnMaxLifetime:    30 * time.Minute,
			ConnMaxIdleTime:    10 * time.Minute,
			HealthCheckPeriod:  1 * time.Minute,
			ConnectionTimeout:  10 * time.Second,
			AcquireTimeout:     30 * time.Second,
		},
		Policy: PolicyConfig{
			Mode: "denylist",
		},
	}
}
