package pool

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/go-sql-driver/mysql"
)

// Dialect describes how to drive one database backend.
type Dialect struct {
	// Name is the configuration name of the backend.
	Name string
	// DriverName is the database/sql driver name.
	DriverName string
	// ReadOnlyStatement puts the current session into read-only mode.
	ReadOnlyStatement string
	// PingStatement is the health check query.
	PingStatement string
}

var dialects = map[string]Dialect{
	"mysql": {
		Name:              "mysql",
		DriverName:        "mysql",
		ReadOnlyStatement: "SET SESSION TRANSACTION READ ONLY",
		PingStatement:     "SELECT 1",
	},
	"postgres": {
		Name:              "postgres",
		DriverName:        "pgx",
		ReadOnlyStatement: "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY",
		PingStatement:     "SELECT 1",
	},
	"sqlite": {
		Name:              "sqlite",
		DriverName:        "sqlite",
		ReadOnlyStatement: "PRAGMA query_only = ON",
		PingStatement:     "SELECT 1",
	},
}

// LookupDialect returns the dialect for a backend name. "postgresql" and
// "pgx" are accepted for postgres.
func LookupDialect(name string) (Dialect, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "mariadb":
		name = "mysql"
	case "postgresql", "pgx":
		name = "postgres"
	case "sqlite3":
		name = "sqlite"
	}

	d, ok := dialects[name]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
	return d, nil
}

// SupportedDrivers lists the configuration names of all backends.
func SupportedDrivers() []string {
	return []string{"mysql", "postgres", "sqlite"}
}

// MaskDSN hides credentials in a DSN of the given backend for logging.
func MaskDSN(driver, dsn string) string {
	if d, err := LookupDialect(driver); err == nil && d.Name == "mysql" {
		if cfg, err := mysql.ParseDSN(dsn); err == nil {
			if cfg.Passwd != "" {
				cfg.Passwd = "*****"
			}
			return cfg.FormatDSN()
		}
	}
	return maskDSN(dsn)
}
