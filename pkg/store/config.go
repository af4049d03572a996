package store

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config selects and tunes the document database.
type Config struct {
	// Driver is one of "postgres", "mysql" or "sqlite".
	Driver string

	// DSN is the driver-specific connection string. For sqlite this is a
	// file path or a "file:...?mode=memory" URI.
	DSN string

	// MaxOpenConns caps the connection pool. sqlite is always capped at 1.
	MaxOpenConns int

	// ConnMaxLifetime bounds how long a pooled connection is reused.
	ConnMaxLifetime time.Duration

	// MigrationLockEnabled serialises AutoMigrate across replicas.
	MigrationLockEnabled bool

	// Identity names this process in the fallback migration lock table.
	Identity string

	// LogSQL enables gorm statement logging at Info level.
	LogSQL bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Driver:               "sqlite",
		DSN:                  "integrity.db",
		MaxOpenConns:         10,
		ConnMaxLifetime:      30 * time.Minute,
		MigrationLockEnabled: true,
		Identity:             defaultIdentity(),
	}
}

// ConfigFromEnv reads database configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - INTEGRITY_DB_DRIVER: postgres, mysql or sqlite (default: "sqlite")
//   - INTEGRITY_DB_DSN: connection string (default: "integrity.db")
//   - INTEGRITY_DB_MAX_OPEN_CONNS: pool size (default: 10)
//   - INTEGRITY_DB_CONN_MAX_LIFETIME: seconds (default: 1800)
//   - INTEGRITY_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - INTEGRITY_DB_LOG_SQL: "true" or "false" (default: "false")
//   - POD_NAME: identity for the migration lock
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("INTEGRITY_DB_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("INTEGRITY_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("INTEGRITY_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if v := os.Getenv("INTEGRITY_DB_CONN_MAX_LIFETIME"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ConnMaxLifetime = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("INTEGRITY_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("INTEGRITY_DB_LOG_SQL"); v != "" {
		cfg.LogSQL = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
