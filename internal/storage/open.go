package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"airelay/internal/config"
)

// Backend names returned by ResolveBackend.
const (
	BackendSQLite   = "sqlite3"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
)

// ResolveBackend picks the driver and driver-specific DSN from the database
// config. No connection string means the embedded sqlite file.
func ResolveBackend(cfg config.DatabaseConfig) (string, string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		if cfg.Path == "" {
			return "", "", fmt.Errorf("database path must be configured")
		}
		return BackendSQLite, cfg.Path, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return BackendPostgres, dsn, nil
	case strings.HasPrefix(lower, "mysql://"):
		return BackendMySQL, dsn[len("mysql://"):], nil
	case strings.HasPrefix(lower, "sqlite://"):
		return BackendSQLite, dsn[len("sqlite://"):], nil
	}

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3", "":
		return BackendSQLite, dsn, nil
	case "mysql":
		return BackendMySQL, dsn, nil
	case "postgres", "postgresql", "pgx":
		return BackendPostgres, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}

// OpenStore opens, migrates and wraps the configured backend.
func OpenStore(cfg config.DatabaseConfig) (Store, string, error) {
	backend, dsn, err := ResolveBackend(cfg)
	if err != nil {
		return nil, "", err
	}
	if backend == BackendPostgres {
		st, err := NewGormStore(dsn)
		if err != nil {
			return nil, backend, err
		}
		return st, backend, nil
	}

	if backend == BackendSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, backend, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := Open(backend, dsn)
	if err != nil {
		return nil, backend, err
	}
	if err := Migrate(db, backend); err != nil {
		db.Close()
		return nil, backend, err
	}
	return NewSQLStore(db), backend, nil
}
