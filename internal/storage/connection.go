package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// PostgreSQL driver registration.
	_ "github.com/lib/pq"
)

const (
	connectTimeout     = 10 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// ErrNoDatabaseConnection is returned when a store is built over a nil connection.
var ErrNoDatabaseConnection = errors.New("database connection is nil")

// Connection wraps the PostgreSQL pool with configured limits. It is created
// once at startup and shared by every store via dependency injection; the
// owner is responsible for Close.
type Connection struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
}

// NewConnection opens and verifies a PostgreSQL connection pool.
func NewConnection(cfg *Config, logger *slog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		slog.String("url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns))

	return &Connection{db: db, config: cfg, logger: logger}, nil
}

// DB exposes the underlying pool, e.g. for running migrations at startup.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// HealthCheck verifies the pool still reaches the database. Used by readiness
// probes and the /health endpoint.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close releases the pool.
func (c *Connection) Close() error {
	return c.db.Close()
}
