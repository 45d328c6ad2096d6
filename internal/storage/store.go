package storage

import (
	"context"
	"log/slog"

	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/incident"
	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/sentinel"
)

// Compile-time interface assertions. These provide early compile-time errors
// if the persistence contracts of the consuming packages change.
var (
	_ sentinel.Store            = (*Store)(nil)
	_ lineage.Store             = (*Store)(nil)
	_ incident.Store            = (*Store)(nil)
	_ incident.HistoryStore     = (*Store)(nil)
	_ discovery.MonitoredLister = (*Store)(nil)
)

// Store is the single PostgreSQL-backed implementation of every persistence
// contract in the service. All stores share one connection pool.
type Store struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStore creates a Store over an established connection.
func NewStore(conn *Connection, logger *slog.Logger) (*Store, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Store{
		conn:   conn,
		logger: logger.With(slog.String("component", "storage")),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
