package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// pq error class for unique constraint violations.
const pqUniqueViolation = "23505"

const connectionColumns = `id, name, dialect, encrypted_uri, is_active, last_scan_at, created_at, updated_at`

// CreateConnection inserts a warehouse connection.
func (s *Store) CreateConnection(ctx context.Context, conn *WarehouseConnection) error {
	query := `
		INSERT INTO connections (id, name, dialect, encrypted_uri, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.conn.db.ExecContext(ctx, query,
		conn.ID, conn.Name, conn.Dialect, conn.EncryptedURI, conn.IsActive, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConnectionExists, conn.Name)
		}

		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnection returns one connection by ID.
func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*WarehouseConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	conn, err := scanConnection(s.conn.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
		}

		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// ListConnections returns all connections ordered by name.
func (s *Store) ListConnections(ctx context.Context) ([]WarehouseConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections ORDER BY name`

	return s.queryConnections(ctx, query)
}

// ActiveConnections returns connections eligible for scanning.
func (s *Store) ActiveConnections(ctx context.Context) ([]WarehouseConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE is_active ORDER BY name`

	return s.queryConnections(ctx, query)
}

// UpdateConnection persists mutable connection fields.
func (s *Store) UpdateConnection(ctx context.Context, conn *WarehouseConnection) error {
	query := `
		UPDATE connections
		SET name = $2, dialect = $3, encrypted_uri = $4, is_active = $5, updated_at = $6
		WHERE id = $1`

	result, err := s.conn.db.ExecContext(ctx, query,
		conn.ID, conn.Name, conn.Dialect, conn.EncryptedURI, conn.IsActive, conn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrConnectionExists, conn.Name)
		}

		return fmt.Errorf("failed to update connection: %w", err)
	}

	return requireRow(result, ErrConnectionNotFound)
}

// DeleteConnection removes a connection; monitored tables cascade.
func (s *Store) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	result, err := s.conn.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	return requireRow(result, ErrConnectionNotFound)
}

// TouchLastScan records the completion time of a scan cycle.
func (s *Store) TouchLastScan(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.conn.db.ExecContext(ctx,
		`UPDATE connections SET last_scan_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record scan time: %w", err)
	}

	return nil
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]WarehouseConnection, error) {
	rows, err := s.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var connections []WarehouseConnection

	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}

		connections = append(connections, *conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connection rows: %w", err)
	}

	return connections, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*WarehouseConnection, error) {
	var (
		conn       WarehouseConnection
		lastScanAt sql.NullTime
	)

	err := row.Scan(&conn.ID, &conn.Name, &conn.Dialect, &conn.EncryptedURI,
		&conn.IsActive, &lastScanAt, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastScanAt.Valid {
		conn.LastScanAt = &lastScanAt.Time
	}

	return &conn, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// requireRow maps a zero-row update or delete onto the entity's not-found error.
func requireRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
