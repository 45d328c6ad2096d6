package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const monitoredTableColumns = `id, connection_id, schema_name, table_name, role,
	check_types, freshness_sla_minutes, timestamp_column, enabled, created_at, updated_at`

// EnrollTable inserts a monitored table, silently skipping duplicates so
// discovery confirmation stays idempotent. Returns true when a row was
// actually inserted.
func (s *Store) EnrollTable(ctx context.Context, table *MonitoredTable) (bool, error) {
	checkTypes, err := json.Marshal(table.CheckTypes)
	if err != nil {
		return false, fmt.Errorf("failed to encode check types: %w", err)
	}

	query := `
		INSERT INTO monitored_tables
			(id, connection_id, schema_name, table_name, role, check_types,
			 freshness_sla_minutes, timestamp_column, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT uq_monitored_tables_fqn DO NOTHING`

	result, err := s.conn.db.ExecContext(ctx, query,
		table.ID, table.ConnectionID, table.SchemaName, table.TableName, table.Role,
		checkTypes, nullableInt(table.FreshnessSLAMinutes), nullableString(table.TimestampColumn),
		table.Enabled, table.CreatedAt, table.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enroll table: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

// GetMonitoredTable returns one monitored table by ID.
func (s *Store) GetMonitoredTable(ctx context.Context, id uuid.UUID) (*MonitoredTable, error) {
	query := `SELECT ` + monitoredTableColumns + ` FROM monitored_tables WHERE id = $1`

	table, err := scanMonitoredTable(s.conn.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMonitoredTableNotFound, id)
		}

		return nil, fmt.Errorf("failed to get monitored table: %w", err)
	}

	return table, nil
}

// ListMonitoredTables returns tables for a connection, or all tables when
// connectionID is uuid.Nil. Ordered by schema and name.
func (s *Store) ListMonitoredTables(ctx context.Context, connectionID uuid.UUID) ([]MonitoredTable, error) {
	query := `SELECT ` + monitoredTableColumns + ` FROM monitored_tables`

	var args []any

	if connectionID != uuid.Nil {
		query += ` WHERE connection_id = $1`

		args = append(args, connectionID)
	}

	query += ` ORDER BY schema_name, table_name`

	return s.queryMonitoredTables(ctx, query, args...)
}

// EnabledTables returns the tables a scan cycle should inspect.
func (s *Store) EnabledTables(ctx context.Context, connectionID uuid.UUID) ([]MonitoredTable, error) {
	query := `SELECT ` + monitoredTableColumns + `
		FROM monitored_tables
		WHERE connection_id = $1 AND enabled
		ORDER BY schema_name, table_name`

	return s.queryMonitoredTables(ctx, query, connectionID)
}

// MonitoredFQNs returns the schema-qualified names enrolled for a
// connection. Implements discovery.MonitoredLister.
func (s *Store) MonitoredFQNs(ctx context.Context, connectionID uuid.UUID) ([]string, error) {
	query := `
		SELECT schema_name || '.' || table_name
		FROM monitored_tables
		WHERE connection_id = $1
		ORDER BY 1`

	rows, err := s.conn.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitored names: %w", err)
	}
	defer rows.Close()

	var fqns []string

	for rows.Next() {
		var fqn string
		if err := rows.Scan(&fqn); err != nil {
			return nil, fmt.Errorf("failed to scan monitored name: %w", err)
		}

		fqns = append(fqns, fqn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitored names: %w", err)
	}

	return fqns, nil
}

// UpdateMonitoredTable persists mutable table configuration.
func (s *Store) UpdateMonitoredTable(ctx context.Context, table *MonitoredTable) error {
	checkTypes, err := json.Marshal(table.CheckTypes)
	if err != nil {
		return fmt.Errorf("failed to encode check types: %w", err)
	}

	query := `
		UPDATE monitored_tables
		SET role = $2, check_types = $3, freshness_sla_minutes = $4,
		    timestamp_column = $5, enabled = $6, updated_at = $7
		WHERE id = $1`

	result, err := s.conn.db.ExecContext(ctx, query,
		table.ID, table.Role, checkTypes, nullableInt(table.FreshnessSLAMinutes),
		nullableString(table.TimestampColumn), table.Enabled, table.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update monitored table: %w", err)
	}

	return requireRow(result, ErrMonitoredTableNotFound)
}

// DeleteMonitoredTable removes a table and its snapshots, anomalies and
// incidents via cascade.
func (s *Store) DeleteMonitoredTable(ctx context.Context, id uuid.UUID) error {
	result, err := s.conn.db.ExecContext(ctx, `DELETE FROM monitored_tables WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete monitored table: %w", err)
	}

	return requireRow(result, ErrMonitoredTableNotFound)
}

func (s *Store) queryMonitoredTables(ctx context.Context, query string, args ...any) ([]MonitoredTable, error) {
	rows, err := s.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitored tables: %w", err)
	}
	defer rows.Close()

	var tables []MonitoredTable

	for rows.Next() {
		table, err := scanMonitoredTable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitored table row: %w", err)
		}

		tables = append(tables, *table)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitored table rows: %w", err)
	}

	return tables, nil
}

func scanMonitoredTable(row rowScanner) (*MonitoredTable, error) {
	var (
		table           MonitoredTable
		checkTypes      []byte
		slaMinutes      sql.NullInt64
		timestampColumn sql.NullString
	)

	err := row.Scan(&table.ID, &table.ConnectionID, &table.SchemaName, &table.TableName,
		&table.Role, &checkTypes, &slaMinutes, &timestampColumn,
		&table.Enabled, &table.CreatedAt, &table.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(checkTypes, &table.CheckTypes); err != nil {
		return nil, fmt.Errorf("failed to decode check types: %w", err)
	}

	if slaMinutes.Valid {
		table.FreshnessSLAMinutes = int(slaMinutes.Int64)
	}

	if timestampColumn.Valid {
		table.TimestampColumn = timestampColumn.String
	}

	return &table, nil
}

func nullableInt(v int) any {
	if v <= 0 {
		return nil
	}

	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}

	return v
}
