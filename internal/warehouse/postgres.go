package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	connectTimeout = 10 * time.Second

	// Pool sizing for short-lived scan connectors. One connector serves at
	// most a handful of parallel table inspections.
	maxOpenConns    = 5
	maxIdleConns    = 2
	connMaxLifetime = 5 * time.Minute
)

// auditColumns are the recognized last-update signals, in precedence order.
// When a table carries several, the earliest match in this list wins.
var auditColumns = []string{
	"updated_at",
	"modified_at",
	"last_modified",
	"_loaded_at",
	"_etl_loaded_at",
	"created_at",
}

// PostgresConnector introspects a PostgreSQL (or Redshift) warehouse through
// information_schema and pg_stat_statements.
type PostgresConnector struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Compile-time interface compliance check.
var _ Connector = (*PostgresConnector)(nil)

// NewPostgresConnector opens a pooled connection to the warehouse and
// verifies connectivity with a bounded ping.
func NewPostgresConnector(uri string) (*PostgresConnector, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, classify("ping", err)
	}

	return &PostgresConnector{db: db}, nil
}

// ListSchemas returns all non-system schemas.
func (c *PostgresConnector) ListSchemas(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT schema_name FROM information_schema.schemata ORDER BY schema_name`)
	if err != nil {
		return nil, classify("list schemas", err)
	}
	defer func() { _ = rows.Close() }()

	var schemas []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("list schemas", err)
		}

		if !IsSystemSchema("postgres", name) {
			schemas = append(schemas, name)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list schemas", err)
	}

	return schemas, nil
}

// ListTables returns base tables and views in the given schema.
func (c *PostgresConnector) ListTables(ctx context.Context, schema string) ([]TableRef, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT table_name, table_type
		   FROM information_schema.tables
		  WHERE table_schema = $1
		    AND table_type IN ('BASE TABLE', 'VIEW')
		  ORDER BY table_name`, schema)
	if err != nil {
		return nil, classify("list tables", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []TableRef

	for rows.Next() {
		var name, tableType string
		if err := rows.Scan(&name, &tableType); err != nil {
			return nil, classify("list tables", err)
		}

		kind := "TABLE"
		if tableType == "VIEW" {
			kind = "VIEW"
		}

		tables = append(tables, TableRef{Schema: schema, Name: name, Kind: kind})
	}

	if err := rows.Err(); err != nil {
		return nil, classify("list tables", err)
	}

	return tables, nil
}

// FetchColumns returns the column list of a table, ordered by ordinal position.
func (c *PostgresConnector) FetchColumns(ctx context.Context, schema, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT column_name, data_type, is_nullable, ordinal_position
		   FROM information_schema.columns
		  WHERE table_schema = $1 AND table_name = $2
		  ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, classify("fetch columns", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column

	for rows.Next() {
		var (
			col      Column
			nullable string
		)

		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Ordinal); err != nil {
			return nil, classify("fetch columns", err)
		}

		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("fetch columns", err)
	}

	return columns, nil
}

// FetchLastUpdateTime returns MAX() of the highest-precedence recognized
// audit column, falling back to the statistics collector's modification
// timestamps. Returns nil when no signal is available.
func (c *PostgresConnector) FetchLastUpdateTime(ctx context.Context, schema, table string) (*time.Time, error) {
	columns, err := c.FetchColumns(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(columns))

	for _, col := range columns {
		if isTemporalType(col.Type) {
			present[strings.ToLower(col.Name)] = true
		}
	}

	for _, candidate := range auditColumns {
		if !present[candidate] {
			continue
		}

		query := fmt.Sprintf("SELECT MAX(%s) FROM %s.%s",
			pq.QuoteIdentifier(candidate),
			pq.QuoteIdentifier(schema),
			pq.QuoteIdentifier(table),
		)

		var last sql.NullTime
		if err := c.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
			return nil, classify("fetch last update time", err)
		}

		if last.Valid {
			t := last.Time.UTC()

			return &t, nil
		}

		// Audit column exists but holds no rows; try the next signal.
	}

	var statsTime sql.NullTime

	err = c.db.QueryRowContext(ctx,
		`SELECT GREATEST(last_vacuum, last_autovacuum, last_analyze, last_autoanalyze)
		   FROM pg_stat_user_tables
		  WHERE schemaname = $1 AND relname = $2`, schema, table).Scan(&statsTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, classify("fetch last update time", err)
	}

	if !statsTime.Valid {
		return nil, nil
	}

	t := statsTime.Time.UTC()

	return &t, nil
}

// ExtractQueryLog pulls target-modifying statements from pg_stat_statements.
// The extension carries no per-execution timestamp, so ExecutedAt is the
// capture time; the lineage refresher only needs the statement text.
func (c *PostgresConnector) ExtractQueryLog(ctx context.Context, since time.Time, limit int) ([]QueryLogEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT s.query, COALESCE(r.rolname, ''), s.mean_exec_time
		   FROM pg_stat_statements s
		   LEFT JOIN pg_roles r ON r.oid = s.userid
		  WHERE s.query ~* '^\s*(insert\s|create\s+(or\s+replace\s+)?table\s|merge\s)'
		  ORDER BY s.calls DESC
		  LIMIT $1`, limit)
	if err != nil {
		return nil, classify("extract query log", err)
	}
	defer func() { _ = rows.Close() }()

	capturedAt := time.Now().UTC()

	var entries []QueryLogEntry

	for rows.Next() {
		var entry QueryLogEntry

		if err := rows.Scan(&entry.SQL, &entry.User, &entry.DurationMS); err != nil {
			return nil, classify("extract query log", err)
		}

		entry.ExecutedAt = capturedAt
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("extract query log", err)
	}

	return entries, nil
}

// Ping runs SELECT 1 against the warehouse.
func (c *PostgresConnector) Ping(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify("ping", err)
	}

	return nil
}

// Dispose closes the connection pool. Safe to call more than once.
func (c *PostgresConnector) Dispose() error {
	var err error

	c.closeOnce.Do(func() {
		err = c.db.Close()
	})

	return err
}

// isTemporalType reports whether a data type can hold a last-update signal.
func isTemporalType(dataType string) bool {
	normalized := strings.ToLower(dataType)

	return strings.Contains(normalized, "timestamp") || normalized == "date"
}

// classify maps a driver error onto the recoverable connector taxonomy.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28": // invalid_authorization_specification
			return fmt.Errorf("%w: %s: %v", ErrConnectivity, op, err)
		case pqErr.Code == "42501": // insufficient_privilege
			return fmt.Errorf("%w: %s: %v", ErrPermission, op, err)
		case pqErr.Code == "42P01": // undefined_table (e.g. pg_stat_statements absent)
			return fmt.Errorf("%w: %s: %v", ErrUnsupported, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrConnectivity, op, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrConnectivity, op, err)
}
