// Package warehouse defines the connector contract Aegis uses to introspect
// external analytical warehouses, plus the Postgres implementation.
//
// Connectors are created per scan cycle from a decrypted connection URI and
// must be disposed on every exit path. All failures map onto a small
// recoverable taxonomy: no connector error is fatal to the scanner.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnectivity indicates a network or authentication failure against
	// the warehouse. Recoverable; retried on the next scan cycle.
	ErrConnectivity = errors.New("warehouse connectivity error")

	// ErrPermission indicates the catalog is not readable with the
	// configured credentials.
	ErrPermission = errors.New("warehouse permission error")

	// ErrUnsupported indicates the operation is not available on this dialect.
	ErrUnsupported = errors.New("operation unsupported for dialect")

	// ErrUnknownDialect indicates no connector is registered for the dialect tag.
	ErrUnknownDialect = errors.New("unknown warehouse dialect")
)

type (
	// Column describes one column of a warehouse table. Ordering by Ordinal
	// is required for snapshot hash stability.
	Column struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Nullable bool   `json:"nullable"`
		Ordinal  int    `json:"ordinal"`
	}

	// TableRef identifies a table or view within a schema.
	TableRef struct {
		Schema string `json:"schema"`
		Name   string `json:"name"`
		Kind   string `json:"kind"` // "TABLE" or "VIEW"
	}

	// QueryLogEntry is one captured statement from the warehouse query log.
	QueryLogEntry struct {
		SQL        string    `json:"sql"`
		User       string    `json:"user"`
		ExecutedAt time.Time `json:"executed_at"`
		DurationMS float64   `json:"duration_ms"`
	}

	// Connector is the dialect-polymorphic introspection contract. Every
	// method may block on warehouse I/O and honors the context deadline.
	Connector interface {
		// ListSchemas returns all non-system schema names.
		ListSchemas(ctx context.Context) ([]string, error)

		// ListTables returns tables and views in a schema.
		ListTables(ctx context.Context, schema string) ([]TableRef, error)

		// FetchColumns returns the column list ordered by ordinal position.
		FetchColumns(ctx context.Context, schema, table string) ([]Column, error)

		// FetchLastUpdateTime returns the best available last-modification
		// signal for a table, or nil when freshness is not evaluable.
		FetchLastUpdateTime(ctx context.Context, schema, table string) (*time.Time, error)

		// ExtractQueryLog returns target-modifying statements (INSERT,
		// CREATE-AS, MERGE) executed since the given time.
		ExtractQueryLog(ctx context.Context, since time.Time, limit int) ([]QueryLogEntry, error)

		// Ping runs a trivial probe query.
		Ping(ctx context.Context) error

		// Dispose releases pooled resources. Safe to call more than once.
		Dispose() error
	}
)

// FQN returns the fully qualified "schema.table" name used as the lineage
// graph key.
func (t TableRef) FQN() string {
	return t.Schema + "." + t.Name
}

// New creates a connector for the given dialect tag and plaintext URI.
func New(dialect, uri string) (Connector, error) {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql", "redshift":
		return NewPostgresConnector(uri)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, dialect)
	}
}
