// Package storage provides the PostgreSQL persistence layer: the connection
// pool, domain row types, and the Store implementing the persistence
// contracts of the sentinel, lineage, incident and discovery packages.
package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/sentinel"
)

var (
	// ErrConnectionNotFound is returned when no warehouse connection exists
	// with the given ID.
	ErrConnectionNotFound = errors.New("warehouse connection not found")

	// ErrConnectionExists is returned when a connection name is already taken.
	ErrConnectionExists = errors.New("warehouse connection name already exists")

	// ErrMonitoredTableNotFound is returned when no monitored table exists
	// with the given ID.
	ErrMonitoredTableNotFound = errors.New("monitored table not found")

	// ErrAnomalyNotFound is returned when no anomaly exists with the given ID.
	ErrAnomalyNotFound = errors.New("anomaly not found")
)

type (
	// WarehouseConnection is a registered warehouse with an encrypted
	// connection URI. The plaintext URI exists only transiently, inside a
	// scan or discovery run.
	WarehouseConnection struct {
		ID           uuid.UUID  `json:"id"`
		Name         string     `json:"name"`
		Dialect      string     `json:"dialect"`
		EncryptedURI string     `json:"-"`
		IsActive     bool       `json:"is_active"`
		LastScanAt   *time.Time `json:"last_scan_at,omitempty"`
		CreatedAt    time.Time  `json:"created_at"`
		UpdatedAt    time.Time  `json:"updated_at"`
	}

	// MonitoredTable is one enrolled table with its check configuration.
	MonitoredTable struct {
		ID                  uuid.UUID `json:"id"`
		ConnectionID        uuid.UUID `json:"connection_id"`
		SchemaName          string    `json:"schema_name"`
		TableName           string    `json:"table_name"`
		Role                string    `json:"role"`
		CheckTypes          []string  `json:"check_types"`
		FreshnessSLAMinutes int       `json:"freshness_sla_minutes,omitempty"`
		TimestampColumn     string    `json:"timestamp_column,omitempty"`
		Enabled             bool      `json:"enabled"`
		CreatedAt           time.Time `json:"created_at"`
		UpdatedAt           time.Time `json:"updated_at"`
	}

	// Stats is the aggregate service overview served by the API.
	Stats struct {
		Connections          int            `json:"connections"`
		MonitoredTables      int            `json:"monitored_tables"`
		ActiveIncidents      int            `json:"active_incidents"`
		IncidentsBySeverity  map[string]int `json:"incidents_by_severity"`
		AnomaliesLast24Hours int            `json:"anomalies_last_24h"`
		LineageEdges         int            `json:"lineage_edges"`
	}

	// IncidentFilter narrows incident listings. Zero values mean "no filter".
	IncidentFilter struct {
		Status   string
		Severity string
		TableID  uuid.UUID
		Since    time.Time
		Limit    int
		Offset   int
	}
)

// FQN returns the schema-qualified table name.
func (t *MonitoredTable) FQN() string {
	return t.SchemaName + "." + t.TableName
}

// HasCheck reports whether a check type is enabled for the table.
func (t *MonitoredTable) HasCheck(check string) bool {
	for _, c := range t.CheckTypes {
		if c == check {
			return true
		}
	}

	return false
}

// Sentinel converts the row into the detector input shape.
func (t *MonitoredTable) Sentinel() sentinel.Table {
	return sentinel.Table{
		ID:         t.ID,
		Schema:     t.SchemaName,
		Name:       t.TableName,
		SLAMinutes: t.FreshnessSLAMinutes,
		FQN:        t.FQN(),
	}
}
