// Package sentinel contains the deterministic anomaly detectors: the schema
// sentinel (content-addressed snapshot drift) and the freshness sentinel
// (SLA violations on last-update time).
package sentinel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity levels, ordered. Max severity across changes wins for an anomaly.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly types.
const (
	TypeSchemaDrift        = "schema_drift"
	TypeFreshnessViolation = "freshness_violation"
)

// Schema change kinds.
const (
	ChangeColumnAdded       = "column_added"
	ChangeColumnDeleted     = "column_deleted"
	ChangeColumnTypeChanged = "column_type_changed"
	ChangeColumnRenamed     = "column_renamed"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the ordering rank of a severity; unknown values rank
// lowest.
func SeverityRank(severity string) int {
	return severityRank[severity]
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}

	return a
}

type (
	// Anomaly is a raw detector signal. Immutable after creation.
	Anomaly struct {
		ID         uuid.UUID       `json:"id"`
		TableID    uuid.UUID       `json:"table_id"`
		Type       string          `json:"type"`
		Severity   string          `json:"severity"`
		Detail     json.RawMessage `json:"detail"`
		DetectedAt time.Time       `json:"detected_at"`
	}

	// SchemaChange is one entry of a schema_drift anomaly detail.
	SchemaChange struct {
		Change   string `json:"change"`
		Column   string `json:"column"`
		FromType string `json:"from_type,omitempty"`
		ToType   string `json:"to_type,omitempty"`
		FromName string `json:"from_name,omitempty"`
		ToName   string `json:"to_name,omitempty"`
		Nullable bool   `json:"nullable,omitempty"`
	}

	// SchemaDriftDetail is the typed detail payload of a schema_drift anomaly.
	SchemaDriftDetail struct {
		Changes      []SchemaChange `json:"changes"`
		PriorHash    string         `json:"prior_hash"`
		CurrentHash  string         `json:"current_hash"`
		ColumnsAfter int            `json:"columns_after"`
	}

	// FreshnessViolationDetail is the typed detail payload of a
	// freshness_violation anomaly.
	FreshnessViolationDetail struct {
		LastUpdate     time.Time `json:"last_update"`
		SLAMinutes     int       `json:"sla_minutes"`
		MinutesOverdue int       `json:"minutes_overdue"`
	}

	// Snapshot is one append-only schema observation of a monitored table.
	Snapshot struct {
		ID         uuid.UUID       `json:"id"`
		TableID    uuid.UUID       `json:"table_id"`
		Columns    json.RawMessage `json:"columns"`
		Hash       string          `json:"snapshot_hash"`
		CapturedAt time.Time       `json:"captured_at"`
	}

	// Store is the persistence contract for sentinel output. Snapshot and
	// anomaly writes that belong together happen in one transaction.
	Store interface {
		// LatestSnapshot returns the most recent snapshot for a table, or
		// nil when the table has never been snapshotted.
		LatestSnapshot(ctx context.Context, tableID uuid.UUID) (*Snapshot, error)

		// SaveSnapshot persists a snapshot and, when non-nil, its anomaly
		// atomically.
		SaveSnapshot(ctx context.Context, snapshot *Snapshot, anomaly *Anomaly) error

		// SaveAnomaly persists a standalone anomaly (freshness path).
		SaveAnomaly(ctx context.Context, anomaly *Anomaly) error
	}
)
