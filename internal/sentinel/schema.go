package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

// Table is the slice of a monitored table the sentinels need.
type Table struct {
	ID         uuid.UUID
	Schema     string
	Name       string
	SLAMinutes int    // 0 means freshness disabled
	FQN        string // schema.name
}

// SchemaSentinel detects column-level drift between the latest stored
// snapshot of a table and its current shape.
type SchemaSentinel struct {
	store  Store
	logger *slog.Logger
}

// NewSchemaSentinel creates a schema drift detector.
func NewSchemaSentinel(store Store, logger *slog.Logger) *SchemaSentinel {
	return &SchemaSentinel{
		store:  store,
		logger: logger.With(slog.String("component", "schema_sentinel")),
	}
}

// Inspect fetches the current columns of a table, compares them against the
// latest snapshot and persists snapshot + anomaly atomically. Returns the
// emitted anomaly, or nil when there is no drift.
//
// The first observation of a table establishes the baseline and never emits
// an anomaly. Identical hashes are a cheap no-op with no new snapshot row.
func (s *SchemaSentinel) Inspect(ctx context.Context, conn warehouse.Connector, table Table) (*Anomaly, error) {
	columns, err := conn.FetchColumns(ctx, table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns for %s: %w", table.FQN, err)
	}

	if len(columns) == 0 {
		s.logger.Warn("Table reports zero columns, skipping schema check",
			slog.String("table", table.FQN),
		)

		return nil, nil
	}

	currentHash, err := HashColumns(columns)
	if err != nil {
		return nil, err
	}

	prior, err := s.store.LatestSnapshot(ctx, table.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot for %s: %w", table.FQN, err)
	}

	serialized, err := MarshalColumns(columns)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		ID:         uuid.New(),
		TableID:    table.ID,
		Columns:    serialized,
		Hash:       currentHash,
		CapturedAt: time.Now().UTC(),
	}

	if prior == nil {
		if err := s.store.SaveSnapshot(ctx, snapshot, nil); err != nil {
			return nil, fmt.Errorf("failed to persist baseline snapshot for %s: %w", table.FQN, err)
		}

		s.logger.Info("Baseline snapshot established",
			slog.String("table", table.FQN),
			slog.Int("columns", len(columns)),
		)

		return nil, nil
	}

	if prior.Hash == currentHash {
		return nil, nil
	}

	priorColumns, err := UnmarshalColumns(prior.Columns)
	if err != nil {
		return nil, fmt.Errorf("corrupt prior snapshot for %s: %w", table.FQN, err)
	}

	changes := DiffColumns(priorColumns, CanonicalizeColumns(columns))

	var anomaly *Anomaly

	if len(changes) > 0 {
		detail, err := json.Marshal(SchemaDriftDetail{
			Changes:      changes,
			PriorHash:    prior.Hash,
			CurrentHash:  currentHash,
			ColumnsAfter: len(columns),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to serialize drift detail: %w", err)
		}

		anomaly = &Anomaly{
			ID:         uuid.New(),
			TableID:    table.ID,
			Type:       TypeSchemaDrift,
			Severity:   driftSeverity(changes),
			Detail:     detail,
			DetectedAt: time.Now().UTC(),
		}
	}

	if err := s.store.SaveSnapshot(ctx, snapshot, anomaly); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot for %s: %w", table.FQN, err)
	}

	if anomaly != nil {
		s.logger.Info("Schema drift detected",
			slog.String("table", table.FQN),
			slog.String("severity", anomaly.Severity),
			slog.Int("changes", len(changes)),
		)
	}

	return anomaly, nil
}

// DiffColumns compares two canonical column lists by name, then infers
// renames from add/delete pairs sharing an ordinal with a compatible type.
func DiffColumns(prior, current []warehouse.Column) []SchemaChange {
	priorByName := make(map[string]warehouse.Column, len(prior))
	for _, col := range prior {
		priorByName[col.Name] = col
	}

	currentByName := make(map[string]warehouse.Column, len(current))
	for _, col := range current {
		currentByName[col.Name] = col
	}

	var (
		changes []SchemaChange
		added   = make(map[int][]warehouse.Column) // ordinal -> added columns
		deleted = make(map[int][]warehouse.Column)
	)

	for _, col := range current {
		priorCol, existed := priorByName[col.Name]

		switch {
		case !existed:
			added[col.Ordinal] = append(added[col.Ordinal], col)
		case priorCol.Type != col.Type:
			changes = append(changes, SchemaChange{
				Change:   ChangeColumnTypeChanged,
				Column:   col.Name,
				FromType: priorCol.Type,
				ToType:   col.Type,
			})
		}
	}

	for _, col := range prior {
		if _, exists := currentByName[col.Name]; !exists {
			deleted[col.Ordinal] = append(deleted[col.Ordinal], col)
		}
	}

	// Rename inference: exactly one add and one delete at the same ordinal
	// with a compatible type family is reported as a rename, not a pair.
	for _, ordinal := range sortedOrdinals(deleted) {
		deletedCols := deleted[ordinal]
		addedCols := added[ordinal]
		if len(deletedCols) != 1 || len(addedCols) != 1 {
			continue
		}

		oldCol, newCol := deletedCols[0], addedCols[0]
		if typeFamily(oldCol.Type) != typeFamily(newCol.Type) {
			continue
		}

		changes = append(changes, SchemaChange{
			Change:   ChangeColumnRenamed,
			Column:   newCol.Name,
			FromName: oldCol.Name,
			ToName:   newCol.Name,
			FromType: oldCol.Type,
			ToType:   newCol.Type,
		})

		delete(deleted, ordinal)
		delete(added, ordinal)
	}

	for _, ordinal := range sortedOrdinals(deleted) {
		for _, col := range deleted[ordinal] {
			changes = append(changes, SchemaChange{
				Change:   ChangeColumnDeleted,
				Column:   col.Name,
				FromType: col.Type,
			})
		}
	}

	for _, ordinal := range sortedOrdinals(added) {
		for _, col := range added[ordinal] {
			changes = append(changes, SchemaChange{
				Change:   ChangeColumnAdded,
				Column:   col.Name,
				ToType:   col.Type,
				Nullable: col.Nullable,
			})
		}
	}

	return changes
}

func sortedOrdinals(byOrdinal map[int][]warehouse.Column) []int {
	ordinals := make([]int, 0, len(byOrdinal))
	for ordinal := range byOrdinal {
		ordinals = append(ordinals, ordinal)
	}

	sort.Ints(ordinals)

	return ordinals
}

// driftSeverity classifies a change set; the maximum over all changes wins.
func driftSeverity(changes []SchemaChange) string {
	severity := SeverityLow

	for _, change := range changes {
		severity = MaxSeverity(severity, changeSeverity(change))
	}

	return severity
}

func changeSeverity(change SchemaChange) string {
	switch change.Change {
	case ChangeColumnDeleted, ChangeColumnTypeChanged:
		return SeverityCritical
	case ChangeColumnRenamed:
		return SeverityHigh
	case ChangeColumnAdded:
		if change.Nullable {
			return SeverityLow
		}

		return SeverityMedium
	default:
		return SeverityLow
	}
}

// typeFamily buckets warehouse type names so rename inference tolerates
// dialect spelling differences (INT vs INTEGER, VARCHAR vs TEXT).
func typeFamily(dataType string) string {
	normalized := strings.ToLower(dataType)

	switch {
	case strings.Contains(normalized, "int") || strings.Contains(normalized, "serial"):
		return "integer"
	case strings.Contains(normalized, "float") ||
		strings.Contains(normalized, "double") ||
		strings.Contains(normalized, "numeric") ||
		strings.Contains(normalized, "decimal") ||
		strings.Contains(normalized, "real"):
		return "numeric"
	case strings.Contains(normalized, "char") ||
		strings.Contains(normalized, "text") ||
		strings.Contains(normalized, "string"):
		return "text"
	case strings.Contains(normalized, "timestamp") ||
		strings.Contains(normalized, "date") ||
		strings.Contains(normalized, "time"):
		return "temporal"
	case strings.Contains(normalized, "bool"):
		return "boolean"
	default:
		return normalized
	}
}
