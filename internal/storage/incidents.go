package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/incident"
)

const incidentColumns = `id, anomaly_id, table_id, anomaly_type, status, severity,
	diagnosis, blast_radius, remediation, report, last_error,
	resolved_at, resolved_by, dismiss_reason, created_at, updated_at`

const defaultIncidentPageSize = 50

// CreateIncident inserts a new incident. The partial unique index on active
// (table, anomaly type) pairs turns creation races into
// incident.ErrDuplicateActive, which the orchestrator resolves by merging.
func (s *Store) CreateIncident(ctx context.Context, inc *incident.Incident) error {
	encoded, err := encodeIncidentJSON(inc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO incidents
			(id, anomaly_id, table_id, anomaly_type, status, severity,
			 diagnosis, blast_radius, remediation, report, last_error,
			 resolved_at, resolved_by, dismiss_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.conn.db.ExecContext(ctx, query,
		inc.ID, inc.AnomalyID, inc.TableID, inc.AnomalyType, inc.Status, inc.Severity,
		encoded.diagnosis, encoded.blastRadius, encoded.remediation, encoded.report,
		nullableString(inc.LastError), inc.ResolvedAt, nullableString(inc.ResolvedBy),
		nullableString(inc.DismissReason), inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: table %s, type %s", incident.ErrDuplicateActive, inc.TableID, inc.AnomalyType)
		}

		return fmt.Errorf("failed to create incident: %w", err)
	}

	return nil
}

// UpdateIncident persists the full incident row in one statement, keeping
// status, diagnosis, remediation and report consistent with each other.
func (s *Store) UpdateIncident(ctx context.Context, inc *incident.Incident) error {
	encoded, err := encodeIncidentJSON(inc)
	if err != nil {
		return err
	}

	query := `
		UPDATE incidents
		SET status = $2, severity = $3, diagnosis = $4, blast_radius = $5,
		    remediation = $6, report = $7, last_error = $8,
		    resolved_at = $9, resolved_by = $10, dismiss_reason = $11, updated_at = $12
		WHERE id = $1`

	result, err := s.conn.db.ExecContext(ctx, query,
		inc.ID, inc.Status, inc.Severity, encoded.diagnosis, encoded.blastRadius,
		encoded.remediation, encoded.report, nullableString(inc.LastError),
		inc.ResolvedAt, nullableString(inc.ResolvedBy), nullableString(inc.DismissReason), inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}

	return requireRow(result, incident.ErrNotFound)
}

// GetIncident returns one incident by ID.
func (s *Store) GetIncident(ctx context.Context, id uuid.UUID) (*incident.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	inc, err := scanIncident(s.conn.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return inc, nil
}

// FindActiveIncident returns the non-terminal incident for a (table, anomaly
// type) pair, or nil when none exists.
func (s *Store) FindActiveIncident(ctx context.Context, tableID uuid.UUID, anomalyType string) (*incident.Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE table_id = $1 AND anomaly_type = $2 AND status NOT IN ('resolved', 'dismissed')`

	inc, err := scanIncident(s.conn.db.QueryRowContext(ctx, query, tableID, anomalyType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to find active incident: %w", err)
	}

	return inc, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (s *Store) ListIncidents(ctx context.Context, filter IncidentFilter) ([]incident.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`

	var (
		conditions []string
		args       []any
	)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, "status = $"+strconv.Itoa(len(args)))
	}

	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conditions = append(conditions, "severity = $"+strconv.Itoa(len(args)))
	}

	if filter.TableID != uuid.Nil {
		args = append(args, filter.TableID)
		conditions = append(conditions, "table_id = $"+strconv.Itoa(len(args)))
	}

	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, "created_at >= $"+strconv.Itoa(len(args)))
	}

	for i, condition := range conditions {
		if i == 0 {
			query += " WHERE " + condition
		} else {
			query += " AND " + condition
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultIncidentPageSize
	}

	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []incident.Incident

	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}

		incidents = append(incidents, *inc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incident rows: %w", err)
	}

	return incidents, nil
}

// encodedIncident carries the JSONB column values of one incident row.
type encodedIncident struct {
	diagnosis   any
	blastRadius []byte
	remediation any
	report      any
}

func encodeIncidentJSON(inc *incident.Incident) (*encodedIncident, error) {
	blastRadius := inc.BlastRadius
	if blastRadius == nil {
		blastRadius = []string{}
	}

	encodedBlast, err := json.Marshal(blastRadius)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blast radius: %w", err)
	}

	encoded := &encodedIncident{blastRadius: encodedBlast}

	if encoded.diagnosis, err = marshalNullable(inc.Diagnosis != nil, inc.Diagnosis); err != nil {
		return nil, fmt.Errorf("failed to encode diagnosis: %w", err)
	}

	if encoded.remediation, err = marshalNullable(inc.Remediation != nil, inc.Remediation); err != nil {
		return nil, fmt.Errorf("failed to encode remediation: %w", err)
	}

	if encoded.report, err = marshalNullable(inc.Report != nil, inc.Report); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	return encoded, nil
}

func marshalNullable(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return encoded, nil
}

func scanIncident(row rowScanner) (*incident.Incident, error) {
	var (
		inc           incident.Incident
		diagnosis     []byte
		blastRadius   []byte
		remediation   []byte
		report        []byte
		lastError     sql.NullString
		resolvedAt    sql.NullTime
		resolvedBy    sql.NullString
		dismissReason sql.NullString
	)

	err := row.Scan(&inc.ID, &inc.AnomalyID, &inc.TableID, &inc.AnomalyType,
		&inc.Status, &inc.Severity, &diagnosis, &blastRadius, &remediation, &report,
		&lastError, &resolvedAt, &resolvedBy, &dismissReason, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(blastRadius, &inc.BlastRadius); err != nil {
		return nil, fmt.Errorf("failed to decode blast radius: %w", err)
	}

	if diagnosis != nil {
		inc.Diagnosis = &incident.Diagnosis{}
		if err := json.Unmarshal(diagnosis, inc.Diagnosis); err != nil {
			return nil, fmt.Errorf("failed to decode diagnosis: %w", err)
		}
	}

	if remediation != nil {
		inc.Remediation = &incident.Remediation{}
		if err := json.Unmarshal(remediation, inc.Remediation); err != nil {
			return nil, fmt.Errorf("failed to decode remediation: %w", err)
		}
	}

	if report != nil {
		inc.Report = &incident.Report{}
		if err := json.Unmarshal(report, inc.Report); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
	}

	inc.LastError = lastError.String
	inc.ResolvedBy = resolvedBy.String
	inc.DismissReason = dismissReason.String

	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}

	return &inc, nil
}
