package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/sentinel"
)

// LatestSnapshot returns the most recent schema snapshot for a table, or nil
// when the table has never been snapshotted.
func (s *Store) LatestSnapshot(ctx context.Context, tableID uuid.UUID) (*sentinel.Snapshot, error) {
	query := `
		SELECT id, table_id, columns, snapshot_hash, captured_at
		FROM schema_snapshots
		WHERE table_id = $1
		ORDER BY captured_at DESC
		LIMIT 1`

	var snapshot sentinel.Snapshot

	err := s.conn.db.QueryRowContext(ctx, query, tableID).Scan(
		&snapshot.ID, &snapshot.TableID, &snapshot.Columns, &snapshot.Hash, &snapshot.CapturedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	return &snapshot, nil
}

// SaveSnapshot persists a snapshot and, when non-nil, its drift anomaly in
// one transaction. A crash can therefore never leave a snapshot without its
// anomaly or vice versa.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot *sentinel.Snapshot, anomaly *sentinel.Anomaly) error {
	tx, err := s.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_snapshots (id, table_id, columns, snapshot_hash, captured_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snapshot.ID, snapshot.TableID, []byte(snapshot.Columns), snapshot.Hash, snapshot.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if anomaly != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO anomalies (id, table_id, anomaly_type, severity, detail, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			anomaly.ID, anomaly.TableID, anomaly.Type, anomaly.Severity, []byte(anomaly.Detail), anomaly.DetectedAt)
		if err != nil {
			return fmt.Errorf("failed to insert anomaly: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}

	return nil
}

// SaveAnomaly persists a standalone anomaly (the freshness path).
func (s *Store) SaveAnomaly(ctx context.Context, anomaly *sentinel.Anomaly) error {
	_, err := s.conn.db.ExecContext(ctx,
		`INSERT INTO anomalies (id, table_id, anomaly_type, severity, detail, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		anomaly.ID, anomaly.TableID, anomaly.Type, anomaly.Severity, []byte(anomaly.Detail), anomaly.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}

	return nil
}

// GetAnomaly returns one anomaly by ID.
func (s *Store) GetAnomaly(ctx context.Context, id uuid.UUID) (*sentinel.Anomaly, error) {
	query := `
		SELECT id, table_id, anomaly_type, severity, detail, detected_at
		FROM anomalies
		WHERE id = $1`

	var anomaly sentinel.Anomaly

	err := s.conn.db.QueryRowContext(ctx, query, id).Scan(
		&anomaly.ID, &anomaly.TableID, &anomaly.Type, &anomaly.Severity, &anomaly.Detail, &anomaly.DetectedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
		}

		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}

	return &anomaly, nil
}

// RecentAnomalies returns anomalies for a table since the given time, newest
// first. Implements incident.HistoryStore.
func (s *Store) RecentAnomalies(ctx context.Context, tableID uuid.UUID, since time.Time) ([]sentinel.Anomaly, error) {
	query := `
		SELECT id, table_id, anomaly_type, severity, detail, detected_at
		FROM anomalies
		WHERE table_id = $1 AND detected_at >= $2
		ORDER BY detected_at DESC`

	rows, err := s.conn.db.QueryContext(ctx, query, tableID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []sentinel.Anomaly

	for rows.Next() {
		var anomaly sentinel.Anomaly

		err := rows.Scan(&anomaly.ID, &anomaly.TableID, &anomaly.Type,
			&anomaly.Severity, &anomaly.Detail, &anomaly.DetectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly row: %w", err)
		}

		anomalies = append(anomalies, anomaly)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate anomaly rows: %w", err)
	}

	return anomalies, nil
}

// ListSnapshots returns the snapshot history of a table, newest first.
func (s *Store) ListSnapshots(ctx context.Context, tableID uuid.UUID, limit int) ([]sentinel.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, table_id, columns, snapshot_hash, captured_at
		FROM schema_snapshots
		WHERE table_id = $1
		ORDER BY captured_at DESC
		LIMIT $2`

	rows, err := s.conn.db.QueryContext(ctx, query, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []sentinel.Snapshot

	for rows.Next() {
		var snapshot sentinel.Snapshot

		err := rows.Scan(&snapshot.ID, &snapshot.TableID, &snapshot.Columns,
			&snapshot.Hash, &snapshot.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}

		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot rows: %w", err)
	}

	return snapshots, nil
}
