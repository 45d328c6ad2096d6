package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/lineage"
)

// UpsertEdge inserts or refreshes a lineage edge. On conflict confidence is
// monotone non-decreasing, last_seen_at advances, and the relationship
// follows whichever observation carries the higher confidence.
func (s *Store) UpsertEdge(ctx context.Context, edge lineage.Edge) error {
	query := `
		INSERT INTO lineage_edges
			(id, source_table, target_table, relationship, confidence, query_hash, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT uq_lineage_edges_pair DO UPDATE SET
			relationship = CASE
				WHEN EXCLUDED.confidence > lineage_edges.confidence THEN EXCLUDED.relationship
				ELSE lineage_edges.relationship
			END,
			confidence   = GREATEST(lineage_edges.confidence, EXCLUDED.confidence),
			query_hash   = EXCLUDED.query_hash,
			last_seen_at = GREATEST(lineage_edges.last_seen_at, EXCLUDED.last_seen_at)`

	_, err := s.conn.db.ExecContext(ctx, query,
		uuid.New(), edge.Source, edge.Target, edge.Relationship, edge.Confidence,
		nullableString(edge.QueryHash), edge.FirstSeenAt, edge.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert lineage edge: %w", err)
	}

	return nil
}

// ActiveEdges returns every edge last observed at or after the cutoff.
func (s *Store) ActiveEdges(ctx context.Context, cutoff time.Time) ([]lineage.Edge, error) {
	query := `
		SELECT source_table, target_table, relationship, confidence,
		       COALESCE(query_hash, ''), first_seen_at, last_seen_at
		FROM lineage_edges
		WHERE last_seen_at >= $1
		ORDER BY source_table, target_table`

	rows, err := s.conn.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage edges: %w", err)
	}
	defer rows.Close()

	var edges []lineage.Edge

	for rows.Next() {
		var edge lineage.Edge

		err := rows.Scan(&edge.Source, &edge.Target, &edge.Relationship,
			&edge.Confidence, &edge.QueryHash, &edge.FirstSeenAt, &edge.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lineage edge row: %w", err)
		}

		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lineage edge rows: %w", err)
	}

	return edges, nil
}
