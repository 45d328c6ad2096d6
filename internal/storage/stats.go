package storage

import (
	"context"
	"fmt"
	"time"
)

// ServiceStats aggregates the overview counters served by the stats endpoint.
func (s *Store) ServiceStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{IncidentsBySeverity: make(map[string]int)}

	counters := []struct {
		query string
		dest  *int
	}{
		{`SELECT count(*) FROM connections`, &stats.Connections},
		{`SELECT count(*) FROM monitored_tables`, &stats.MonitoredTables},
		{`SELECT count(*) FROM incidents WHERE status NOT IN ('resolved', 'dismissed')`, &stats.ActiveIncidents},
		{`SELECT count(*) FROM lineage_edges`, &stats.LineageEdges},
	}

	for _, counter := range counters {
		if err := s.conn.db.QueryRowContext(ctx, counter.query).Scan(counter.dest); err != nil {
			return nil, fmt.Errorf("failed to compute service stats: %w", err)
		}
	}

	since := time.Now().UTC().Add(-24 * time.Hour)

	err := s.conn.db.QueryRowContext(ctx,
		`SELECT count(*) FROM anomalies WHERE detected_at >= $1`, since).Scan(&stats.AnomaliesLast24Hours)
	if err != nil {
		return nil, fmt.Errorf("failed to compute anomaly stats: %w", err)
	}

	rows, err := s.conn.db.QueryContext(ctx, `
		SELECT severity, count(*)
		FROM incidents
		WHERE status NOT IN ('resolved', 'dismissed')
		GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute incident severity stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			severity string
			count    int
		)

		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan severity stats row: %w", err)
		}

		stats.IncidentsBySeverity[severity] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate severity stats rows: %w", err)
	}

	return stats, nil
}
