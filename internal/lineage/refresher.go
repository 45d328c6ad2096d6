package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

const defaultQueryLogLimit = 500

// Refresher ingests the warehouse query log into lineage edges.
type Refresher struct {
	store  Store
	logger *slog.Logger
	limit  int
}

// NewRefresher creates a query-log refresher writing through the given store.
func NewRefresher(store Store, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:  store,
		logger: logger.With(slog.String("component", "lineage_refresher")),
		limit:  defaultQueryLogLimit,
	}
}

// Refresh extracts the query log through the connector, parses each
// statement and upserts the resulting edges. Unparseable statements are
// skipped silently (logged at DEBUG). Returns the number of edges upserted.
func (r *Refresher) Refresh(ctx context.Context, conn warehouse.Connector, since time.Time) (int, error) {
	entries, err := conn.ExtractQueryLog(ctx, since, r.limit)
	if err != nil {
		if errors.Is(err, warehouse.ErrUnsupported) {
			r.logger.Info("Query log not available on this warehouse, skipping lineage refresh")

			return 0, nil
		}

		return 0, fmt.Errorf("failed to extract query log: %w", err)
	}

	upserted := 0

	for _, entry := range entries {
		parsed, err := Parse(entry.SQL)
		if err != nil {
			r.logger.Debug("Skipping unparseable statement",
				slog.String("reason", err.Error()),
			)

			continue
		}

		queryHash := HashQuery(entry.SQL)

		for _, edge := range parsed.Edges(queryHash) {
			edge.LastSeenAt = entry.ExecutedAt

			if err := r.store.UpsertEdge(ctx, edge); err != nil {
				return upserted, fmt.Errorf("failed to upsert edge %s -> %s: %w",
					edge.Source, edge.Target, err)
			}

			upserted++
		}
	}

	r.logger.Info("Lineage refresh complete",
		slog.Int("statements", len(entries)),
		slog.Int("edges_upserted", upserted),
	)

	return upserted, nil
}
