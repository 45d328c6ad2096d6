package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

// Severity ratio thresholds: overdue divided by SLA.
const (
	freshnessHighRatio     = 1.0
	freshnessCriticalRatio = 4.0
)

// FreshnessSentinel detects tables whose last update is older than their SLA.
type FreshnessSentinel struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewFreshnessSentinel creates a freshness detector.
func NewFreshnessSentinel(store Store, logger *slog.Logger) *FreshnessSentinel {
	return &FreshnessSentinel{
		store:  store,
		logger: logger.With(slog.String("component", "freshness_sentinel")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Inspect evaluates the freshness SLA of a table. Tables without an SLA or
// without a last-update signal opt out: no anomaly is emitted.
func (s *FreshnessSentinel) Inspect(ctx context.Context, conn warehouse.Connector, table Table) (*Anomaly, error) {
	if table.SLAMinutes <= 0 {
		return nil, nil
	}

	lastUpdate, err := conn.FetchLastUpdateTime(ctx, table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last update time for %s: %w", table.FQN, err)
	}

	if lastUpdate == nil {
		s.logger.Debug("No last-update signal, freshness not evaluable",
			slog.String("table", table.FQN),
		)

		return nil, nil
	}

	sla := time.Duration(table.SLAMinutes) * time.Minute
	overdue := s.now().Sub(*lastUpdate) - sla

	if overdue <= 0 {
		return nil, nil
	}

	overdueMinutes := int(overdue.Minutes())

	detail, err := json.Marshal(FreshnessViolationDetail{
		LastUpdate:     lastUpdate.UTC(),
		SLAMinutes:     table.SLAMinutes,
		MinutesOverdue: overdueMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize freshness detail: %w", err)
	}

	anomaly := &Anomaly{
		ID:         uuid.New(),
		TableID:    table.ID,
		Type:       TypeFreshnessViolation,
		Severity:   freshnessSeverity(overdue, sla),
		Detail:     detail,
		DetectedAt: s.now(),
	}

	if err := s.store.SaveAnomaly(ctx, anomaly); err != nil {
		return nil, fmt.Errorf("failed to persist freshness anomaly for %s: %w", table.FQN, err)
	}

	s.logger.Info("Freshness violation detected",
		slog.String("table", table.FQN),
		slog.String("severity", anomaly.Severity),
		slog.Int("minutes_overdue", overdueMinutes),
	)

	return anomaly, nil
}

// freshnessSeverity classifies by how many SLA multiples the table is overdue.
func freshnessSeverity(overdue, sla time.Duration) string {
	ratio := float64(overdue) / float64(sla)

	switch {
	case ratio >= freshnessCriticalRatio:
		return SeverityCritical
	case ratio >= freshnessHighRatio:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}
