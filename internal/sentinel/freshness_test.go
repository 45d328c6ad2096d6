package sentinel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshnessSeverityByOverdueRatio(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		overdue  time.Duration
		sla      time.Duration
		expected string
	}{
		{
			name:     "under one SLA overdue is medium",
			overdue:  30 * time.Minute,
			sla:      60 * time.Minute,
			expected: SeverityMedium,
		},
		{
			name:     "exactly one SLA overdue is high",
			overdue:  60 * time.Minute,
			sla:      60 * time.Minute,
			expected: SeverityHigh,
		},
		{
			name:     "three SLAs overdue is high",
			overdue:  180 * time.Minute,
			sla:      60 * time.Minute,
			expected: SeverityHigh,
		},
		{
			name:     "four SLAs overdue is critical",
			overdue:  240 * time.Minute,
			sla:      60 * time.Minute,
			expected: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, freshnessSeverity(tt.overdue, tt.sla))
		})
	}
}

func TestFreshnessInspectEmitsViolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	lastUpdate := now.Add(-90 * time.Minute)

	store := newMemoryStore()
	table := Table{
		ID:         uuid.New(),
		Schema:     "public",
		Name:       "users",
		FQN:        "public.users",
		SLAMinutes: 60,
	}
	conn := &fakeConnector{lastUpdate: map[string]*time.Time{
		"public.users": &lastUpdate,
	}}

	s := NewFreshnessSentinel(store, testLogger())
	s.now = func() time.Time { return now }

	anomaly, err := s.Inspect(context.Background(), conn, table)
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, TypeFreshnessViolation, anomaly.Type)
	assert.Equal(t, SeverityMedium, anomaly.Severity)

	var detail FreshnessViolationDetail
	require.NoError(t, json.Unmarshal(anomaly.Detail, &detail))
	assert.Equal(t, 60, detail.SLAMinutes)
	assert.Equal(t, 30, detail.MinutesOverdue)
	assert.True(t, detail.LastUpdate.Equal(lastUpdate))

	require.Len(t, store.anomalies, 1)
}

func TestFreshnessInspectWithinSLAIsQuiet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()
	lastUpdate := now.Add(-10 * time.Minute)

	store := newMemoryStore()
	table := Table{
		ID: uuid.New(), Schema: "public", Name: "users",
		FQN: "public.users", SLAMinutes: 60,
	}
	conn := &fakeConnector{lastUpdate: map[string]*time.Time{
		"public.users": &lastUpdate,
	}}

	s := NewFreshnessSentinel(store, testLogger())

	anomaly, err := s.Inspect(context.Background(), conn, table)
	require.NoError(t, err)
	assert.Nil(t, anomaly)
	assert.Empty(t, store.anomalies)
}

func TestFreshnessInspectOptOuts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	conn := &fakeConnector{lastUpdate: map[string]*time.Time{}}
	s := NewFreshnessSentinel(store, testLogger())
	ctx := context.Background()

	t.Run("no SLA configured", func(t *testing.T) {
		table := Table{ID: uuid.New(), Schema: "p", Name: "t", FQN: "p.t", SLAMinutes: 0}

		anomaly, err := s.Inspect(ctx, conn, table)
		require.NoError(t, err)
		assert.Nil(t, anomaly)
	})

	t.Run("no last-update signal", func(t *testing.T) {
		table := Table{ID: uuid.New(), Schema: "p", Name: "t", FQN: "p.t", SLAMinutes: 60}

		anomaly, err := s.Inspect(ctx, conn, table)
		require.NoError(t, err)
		assert.Nil(t, anomaly)
	})

	assert.Empty(t, store.anomalies)
}

func TestMaxSeverity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityLow, SeverityCritical))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityMedium))
	assert.Equal(t, SeverityLow, MaxSeverity(SeverityLow, "unknown"))
}
