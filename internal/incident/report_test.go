package incident

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dq/aegis/internal/sentinel"
)

func strPtr(s string) *string { return &s }

func TestPrepareStagesActionsByApprovalNeed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	diagnosis := &Diagnosis{
		Recommendations: []Recommendation{
			{Action: "notify_owner", Description: "page the owner", Priority: 2},
			{Action: "backfill", Description: "re-run the loader", SQL: strPtr("INSERT INTO raw.orders SELECT 1"), Priority: 1},
			{Action: "document", Description: "record the outage", SQL: strPtr(""), Priority: 3},
		},
	}

	plan := NewExecutor().Prepare(diagnosis)

	require.Len(t, plan.Actions, 3)
	assert.Equal(t, "backfill", plan.Actions[0].Type, "actions must sort by priority")
	assert.Equal(t, ActionPendingApproval, plan.Actions[0].Status)
	assert.Equal(t, ActionManual, plan.Actions[1].Status)
	assert.Equal(t, ActionManual, plan.Actions[2].Status, "empty SQL counts as manual")
	assert.Equal(t, "3 remediation action(s) prepared, 1 awaiting approval", plan.Summary)
	assert.False(t, plan.GeneratedAt.IsZero())
}

func TestPrepareEmptyDiagnosis(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	plan := NewExecutor().Prepare(&Diagnosis{})

	assert.Empty(t, plan.Actions)
	assert.Equal(t, "0 remediation action(s) prepared, 0 awaiting approval", plan.Summary)
}

func reportFixture() (*Incident, *sentinel.Anomaly, sentinel.Table) {
	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityCritical)

	created := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	generated := time.Date(2026, 8, 24, 10, 6, 0, 0, time.UTC)

	inc := &Incident{
		ID:          uuid.New(),
		AnomalyID:   anomaly.ID,
		TableID:     table.ID,
		AnomalyType: anomaly.Type,
		Status:      StatusPendingReview,
		Severity:    sentinel.SeverityCritical,
		Diagnosis: &Diagnosis{
			RootCause:      "upstream loader skipped a partition",
			RootCauseTable: "raw.orders",
			Severity:       sentinel.SeverityCritical,
			Confidence:     0.9,
		},
		BlastRadius: []string{"marts.revenue", "marts.finance_daily"},
		Remediation: &Remediation{
			Actions: []RemediationAction{
				{Type: "backfill", Description: "re-run the loader", Status: ActionManual, Priority: 1},
			},
			Summary:     "1 remediation action(s) prepared, 0 awaiting approval",
			GeneratedAt: generated,
		},
		CreatedAt: created,
		UpdatedAt: generated,
	}

	return inc, anomaly, table
}

func TestAssembleBuildsFullReport(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inc, anomaly, table := reportFixture()

	report := NewReporter().Assemble(inc, anomaly, table)

	assert.Equal(t, "[CRITICAL] Schema drift on analytics.orders", report.Title)
	assert.Equal(t, StatusPendingReview, report.Status)
	assert.Equal(t, "upstream loader skipped a partition", report.RootCause)
	assert.Equal(t, 2, report.BlastRadius.Count)
	assert.Contains(t, report.Summary, "Likely root cause: raw.orders")
	assert.Contains(t, report.Summary, "2 downstream tables may be affected")
	require.Len(t, report.RecommendedActions, 1)

	events := make([]string, 0, len(report.Timeline))
	for _, entry := range report.Timeline {
		events = append(events, entry.Event)
	}

	assert.Equal(t, []string{
		"anomaly detected",
		"incident created",
		"diagnosis completed",
		"remediation plan generated",
	}, events)
}

func TestAssembleIsIdempotentUpToGeneratedAt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inc, anomaly, table := reportFixture()

	reporter := NewReporter()
	reporter.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	first, err := json.Marshal(reporter.Assemble(inc, anomaly, table))
	require.NoError(t, err)

	second, err := json.Marshal(reporter.Assemble(inc, anomaly, table))
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

func TestAssembleBeforeDiagnosis(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inc, anomaly, table := reportFixture()
	inc.Status = StatusInvestigating
	inc.Diagnosis = nil
	inc.Remediation = nil
	inc.BlastRadius = []string{}

	report := NewReporter().Assemble(inc, anomaly, table)

	assert.Contains(t, report.Summary, "Diagnosis is pending")
	assert.Contains(t, report.Summary, "No downstream tables are known to be affected")
	assert.Empty(t, report.RootCause)
	assert.Empty(t, report.RecommendedActions)
	require.Len(t, report.Timeline, 2)
}

func TestAssembleDismissedIncidentTimeline(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inc, anomaly, table := reportFixture()

	resolved := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	inc.Status = StatusDismissed
	inc.DismissReason = "known backfill window"
	inc.ResolvedAt = &resolved

	report := NewReporter().Assemble(inc, anomaly, table)

	last := report.Timeline[len(report.Timeline)-1]
	assert.Equal(t, "incident dismissed", last.Event)
	assert.Equal(t, resolved, last.At)
}

func TestAssembleFallbackDiagnosisSummary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inc, anomaly, table := reportFixture()
	inc.Diagnosis.Confidence = 0

	report := NewReporter().Assemble(inc, anomaly, table)

	assert.Contains(t, report.Summary, "manual investigation")
}
