package incident

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/llm"
	"github.com/aegis-dq/aegis/internal/sentinel"
)

const validDiagnosisJSON = `{
	"root_cause": "upstream loader skipped a partition",
	"root_cause_table": "raw.orders",
	"blast_radius": ["marts.revenue", "marts.finance_daily"],
	"severity": "high",
	"confidence": 0.85,
	"recommendations": [
		{"action": "notify_owner", "description": "page the pipeline owner", "sql": null, "priority": 2},
		{"action": "backfill", "description": "re-run the loader", "sql": "INSERT INTO raw.orders SELECT 1", "priority": 1}
	]
}`

func TestAnalyzeParsesModelDiagnosis(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &scriptedChat{replies: []string{validDiagnosisJSON}}
	architect := NewArchitect(chat, &fakeGraph{}, emptyHistory{}, testLogger)

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityHigh)

	diagnosis, err := architect.Analyze(context.Background(), anomaly, table)
	require.NoError(t, err)

	assert.Equal(t, "raw.orders", diagnosis.RootCauseTable)
	assert.Equal(t, sentinel.SeverityHigh, diagnosis.Severity)
	assert.InDelta(t, 0.85, diagnosis.Confidence, 1e-9)
	require.Len(t, diagnosis.Recommendations, 2)
	assert.Equal(t, "backfill", diagnosis.Recommendations[0].Action, "recommendations must sort by priority")
}

func TestAnalyzeFallsBackWithoutClient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	graph := &fakeGraph{downstream: []lineage.Node{
		{Table: "marts.revenue", Depth: 1, Confidence: 1.0},
		{Table: "marts.finance_daily", Depth: 2, Confidence: 0.8},
	}}
	architect := NewArchitect(nil, graph, emptyHistory{}, testLogger)

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityCritical)

	diagnosis, err := architect.Analyze(context.Background(), anomaly, table)
	require.NoError(t, err)

	assert.Zero(t, diagnosis.Confidence, "fallback diagnoses are marked with zero confidence")
	assert.Equal(t, sentinel.SeverityCritical, diagnosis.Severity)
	assert.Equal(t, []string{"marts.revenue", "marts.finance_daily"}, diagnosis.BlastRadius)
	assert.Equal(t, table.FQN, diagnosis.RootCauseTable)
	require.Len(t, diagnosis.Recommendations, 1)
	assert.Equal(t, "investigate", diagnosis.Recommendations[0].Action)
}

func TestAnalyzeFallsBackOnProviderFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &scriptedChat{err: errors.New("provider rejected the request")}
	architect := NewArchitect(chat, &fakeGraph{}, emptyHistory{}, testLogger)

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityMedium)

	diagnosis, err := architect.Analyze(context.Background(), anomaly, table)
	require.NoError(t, err)

	assert.Zero(t, diagnosis.Confidence)
	assert.Equal(t, sentinel.SeverityMedium, diagnosis.Severity)
}

func TestAnalyzeRepromptsOnceOnMalformedOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &scriptedChat{replies: []string{"sorry, I cannot help with that", validDiagnosisJSON}}
	architect := NewArchitect(chat, &fakeGraph{}, emptyHistory{}, testLogger)

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityHigh)

	diagnosis, err := architect.Analyze(context.Background(), anomaly, table)
	require.NoError(t, err)

	assert.Equal(t, 2, chat.calls)
	assert.Equal(t, "raw.orders", diagnosis.RootCauseTable)
}

func TestAnalyzeFallsBackAfterSecondMalformedOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &scriptedChat{replies: []string{"not json", "still not json"}}
	architect := NewArchitect(chat, &fakeGraph{}, emptyHistory{}, testLogger)

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityHigh)

	diagnosis, err := architect.Analyze(context.Background(), anomaly, table)
	require.NoError(t, err)

	assert.Equal(t, 2, chat.calls, "exactly one re-prompt is allowed")
	assert.Zero(t, diagnosis.Confidence)
}

func TestAnalyzeErrorsWhenFallbackImpossible(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	graph := &fakeGraph{err: errors.New("lineage store offline")}
	architect := NewArchitect(nil, graph, emptyHistory{}, testLogger)

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityHigh)

	_, err := architect.Analyze(context.Background(), anomaly, table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lineage store offline")
}

func TestParseDiagnosisToleratesCodeFences(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	diagnosis, err := parseDiagnosis("Here is the diagnosis:\n```json\n" + validDiagnosisJSON + "\n```\n")
	require.NoError(t, err)
	assert.Equal(t, "raw.orders", diagnosis.RootCauseTable)
}

func TestParseDiagnosisRejectsMissingRootCause(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := parseDiagnosis(`{"root_cause": "  ", "severity": "high"}`)
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)

	_, err = parseDiagnosis("no json here at all")
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestNormalizeDiagnosisClampsModelOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := testTable()
	anomaly := testAnomaly(table, sentinel.SeverityMedium)

	diagnosis := &Diagnosis{
		RootCause:  "something",
		Severity:   "catastrophic",
		Confidence: 1.7,
	}

	normalizeDiagnosis(diagnosis, anomaly)

	assert.Equal(t, sentinel.SeverityMedium, diagnosis.Severity, "unknown severities inherit the anomaly's")
	assert.Equal(t, 1.0, diagnosis.Confidence)

	diagnosis.Confidence = -0.3
	normalizeDiagnosis(diagnosis, anomaly)
	assert.Zero(t, diagnosis.Confidence)
}
