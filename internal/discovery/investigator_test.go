package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/llm"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

var testLogger = slog.New(slog.DiscardHandler)

// fakeConnector serves a canned warehouse catalog.
type fakeConnector struct {
	schemas    []string
	tables     map[string][]warehouse.TableRef
	columns    map[string][]warehouse.Column
	columnsErr map[string]error
	tablesErr  map[string]error
}

func (c *fakeConnector) ListSchemas(context.Context) ([]string, error) {
	return c.schemas, nil
}

func (c *fakeConnector) ListTables(_ context.Context, schema string) ([]warehouse.TableRef, error) {
	if err := c.tablesErr[schema]; err != nil {
		return nil, err
	}

	return c.tables[schema], nil
}

func (c *fakeConnector) FetchColumns(_ context.Context, schema, table string) ([]warehouse.Column, error) {
	fqn := schema + "." + table
	if err := c.columnsErr[fqn]; err != nil {
		return nil, err
	}

	return c.columns[fqn], nil
}

func (c *fakeConnector) FetchLastUpdateTime(context.Context, string, string) (*time.Time, error) {
	return nil, nil
}

func (c *fakeConnector) ExtractQueryLog(context.Context, time.Time, int) ([]warehouse.QueryLogEntry, error) {
	return nil, nil
}

func (c *fakeConnector) Ping(context.Context) error { return nil }
func (c *fakeConnector) Dispose() error             { return nil }

type fakeLineage struct{}

func (fakeLineage) Upstream(context.Context, string, int) ([]lineage.Node, error)   { return nil, nil }
func (fakeLineage) Downstream(context.Context, string, int) ([]lineage.Node, error) { return nil, nil }

type fakeLister struct {
	fqns []string
	err  error
}

func (l *fakeLister) MonitoredFQNs(context.Context, uuid.UUID) ([]string, error) {
	return l.fqns, l.err
}

// scriptedChat replays canned agent replies in order.
type scriptedChat struct {
	replies []string
	calls   int
}

func (c *scriptedChat) Complete(context.Context, llm.ChatRequest) (string, error) {
	c.calls++

	idx := c.calls - 1
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}

	return c.replies[idx], nil
}

func catalogConnector() *fakeConnector {
	return &fakeConnector{
		schemas: []string{"public", "marts"},
		tables: map[string][]warehouse.TableRef{
			"public": {
				{Schema: "public", Name: "stg_orders", Kind: "TABLE"},
				{Schema: "public", Name: "orders_tmp", Kind: "TABLE"},
			},
			"marts": {
				{Schema: "marts", Name: "fct_orders", Kind: "TABLE"},
			},
		},
		columns: map[string][]warehouse.Column{
			"public.stg_orders": plainColumns,
			"public.orders_tmp": plainColumns,
			"marts.fct_orders":  timestampColumns,
		},
	}
}

func testTarget() Target {
	return Target{ConnectionID: uuid.New(), Name: "analytics-wh"}
}

func TestDiscoverFallbackWalk(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inv := NewInvestigator(nil, fakeLineage{}, &fakeLister{}, NewClassifier(), testLogger)

	report, err := inv.Discover(context.Background(), catalogConnector(), testTarget())
	require.NoError(t, err)

	assert.Equal(t, []string{"public", "marts"}, report.SchemasFound)
	assert.Equal(t, 3, report.TotalTables)
	require.Len(t, report.Proposals, 3)

	// Sorted by FQN.
	assert.Equal(t, "marts.fct_orders", report.Proposals[0].FQN)
	assert.Equal(t, RoleFact, report.Proposals[0].Role)
	assert.Equal(t, RoleSystem, report.Proposals[1].Role)
	assert.True(t, report.Proposals[1].Skip)
	assert.Equal(t, RoleStaging, report.Proposals[2].Role)
	assert.Empty(t, report.Concerns)
}

func TestDiscoverWalkRecordsConcernsAndContinues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	conn := catalogConnector()
	conn.tablesErr = map[string]error{"public": fmt.Errorf("%w: catalog not readable", warehouse.ErrPermission)}

	inv := NewInvestigator(nil, fakeLineage{}, &fakeLister{}, NewClassifier(), testLogger)

	report, err := inv.Discover(context.Background(), conn, testTarget())
	require.NoError(t, err)

	require.Len(t, report.Concerns, 1)
	assert.Contains(t, report.Concerns[0], "public")
	require.Len(t, report.Proposals, 1)
	assert.Equal(t, "marts.fct_orders", report.Proposals[0].FQN)
}

func TestRediscoverEmitsSortedDeltas(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	conn := &fakeConnector{
		schemas: []string{"public"},
		tables: map[string][]warehouse.TableRef{
			"public": {
				{Schema: "public", Name: "a", Kind: "TABLE"},
				{Schema: "public", Name: "b", Kind: "TABLE"},
			},
		},
	}

	lister := &fakeLister{fqns: []string{"public.a", "public.gone"}}
	inv := NewInvestigator(nil, fakeLineage{}, lister, NewClassifier(), testLogger)

	deltas, err := inv.Rediscover(context.Background(), conn, testTarget())
	require.NoError(t, err)

	require.Len(t, deltas, 2)
	assert.Equal(t, DeltaNew, deltas[0].Action)
	assert.Equal(t, "public.b", deltas[0].FQN)
	assert.Nil(t, deltas[0].Proposal)
	assert.Equal(t, DeltaDropped, deltas[1].Action)
	assert.Equal(t, "public.gone", deltas[1].FQN)
}

func TestRediscoverZeroDeltasWhenInSync(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	conn := &fakeConnector{
		schemas: []string{"public"},
		tables: map[string][]warehouse.TableRef{
			"public": {{Schema: "public", Name: "a", Kind: "TABLE"}},
		},
	}

	lister := &fakeLister{fqns: []string{"public.a"}}
	inv := NewInvestigator(nil, fakeLineage{}, lister, NewClassifier(), testLogger)

	deltas, err := inv.Rediscover(context.Background(), conn, testTarget())
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestAgentDiscoverRunsToolLoop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &scriptedChat{replies: []string{
		`{"tool": "list_schema_tables", "args": {"schema": "marts"}}`,
		`{"tool": "inspect_table_columns", "args": {"schema": "marts", "table": "fct_orders"}}`,
		`{"final": {"proposals": [
			{"schema": "marts", "table": "fct_orders", "role": "fact",
			 "recommended_checks": ["schema", "freshness"], "suggested_sla_minutes": 360,
			 "reasoning": "hourly order facts", "skip": false}
		], "concerns": ["public schema looks abandoned"]}}`,
	}}

	inv := NewInvestigator(chat, fakeLineage{}, &fakeLister{}, NewClassifier(), testLogger)

	report, err := inv.Discover(context.Background(), catalogConnector(), testTarget())
	require.NoError(t, err)

	assert.Equal(t, 3, chat.calls)
	require.Len(t, report.Proposals, 1)
	assert.Equal(t, "marts.fct_orders", report.Proposals[0].FQN)
	assert.Equal(t, RoleFact, report.Proposals[0].Role)
	assert.Equal(t, []string{"public schema looks abandoned"}, report.Concerns)
}

func TestAgentDiscoverFallsBackOnPersistentMalformedOutput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	chat := &scriptedChat{replies: []string{"I would love to help but cannot produce JSON"}}

	inv := NewInvestigator(chat, fakeLineage{}, &fakeLister{}, NewClassifier(), testLogger)

	report, err := inv.Discover(context.Background(), catalogConnector(), testTarget())
	require.NoError(t, err)

	// The deterministic walk produced the report instead.
	assert.Equal(t, 3, report.TotalTables)
	require.Len(t, report.Proposals, 3)
}

func TestAgentDiscoverFallsBackWhenBudgetExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// The agent never stops calling tools.
	chat := &scriptedChat{replies: []string{`{"tool": "list_warehouse_schemas", "args": {}}`}}

	inv := NewInvestigator(chat, fakeLineage{}, &fakeLister{}, NewClassifier(), testLogger)

	report, err := inv.Discover(context.Background(), catalogConnector(), testTarget())
	require.NoError(t, err)

	assert.Equal(t, maxToolCalls+1, chat.calls, "one completion per tool call plus the refused one")
	assert.Equal(t, 3, report.TotalTables, "fallback walk must produce the report")
}

func TestToolsetDispatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tools := newToolset(catalogConnector(), fakeLineage{}, 3)

	schemas, err := tools.invoke(context.Background(), toolListSchemas, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"public", "marts"}, schemas)

	_, err = tools.invoke(context.Background(), toolListTables, map[string]any{"schema": ""})
	assert.Error(t, err, "empty schema argument is rejected")

	_, err = tools.invoke(context.Background(), "drop_all_tables", map[string]any{})
	assert.Error(t, err)

	_, err = tools.invoke(context.Background(), toolListSchemas, nil)
	require.ErrorIs(t, err, ErrToolBudgetExhausted, "failed calls still charge the budget")
}
