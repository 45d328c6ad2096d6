package sentinel

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

// memoryStore is an in-memory sentinel.Store for unit tests.
type memoryStore struct {
	snapshots map[uuid.UUID][]*Snapshot
	anomalies []*Anomaly
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snapshots: make(map[uuid.UUID][]*Snapshot)}
}

func (m *memoryStore) LatestSnapshot(_ context.Context, tableID uuid.UUID) (*Snapshot, error) {
	snaps := m.snapshots[tableID]
	if len(snaps) == 0 {
		return nil, nil
	}

	return snaps[len(snaps)-1], nil
}

func (m *memoryStore) SaveSnapshot(_ context.Context, snapshot *Snapshot, anomaly *Anomaly) error {
	m.snapshots[snapshot.TableID] = append(m.snapshots[snapshot.TableID], snapshot)
	if anomaly != nil {
		m.anomalies = append(m.anomalies, anomaly)
	}

	return nil
}

func (m *memoryStore) SaveAnomaly(_ context.Context, anomaly *Anomaly) error {
	m.anomalies = append(m.anomalies, anomaly)

	return nil
}

// fakeConnector serves canned introspection results.
type fakeConnector struct {
	columns    map[string][]warehouse.Column // "schema.table" -> columns
	lastUpdate map[string]*time.Time
}

func (f *fakeConnector) ListSchemas(context.Context) ([]string, error) { return nil, nil }

func (f *fakeConnector) ListTables(context.Context, string) ([]warehouse.TableRef, error) {
	return nil, nil
}

func (f *fakeConnector) FetchColumns(_ context.Context, schema, table string) ([]warehouse.Column, error) {
	return f.columns[schema+"."+table], nil
}

func (f *fakeConnector) FetchLastUpdateTime(_ context.Context, schema, table string) (*time.Time, error) {
	return f.lastUpdate[schema+"."+table], nil
}

func (f *fakeConnector) ExtractQueryLog(context.Context, time.Time, int) ([]warehouse.QueryLogEntry, error) {
	return nil, nil
}

func (f *fakeConnector) Ping(context.Context) error { return nil }
func (f *fakeConnector) Dispose() error             { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHashColumnsDeterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ordered := []warehouse.Column{
		{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
		{Name: "price", Type: "double precision", Nullable: true, Ordinal: 2},
	}
	shuffled := []warehouse.Column{
		{Name: "price", Type: "double precision", Nullable: true, Ordinal: 2},
		{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
	}

	hashA, err := HashColumns(ordered)
	require.NoError(t, err)

	hashB, err := HashColumns(shuffled)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB, "hash must be stable under input ordering")
	assert.Len(t, hashA, 64)

	changed := []warehouse.Column{
		{Name: "id", Type: "bigint", Nullable: false, Ordinal: 1},
		{Name: "price", Type: "double precision", Nullable: true, Ordinal: 2},
	}

	hashC, err := HashColumns(changed)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestDiffColumns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	prior := []warehouse.Column{
		{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
		{Name: "price", Type: "double precision", Nullable: true, Ordinal: 2},
	}

	tests := []struct {
		name     string
		current  []warehouse.Column
		expected []SchemaChange
	}{
		{
			name: "type change",
			current: []warehouse.Column{
				{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
				{Name: "price", Type: "character varying", Nullable: true, Ordinal: 2},
			},
			expected: []SchemaChange{
				{
					Change:   ChangeColumnTypeChanged,
					Column:   "price",
					FromType: "double precision",
					ToType:   "character varying",
				},
			},
		},
		{
			name: "nullable column added",
			current: []warehouse.Column{
				{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
				{Name: "price", Type: "double precision", Nullable: true, Ordinal: 2},
				{Name: "discount", Type: "double precision", Nullable: true, Ordinal: 3},
			},
			expected: []SchemaChange{
				{
					Change:   ChangeColumnAdded,
					Column:   "discount",
					ToType:   "double precision",
					Nullable: true,
				},
			},
		},
		{
			name: "column deleted",
			current: []warehouse.Column{
				{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
			},
			expected: []SchemaChange{
				{
					Change:   ChangeColumnDeleted,
					Column:   "price",
					FromType: "double precision",
				},
			},
		},
		{
			name: "rename inferred at same ordinal with compatible type",
			current: []warehouse.Column{
				{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
				{Name: "unit_price", Type: "numeric", Nullable: true, Ordinal: 2},
			},
			expected: []SchemaChange{
				{
					Change:   ChangeColumnRenamed,
					Column:   "unit_price",
					FromName: "price",
					ToName:   "unit_price",
					FromType: "double precision",
					ToType:   "numeric",
				},
			},
		},
		{
			name: "incompatible type at same ordinal stays add plus delete",
			current: []warehouse.Column{
				{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
				{Name: "note", Type: "text", Nullable: true, Ordinal: 2},
			},
			expected: []SchemaChange{
				{
					Change:   ChangeColumnDeleted,
					Column:   "price",
					FromType: "double precision",
				},
				{
					Change:   ChangeColumnAdded,
					Column:   "note",
					ToType:   "text",
					Nullable: true,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := DiffColumns(prior, tt.current)
			assert.Equal(t, tt.expected, changes)
		})
	}
}

func TestDriftSeverityTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		changes  []SchemaChange
		expected string
	}{
		{
			name:     "deleted is critical",
			changes:  []SchemaChange{{Change: ChangeColumnDeleted, Column: "a"}},
			expected: SeverityCritical,
		},
		{
			name:     "type change is critical",
			changes:  []SchemaChange{{Change: ChangeColumnTypeChanged, Column: "a"}},
			expected: SeverityCritical,
		},
		{
			name:     "rename is high",
			changes:  []SchemaChange{{Change: ChangeColumnRenamed, Column: "a"}},
			expected: SeverityHigh,
		},
		{
			name:     "non-nullable add is medium",
			changes:  []SchemaChange{{Change: ChangeColumnAdded, Column: "a", Nullable: false}},
			expected: SeverityMedium,
		},
		{
			name:     "nullable add is low",
			changes:  []SchemaChange{{Change: ChangeColumnAdded, Column: "a", Nullable: true}},
			expected: SeverityLow,
		},
		{
			name: "max severity wins",
			changes: []SchemaChange{
				{Change: ChangeColumnAdded, Column: "a", Nullable: true},
				{Change: ChangeColumnDeleted, Column: "b"},
			},
			expected: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, driftSeverity(tt.changes))
		})
	}
}

func TestInspectEstablishesBaselineWithoutAnomaly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	table := Table{ID: uuid.New(), Schema: "analytics", Name: "orders", FQN: "analytics.orders"}
	conn := &fakeConnector{columns: map[string][]warehouse.Column{
		"analytics.orders": {
			{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
		},
	}}

	s := NewSchemaSentinel(store, testLogger())

	anomaly, err := s.Inspect(context.Background(), conn, table)
	require.NoError(t, err)
	assert.Nil(t, anomaly)
	assert.Len(t, store.snapshots[table.ID], 1)
	assert.Empty(t, store.anomalies)
}

func TestInspectIdenticalHashIsNoOp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	table := Table{ID: uuid.New(), Schema: "analytics", Name: "orders", FQN: "analytics.orders"}
	conn := &fakeConnector{columns: map[string][]warehouse.Column{
		"analytics.orders": {
			{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
		},
	}}

	s := NewSchemaSentinel(store, testLogger())
	ctx := context.Background()

	_, err := s.Inspect(ctx, conn, table)
	require.NoError(t, err)

	anomaly, err := s.Inspect(ctx, conn, table)
	require.NoError(t, err)
	assert.Nil(t, anomaly)
	assert.Len(t, store.snapshots[table.ID], 1, "identical hash must not append a snapshot")
}

func TestInspectDetectsTypeChangeDrift(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	table := Table{ID: uuid.New(), Schema: "analytics", Name: "orders", FQN: "analytics.orders"}
	conn := &fakeConnector{columns: map[string][]warehouse.Column{
		"analytics.orders": {
			{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
			{Name: "price", Type: "double precision", Nullable: true, Ordinal: 2},
		},
	}}

	s := NewSchemaSentinel(store, testLogger())
	ctx := context.Background()

	_, err := s.Inspect(ctx, conn, table)
	require.NoError(t, err)

	conn.columns["analytics.orders"] = []warehouse.Column{
		{Name: "id", Type: "integer", Nullable: false, Ordinal: 1},
		{Name: "price", Type: "character varying", Nullable: true, Ordinal: 2},
	}

	anomaly, err := s.Inspect(ctx, conn, table)
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, TypeSchemaDrift, anomaly.Type)
	assert.Equal(t, SeverityCritical, anomaly.Severity)
	assert.Len(t, store.snapshots[table.ID], 2)

	var detail SchemaDriftDetail
	require.NoError(t, json.Unmarshal(anomaly.Detail, &detail))
	require.Len(t, detail.Changes, 1)
	assert.Equal(t, ChangeColumnTypeChanged, detail.Changes[0].Change)
	assert.Equal(t, "price", detail.Changes[0].Column)
	assert.Equal(t, "double precision", detail.Changes[0].FromType)
	assert.Equal(t, "character varying", detail.Changes[0].ToType)
}

func TestInspectSkipsZeroColumnTables(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	table := Table{ID: uuid.New(), Schema: "analytics", Name: "empty", FQN: "analytics.empty"}
	conn := &fakeConnector{columns: map[string][]warehouse.Column{}}

	s := NewSchemaSentinel(store, testLogger())

	anomaly, err := s.Inspect(context.Background(), conn, table)
	require.NoError(t, err)
	assert.Nil(t, anomaly)
	assert.Empty(t, store.snapshots[table.ID])
}
