package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/incident"
	"github.com/aegis-dq/aegis/internal/notify"
	"github.com/aegis-dq/aegis/internal/sentinel"
	"github.com/aegis-dq/aegis/internal/storage"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

var testLogger = slog.New(slog.DiscardHandler)

type fakeInventory struct {
	mu          sync.Mutex
	connections []storage.WarehouseConnection
	tables      map[uuid.UUID][]storage.MonitoredTable
	touched     []uuid.UUID

	connectionsErr error
	tablesErr      error
}

func (f *fakeInventory) ActiveConnections(context.Context) ([]storage.WarehouseConnection, error) {
	if f.connectionsErr != nil {
		return nil, f.connectionsErr
	}

	return f.connections, nil
}

func (f *fakeInventory) EnabledTables(_ context.Context, connectionID uuid.UUID) ([]storage.MonitoredTable, error) {
	if f.tablesErr != nil {
		return nil, f.tablesErr
	}

	return f.tables[connectionID], nil
}

func (f *fakeInventory) TouchLastScan(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.touched = append(f.touched, id)

	return nil
}

// fakeDetector emits a scripted anomaly for specific FQNs. Safe for
// concurrent use by the worker pool.
type fakeDetector struct {
	mu        sync.Mutex
	anomalies map[string]*sentinel.Anomaly
	failing   map[string]error
	inspected []string
}

func (f *fakeDetector) Inspect(_ context.Context, _ warehouse.Connector, table sentinel.Table) (*sentinel.Anomaly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inspected = append(f.inspected, table.FQN)

	if err := f.failing[table.FQN]; err != nil {
		return nil, err
	}

	return f.anomalies[table.FQN], nil
}

func (f *fakeDetector) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.inspected...)
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []*sentinel.Anomaly
	err     error
}

func (f *fakeHandler) HandleAnomaly(_ context.Context, anomaly *sentinel.Anomaly, _ sentinel.Table) (*incident.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handled = append(f.handled, anomaly)

	return nil, f.err
}

type fakeRefresher struct {
	mu    sync.Mutex
	since []time.Time
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ warehouse.Connector, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.since = append(f.since, since)

	return 0, f.err
}

type fakeRediscoverer struct {
	deltas []discovery.TableDelta
	err    error
}

func (f *fakeRediscoverer) Rediscover(_ context.Context, _ warehouse.Connector, _ discovery.Target) ([]discovery.TableDelta, error) {
	return f.deltas, f.err
}

type fakeSealer struct{ err error }

func (f *fakeSealer) Decrypt(ciphertext string) (string, error) {
	return "postgres://" + ciphertext, f.err
}

// stubConnector satisfies warehouse.Connector; the detectors in these tests
// never touch it beyond Dispose.
type stubConnector struct {
	mu       sync.Mutex
	disposed int
}

func (c *stubConnector) ListSchemas(context.Context) ([]string, error) { return nil, nil }
func (c *stubConnector) ListTables(context.Context, string) ([]warehouse.TableRef, error) {
	return nil, nil
}
func (c *stubConnector) FetchColumns(context.Context, string, string) ([]warehouse.Column, error) {
	return nil, nil
}
func (c *stubConnector) FetchLastUpdateTime(context.Context, string, string) (*time.Time, error) {
	return nil, nil
}
func (c *stubConnector) ExtractQueryLog(context.Context, time.Time, int) ([]warehouse.QueryLogEntry, error) {
	return nil, nil
}
func (c *stubConnector) Ping(context.Context) error { return nil }

func (c *stubConnector) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disposed++

	return nil
}

type recordedEvent struct {
	kind    string
	payload map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(kind string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, recordedEvent{kind: kind, payload: payload})
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]string, len(r.events))
	for i, event := range r.events {
		kinds[i] = event.kind
	}

	return kinds
}

func (r *eventRecorder) last(kind string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].kind == kind {
			return r.events[i].payload
		}
	}

	return nil
}

type scannerFixture struct {
	scanner   *Scanner
	inventory *fakeInventory
	schema    *fakeDetector
	freshness *fakeDetector
	handler   *fakeHandler
	refresher *fakeRefresher
	discovery *fakeRediscoverer
	events    *eventRecorder
	connector *stubConnector
}

func newFixture(t *testing.T) *scannerFixture {
	t.Helper()

	fixture := &scannerFixture{
		inventory: &fakeInventory{tables: make(map[uuid.UUID][]storage.MonitoredTable)},
		schema:    &fakeDetector{anomalies: map[string]*sentinel.Anomaly{}, failing: map[string]error{}},
		freshness: &fakeDetector{anomalies: map[string]*sentinel.Anomaly{}, failing: map[string]error{}},
		handler:   &fakeHandler{},
		refresher: &fakeRefresher{},
		discovery: &fakeRediscoverer{},
		events:    &eventRecorder{},
		connector: &stubConnector{},
	}

	config := &Config{
		ScanInterval:        time.Hour,
		LineageRefresh:      time.Hour,
		RediscoveryInterval: time.Hour,
		Workers:             1,
	}

	fixture.scanner = NewScanner(config, Deps{
		Inventory: fixture.inventory,
		Schema:    fixture.schema,
		Freshness: fixture.freshness,
		Incidents: fixture.handler,
		Lineage:   fixture.refresher,
		Discovery: fixture.discovery,
		Sealer:    &fakeSealer{},
		Events:    fixture.events,
		Connect: func(string, string) (warehouse.Connector, error) {
			return fixture.connector, nil
		},
	}, testLogger)

	return fixture
}

func (f *scannerFixture) addConnection(t *testing.T, tables ...storage.MonitoredTable) uuid.UUID {
	t.Helper()

	id := uuid.New()
	f.inventory.connections = append(f.inventory.connections, storage.WarehouseConnection{
		ID:           id,
		Name:         "wh-" + id.String()[:8],
		Dialect:      "postgres",
		EncryptedURI: "sealed",
		IsActive:     true,
	})

	for i := range tables {
		tables[i].ConnectionID = id
	}

	f.inventory.tables[id] = tables

	return id
}

func monitoredTable(schema, name string, checks ...string) storage.MonitoredTable {
	return storage.MonitoredTable{
		ID:         uuid.New(),
		SchemaName: schema,
		TableName:  name,
		CheckTypes: checks,
		Enabled:    true,
	}
}

func driftAnomaly(tableID uuid.UUID) *sentinel.Anomaly {
	return &sentinel.Anomaly{
		ID:         uuid.New(),
		TableID:    tableID,
		Type:       sentinel.TypeSchemaDrift,
		Severity:   sentinel.SeverityHigh,
		Detail:     []byte(`{}`),
		DetectedAt: time.Now().UTC(),
	}
}

func TestScanCycleRunsEnabledChecksOnly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)

	schemaOnly := monitoredTable("analytics", "dim_customer", discovery.CheckSchema)
	both := monitoredTable("analytics", "fct_orders", discovery.CheckSchema, discovery.CheckFreshness)
	connID := fixture.addConnection(t, schemaOnly, both)

	anomaly := driftAnomaly(both.ID)
	fixture.freshness.anomalies["analytics.fct_orders"] = anomaly

	fixture.scanner.runScanCycle(context.Background())

	assert.ElementsMatch(t, []string{"analytics.dim_customer", "analytics.fct_orders"}, fixture.schema.seen())
	assert.Equal(t, []string{"analytics.fct_orders"}, fixture.freshness.seen())

	require.Len(t, fixture.handler.handled, 1)
	assert.Equal(t, anomaly.ID, fixture.handler.handled[0].ID)

	assert.Equal(t, []string{notify.KindAnomalyDetected, notify.KindScanCompleted}, fixture.events.kinds())

	payload := fixture.events.last(notify.KindScanCompleted)
	assert.Equal(t, 2, payload["tables_scanned"])
	assert.Equal(t, 1, payload["anomalies_found"])
	assert.Contains(t, payload, "duration_ms")

	detected := fixture.events.last(notify.KindAnomalyDetected)
	assert.Equal(t, anomaly.ID.String(), detected["anomaly_id"])
	assert.Equal(t, "analytics.fct_orders", detected["table"])
	assert.Equal(t, sentinel.TypeSchemaDrift, detected["type"])

	assert.Equal(t, []uuid.UUID{connID}, fixture.inventory.touched)
	assert.Equal(t, 1, fixture.connector.disposed)
}

func TestScanCycleSurvivesUnreachableConnection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	fixture.addConnection(t, monitoredTable("public", "orders", discovery.CheckSchema))
	fixture.scanner.deps.Connect = func(string, string) (warehouse.Connector, error) {
		return nil, warehouse.ErrConnectivity
	}

	fixture.scanner.runScanCycle(context.Background())

	payload := fixture.events.last(notify.KindScanCompleted)
	require.NotNil(t, payload, "the cycle still completes and reports")
	assert.Equal(t, 0, payload["tables_scanned"])
	assert.Empty(t, fixture.inventory.touched)
}

func TestCheckFailureDoesNotAbortCycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)

	broken := monitoredTable("public", "broken", discovery.CheckSchema)
	healthy := monitoredTable("public", "healthy", discovery.CheckSchema)
	fixture.addConnection(t, broken, healthy)

	fixture.schema.failing["public.broken"] = warehouse.ErrPermission

	fixture.scanner.runScanCycle(context.Background())

	assert.ElementsMatch(t, []string{"public.broken", "public.healthy"}, fixture.schema.seen())

	payload := fixture.events.last(notify.KindScanCompleted)
	assert.Equal(t, 2, payload["tables_scanned"])
	assert.Equal(t, 0, payload["anomalies_found"])
}

func TestScanCycleBoundsWorkerPool(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	fixture.scanner.config.Workers = 4

	var tables []storage.MonitoredTable
	for i := range 16 {
		tables = append(tables, monitoredTable("load", fmt.Sprintf("t_%02d", i), discovery.CheckSchema))
	}

	fixture.addConnection(t, tables...)
	fixture.scanner.runScanCycle(context.Background())

	assert.Len(t, fixture.schema.seen(), 16)

	payload := fixture.events.last(notify.KindScanCompleted)
	assert.Equal(t, 16, payload["tables_scanned"])
}

func TestLineageRefreshWindowReachesOneIntervalBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	fixture.addConnection(t)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixture.scanner.now = func() time.Time { return fixed }
	fixture.scanner.config.LineageRefresh = time.Hour

	fixture.scanner.refreshLineage(context.Background())

	require.Len(t, fixture.refresher.since, 1)
	assert.Equal(t, fixed.Add(-time.Hour), fixture.refresher.since[0])
	assert.Equal(t, 1, fixture.connector.disposed)
}

func TestRediscoveryPublishesDeltaCount(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	connID := fixture.addConnection(t)
	fixture.discovery.deltas = []discovery.TableDelta{
		{Action: discovery.DeltaNew, Schema: "public", Table: "b", FQN: "public.b"},
		{Action: discovery.DeltaDropped, Schema: "public", Table: "gone", FQN: "public.gone"},
	}

	fixture.scanner.runRediscovery(context.Background())

	payload := fixture.events.last(notify.KindDiscoveryUpdate)
	require.NotNil(t, payload)
	assert.Equal(t, connID.String(), payload["connection_id"])
	assert.Equal(t, 2, payload["total_deltas"])
	assert.Equal(t, 1, fixture.connector.disposed)
}

func TestRediscoveryFailureEmitsNoEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	fixture.addConnection(t)
	fixture.discovery.err = errors.New("catalog unavailable")

	fixture.scanner.runRediscovery(context.Background())

	assert.Nil(t, fixture.events.last(notify.KindDiscoveryUpdate))
	assert.Equal(t, 1, fixture.connector.disposed, "connector released on the failure path too")
}

func TestTriggerScanCoalesces(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)

	assert.True(t, fixture.scanner.TriggerScan())
	assert.False(t, fixture.scanner.TriggerScan(), "second trigger is dropped while one is pending")
}

func TestStartTriggerStopLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	fixture.addConnection(t, monitoredTable("public", "orders", discovery.CheckSchema))

	fixture.scanner.Start()
	fixture.scanner.Start() // idempotent

	require.Eventually(t, func() bool {
		return fixture.events.last(notify.KindScanCompleted) != nil
	}, 5*time.Second, 10*time.Millisecond, "startup scan cycle runs immediately")

	before := len(fixture.events.kinds())
	fixture.scanner.TriggerScan()

	require.Eventually(t, func() bool {
		return len(fixture.events.kinds()) > before
	}, 5*time.Second, 10*time.Millisecond, "manual trigger runs another cycle")

	fixture.scanner.Stop()
	fixture.scanner.Stop() // idempotent
}

func TestStatusTracksLoopAndLastCycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFixture(t)
	fixture.addConnection(t, monitoredTable("public", "orders", discovery.CheckSchema))

	assert.False(t, fixture.scanner.Status().Running)

	fixture.scanner.Start()

	require.Eventually(t, func() bool {
		status := fixture.scanner.Status()

		return status.Running && !status.LastCycleAt.IsZero()
	}, 5*time.Second, 10*time.Millisecond, "startup cycle records its completion time")

	assert.Equal(t, 1, fixture.scanner.Status().LastCycleTables)

	fixture.scanner.Stop()
	assert.False(t, fixture.scanner.Status().Running)
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := &Config{
		ScanInterval:        DefaultScanInterval,
		LineageRefresh:      DefaultLineageRefresh,
		RediscoveryInterval: DefaultRediscoveryInterval,
		Workers:             DefaultWorkers,
	}
	require.NoError(t, valid.Validate())

	noWorkers := *valid
	noWorkers.Workers = 0
	assert.Error(t, noWorkers.Validate())

	zeroInterval := *valid
	zeroInterval.ScanInterval = 0
	assert.ErrorIs(t, zeroInterval.Validate(), ErrInvalidInterval)
}
