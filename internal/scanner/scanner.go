// Package scanner drives the periodic background work of Aegis: sentinel
// scan cycles over every enabled table, query-log lineage refreshes, and
// warehouse rediscovery. One scanner runs per process; the API can request
// an immediate cycle through TriggerScan.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/incident"
	"github.com/aegis-dq/aegis/internal/notify"
	"github.com/aegis-dq/aegis/internal/sentinel"
	"github.com/aegis-dq/aegis/internal/storage"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

type (
	// Inventory is the storage slice the scanner reads its work list from.
	Inventory interface {
		ActiveConnections(ctx context.Context) ([]storage.WarehouseConnection, error)
		EnabledTables(ctx context.Context, connectionID uuid.UUID) ([]storage.MonitoredTable, error)
		TouchLastScan(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	// Detector is the shared shape of the schema and freshness sentinels.
	Detector interface {
		Inspect(ctx context.Context, conn warehouse.Connector, table sentinel.Table) (*sentinel.Anomaly, error)
	}

	// AnomalyHandler turns detector signals into incidents.
	AnomalyHandler interface {
		HandleAnomaly(ctx context.Context, anomaly *sentinel.Anomaly, table sentinel.Table) (*incident.Incident, error)
	}

	// LineageRefresher ingests the warehouse query log into lineage edges.
	LineageRefresher interface {
		Refresh(ctx context.Context, conn warehouse.Connector, since time.Time) (int, error)
	}

	// Rediscoverer diffs the warehouse against the monitored set.
	Rediscoverer interface {
		Rediscover(ctx context.Context, conn warehouse.Connector, target discovery.Target) ([]discovery.TableDelta, error)
	}

	// URIOpener decrypts a sealed connection URI.
	URIOpener interface {
		Decrypt(ciphertext string) (string, error)
	}

	// ConnectorFactory creates a warehouse connector from a dialect tag and
	// plaintext URI. Defaults to warehouse.New.
	ConnectorFactory func(dialect, uri string) (warehouse.Connector, error)

	// Broadcaster receives the scanner's lifecycle events.
	Broadcaster interface {
		Publish(kind string, payload map[string]any)
	}

	// Deps bundles the scanner's collaborators.
	Deps struct {
		Inventory Inventory
		Schema    Detector
		Freshness Detector
		Incidents AnomalyHandler
		Lineage   LineageRefresher
		Discovery Rediscoverer
		Sealer    URIOpener
		Events    Broadcaster
		Connect   ConnectorFactory
	}

	// Scanner is the background agent. All sentinel work for one table is
	// serial; tables within a cycle run on a bounded worker pool.
	Scanner struct {
		config *Config
		deps   Deps
		logger *slog.Logger
		now    func() time.Time

		trigger chan struct{}
		stop    chan struct{}
		done    chan struct{}

		startOnce sync.Once
		stopOnce  sync.Once

		mu              sync.Mutex
		running         bool
		lastCycleAt     time.Time
		lastCycleTables int
	}

	// Status is a point-in-time view of the scanner loop.
	Status struct {
		Running         bool      `json:"running"`
		LastCycleAt     time.Time `json:"last_cycle_at"`
		LastCycleTables int       `json:"last_cycle_tables"`
	}
)

// NewScanner creates a scanner. Deps.Connect may be nil, in which case
// warehouse.New is used.
func NewScanner(config *Config, deps Deps, logger *slog.Logger) *Scanner {
	if deps.Connect == nil {
		deps.Connect = warehouse.New
	}

	return &Scanner{
		config:  config,
		deps:    deps,
		logger:  logger.With(slog.String("component", "scanner")),
		now:     func() time.Time { return time.Now().UTC() },
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background loop. Safe to call more than once.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop signals the loop to exit and waits for in-flight work to finish.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	<-s.done
}

// TriggerScan requests an immediate scan cycle. Returns false when a trigger
// is already pending.
func (s *Scanner) TriggerScan() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status reports whether the loop is running and when the last scan cycle
// completed.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Running:         s.running,
		LastCycleAt:     s.lastCycleAt,
		LastCycleTables: s.lastCycleTables,
	}
}

func (s *Scanner) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// run owns the three cadence timers. Deadlines are recomputed after each
// cycle completes, so a slow cycle delays the next one instead of stacking.
func (s *Scanner) run() {
	defer close(s.done)

	s.setRunning(true)
	defer s.setRunning(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-s.stop
		cancel()
	}()

	s.logger.Info("Scanner started",
		slog.Duration("scan_interval", s.config.ScanInterval),
		slog.Duration("lineage_refresh", s.config.LineageRefresh),
		slog.Duration("rediscovery_interval", s.config.RediscoveryInterval),
		slog.Int("workers", s.config.Workers),
	)

	scanTimer := time.NewTimer(0) // first cycle runs immediately
	lineageTimer := time.NewTimer(s.config.LineageRefresh)
	rediscoveryTimer := time.NewTimer(s.config.RediscoveryInterval)

	defer scanTimer.Stop()
	defer lineageTimer.Stop()
	defer rediscoveryTimer.Stop()

	for {
		select {
		case <-s.stop:
			s.logger.Info("Scanner stopped")

			return

		case <-s.trigger:
			s.runScanCycle(ctx)
			resetTimer(scanTimer, s.config.ScanInterval)

		case <-scanTimer.C:
			s.runScanCycle(ctx)
			scanTimer.Reset(s.config.ScanInterval)

		case <-lineageTimer.C:
			s.refreshLineage(ctx)
			lineageTimer.Reset(s.config.LineageRefresh)

		case <-rediscoveryTimer.C:
			s.runRediscovery(ctx)
			rediscoveryTimer.Reset(s.config.RediscoveryInterval)
		}
	}
}

// runScanCycle inspects every enabled table of every active connection and
// publishes one scan.completed event for the whole cycle. Per-connection and
// per-table failures are logged and skipped; no error aborts the cycle.
func (s *Scanner) runScanCycle(ctx context.Context) {
	start := s.now()

	connections, err := s.deps.Inventory.ActiveConnections(ctx)
	if err != nil {
		s.logger.Error("Failed to list active connections, skipping scan cycle",
			slog.String("error", err.Error()),
		)

		return
	}

	var tablesScanned, anomaliesFound int

	for i := range connections {
		scanned, anomalies := s.scanConnection(ctx, &connections[i])
		tablesScanned += scanned
		anomaliesFound += anomalies
	}

	duration := s.now().Sub(start)

	s.mu.Lock()
	s.lastCycleAt = s.now()
	s.lastCycleTables = tablesScanned
	s.mu.Unlock()

	s.deps.Events.Publish(notify.KindScanCompleted, map[string]any{
		"tables_scanned":  tablesScanned,
		"anomalies_found": anomaliesFound,
		"duration_ms":     duration.Milliseconds(),
	})

	s.logger.Info("Scan cycle complete",
		slog.Int("connections", len(connections)),
		slog.Int("tables_scanned", tablesScanned),
		slog.Int("anomalies_found", anomaliesFound),
		slog.Duration("duration", duration),
	)
}

func (s *Scanner) scanConnection(ctx context.Context, conn *storage.WarehouseConnection) (int, int) {
	connector, err := s.openConnector(conn)
	if err != nil {
		s.logger.Warn("Failed to open warehouse connection, skipping",
			slog.String("connection", conn.Name),
			slog.String("error", err.Error()),
		)

		return 0, 0
	}
	defer func() { _ = connector.Dispose() }()

	tables, err := s.deps.Inventory.EnabledTables(ctx, conn.ID)
	if err != nil {
		s.logger.Error("Failed to list enabled tables, skipping connection",
			slog.String("connection", conn.Name),
			slog.String("error", err.Error()),
		)

		return 0, 0
	}

	if len(tables) == 0 {
		return 0, 0
	}

	var (
		anomalies atomic.Int64
		wg        sync.WaitGroup
		jobs      = make(chan *storage.MonitoredTable)
	)

	workers := s.config.Workers
	if workers > len(tables) {
		workers = len(tables)
	}

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for table := range jobs {
				anomalies.Add(int64(s.scanTable(ctx, connector, table)))
			}
		}()
	}

	for i := range tables {
		jobs <- &tables[i]
	}

	close(jobs)
	wg.Wait()

	if err := s.deps.Inventory.TouchLastScan(ctx, conn.ID, s.now()); err != nil {
		s.logger.Warn("Failed to record scan time",
			slog.String("connection", conn.Name),
			slog.String("error", err.Error()),
		)
	}

	return len(tables), int(anomalies.Load())
}

// scanTable runs every enabled check for one table, in order, and routes any
// anomaly through the orchestrator. Returns the number of anomalies emitted.
func (s *Scanner) scanTable(ctx context.Context, connector warehouse.Connector, table *storage.MonitoredTable) int {
	target := table.Sentinel()
	emitted := 0

	checks := []struct {
		name     string
		detector Detector
	}{
		{discovery.CheckSchema, s.deps.Schema},
		{discovery.CheckFreshness, s.deps.Freshness},
	}

	for _, check := range checks {
		if !table.HasCheck(check.name) {
			continue
		}

		anomaly, err := check.detector.Inspect(ctx, connector, target)
		if err != nil {
			s.logger.Warn("Check failed, will retry next cycle",
				slog.String("table", target.FQN),
				slog.String("check", check.name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if anomaly == nil {
			continue
		}

		emitted++
		s.handleAnomaly(ctx, anomaly, target)
	}

	return emitted
}

func (s *Scanner) handleAnomaly(ctx context.Context, anomaly *sentinel.Anomaly, table sentinel.Table) {
	s.deps.Events.Publish(notify.KindAnomalyDetected, map[string]any{
		"anomaly_id": anomaly.ID.String(),
		"table":      table.FQN,
		"type":       anomaly.Type,
	})

	if _, err := s.deps.Incidents.HandleAnomaly(ctx, anomaly, table); err != nil {
		s.logger.Error("Failed to handle anomaly",
			slog.String("table", table.FQN),
			slog.String("type", anomaly.Type),
			slog.String("error", err.Error()),
		)
	}
}

// refreshLineage ingests the query log of every active connection. The since
// window reaches one interval back; edge upserts make overlap harmless.
func (s *Scanner) refreshLineage(ctx context.Context) {
	connections, err := s.deps.Inventory.ActiveConnections(ctx)
	if err != nil {
		s.logger.Error("Failed to list connections for lineage refresh",
			slog.String("error", err.Error()),
		)

		return
	}

	since := s.now().Add(-s.config.LineageRefresh)

	for i := range connections {
		conn := &connections[i]

		connector, err := s.openConnector(conn)
		if err != nil {
			s.logger.Warn("Failed to open warehouse connection for lineage refresh",
				slog.String("connection", conn.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if _, err := s.deps.Lineage.Refresh(ctx, connector, since); err != nil {
			s.logger.Warn("Lineage refresh failed",
				slog.String("connection", conn.Name),
				slog.String("error", err.Error()),
			)
		}

		_ = connector.Dispose()
	}
}

// runRediscovery diffs every active connection against its monitored set and
// publishes one discovery.update event per connection.
func (s *Scanner) runRediscovery(ctx context.Context) {
	connections, err := s.deps.Inventory.ActiveConnections(ctx)
	if err != nil {
		s.logger.Error("Failed to list connections for rediscovery",
			slog.String("error", err.Error()),
		)

		return
	}

	for i := range connections {
		conn := &connections[i]

		connector, err := s.openConnector(conn)
		if err != nil {
			s.logger.Warn("Failed to open warehouse connection for rediscovery",
				slog.String("connection", conn.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		deltas, err := s.deps.Discovery.Rediscover(ctx, connector, discovery.Target{
			ConnectionID: conn.ID,
			Name:         conn.Name,
		})

		_ = connector.Dispose()

		if err != nil {
			s.logger.Warn("Rediscovery failed",
				slog.String("connection", conn.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.deps.Events.Publish(notify.KindDiscoveryUpdate, map[string]any{
			"connection_id": conn.ID.String(),
			"total_deltas":  len(deltas),
		})

		s.logger.Info("Rediscovery complete",
			slog.String("connection", conn.Name),
			slog.Int("total_deltas", len(deltas)),
		)
	}
}

func (s *Scanner) openConnector(conn *storage.WarehouseConnection) (warehouse.Connector, error) {
	uri, err := s.deps.Sealer.Decrypt(conn.EncryptedURI)
	if err != nil {
		return nil, err
	}

	return s.deps.Connect(conn.Dialect, uri)
}

// resetTimer drains a fired-but-unread timer before rearming it, which is
// required when a manual trigger preempts the scan deadline.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	t.Reset(d)
}
