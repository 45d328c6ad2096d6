package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-dq/aegis/internal/api/middleware"
	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/incident"
	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/notify"
	"github.com/aegis-dq/aegis/internal/scanner"
	"github.com/aegis-dq/aegis/internal/sentinel"
	"github.com/aegis-dq/aegis/internal/storage"
	"github.com/aegis-dq/aegis/internal/warehouse"
)

type (
	// Store is the persistence surface the API depends on. Implemented by
	// *storage.Store; narrowed to an interface so handler tests can fake it.
	Store interface {
		CreateConnection(ctx context.Context, conn *storage.WarehouseConnection) error
		GetConnection(ctx context.Context, id uuid.UUID) (*storage.WarehouseConnection, error)
		ListConnections(ctx context.Context) ([]storage.WarehouseConnection, error)
		UpdateConnection(ctx context.Context, conn *storage.WarehouseConnection) error
		DeleteConnection(ctx context.Context, id uuid.UUID) error

		EnrollTable(ctx context.Context, table *storage.MonitoredTable) (bool, error)
		GetMonitoredTable(ctx context.Context, id uuid.UUID) (*storage.MonitoredTable, error)
		ListMonitoredTables(ctx context.Context, connectionID uuid.UUID) ([]storage.MonitoredTable, error)
		UpdateMonitoredTable(ctx context.Context, table *storage.MonitoredTable) error
		DeleteMonitoredTable(ctx context.Context, id uuid.UUID) error
		ListSnapshots(ctx context.Context, tableID uuid.UUID, limit int) ([]sentinel.Snapshot, error)

		GetIncident(ctx context.Context, id uuid.UUID) (*incident.Incident, error)
		ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]incident.Incident, error)
		GetAnomaly(ctx context.Context, id uuid.UUID) (*sentinel.Anomaly, error)

		ServiceStats(ctx context.Context) (*storage.Stats, error)
		HealthCheck(ctx context.Context) error
	}

	// IncidentService exposes the human-approval operations of the incident
	// orchestrator.
	IncidentService interface {
		Approve(ctx context.Context, id uuid.UUID, actor string) (*incident.Incident, error)
		Dismiss(ctx context.Context, id uuid.UUID, reason string) (*incident.Incident, error)
		RegenerateReport(inc *incident.Incident, anomaly *sentinel.Anomaly, table sentinel.Table) *incident.Report
	}

	// DiscoveryService runs table discovery against a live warehouse
	// connection.
	DiscoveryService interface {
		Discover(ctx context.Context, conn warehouse.Connector, target discovery.Target) (*discovery.DiscoveryReport, error)
	}

	// LineageService serves graph traversals over the lineage edge set.
	LineageService interface {
		Upstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
		Downstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
		ComputeBlastRadius(ctx context.Context, table string) (*lineage.BlastRadius, error)
		FullGraph(ctx context.Context) (*lineage.GraphView, error)
	}

	// EventSource is the live event feed consumed by WebSocket clients.
	EventSource interface {
		Subscribe(lastSeq uint64) (uint64, <-chan notify.Event)
		Unsubscribe(id uint64)
		LastSeq() uint64
		SubscriberCount() int
	}

	// ScanTrigger is the background scanner's manual control surface.
	// TriggerScan returns false when a trigger is already pending.
	ScanTrigger interface {
		TriggerScan() bool
		Status() scanner.Status
	}

	// Sealer encrypts connection URIs at rest and decrypts them for
	// connectivity tests and discovery runs.
	Sealer interface {
		Encrypt(plaintext string) (string, error)
		Decrypt(ciphertext string) (string, error)
	}

	// ConnectorFactory opens a warehouse connector from a dialect tag and a
	// plaintext URI. Defaults to warehouse.New.
	ConnectorFactory func(dialect, uri string) (warehouse.Connector, error)

	// Deps bundles the collaborators the server dispatches into. Store,
	// Sealer and Notifier are required; the rest degrade gracefully when nil
	// (the corresponding endpoints return 503).
	Deps struct {
		Store       Store
		Sealer      Sealer
		Incidents   IncidentService
		Discoverer  DiscoveryService
		Lineage     LineageService
		Notifier    EventSource
		Scanner     ScanTrigger
		Connect     ConnectorFactory
		RateLimiter middleware.RateLimiter
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		deps        Deps
		startTime   time.Time
		rateLimiter middleware.RateLimiter
	}
)

// NewServer creates a new HTTP server instance with structured logging and
// the full middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig: configuration (what) stays separate from dependencies (how).
func NewServer(cfg *ServerConfig, deps Deps) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})).With(slog.String("component", "api"))

	if deps.Connect == nil {
		deps.Connect = warehouse.New
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		deps:        deps,
		rateLimiter: deps.RateLimiter,
	}

	server.setupRoutes(mux)

	if cfg.APIKey != "" {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("AEGIS_API_KEY not configured - authentication disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Auth - reject unauthenticated requests before any work
	//   4. RateLimit - block requests before expensive operations
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(cfg.APIKey, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wired HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Aegis API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.rateLimiter != nil {
		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
