// Package main provides the Aegis data quality monitoring service.
//
// The service connects to customer warehouses, scans monitored tables for
// schema and freshness anomalies, maintains a lineage graph from warehouse
// query logs, and turns detected anomalies into triaged incidents exposed
// over the HTTP API and WebSocket event stream.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aegis-dq/aegis/internal/api"
	"github.com/aegis-dq/aegis/internal/api/middleware"
	"github.com/aegis-dq/aegis/internal/config"
	"github.com/aegis-dq/aegis/internal/discovery"
	"github.com/aegis-dq/aegis/internal/incident"
	"github.com/aegis-dq/aegis/internal/lineage"
	"github.com/aegis-dq/aegis/internal/llm"
	"github.com/aegis-dq/aegis/internal/notify"
	"github.com/aegis-dq/aegis/internal/scanner"
	"github.com/aegis-dq/aegis/internal/secrets"
	"github.com/aegis-dq/aegis/internal/sentinel"
	"github.com/aegis-dq/aegis/internal/storage"
	"github.com/aegis-dq/aegis/migrations"
)

// Version information.
const (
	version = "1.0.0"
	name    = "aegis"
)

const defaultKafkaTopic = "aegis.events"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Aegis service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig, logger)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	// Apply pending migrations so the service never boots against a stale
	// schema. Operators can still run the migrator CLI for manual control.
	if err := migrations.Apply(dbConn.DB(), logger); err != nil {
		logger.Error("Failed to apply migrations", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	store, err := storage.NewStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to initialize store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	sealer, err := secrets.NewSealer(config.GetEnvStr("AEGIS_ENCRYPTION_KEY", ""))
	if err != nil {
		logger.Error("Failed to initialize URI sealer",
			slog.String("error", err.Error()),
			slog.String("note", "Set AEGIS_ENCRYPTION_KEY to a 32-byte hex or base64 key"),
		)

		_ = dbConn.Close()
		os.Exit(1)
	}

	// The LLM client is optional: without a key the architect and the
	// investigator fall back to their deterministic paths.
	var chat llm.ChatClient

	if client, err := llm.NewFromEnv(); err != nil {
		logger.Warn("LLM client not configured, diagnosis and discovery use deterministic fallbacks",
			slog.String("reason", err.Error()),
		)
	} else {
		chat = client

		logger.Info("LLM client initialized")
	}

	notifierOpts := []notify.Option{
		notify.WithBufferSize(config.GetEnvInt("AEGIS_EVENT_BUFFER", notify.DefaultBufferSize)),
	}

	if brokers := config.ParseCommaSeparatedList(config.GetEnvStr("AEGIS_KAFKA_BROKERS", "")); len(brokers) > 0 {
		topic := config.GetEnvStr("AEGIS_KAFKA_TOPIC", defaultKafkaTopic)
		sink := notify.NewKafkaSink(brokers, topic, logger)

		defer func() {
			_ = sink.Close()
		}()

		notifierOpts = append(notifierOpts, notify.WithSink(sink))

		logger.Info("Kafka event sink enabled",
			slog.Any("brokers", brokers),
			slog.String("topic", topic),
		)
	}

	notifier := notify.NewNotifier(logger, notifierOpts...)

	graph := lineage.NewGraph(store, logger)
	refresher := lineage.NewRefresher(store, logger)

	architect := incident.NewArchitect(chat, graph, store, logger)
	orchestrator := incident.NewOrchestrator(
		store, architect, incident.NewExecutor(), incident.NewReporter(), notifier, logger,
	)

	classifier, err := discovery.NewClassifierFromFile(config.GetEnvStr("AEGIS_DISCOVERY_RULES", ""))
	if err != nil {
		logger.Error("Failed to load discovery rules", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	investigator := discovery.NewInvestigator(chat, graph, store, classifier, logger)

	scannerConfig := scanner.LoadConfig()
	if err := scannerConfig.Validate(); err != nil {
		logger.Error("Invalid scanner configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	scan := scanner.NewScanner(scannerConfig, scanner.Deps{
		Inventory: store,
		Schema:    sentinel.NewSchemaSentinel(store, logger),
		Freshness: sentinel.NewFreshnessSentinel(store, logger),
		Incidents: orchestrator,
		Lineage:   refresher,
		Discovery: investigator,
		Sealer:    sealer,
		Events:    notifier,
	}, logger)

	scan.Start()
	defer scan.Stop()

	server := api.NewServer(serverConfig, api.Deps{
		Store:       store,
		Sealer:      sealer,
		Incidents:   orchestrator,
		Discoverer:  investigator,
		Lineage:     graph,
		Notifier:    notifier,
		Scanner:     scan,
		RateLimiter: rateLimiter,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Aegis service stopped")
}
