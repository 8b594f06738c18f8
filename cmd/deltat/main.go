package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basekick-labs/deltat/internal/api"
	"github.com/basekick-labs/deltat/internal/circuitbreaker"
	"github.com/basekick-labs/deltat/internal/config"
	"github.com/basekick-labs/deltat/internal/deltat"
	"github.com/basekick-labs/deltat/internal/ingest"
	"github.com/basekick-labs/deltat/internal/logger"
	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/internal/mqtt"
	"github.com/basekick-labs/deltat/internal/natsingest"
	"github.com/basekick-labs/deltat/internal/queryregistry"
	"github.com/basekick-labs/deltat/internal/scheduler"
	"github.com/basekick-labs/deltat/internal/shutdown"
	"github.com/basekick-labs/deltat/internal/table"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting deltat...")

	metrics.Init(logger.Get("metrics"))

	shutdownCoordinator := shutdown.New(cfg.Shutdown.Timeout(), logger.Get("shutdown"))

	// Table store
	if dir := filepath.Dir(cfg.Store.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Failed to create data directory")
		}
	}
	db, err := table.Open(cfg.Store.DBPath, logger.Get("table"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open table store")
	}
	shutdownCoordinator.Register("table-store", db, shutdown.PriorityDatabase)

	storeLogger := logger.Get("store")
	store, err := deltat.New(&deltat.Config{
		Bases:            db.Bases(),
		Windows:          db.Windows(),
		MaxItemsPerFlush: cfg.Store.MaxItemsPerFlush,
		QueryWorkers:     cfg.Store.QueryWorkers,
		MaxResampleSteps: cfg.Query.MaxResampleSteps,
		Logger:           storeLogger,
		OnError: func(ferr *deltat.FlushError) {
			storeLogger.Error().
				Err(ferr.Err).
				Uint64("cycle", ferr.Cycle).
				Int("processed", ferr.Processed).
				Int("lost", ferr.Lost).
				Msg("Flush cycle aborted, dequeued samples were lost")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create store")
	}

	count, err := store.Count(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read table store")
	}
	log.Info().
		Int64("base_records", count).
		Int("max_items_per_flush", cfg.Store.MaxItemsPerFlush).
		Int("query_workers", cfg.Store.QueryWorkers).
		Msg("Store initialized")

	// Drain whatever is still queued once ingestion and the scheduler have stopped
	shutdownCoordinator.RegisterHook("store-drain", func(ctx context.Context) error {
		pending := store.Pending()
		if pending == 0 {
			return nil
		}
		log.Info().Int("pending", pending).Msg("Draining queued samples")
		return store.FlushAll(ctx)
	}, shutdown.PriorityDrain)

	// Flush scheduler
	var flushBreaker *circuitbreaker.Breaker
	if cfg.Store.BreakerMaxFailures > 0 {
		flushBreaker = circuitbreaker.New(circuitbreaker.Config{
			Name:        "flush",
			MaxFailures: cfg.Store.BreakerMaxFailures,
			Cooldown:    time.Duration(cfg.Store.BreakerCooldownSeconds) * time.Second,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				metrics.Get().SetFlushBreakerOpen(to != circuitbreaker.StateClosed)
			},
		}, logger.Get("circuit-breaker"))
	}
	flushScheduler, err := scheduler.NewFlushScheduler(&scheduler.FlushSchedulerConfig{
		Flusher:  store,
		Schedule: cfg.Store.FlushSchedule,
		Breaker:  flushBreaker,
		Logger:   logger.Get("flush-scheduler"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create flush scheduler")
	}
	if err := flushScheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start flush scheduler")
	}
	shutdownCoordinator.RegisterHook("flush-scheduler", func(ctx context.Context) error {
		flushScheduler.Stop()
		return nil
	}, shutdown.PriorityScheduler)

	decoder := ingest.NewDecoder(cfg.Server.MaxPayloadSize, logger.Get("decoder"))

	// MQTT ingestion
	if cfg.MQTT.Enabled {
		sub, err := mqtt.NewSubscriber(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topics:   cfg.MQTT.Topics,
			QoS:      byte(cfg.MQTT.QoS),
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, store, decoder, logger.Get("mqtt"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create MQTT subscriber")
		}
		if err := sub.Start(); err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT subscriber not started")
		} else {
			shutdownCoordinator.Register("mqtt-subscriber", sub, shutdown.PriorityIngest)
		}
	}

	// NATS ingestion
	if cfg.NATS.Enabled {
		sub, err := natsingest.NewSubscriber(natsingest.Config{
			URL:        cfg.NATS.URL,
			Subject:    cfg.NATS.Subject,
			QueueGroup: cfg.NATS.QueueGroup,
		}, store, decoder, logger.Get("nats"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create NATS subscriber")
		}
		if err := sub.Start(); err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("NATS subscriber not started")
		} else {
			shutdownCoordinator.Register("nats-subscriber", sub, shutdown.PriorityIngest)
		}
	}

	// HTTP server
	server := api.NewServer(&api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		MaxPayloadSize: cfg.Server.MaxPayloadSize,
		TLSCertFile:    tlsFile(cfg.Server.TLSEnabled, cfg.Server.TLSCertFile),
		TLSKeyFile:     tlsFile(cfg.Server.TLSEnabled, cfg.Server.TLSKeyFile),
	}, logger.Get("server"))

	queryRegistry := queryregistry.NewRegistry(&queryregistry.RegistryConfig{
		HistorySize: cfg.Query.HistorySize,
		Timeout:     time.Duration(cfg.Query.TimeoutSeconds) * time.Second,
	}, logger.Get("query-registry"))

	valuesHandler := api.NewValuesHandler(store, decoder, logger.Get("values"))
	valuesHandler.SetQueryRegistry(queryRegistry)
	valuesHandler.RegisterRoutes(server.App())

	queriesHandler := api.NewQueriesHandler(queryRegistry, logger.Get("queries"))
	queriesHandler.RegisterRoutes(server.App())

	shutdownCoordinator.RegisterHook("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}, shutdown.PriorityHTTPServer)

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	log.Info().
		Int("port", cfg.Server.Port).
		Bool("tls", cfg.Server.TLSEnabled).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Str("flush_schedule", flushScheduler.Schedule()).
		Msg("deltat is ready")

	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}

	log.Info().Msg("deltat shutdown complete")
}

func tlsFile(enabled bool, path string) string {
	if !enabled {
		return ""
	}
	return path
}
