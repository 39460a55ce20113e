/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the eco task leaderboard server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the storage backend (sqlite, postgres or memory)
  3. Build the engine: accumulator, ledger (+ Kafka hook), aggregator
  4. Optionally seed demo data
  5. Start the reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port                HTTP server port (default: 8080)
  -db-driver           sqlite | postgres | memory (default: sqlite)
  -db                  SQLite database path (default: ecoboard.db)
                       Use ":memory:" for in-memory database
  -database-url        PostgreSQL DSN
  -kafka-brokers       Comma-separated brokers; empty disables events
  -kafka-topic         Completion event topic
  -reconcile-interval  Score reconcile period (0 disables)
  -lookup-timeout      Task/user lookup timeout
  -seed                Seed demo data at startup
  -log-level           debug | info | warn | error
  -no-color            Disable colored logs

  Every flag has an environment variable default; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Flush the event publisher, close the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ecoboard.db"

  # Run against PostgreSQL with Kafka events
  DATABASE_URL=postgres://eco@localhost/eco ./server -db-driver=postgres -kafka-brokers=localhost:9092

  # Throwaway demo
  ./server -db-driver=memory -seed

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Configuration sources
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/ecoboard/api"
	"github.com/warp/ecoboard/config"
	"github.com/warp/ecoboard/engine"
	memstore "github.com/warp/ecoboard/engine/store"
	"github.com/warp/ecoboard/events"
	"github.com/warp/ecoboard/logging"
	"github.com/warp/ecoboard/metrics"
	"github.com/warp/ecoboard/store/postgres"
	"github.com/warp/ecoboard/store/sqlite"
)

// backend is what every storage driver provides.
type backend interface {
	api.Backend
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logging.SetColor(!cfg.NoColor)
	log := logging.New("server").WithLevel(logging.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logging.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.DBDriver, err)
	}
	defer store.Close()
	log.Infof("Storage: %s", cfg.DBDriver)

	// Event publisher
	var publisher events.Publisher = events.Nop{}
	if cfg.EventsEnabled() {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize kafka publisher: %w", err)
		}
		publisher = kp
		log.Infof("Publishing completion events to %s on %v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}
	defer publisher.Close()

	// Engine
	m := metrics.New()
	scores := engine.NewAccumulator(store, store, store,
		engine.WithAccumulatorLogger(log),
		engine.WithAccumulatorLookupTimeout(cfg.LookupTimeout),
		engine.WithDivergenceHandler(func(*engine.ReconciliationDivergence) { m.Divergence() }))
	ledger := engine.NewLedger(store, store, store, scores,
		engine.WithLogger(log),
		engine.WithLookupTimeout(cfg.LookupTimeout),
		engine.WithHooks(events.NewHook(publisher)))

	handler := api.NewHandler(store, ledger, scores, m, log.With("api"))

	if cfg.SeedDemo {
		if _, err := handler.Seed(ctx); err != nil {
			log.Warnf("Failed to seed demo data: %v", err)
		}
	}

	// Scheduler
	scheduler := api.NewReconciliationScheduler(scores, m, log.With("Scheduler"))
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Server starting on http://localhost:%d", cfg.Port)
		log.Infof("API available at http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Infof("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Infof("Server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		store, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case config.DriverMemory:
		return memstore.NewMemory(), nil
	default:
		return sqlite.New(cfg.DBPath)
	}
}
