/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allocation engine server: the HTTP API for
  agents and providers plus the in-process expiration sweep.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Build the app (store, hold policies, Kafka, workflow services)
  3. Configure HTTP router
  4. Start the sweep scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -sweep   Sweep interval, 0 disables the scheduler (overrides SWEEP_INTERVAL)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler (waits for a running sweep)
  4. Flush Kafka writers, close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/engine.db"

  # Run with in-memory database and a fast sweep
  ./server -db=":memory:" -sweep=30s

  # Postgres + Kafka
  DB_DRIVER=postgres POSTGRES_DSN=postgres://... KAFKA_BROKERS=kafka:9092 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - app/app.go: Wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seferet/allocation-engine/api"
	"github.com/seferet/allocation-engine/app"
	"github.com/seferet/allocation-engine/config"
	"github.com/seferet/allocation-engine/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.NewLogger("info").Fatal("Failed to load config", "error", err)
	}

	// Flags override the environment
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.DurationVar(&cfg.SweepInterval, "sweep", cfg.SweepInterval, "Expiration sweep interval (0 disables)")
	flag.Parse()

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()
	log.Info("Starting allocation engine", "db_driver", cfg.DBDriver, "port", cfg.Port)

	engine, err := app.Build(cfg, log, app.Options{})
	if err != nil {
		log.Fatal("Failed to initialize", "error", err)
	}
	defer engine.Close()

	handler := api.NewHandler(engine.Store, engine.Service, engine.Sweeper, log)
	router := api.NewRouter(handler, api.RouterOptions{Metrics: promhttp.Handler()})

	scheduler := api.NewSweepScheduler(engine.Sweeper, cfg.SweepInterval, log)
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", "addr", "http://localhost:"+cfg.Port, "api", "http://localhost:"+cfg.Port+"/api")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down server", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	scheduler.Stop()

	log.Info("Server stopped")
}
