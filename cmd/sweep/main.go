/*
main.go - One-shot expiration sweep

PURPOSE:
  Runs the expiration sweep once and exits, for deployments that schedule
  it with cron or a Kubernetes CronJob instead of the in-process scheduler.
  The report is printed as JSON on stdout; the exit code is 1 when the
  sweep failed.

COMMAND-LINE FLAGS:
  -db       SQLite database path (overrides DB_PATH)
  -timeout  Upper bound for the run (default 5m)

SEE ALSO:
  - workflow/sweep.go: ExpirationSweeper
  - api/scheduler.go: In-process scheduler
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seferet/allocation-engine/app"
	"github.com/seferet/allocation-engine/config"
	"github.com/seferet/allocation-engine/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.NewLogger("info").Fatal("Failed to load config", "error", err)
	}

	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	timeout := flag.Duration("timeout", 5*time.Minute, "Maximum sweep duration")
	flag.Parse()

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	engine, err := app.Build(cfg, log, app.Options{})
	if err != nil {
		log.Fatal("Failed to initialize", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)

	report, runErr := engine.Sweeper.Run(ctx)
	cancel()
	stop()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	engine.Close()
	if runErr != nil {
		log.Error("Sweep failed", "error", runErr)
		os.Exit(1)
	}
}
