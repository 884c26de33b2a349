/*
Package app wires the engine together from a config.Config.

PURPOSE:
  Both entry points (cmd/server, cmd/sweep) need the same store, hold
  policies, transports and workflow services. Build does it once.

WIRING:
  Store:        sqlite (DB_PATH) or postgres (POSTGRES_DSN) by DB_DRIVER
  Policies:     factory.PolicyFactory from HOLD_POLICY_PATH
  Events:       Kafka publisher when KAFKA_BROKERS is set, else dropped
  Notifier:     Kafka notifier when KAFKA_BROKERS is set, else logged
  Availability: availability.Provider on the store
  Bookings:     booking.Creator on the store

SEE ALSO:
  - config/config.go: Environment keys
  - workflow/deps.go: Deps the services are built from
*/
package app

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seferet/allocation-engine/availability"
	"github.com/seferet/allocation-engine/booking"
	"github.com/seferet/allocation-engine/config"
	"github.com/seferet/allocation-engine/events"
	"github.com/seferet/allocation-engine/factory"
	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/metrics"
	"github.com/seferet/allocation-engine/store/postgres"
	"github.com/seferet/allocation-engine/store/sqlite"
	"github.com/seferet/allocation-engine/workflow"
)

// MetricsNamespace prefixes every prometheus metric.
const MetricsNamespace = "allocation_engine"

// Store is what the engine needs from a database.
type Store interface {
	workflow.TxStore
	workflow.BookingStore
	workflow.SweepRunStore
	io.Closer
}

// App holds the wired services.
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Store   Store
	Service *workflow.ApprovalService
	Sweeper *workflow.ExpirationSweeper

	closers []io.Closer
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	// Registerer receives the metrics. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Clock defaults to workflow.SystemClock.
	Clock workflow.Clock
}

// Build opens the store and constructs every service.
func Build(cfg *config.Config, log logger.Logger, opts Options) (*App, error) {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Clock == nil {
		opts.Clock = workflow.SystemClock{}
	}

	policies, err := factory.NewPolicyFactory().LoadFile(cfg.HoldPolicyPath)
	if err != nil {
		return nil, err
	}
	policies = withReminderLookahead(policies, cfg.ReminderLookahead)

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.NewMetrics(MetricsNamespace, opts.Registerer),
		Store:   store,
	}

	deps := workflow.Deps{
		Store:        store,
		Availability: availability.NewProvider(store),
		Bookings:     booking.NewCreator(store, opts.Clock, log),
		Notifier:     events.LogNotifier{Logger: log},
		Events:       workflow.NopPublisher{},
		Policies:     policies,
		Clock:        opts.Clock,
		Logger:       log,
		Metrics:      a.Metrics,
		BatchSize:    cfg.SweepBatchSize,
	}
	if cfg.KafkaEnabled() {
		publisher := events.NewPublisher(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic, log), log)
		notifier := events.NewNotifier(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaNotificationsTopic, log), opts.Clock, log)
		deps.Events = publisher
		deps.Notifier = notifier
		a.closers = append(a.closers, publisher, notifier)
		log.Info("Kafka enabled", "brokers", cfg.KafkaBrokers,
			"events_topic", cfg.KafkaEventsTopic,
			"notifications_topic", cfg.KafkaNotificationsTopic)
	}
	a.closers = append(a.closers, store)

	a.Service = workflow.NewApprovalService(deps)
	a.Sweeper = workflow.NewExpirationSweeper(deps, store)
	return a, nil
}

// OpenStore opens the database selected by cfg.DBDriver.
func OpenStore(cfg *config.Config) (Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

// Close flushes the Kafka writers and closes the store.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Error("Close failed", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}

// withReminderLookahead applies a global reminder window to every provider type.
func withReminderLookahead(p workflow.HoldPolicies, d time.Duration) workflow.HoldPolicies {
	if d <= 0 {
		return p
	}
	out := make(workflow.HoldPolicies, 2)
	for _, pt := range []workflow.ProviderType{workflow.ProviderHotel, workflow.ProviderTransport} {
		hp := p.For(pt)
		hp.ReminderLookahead = d
		out[pt] = hp
	}
	return out
}
