/*
scheduler.go - Periodic expiration sweep

PURPOSE:
  Runs the ExpirationSweeper on a fixed interval inside the server process:
  pending requests past their deadline are expired, held allocations past
  their TTL are released, and providers get reminders before deadlines.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - One sweep at a time; a tick arriving during a run is skipped
  - Every run is recorded by the sweeper (sweep_runs) for audit

CONFIGURATION:
  - CheckInterval: How often to sweep (SWEEP_INTERVAL, default 5m)
  - Enabled: Whether the scheduler is active

USAGE:
  scheduler := NewSweepScheduler(sweeper, 5*time.Minute, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - workflow/sweep.go: ExpirationSweeper
  - cmd/sweep: One-shot sweep for an external cron
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
)

// Sweeper is the part of workflow.ExpirationSweeper the scheduler needs.
type Sweeper interface {
	Run(ctx context.Context) (workflow.SweepReport, error)
}

// SweepScheduler runs the expiration sweep periodically.
type SweepScheduler struct {
	Sweeper       Sweeper
	CheckInterval time.Duration
	Enabled       bool
	Logger        logger.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper Sweeper, interval time.Duration, log logger.Logger) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:       sweeper,
		CheckInterval: interval,
		Enabled:       interval > 0,
		Logger:        log,
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("Sweep scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.Logger.Info("Sweep scheduler started", "interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("Sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.sweep(ctx)
		case <-s.stop:
			return
		}
	}
}

// sweep runs one pass unless another one is in progress.
func (s *SweepScheduler) sweep(ctx context.Context) bool {
	if !s.running.TryLock() {
		s.Logger.Warn("Sweep still running, skipping tick")
		return false
	}
	defer s.running.Unlock()

	report, err := s.Sweeper.Run(ctx)
	if err != nil {
		s.Logger.Error("Scheduled sweep failed", "error", err)
		return true
	}
	if report.ExpiredRequests > 0 || report.Allocations.Released > 0 || report.RemindersSent > 0 {
		s.Logger.Info("Scheduled sweep completed",
			"expired_requests", report.ExpiredRequests,
			"released_allocations", report.Allocations.Released,
			"reminders_sent", report.RemindersSent,
		)
	}
	return true
}

// RunNow triggers an immediate sweep (for testing/admin). Reports false when
// a sweep was already running.
func (s *SweepScheduler) RunNow(ctx context.Context) bool {
	return s.sweep(ctx)
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
