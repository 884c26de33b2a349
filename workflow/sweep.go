/*
sweep.go - Expiration sweep

PURPOSE:
  Periodic job that closes everything whose deadline has passed. Runs from
  the API scheduler and from cmd/sweep.

STEPS (in order):
  1. Pending requests with expires_at <= now move to expired; any active
     allocation they hold is released (reason "expired").
  2. Active allocations with expires_at < now are released.
  3. Pending requests expiring within the reminder lookahead of their hold
     policy get one reminder sent to the provider.

FAILURE HANDLING:
  Every item is its own unit of work. A failing item is logged and counted
  and the sweep moves on. Keyset pagination guarantees a failed item is not
  picked up again in the same run. A request approved between the listing
  and its update is skipped: the version check and a re-read under the
  transaction stop the sweep from expiring it.

SEE ALSO:
  - ledger.go: ExpireDue for step 2
  - api/scheduler.go: Ticker that calls Run
*/
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	StartedAt       time.Time     `json:"started_at"`
	ExpiredRequests int           `json:"expired_requests"`
	SkippedRequests int           `json:"skipped_requests"`
	FailedRequests  int           `json:"failed_requests"`
	RequestBatches  int           `json:"request_batches"`
	Allocations     ExpireSummary `json:"allocations"`
	RemindersSent   int           `json:"reminders_sent"`
	FailedReminders int           `json:"failed_reminders"`
	DurationMS      int64         `json:"duration_ms"`
}

type ExpirationSweeper struct {
	Deps
	Ledger *Ledger
	// Runs records every run when set.
	Runs SweepRunStore
}

func NewExpirationSweeper(d Deps, runs SweepRunStore) *ExpirationSweeper {
	d = d.withDefaults()
	return &ExpirationSweeper{Deps: d, Ledger: d.newLedger(), Runs: runs}
}

// Run executes one sweep. The report is filled in as far as the sweep got,
// also when an error is returned.
func (s *ExpirationSweeper) Run(ctx context.Context) (SweepReport, error) {
	now := s.Clock.Now()
	report := SweepReport{StartedAt: now}
	run := SweepRun{ID: uuid.NewString(), Status: "running", StartedAt: now}

	err := s.run(ctx, now, &report)

	completed := s.Clock.Now()
	report.DurationMS = completed.Sub(now).Milliseconds()
	s.Metrics.ObserveSweep(completed.Sub(now))

	run.Report = report
	run.CompletedAt = &completed
	run.Status = "completed"
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.Metrics.Error("sweep")
		s.Logger.Error("Expiration sweep failed", "error", err)
	} else {
		s.Logger.Info("Expiration sweep completed",
			"expired_requests", report.ExpiredRequests,
			"failed_requests", report.FailedRequests,
			"released_allocations", report.Allocations.Released,
			"failed_allocations", report.Allocations.Failed,
			"reminders_sent", report.RemindersSent,
		)
	}
	if s.Runs != nil {
		if serr := s.Runs.SaveSweepRun(ctx, run); serr != nil {
			s.Logger.Warn("Failed to record sweep run", "run_id", run.ID, "error", serr)
		}
	}
	return report, err
}

func (s *ExpirationSweeper) run(ctx context.Context, now time.Time, report *SweepReport) error {
	if err := s.expireRequests(ctx, now, report); err != nil {
		return err
	}
	summary, err := s.Ledger.ExpireDue(ctx, now)
	report.Allocations = summary
	if err != nil {
		return err
	}
	return s.sendReminders(ctx, now, report)
}

// =============================================================================
// STEP 1: EXPIRE REQUESTS
// =============================================================================

func (s *ExpirationSweeper) expireRequests(ctx context.Context, now time.Time, report *SweepReport) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.Store.DuePendingRequests(ctx, now, afterID, s.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load due requests: %w", err)
		}
		if len(batch) > 0 {
			report.RequestBatches++
		}

		for i := range batch {
			req := &batch[i]
			afterID = req.ID
			expired, err := s.expireRequest(ctx, req.ID, now)
			switch {
			case err != nil:
				report.FailedRequests++
				s.Metrics.SweepItem("request", false)
				s.Logger.Error("Failed to expire service request",
					"request_id", req.ID,
					"error", err,
				)
			case expired == nil:
				report.SkippedRequests++
			default:
				report.ExpiredRequests++
				s.Metrics.SweepItem("request", true)
				s.Metrics.Transition(string(StatusPending), string(StatusExpired))
				s.notify(ctx, expired.AgentID, EventRequestExpired, expired, nil)
				s.notify(ctx, expired.ProviderID, EventRequestExpired, expired, nil)
				s.publish(ctx, EventRequestExpired, expired, nil)
			}
		}

		if len(batch) < s.BatchSize {
			return nil
		}
	}
}

// expireRequest returns nil, nil when the request is no longer due.
func (s *ExpirationSweeper) expireRequest(ctx context.Context, id int64, now time.Time) (*ServiceRequest, error) {
	var expired *ServiceRequest
	err := s.Store.WithTx(ctx, func(st Store) error {
		req, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsDue(now) {
			return nil
		}
		if err := Transition(req, StatusExpired, TriggerExpirationSweep); err != nil {
			return err
		}
		at := now
		req.ExpiredAt = &at
		req.UpdatedAt = now
		if err := st.UpdateRequest(ctx, req); err != nil {
			return err
		}
		if _, err := s.Ledger.releaseForRequest(ctx, st, id, ReleaseExpired, ReleaseOptions{AutoReleased: true}); err != nil {
			return err
		}
		expired = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// =============================================================================
// STEP 3: REMINDERS
// =============================================================================

func (s *ExpirationSweeper) sendReminders(ctx context.Context, now time.Time, report *SweepReport) error {
	until := now.Add(s.Policies.MaxReminderLookahead())
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.Store.RemindableRequests(ctx, now, until, afterID, s.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load requests to remind: %w", err)
		}

		for i := range batch {
			req := &batch[i]
			afterID = req.ID
			if req.ExpiresAt.After(now.Add(s.Policies.For(req.ProviderType).ReminderLookahead)) {
				continue
			}
			req.ReminderSent = true
			req.UpdatedAt = now
			if err := s.Store.UpdateRequest(ctx, req); err != nil {
				report.FailedReminders++
				s.Metrics.SweepItem("reminder", false)
				s.Logger.Warn("Failed to mark reminder",
					"request_id", req.ID,
					"error", err,
				)
				continue
			}
			report.RemindersSent++
			s.Metrics.SweepItem("reminder", true)
			left := req.ExpiresAt.Sub(now).Round(time.Minute)
			s.notify(ctx, req.ProviderID, EventRequestReminder, req, map[string]any{"expires_in": left.String()})
			s.publish(ctx, EventRequestReminder, req, nil)
		}

		if len(batch) < s.BatchSize {
			return nil
		}
	}
}
