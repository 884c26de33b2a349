/*
ledger.go - Allocation ledger

PURPOSE:
  The ledger records which capacity is held by which request. An allocation
  is written when a provider approves and released on expiry, explicit
  cancellation or a compensating rollback.

CRITICAL INVARIANTS:
  1. AT MOST ONE ACTIVE allocation per request
  2. CAPACITY: on every occupied day of the range, active allocations on a resource
     never exceed its capacity (checked inside the caller's transaction)
  3. IDEMPOTENT RELEASE: releasing a released allocation is a no-op success
  4. RELEASED IS FINAL: only audit fields are written on release

OPERATIONS:
  Create(ctx, st, spec)           - inside an existing unit of work
  Confirm(ctx, id)                - own unit of work; keeps a booked hold to the end of the stay
  Release(ctx, id, reason, opts)  - own unit of work; emits allocation.released
  ExpireDue(ctx, now)             - batch; one unit of work per allocation

EXAMPLE:
  err := store.WithTx(ctx, func(st workflow.Store) error {
      _, err := ledger.Create(ctx, st, workflow.AllocationSpec{...})
      return err
  })

SEE ALSO:
  - store.go: Persistence interface
  - sweep.go: Calls ExpireDue
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/metrics"
)

const DefaultBatchSize = 100

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store     TxStore
	Clock     Clock
	Logger    logger.Logger
	Metrics   *metrics.Metrics
	BatchSize int
	// Events receives allocation.released when set.
	Events EventPublisher
}

func NewLedger(store TxStore, clock Clock, log logger.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		Store:     store,
		Clock:     clock,
		Logger:    log,
		Metrics:   m,
		BatchSize: DefaultBatchSize,
	}
}

// AllocationSpec describes the capacity to hold for an approved request.
type AllocationSpec struct {
	RequestID  int64
	ResourceID string
	Dates      DateRange
	Quantity   int
	ExpiresAt  time.Time
}

// Create writes an active allocation after checking capacity for every day of
// the range. It must run inside the transaction that approves the request.
func (l *Ledger) Create(ctx context.Context, st Store, spec AllocationSpec) (*Allocation, error) {
	if err := spec.Dates.Validate(); err != nil {
		return nil, err
	}
	if spec.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}

	existing, err := st.ActiveAllocation(ctx, spec.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active allocation: %w", err)
	}
	if existing != nil {
		return nil, ErrActiveAllocationExists
	}

	res, err := st.GetResource(ctx, spec.ResourceID)
	if err != nil {
		return nil, err
	}
	held, err := st.ResourceAllocations(ctx, spec.ResourceID, spec.Dates)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource allocations: %w", err)
	}
	if FreeCapacity(*res, held, spec.Dates, 0) < spec.Quantity {
		return nil, ErrResourceUnavailable
	}

	alloc := &Allocation{
		ServiceRequestID: spec.RequestID,
		ResourceID:       spec.ResourceID,
		Dates:            spec.Dates,
		Quantity:         spec.Quantity,
		Status:           AllocationActive,
		ExpiresAt:        spec.ExpiresAt,
		CreatedAt:        l.Clock.Now(),
	}
	if err := st.CreateAllocation(ctx, alloc); err != nil {
		return nil, err
	}
	l.Metrics.AllocationCreated()
	return alloc, nil
}

// =============================================================================
// CONFIRM
// =============================================================================

// Confirm moves the expiry of a booked allocation past its last day, so the
// hold TTL no longer returns booked units to inventory. Released allocations
// are returned unchanged.
func (l *Ledger) Confirm(ctx context.Context, id int64) (*Allocation, error) {
	var confirmed *Allocation
	err := l.Store.WithTx(ctx, func(st Store) error {
		alloc, err := st.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		confirmed = alloc
		until := Day(alloc.Dates.End).AddDate(0, 0, 1)
		if !alloc.IsActive() || !until.After(alloc.ExpiresAt) {
			return nil
		}
		alloc.ExpiresAt = until
		if err := st.UpdateAllocation(ctx, alloc); err != nil {
			return fmt.Errorf("failed to confirm allocation %d: %w", alloc.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// =============================================================================
// RELEASE
// =============================================================================

type ReleaseOptions struct {
	AutoReleased bool
	Actor        string // defaults to ActorSystem
}

type ReleaseResult struct {
	Allocation      *Allocation
	AlreadyReleased bool
}

// Release frees an allocation in its own unit of work. Releasing twice is a
// no-op that still reports success.
func (l *Ledger) Release(ctx context.Context, id int64, reason string, opts ReleaseOptions) (ReleaseResult, error) {
	var result ReleaseResult
	err := l.Store.WithTx(ctx, func(st Store) error {
		alloc, err := st.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		already, err := l.release(ctx, st, alloc, reason, opts)
		if err != nil {
			return err
		}
		result = ReleaseResult{Allocation: alloc, AlreadyReleased: already}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	if !result.AlreadyReleased {
		l.Metrics.AllocationReleased(reason)
		l.publishReleased(ctx, result.Allocation)
	}
	return result, nil
}

func (l *Ledger) publishReleased(ctx context.Context, alloc *Allocation) {
	if l.Events == nil {
		return
	}
	e := DomainEvent{
		ID:         uuid.NewString(),
		Type:       EventAllocationRelease,
		RequestID:  alloc.ServiceRequestID,
		OccurredAt: l.Clock.Now(),
		Data: map[string]any{
			"allocation_id": alloc.ID,
			"resource_id":   alloc.ResourceID,
			"quantity":      alloc.Quantity,
			"reason":        alloc.ReleaseReason,
			"released_by":   alloc.ReleasedBy,
			"auto_released": alloc.AutoReleased,
		},
	}
	if err := l.Events.Publish(ctx, e); err != nil {
		l.Metrics.Error("publish")
		l.Logger.Warn("Domain event publish failed",
			"event", e.Type,
			"allocation_id", alloc.ID,
			"error", err,
		)
	}
}

// release marks alloc released inside st. Reports true if it already was.
func (l *Ledger) release(ctx context.Context, st Store, alloc *Allocation, reason string, opts ReleaseOptions) (bool, error) {
	if !alloc.IsActive() {
		return true, nil
	}
	actor := opts.Actor
	if actor == "" {
		actor = ActorSystem
	}
	now := l.Clock.Now()
	alloc.Status = AllocationReleased
	alloc.ReleaseReason = reason
	alloc.ReleasedAt = &now
	alloc.ReleasedBy = actor
	alloc.AutoReleased = opts.AutoReleased
	if err := st.UpdateAllocation(ctx, alloc); err != nil {
		return false, fmt.Errorf("failed to release allocation %d: %w", alloc.ID, err)
	}
	return false, nil
}

// releaseForRequest releases the active allocation of a request, if any.
func (l *Ledger) releaseForRequest(ctx context.Context, st Store, requestID int64, reason string, opts ReleaseOptions) (*Allocation, error) {
	alloc, err := st.ActiveAllocation(ctx, requestID)
	if err != nil || alloc == nil {
		return nil, err
	}
	if _, err := l.release(ctx, st, alloc, reason, opts); err != nil {
		return nil, err
	}
	l.Metrics.AllocationReleased(reason)
	return alloc, nil
}

// =============================================================================
// EXPIRE DUE
// =============================================================================

type ExpireSummary struct {
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Batches  int `json:"batches"`
}

// ExpireDue releases every active allocation with expires_at < now, BatchSize
// at a time. A failing release is logged and counted; the batch goes on.
func (l *Ledger) ExpireDue(ctx context.Context, now time.Time) (ExpireSummary, error) {
	var summary ExpireSummary
	batchSize := l.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := l.Store.DueAllocations(ctx, now, afterID, batchSize)
		if err != nil {
			return summary, fmt.Errorf("failed to load due allocations: %w", err)
		}
		if len(batch) > 0 {
			summary.Batches++
		}

		for _, alloc := range batch {
			afterID = alloc.ID
			res, err := l.Release(ctx, alloc.ID, ReleaseExpired, ReleaseOptions{AutoReleased: true})
			switch {
			case err != nil:
				summary.Failed++
				l.Metrics.SweepItem("allocation", false)
				l.Logger.Error("Failed to release expired allocation",
					"allocation_id", alloc.ID,
					"request_id", alloc.ServiceRequestID,
					"error", err,
				)
			case res.AlreadyReleased:
				summary.Skipped++
			default:
				summary.Released++
				l.Metrics.SweepItem("allocation", true)
			}
		}

		if len(batch) < batchSize {
			return summary, nil
		}
	}
}

// =============================================================================
// CAPACITY
// =============================================================================

// FreeCapacity returns the smallest number of free units of res over the days
// dates occupies, given the active allocations held on it. Hotel check-out
// days are free (see DateRange.OccupiedDays). Allocations owned by
// excludeRequestID are not counted.
func FreeCapacity(res Resource, held []Allocation, dates DateRange, excludeRequestID int64) int {
	free := res.Capacity
	for _, day := range dates.OccupiedDays(res.ProviderType) {
		used := 0
		for _, a := range held {
			if !a.IsActive() || (excludeRequestID != 0 && a.ServiceRequestID == excludeRequestID) {
				continue
			}
			if a.Dates.Occupies(res.ProviderType, day) {
				used += a.Quantity
			}
		}
		if left := res.Capacity - used; left < free {
			free = left
		}
	}
	if free < 0 {
		return 0
	}
	return free
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable) || errors.Is(err, ErrResourceNotFound)
}
