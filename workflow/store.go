/*
store.go - Persistence interface for requests, allocations and inventory

PURPOSE:
  Defines the interface between the workflow and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:        Request, allocation and resource persistence
  TxStore:      Unit of work around a status change + allocation change
  BookingStore: Booking records (used by the booking creator)
  SweepRunStore: Audit of expiration sweep runs

OPTIMISTIC LOCKING:
  UpdateRequest takes the version the caller read. If another writer got
  there first the update is refused with ErrConcurrentModification and the
  caller decides whether to reload. Two providers double-submitting an
  approval end with exactly one winner.

AT MOST ONE ACTIVE ALLOCATION:
  CreateAllocation fails with ErrActiveAllocationExists when the request
  already holds an active allocation. SQL stores enforce it with a partial
  unique index.

PAGINATION:
  Due* queries use keyset pagination (afterID) so a sweep never re-reads an
  item that failed earlier in the same run.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via gorm
  - workflow/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Allocation operations on top of Store
  - request.go: Uses TxStore for approvals
*/
package workflow

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// RequestFilter narrows ListRequests. Zero values mean "any".
type RequestFilter struct {
	Status     RequestStatus
	AgentID    string
	ProviderID string
	PackageID  string
	Limit      int
}

type Store interface {
	// CreateRequest inserts a request and sets its ID and Version.
	CreateRequest(ctx context.Context, req *ServiceRequest) error

	GetRequest(ctx context.Context, id int64) (*ServiceRequest, error)
	GetRequestByUUID(ctx context.Context, uuid string) (*ServiceRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]ServiceRequest, error)

	// UpdateRequest writes req if the stored version still equals req.Version,
	// then bumps req.Version. Returns ErrConcurrentModification otherwise.
	UpdateRequest(ctx context.Context, req *ServiceRequest) error

	// DuePendingRequests returns pending requests with expires_at <= now and id > afterID,
	// ordered by id.
	DuePendingRequests(ctx context.Context, now time.Time, afterID int64, limit int) ([]ServiceRequest, error)

	// RemindableRequests returns pending requests with now < expires_at <= until,
	// reminder_sent = false and id > afterID, ordered by id.
	RemindableRequests(ctx context.Context, now, until time.Time, afterID int64, limit int) ([]ServiceRequest, error)

	// CreateAllocation inserts an active allocation and sets its ID.
	CreateAllocation(ctx context.Context, alloc *Allocation) error
	GetAllocation(ctx context.Context, id int64) (*Allocation, error)

	// ActiveAllocation returns the active allocation of a request, or nil.
	ActiveAllocation(ctx context.Context, requestID int64) (*Allocation, error)
	ListAllocations(ctx context.Context, requestID int64) ([]Allocation, error)
	UpdateAllocation(ctx context.Context, alloc *Allocation) error

	// DueAllocations returns active allocations with expires_at < now and id > afterID.
	DueAllocations(ctx context.Context, now time.Time, afterID int64, limit int) ([]Allocation, error)

	// ResourceAllocations returns active allocations on a resource overlapping dates.
	ResourceAllocations(ctx context.Context, resourceID string, dates DateRange) ([]Allocation, error)

	SaveResource(ctx context.Context, res Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)

	// ListResources returns resources of a provider, optionally narrowed to one item.
	ListResources(ctx context.Context, providerID, itemID string) ([]Resource, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// BOOKINGS & SWEEP RUNS
// =============================================================================

type BookingStore interface {
	// CreateBooking inserts a booking and sets its ID.
	CreateBooking(ctx context.Context, b *Booking) error

	// BookingForRequest returns the created booking of a request, or nil.
	BookingForRequest(ctx context.Context, requestID int64) (*Booking, error)
}

// SweepRun records one execution of the expiration sweep.
type SweepRun struct {
	ID          string
	Status      string // running, completed, failed
	Report      SweepReport
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

type SweepRunStore interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
