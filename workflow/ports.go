package workflow

import (
	"context"
	"time"
)

// =============================================================================
// COLLABORATORS - injected through constructors, never looked up
// =============================================================================

// AvailabilityQuery asks whether Quantity units of a resource are free on
// every day of Dates. ExcludeRequestID ignores allocations held by that
// request, so a re-check after approval does not count the request's own hold.
type AvailabilityQuery struct {
	ResourceID       string
	Dates            DateRange
	Quantity         int
	ExcludeRequestID int64
}

// AvailabilityCriteria lists candidate resources for a request.
type AvailabilityCriteria struct {
	ProviderID   string
	ProviderType ProviderType
	ItemID       string
	Dates        DateRange
	Quantity     int
}

// AvailabilityProvider is authoritative at call time and may be stale a
// moment later.
type AvailabilityProvider interface {
	IsAvailable(ctx context.Context, q AvailabilityQuery) (bool, error)
	ListAvailable(ctx context.Context, c AvailabilityCriteria) ([]Resource, error)
}

// BookingResult is the outcome of turning an approved request into a booking.
type BookingResult struct {
	Success   bool
	Booking   *Booking
	ErrorCode string
	Message   string
}

// BookingCreator materializes the booking record.
type BookingCreator interface {
	CreateBooking(ctx context.Context, req *ServiceRequest, alloc *Allocation) BookingResult
}

// =============================================================================
// NOTIFICATIONS & EVENTS
// =============================================================================

type EventType string

const (
	EventRequestCreated    EventType = "service_request.created"
	EventRequestApproved   EventType = "service_request.approved"
	EventRequestRejected   EventType = "service_request.rejected"
	EventRequestCancelled  EventType = "service_request.cancelled"
	EventRequestExpired    EventType = "service_request.expired"
	EventRequestReminder   EventType = "service_request.expiring_soon"
	EventRequestRolledBack EventType = "service_request.approval_rolled_back"
	EventBookingCreated    EventType = "booking.created"
	EventBookingFailed     EventType = "booking.failed"
	EventAllocationRelease EventType = "allocation.released"
)

type Notification struct {
	Recipient string
	Event     EventType
	Payload   map[string]any
}

// Notifier is fire-and-forget from the workflow's point of view: errors are
// logged, never retried inline, never fail the workflow.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// DomainEvent is published after a state change commits.
type DomainEvent struct {
	ID         string
	Type       EventType
	RequestID  int64
	RequestRef string
	OccurredAt time.Time
	Data       map[string]any
}

type EventPublisher interface {
	Publish(ctx context.Context, e DomainEvent) error
}

// =============================================================================
// CLOCK
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T. Used by tests and replays.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// =============================================================================
// NO-OP COLLABORATORS
// =============================================================================

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DomainEvent) error { return nil }
