/*
Package workflow provides the service-request approval engine.

PURPOSE:
  This package holds the negotiation state machine between agents and
  providers (hotels, transport companies). An agent asks a provider for
  capacity against a package and a date range; the provider approves or
  rejects; approval reserves capacity on the allocation ledger and is turned
  into a booking. Requests nobody answers are expired by a periodic sweep.

KEY CONCEPTS IN THIS FILE (types.go):
  - ServiceRequest: an agent's ask for provider capacity
  - Allocation: reserved capacity backing an approved request
  - Booking: the confirmed reservation derived from request + allocation
  - Resource: an inventory unit (room block, vehicle) with a capacity
  - Money: a decimal amount with a currency

DESIGN PRINCIPLES:
  1. Explicit transitions: status only changes through the state machine
  2. Unit of work: a status change and its allocation change commit together
  3. Typed metadata: no free-form bags on the request
  4. Precision: prices use decimal.Decimal

SEE ALSO:
  - statemachine.go: Allowed transitions
  - ledger.go: Allocation create/release/expire
  - request.go: ApprovalService
  - booking.go: Booking conversion with compensating rollback
  - sweep.go: Expiration sweep
*/
package workflow

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// DefaultCurrency applies when a request carries no price currency.
const DefaultCurrency = "SAR"

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: d, Currency: currency}, nil
}

func MustMoney(amount string, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Mul(n int) Money { return Money{Amount: m.Amount.Mul(decimal.NewFromInt(int64(n))), Currency: m.Currency} }
func (m Money) IsZero() bool { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) String() string { return m.Amount.StringFixed(2) + " " + m.Currency }

// =============================================================================
// IDENTIFIERS & ENUMS
// =============================================================================

type ProviderType string

const (
	ProviderHotel     ProviderType = "hotel"
	ProviderTransport ProviderType = "transport"
)

func (p ProviderType) Valid() bool {
	return p == ProviderHotel || p == ProviderTransport
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusExpired   RequestStatus = "expired"
	StatusCancelled RequestStatus = "cancelled"
)

type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "active"
	AllocationReleased AllocationStatus = "released"
)

type BookingStatus string

const (
	BookingCreated BookingStatus = "created"
	BookingFailed  BookingStatus = "failed"
)

// Release reasons recorded on allocations.
const (
	ReleaseExpired       = "expired"
	ReleaseCancelled     = "cancelled"
	ReleaseBookingFailed = "booking_failed"
	ReleaseRequestClosed = "request_closed"
)

// ActorSystem marks changes made by the engine itself (sweeps, rollbacks).
const ActorSystem = "system"

// =============================================================================
// SERVICE REQUEST
// =============================================================================

// RequestMetadata replaces the free-form metadata bag. Every flag the workflow
// reads or writes has its own field.
type RequestMetadata struct {
	AssignedResourceID string `json:"assigned_resource_id,omitempty"`
	BookingCreated     bool   `json:"booking_created,omitempty"`
	BookingReference   string `json:"booking_reference,omitempty"`
	FailureCode        string `json:"failure_code,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
	RolledBack         bool   `json:"rolled_back,omitempty"`
}

type ServiceRequest struct {
	ID                int64
	UUID              string
	PackageID         string
	AgentID           string
	ProviderID        string
	ProviderType      ProviderType
	ItemID            string
	Dates             DateRange
	RequestedQuantity int
	OfferedPrice      Money

	Status    RequestStatus
	ExpiresAt time.Time
	ExpiredAt *time.Time

	// Response tracking
	RespondedBy     string
	RespondedAt     *time.Time
	RejectionReason string
	Notes           string

	Metadata     RequestMetadata
	ReminderSent bool

	// Version is bumped on every write and checked on update.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *ServiceRequest) IsTerminal() bool { return IsTerminal(r.Status) }

// IsDue reports whether a pending request is past its response deadline.
func (r *ServiceRequest) IsDue(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.After(now)
}

// =============================================================================
// ALLOCATION
// =============================================================================

type Allocation struct {
	ID               int64
	ServiceRequestID int64
	ResourceID       string
	Dates            DateRange
	Quantity         int
	Status           AllocationStatus
	ExpiresAt        time.Time

	// Audit fields, set once on release
	ReleaseReason string
	ReleasedAt    *time.Time
	ReleasedBy    string
	AutoReleased  bool

	CreatedAt time.Time
}

func (a *Allocation) IsActive() bool { return a.Status == AllocationActive }

// =============================================================================
// BOOKING
// =============================================================================

type Booking struct {
	ID               int64
	Reference        string
	ServiceRequestID int64
	AllocationID     int64
	Status           BookingStatus
	Total            Money
	ErrorCode        string
	Message          string
	CreatedAt        time.Time
}

// =============================================================================
// RESOURCE - inventory unit checked by availability
// =============================================================================

type Resource struct {
	ID           string
	ProviderID   string
	ProviderType ProviderType
	ItemID       string
	Name         string
	Capacity     int
}
