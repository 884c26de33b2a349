/*
request.go - Provider approval workflow

PURPOSE:
  Creates service requests for agents and handles the provider's answer.

APPROVE FLOW:
  1. Load the request, check the provider owns it and that it is pending
     and not past expires_at.
  2. Pick a resource: the provider's selection, or the first one with
     enough free capacity.
  3. One unit of work: pending -> approved and a new active allocation.
     Any failure leaves the request pending with no allocation.
  4. Convert to a booking (booking.go). Three outcomes:
       approved_booking_created            - booked
       approved_booking_failed_reverted    - capacity gone; allocation
                                             released, request rolled back
       approved_booking_failed_not_reverted - other failure; request stays
                                             approved, warning returned
  5. Notifications and events are fire-and-forget.

CONCURRENCY:
  Two approvals of the same request race on the request version: the
  loser gets ErrConcurrentModification and creates nothing. Two approvals
  of different requests on the last unit race on the capacity check inside
  the store transaction.

SEE ALSO:
  - statemachine.go: Allowed transitions
  - ledger.go: Allocation create/release
  - sweep.go: Expiration of unanswered requests
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INPUTS AND RESULTS
// =============================================================================

type CreateRequestInput struct {
	PackageID    string       `json:"package_id" validate:"required"`
	AgentID      string       `json:"agent_id" validate:"required"`
	ProviderID   string       `json:"provider_id" validate:"required"`
	ProviderType ProviderType `json:"provider_type" validate:"required,oneof=hotel transport"`
	ItemID       string       `json:"item_id" validate:"required"`
	StartDate    time.Time    `json:"start_date" validate:"required"`
	EndDate      time.Time    `json:"end_date" validate:"required"`
	Quantity     int          `json:"requested_quantity" validate:"required,min=1"`
	OfferedPrice string       `json:"offered_price" validate:"omitempty,numeric"`
	Currency     string       `json:"currency" validate:"omitempty,len=3"`
	// ExpiresAt overrides the response window of the hold policy.
	ExpiresAt *time.Time `json:"expires_at"`
	Notes     string     `json:"notes" validate:"max=1000"`
}

type ApproveInput struct {
	RequestID  int64  `json:"request_id" validate:"required"`
	ProviderID string `json:"provider_id" validate:"required"`
	// ResourceID selects a specific resource; empty means any free one.
	ResourceID string `json:"resource_id"`
	// ExpectedVersion guards against double submits from a stale view.
	ExpectedVersion *int64 `json:"expected_version"`
	Notes           string `json:"notes" validate:"max=1000"`
}

type RejectInput struct {
	RequestID       int64  `json:"request_id" validate:"required"`
	ProviderID      string `json:"provider_id" validate:"required"`
	Reason          string `json:"reason" validate:"required,max=500"`
	ExpectedVersion *int64 `json:"expected_version"`
}

type CancelInput struct {
	RequestID int64  `json:"request_id" validate:"required"`
	AgentID   string `json:"agent_id" validate:"required"`
	Reason    string `json:"reason" validate:"max=500"`
}

type ApprovalOutcome string

const (
	OutcomeApprovedBooked         ApprovalOutcome = "approved_booking_created"
	OutcomeBookingReverted        ApprovalOutcome = "approved_booking_failed_reverted"
	OutcomeBookingPendingFollowUp ApprovalOutcome = "approved_booking_failed_not_reverted"
)

// ApprovalResult is returned for every approval that got past step 3.
type ApprovalResult struct {
	Outcome    ApprovalOutcome
	Request    *ServiceRequest
	Allocation *Allocation
	Booking    *Booking
	ErrorCode  string
	Message    string
	Warning    string
}

// =============================================================================
// SERVICE
// =============================================================================

type ApprovalService struct {
	Deps
	Ledger   *Ledger
	Bookings *BookingIntegrationService
}

func NewApprovalService(d Deps) *ApprovalService {
	d = d.withDefaults()
	return &ApprovalService{
		Deps:     d,
		Ledger:   d.newLedger(),
		Bookings: NewBookingIntegrationService(d.Availability, d.Bookings, d.Logger),
	}
}

// CreateRequest records a pending request for a provider.
func (s *ApprovalService) CreateRequest(ctx context.Context, in CreateRequestInput) (*ServiceRequest, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	dates := NewDateRange(in.StartDate, in.EndDate)
	if err := dates.Validate(); err != nil {
		return nil, err
	}

	amount, currency := in.OfferedPrice, in.Currency
	if amount == "" {
		amount = "0"
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	price, err := NewMoney(amount, currency)
	if err != nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: "offered_price", Message: err.Error()}}}
	}
	if price.IsNegative() {
		return nil, &ValidationError{Fields: []FieldError{{Field: "offered_price", Message: "must not be negative"}}}
	}

	now := s.Clock.Now()
	expiresAt := now.Add(s.Policies.For(in.ProviderType).ResponseWindow)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, &ValidationError{Fields: []FieldError{{Field: "expires_at", Message: "must be in the future"}}}
		}
		expiresAt = in.ExpiresAt.UTC()
	}

	req := &ServiceRequest{
		UUID:              uuid.NewString(),
		PackageID:         in.PackageID,
		AgentID:           in.AgentID,
		ProviderID:        in.ProviderID,
		ProviderType:      in.ProviderType,
		ItemID:            in.ItemID,
		Dates:             dates,
		RequestedQuantity: in.Quantity,
		OfferedPrice:      price,
		Status:            StatusPending,
		ExpiresAt:         expiresAt,
		Notes:             in.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		s.Metrics.Error("create_request")
		return nil, fmt.Errorf("failed to create service request: %w", err)
	}

	s.Logger.Info("Service request created",
		"request_id", req.ID,
		"provider_id", req.ProviderID,
		"item_id", req.ItemID,
		"dates", req.Dates.String(),
		"expires_at", req.ExpiresAt,
	)
	s.notify(ctx, req.ProviderID, EventRequestCreated, req, nil)
	s.publish(ctx, EventRequestCreated, req, nil)
	return req, nil
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve runs the full approval flow. An error means nothing changed; a
// result means the request was approved and tells what became of the booking.
func (s *ApprovalService) Approve(ctx context.Context, in ApproveInput) (*ApprovalResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	req, err := s.Store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.ProviderID != in.ProviderID {
		return nil, ErrNotRequestProvider
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != req.Version {
		return nil, ErrConcurrentModification
	}
	if err := CanTransition(req.Status, StatusApproved, TriggerProviderApprove); err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	if req.IsDue(now) {
		return nil, newCodedError(CodeRequestExpired, "the response window closed at "+req.ExpiresAt.Format(time.RFC3339), ErrRequestExpired)
	}

	resourceID, err := s.selectResource(ctx, req, in.ResourceID)
	if err != nil {
		return nil, err
	}

	approved, alloc, err := s.approve(ctx, req, resourceID, in, now)
	if err != nil {
		if isUnavailable(err) {
			return nil, s.unavailableError(in.ResourceID, err)
		}
		if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrActiveAllocationExists) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		s.Metrics.Error("approve")
		return nil, newCodedError(CodeDatabaseError, "approval could not be saved", err)
	}

	s.Metrics.Transition(string(StatusPending), string(StatusApproved))
	s.Logger.Info("Service request approved",
		"request_id", approved.ID,
		"provider_id", approved.ProviderID,
		"allocation_id", alloc.ID,
		"resource_id", alloc.ResourceID,
	)
	s.notify(ctx, approved.AgentID, EventRequestApproved, approved, map[string]any{"resource_id": alloc.ResourceID})
	s.publish(ctx, EventRequestApproved, approved, map[string]any{"allocation_id": alloc.ID, "resource_id": alloc.ResourceID})

	result := s.convert(ctx, approved, alloc)
	s.Metrics.ApprovalOutcome(string(result.Outcome))
	return result, nil
}

// approve applies pending -> approved together with the allocation.
func (s *ApprovalService) approve(ctx context.Context, req *ServiceRequest, resourceID string, in ApproveInput, now time.Time) (*ServiceRequest, *Allocation, error) {
	policy := s.Policies.For(req.ProviderType)
	var (
		approved ServiceRequest
		alloc    *Allocation
	)
	err := s.Store.WithTx(ctx, func(st Store) error {
		updated := *req
		if err := Transition(&updated, StatusApproved, TriggerProviderApprove); err != nil {
			return err
		}
		responded := now
		updated.RespondedBy = in.ProviderID
		updated.RespondedAt = &responded
		if in.Notes != "" {
			updated.Notes = in.Notes
		}
		updated.Metadata.AssignedResourceID = resourceID
		updated.Metadata.FailureCode = ""
		updated.Metadata.FailureReason = ""
		updated.UpdatedAt = now
		if err := st.UpdateRequest(ctx, &updated); err != nil {
			return err
		}

		a, err := s.Ledger.Create(ctx, st, AllocationSpec{
			RequestID:  req.ID,
			ResourceID: resourceID,
			Dates:      req.Dates,
			Quantity:   req.RequestedQuantity,
			ExpiresAt:  now.Add(policy.HoldTTL),
		})
		if err != nil {
			return err
		}
		approved, alloc = updated, a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &approved, alloc, nil
}

// selectResource returns the resource the approval will hold capacity on.
func (s *ApprovalService) selectResource(ctx context.Context, req *ServiceRequest, selected string) (string, error) {
	if selected != "" {
		res, err := s.Store.GetResource(ctx, selected)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return "", s.unavailableError(selected, err)
			}
			return "", err
		}
		if res.ProviderID != req.ProviderID || res.ItemID != req.ItemID {
			return "", s.unavailableError(selected, ErrResourceNotFound)
		}
		ok, err := s.Availability.IsAvailable(ctx, AvailabilityQuery{
			ResourceID: selected,
			Dates:      req.Dates,
			Quantity:   req.RequestedQuantity,
		})
		if err != nil {
			return "", fmt.Errorf("failed to check availability: %w", err)
		}
		if !ok {
			return "", s.unavailableError(selected, ErrResourceUnavailable)
		}
		return selected, nil
	}

	candidates, err := s.Availability.ListAvailable(ctx, AvailabilityCriteria{
		ProviderID:   req.ProviderID,
		ProviderType: req.ProviderType,
		ItemID:       req.ItemID,
		Dates:        req.Dates,
		Quantity:     req.RequestedQuantity,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list available resources: %w", err)
	}
	if len(candidates) == 0 {
		return "", s.unavailableError("", ErrResourceUnavailable)
	}
	return candidates[0].ID, nil
}

func (s *ApprovalService) unavailableError(selected string, cause error) error {
	if selected != "" {
		return newCodedError(CodeSelectedRoomUnavail, "resource "+selected+" cannot hold the requested quantity", cause)
	}
	return newCodedError(CodeNoRoomsAvailable, "no resource has enough free capacity for the requested dates", cause)
}

// =============================================================================
// BOOKING CONVERSION AND ROLLBACK
// =============================================================================

func (s *ApprovalService) convert(ctx context.Context, req *ServiceRequest, alloc *Allocation) *ApprovalResult {
	booking := s.Bookings.ConvertToBooking(ctx, req, alloc)

	if booking.Success {
		if confirmed, err := s.Ledger.Confirm(ctx, alloc.ID); err != nil {
			s.Metrics.Error("confirm_allocation")
			s.Logger.Error("Failed to extend booked allocation, hold TTL still applies",
				"request_id", req.ID,
				"allocation_id", alloc.ID,
				"error", err,
			)
		} else {
			alloc = confirmed
		}
		req.Metadata.BookingCreated = true
		if booking.Booking != nil {
			req.Metadata.BookingReference = booking.Booking.Reference
		}
		req.UpdatedAt = s.Clock.Now()
		if err := s.Store.UpdateRequest(ctx, req); err != nil {
			s.Logger.Warn("Failed to record booking reference on request",
				"request_id", req.ID,
				"error", err,
			)
		}
		s.notify(ctx, req.AgentID, EventBookingCreated, req, map[string]any{"booking_reference": req.Metadata.BookingReference})
		s.publish(ctx, EventBookingCreated, req, map[string]any{"booking_reference": req.Metadata.BookingReference})
		return &ApprovalResult{
			Outcome:    OutcomeApprovedBooked,
			Request:    req,
			Allocation: alloc,
			Booking:    booking.Booking,
		}
	}

	s.publish(ctx, EventBookingFailed, req, map[string]any{"error_code": booking.ErrorCode, "message": booking.Message})

	if IsAvailabilityConflict(booking.ErrorCode) {
		reverted, released, err := s.rollback(ctx, req, alloc, booking)
		if err == nil {
			return &ApprovalResult{
				Outcome:    OutcomeBookingReverted,
				Request:    reverted,
				Allocation: released,
				ErrorCode:  CodeBookingFailedNoRooms,
				Message:    "the booking could not be created because capacity is no longer available; the approval was undone",
			}
		}
		s.Metrics.Error("rollback")
		s.Logger.Error("Compensating rollback failed, approval left in place",
			"request_id", req.ID,
			"allocation_id", alloc.ID,
			"error", err,
		)
		return s.followUp(ctx, req, alloc, booking, "capacity is gone but the approval could not be undone: "+err.Error())
	}

	return s.followUp(ctx, req, alloc, booking, "the booking could not be created and needs manual follow-up")
}

// followUp keeps the approval and records the booking failure on the request.
func (s *ApprovalService) followUp(ctx context.Context, req *ServiceRequest, alloc *Allocation, booking BookingResult, warning string) *ApprovalResult {
	req.Metadata.FailureCode = booking.ErrorCode
	req.Metadata.FailureReason = booking.Message
	req.UpdatedAt = s.Clock.Now()
	if err := s.Store.UpdateRequest(ctx, req); err != nil {
		s.Logger.Warn("Failed to record booking failure on request",
			"request_id", req.ID,
			"error", err,
		)
	}
	s.Logger.Warn("Approved without booking",
		"request_id", req.ID,
		"allocation_id", alloc.ID,
		"error_code", booking.ErrorCode,
		"message", booking.Message,
	)
	return &ApprovalResult{
		Outcome:    OutcomeBookingPendingFollowUp,
		Request:    req,
		Allocation: alloc,
		ErrorCode:  booking.ErrorCode,
		Message:    booking.Message,
		Warning:    warning,
	}
}

// rollback releases the allocation and moves the request to the policy's
// rollback target in one unit of work.
func (s *ApprovalService) rollback(ctx context.Context, req *ServiceRequest, alloc *Allocation, cause BookingResult) (*ServiceRequest, *Allocation, error) {
	target := s.Policies.For(req.ProviderType).RollbackTarget
	if target != StatusPending {
		target = StatusRejected
	}
	now := s.Clock.Now()

	var (
		reverted ServiceRequest
		released *Allocation
	)
	err := s.Store.WithTx(ctx, func(st Store) error {
		current, err := st.GetRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		updated := *current
		if err := Transition(&updated, target, TriggerBookingRollback); err != nil {
			return err
		}

		a, err := st.GetAllocation(ctx, alloc.ID)
		if err != nil {
			return err
		}
		if _, err := s.Ledger.release(ctx, st, a, ReleaseBookingFailed, ReleaseOptions{AutoReleased: true}); err != nil {
			return err
		}

		updated.Metadata.RolledBack = true
		updated.Metadata.BookingCreated = false
		updated.Metadata.AssignedResourceID = ""
		updated.Metadata.FailureCode = CodeBookingFailedNoRooms
		updated.Metadata.FailureReason = cause.Message
		if target == StatusRejected {
			updated.RejectionReason = "booking failed: " + cause.Message
		} else {
			updated.RespondedBy = ""
			updated.RespondedAt = nil
		}
		updated.UpdatedAt = now
		if err := st.UpdateRequest(ctx, &updated); err != nil {
			return err
		}
		reverted, released = updated, a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.Metrics.AllocationReleased(ReleaseBookingFailed)
	s.Metrics.Transition(string(StatusApproved), string(target))
	s.Logger.Warn("Approval rolled back after booking failure",
		"request_id", reverted.ID,
		"allocation_id", released.ID,
		"status", reverted.Status,
		"cause", cause.ErrorCode,
	)
	extra := map[string]any{"error_code": CodeBookingFailedNoRooms, "reason": cause.Message}
	s.notify(ctx, reverted.AgentID, EventRequestRolledBack, &reverted, extra)
	s.notify(ctx, reverted.ProviderID, EventRequestRolledBack, &reverted, extra)
	s.publish(ctx, EventRequestRolledBack, &reverted, extra)
	return &reverted, released, nil
}

// =============================================================================
// REJECT / CANCEL
// =============================================================================

// Reject closes a pending request on the provider's behalf.
func (s *ApprovalService) Reject(ctx context.Context, in RejectInput) (*ServiceRequest, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	req, err := s.Store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.ProviderID != in.ProviderID {
		return nil, ErrNotRequestProvider
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != req.Version {
		return nil, ErrConcurrentModification
	}

	now := s.Clock.Now()
	updated := *req
	if err := Transition(&updated, StatusRejected, TriggerProviderReject); err != nil {
		return nil, err
	}
	updated.RespondedBy = in.ProviderID
	updated.RespondedAt = &now
	updated.RejectionReason = in.Reason
	updated.UpdatedAt = now

	err = s.Store.WithTx(ctx, func(st Store) error {
		if err := st.UpdateRequest(ctx, &updated); err != nil {
			return err
		}
		_, err := s.Ledger.releaseForRequest(ctx, st, req.ID, ReleaseRequestClosed, ReleaseOptions{Actor: in.ProviderID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.Transition(string(StatusPending), string(StatusRejected))
	s.Logger.Info("Service request rejected",
		"request_id", updated.ID,
		"provider_id", in.ProviderID,
		"reason", in.Reason,
	)
	s.notify(ctx, updated.AgentID, EventRequestRejected, &updated, map[string]any{"reason": in.Reason})
	s.publish(ctx, EventRequestRejected, &updated, map[string]any{"reason": in.Reason})
	return &updated, nil
}

// Cancel withdraws a pending request on the agent's behalf.
func (s *ApprovalService) Cancel(ctx context.Context, in CancelInput) (*ServiceRequest, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	req, err := s.Store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.AgentID != in.AgentID {
		return nil, ErrNotRequestAgent
	}

	now := s.Clock.Now()
	updated := *req
	if err := Transition(&updated, StatusCancelled, TriggerAgentCancel); err != nil {
		return nil, err
	}
	if in.Reason != "" {
		updated.RejectionReason = in.Reason
	}
	updated.UpdatedAt = now

	err = s.Store.WithTx(ctx, func(st Store) error {
		if err := st.UpdateRequest(ctx, &updated); err != nil {
			return err
		}
		_, err := s.Ledger.releaseForRequest(ctx, st, req.ID, ReleaseCancelled, ReleaseOptions{Actor: in.AgentID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.Transition(string(StatusPending), string(StatusCancelled))
	s.Logger.Info("Service request cancelled",
		"request_id", updated.ID,
		"agent_id", in.AgentID,
	)
	s.notify(ctx, updated.ProviderID, EventRequestCancelled, &updated, nil)
	s.publish(ctx, EventRequestCancelled, &updated, nil)
	return &updated, nil
}
