/*
booking.go - Booking conversion with compensating rollback

PURPOSE:
  Turns an approved request + its active allocation into a booking.

CONVERSION:
  1. Re-check availability for the request's dates. Time has passed since
     approval; another request may have taken the capacity. The request's
     own allocation is excluded from the check.
  2. Unavailable: return ROOM_NOT_AVAILABLE. The approval service undoes the
     approval: no booking means no lingering allocation.
  3. Any other failure: the capacity commitment is still valid, only the
     booking record is missing. State is left approved/active and the caller
     surfaces a warning for manual follow-up.
  4. Success: the booking reference is returned; the allocation stays active
     until something downstream consumes it.

SEE ALSO:
  - request.go: ApprovalService.Approve decides rollback vs warning
  - booking/creator.go: Store-backed BookingCreator
*/
package workflow

import (
	"context"

	"github.com/seferet/allocation-engine/logger"
)

type BookingIntegrationService struct {
	Availability AvailabilityProvider
	Creator      BookingCreator
	Logger       logger.Logger
}

func NewBookingIntegrationService(avail AvailabilityProvider, creator BookingCreator, log logger.Logger) *BookingIntegrationService {
	return &BookingIntegrationService{Availability: avail, Creator: creator, Logger: log}
}

// ConvertToBooking never returns an error: every failure is a tagged result.
func (s *BookingIntegrationService) ConvertToBooking(ctx context.Context, req *ServiceRequest, alloc *Allocation) BookingResult {
	ok, err := s.Availability.IsAvailable(ctx, AvailabilityQuery{
		ResourceID:       alloc.ResourceID,
		Dates:            alloc.Dates,
		Quantity:         alloc.Quantity,
		ExcludeRequestID: req.ID,
	})
	if err != nil {
		s.Logger.Warn("Availability re-check failed",
			"request_id", req.ID,
			"resource_id", alloc.ResourceID,
			"error", err,
		)
		return BookingResult{
			ErrorCode: CodeBookingError,
			Message:   "availability re-check failed: " + err.Error(),
		}
	}
	if !ok {
		return BookingResult{
			ErrorCode: CodeRoomNotAvailable,
			Message:   "resource " + alloc.ResourceID + " is no longer available for " + alloc.Dates.String(),
		}
	}

	result := s.Creator.CreateBooking(ctx, req, alloc)
	if !result.Success && result.ErrorCode == "" {
		result.ErrorCode = CodeBookingError
	}
	return result
}
