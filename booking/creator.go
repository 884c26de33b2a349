/*
creator.go - Store-backed booking creator

PURPOSE:
  Materializes the booking record of an approved request.

PRICING:
  total = offered price x quantity x billable units
  (nights for hotels, at least one; one per trip for transport)

IDEMPOTENCY:
  One created booking per request. Converting twice returns the first booking.
*/
package booking

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
)

type Creator struct {
	Store  workflow.BookingStore
	Clock  workflow.Clock
	Logger logger.Logger
}

func NewCreator(store workflow.BookingStore, clock workflow.Clock, log logger.Logger) *Creator {
	return &Creator{Store: store, Clock: clock, Logger: log}
}

// NewReference returns a short human readable booking reference.
func NewReference() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "BK-" + strings.ToUpper(id[:8])
}

// Total prices a booking.
func Total(req *workflow.ServiceRequest, alloc *workflow.Allocation) workflow.Money {
	return req.OfferedPrice.Mul(alloc.Quantity * alloc.Dates.BillableUnits(req.ProviderType))
}

func (c *Creator) CreateBooking(ctx context.Context, req *workflow.ServiceRequest, alloc *workflow.Allocation) workflow.BookingResult {
	existing, err := c.Store.BookingForRequest(ctx, req.ID)
	if err != nil {
		return c.failed(req, err)
	}
	if existing != nil {
		return workflow.BookingResult{Success: true, Booking: existing}
	}

	b := &workflow.Booking{
		Reference:        NewReference(),
		ServiceRequestID: req.ID,
		AllocationID:     alloc.ID,
		Status:           workflow.BookingCreated,
		Total:            Total(req, alloc),
		CreatedAt:        c.Clock.Now(),
	}
	if err := c.Store.CreateBooking(ctx, b); err != nil {
		return c.failed(req, err)
	}

	c.Logger.Info("Booking created",
		"request_id", req.ID,
		"reference", b.Reference,
		"total", b.Total.String(),
	)
	return workflow.BookingResult{Success: true, Booking: b}
}

func (c *Creator) failed(req *workflow.ServiceRequest, err error) workflow.BookingResult {
	c.Logger.Error("Booking store failure", "request_id", req.ID, "error", err)
	return workflow.BookingResult{
		ErrorCode: workflow.CodeDatabaseError,
		Message:   err.Error(),
	}
}
