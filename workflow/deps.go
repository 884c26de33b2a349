package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/metrics"
)

// Deps lists every collaborator of the workflow services. Everything is
// passed in explicitly; missing optional collaborators get no-op defaults.
type Deps struct {
	Store        TxStore
	Availability AvailabilityProvider
	Bookings     BookingCreator
	Notifier     Notifier
	Events       EventPublisher
	Policies     HoldPolicies
	Clock        Clock
	Logger       logger.Logger
	Metrics      *metrics.Metrics
	BatchSize    int
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Events == nil {
		d.Events = NopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Policies == nil {
		d.Policies = HoldPolicies{}
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	return d
}

func (d Deps) newLedger() *Ledger {
	l := NewLedger(d.Store, d.Clock, d.Logger, d.Metrics)
	l.BatchSize = d.BatchSize
	l.Events = d.Events
	return l
}

// notify dispatches a notification and logs failures. It never fails the caller.
func (d Deps) notify(ctx context.Context, recipient string, event EventType, req *ServiceRequest, extra map[string]any) {
	if recipient == "" {
		return
	}
	payload := requestPayload(req)
	for k, v := range extra {
		payload[k] = v
	}
	err := d.Notifier.Notify(ctx, Notification{Recipient: recipient, Event: event, Payload: payload})
	if err != nil {
		d.Metrics.Error("notify")
		d.Logger.Warn("Notification dispatch failed",
			"recipient", recipient,
			"event", event,
			"request_id", req.ID,
			"error", err,
		)
	}
}

// publish emits a domain event and logs failures.
func (d Deps) publish(ctx context.Context, event EventType, req *ServiceRequest, data map[string]any) {
	e := DomainEvent{
		ID:         uuid.NewString(),
		Type:       event,
		RequestID:  req.ID,
		RequestRef: req.UUID,
		OccurredAt: d.Clock.Now(),
		Data:       data,
	}
	if err := d.Events.Publish(ctx, e); err != nil {
		d.Metrics.Error("publish")
		d.Logger.Warn("Domain event publish failed",
			"event", event,
			"request_id", req.ID,
			"error", err,
		)
	}
}

func requestPayload(req *ServiceRequest) map[string]any {
	return map[string]any{
		"request_id":    req.UUID,
		"package_id":    req.PackageID,
		"provider_type": string(req.ProviderType),
		"item_id":       req.ItemID,
		"start_date":    req.Dates.Start.Format("2006-01-02"),
		"end_date":      req.Dates.End.Format("2006-01-02"),
		"quantity":      req.RequestedQuantity,
		"status":        string(req.Status),
		"expires_at":    req.ExpiresAt,
	}
}
