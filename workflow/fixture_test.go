package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seferet/allocation-engine/availability"
	"github.com/seferet/allocation-engine/booking"
	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
	"github.com/seferet/allocation-engine/workflow/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	testHotel    = "hotel-1"
	testAgent    = "agent-1"
	testItem     = "double-room"
	testPackage  = "pkg-1"
	otherAgent   = "agent-2"
	otherHotel   = "hotel-2"
	testCurrency = "SAR"
)

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []workflow.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note workflow.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

// sent returns the notifications of event addressed to recipient.
func (n *recordingNotifier) sent(recipient string, event workflow.EventType) []workflow.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []workflow.Notification
	for _, note := range n.notes {
		if note.Recipient == recipient && note.Event == event {
			out = append(out, note)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []workflow.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e workflow.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []workflow.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]workflow.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// raceAvailability passes the approval-time checks but reports the resource
// as taken on the booking re-check, as if another request won the capacity.
type raceAvailability struct {
	workflow.AvailabilityProvider
}

func (r raceAvailability) IsAvailable(ctx context.Context, q workflow.AvailabilityQuery) (bool, error) {
	if q.ExcludeRequestID != 0 {
		return false, nil
	}
	return r.AvailabilityProvider.IsAvailable(ctx, q)
}

// failingBookings always fails with code.
type failingBookings struct {
	code string
}

func (f failingBookings) CreateBooking(context.Context, *workflow.ServiceRequest, *workflow.Allocation) workflow.BookingResult {
	return workflow.BookingResult{ErrorCode: f.code, Message: "booking backend unavailable"}
}

type fixture struct {
	store    *store.TxMemory
	clock    *workflow.FixedClock
	notifier *recordingNotifier
	events   *recordingPublisher
	deps     workflow.Deps
	svc      *workflow.ApprovalService
	sweeper  *workflow.ExpirationSweeper
}

type fixtureOption func(*workflow.Deps)

func withAvailability(wrap func(workflow.AvailabilityProvider) workflow.AvailabilityProvider) fixtureOption {
	return func(d *workflow.Deps) { d.Availability = wrap(d.Availability) }
}

func withBookings(b workflow.BookingCreator) fixtureOption {
	return func(d *workflow.Deps) { d.Bookings = b }
}

func withPolicy(pt workflow.ProviderType, hp workflow.HoldPolicy) fixtureOption {
	return func(d *workflow.Deps) {
		if d.Policies == nil {
			d.Policies = workflow.HoldPolicies{}
		}
		d.Policies[pt] = hp
	}
}

func withBatchSize(n int) fixtureOption {
	return func(d *workflow.Deps) { d.BatchSize = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewTxMemory(),
		clock:    &workflow.FixedClock{T: t0},
		notifier: &recordingNotifier{},
		events:   &recordingPublisher{},
	}
	f.deps = workflow.Deps{
		Store:        f.store,
		Availability: availability.NewProvider(f.store),
		Bookings:     booking.NewCreator(f.store, f.clock, logger.NewNop()),
		Notifier:     f.notifier,
		Events:       f.events,
		Clock:        f.clock,
		Logger:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(&f.deps)
	}
	f.svc = workflow.NewApprovalService(f.deps)
	f.sweeper = workflow.NewExpirationSweeper(f.deps, f.store)
	return f
}

func (f *fixture) addResource(t *testing.T, id string, capacity int) {
	t.Helper()
	require.NoError(t, f.store.SaveResource(context.Background(), workflow.Resource{
		ID:           id,
		ProviderID:   testHotel,
		ProviderType: workflow.ProviderHotel,
		ItemID:       testItem,
		Name:         id,
		Capacity:     capacity,
	}))
}

// day returns t0's date plus offset days.
func day(offset int) time.Time {
	return workflow.Day(t0).AddDate(0, 0, offset)
}

func requestInput(startOffset, nights, quantity int) workflow.CreateRequestInput {
	return workflow.CreateRequestInput{
		PackageID:    testPackage,
		AgentID:      testAgent,
		ProviderID:   testHotel,
		ProviderType: workflow.ProviderHotel,
		ItemID:       testItem,
		StartDate:    day(startOffset),
		EndDate:      day(startOffset + nights),
		Quantity:     quantity,
		OfferedPrice: "500",
		Currency:     testCurrency,
	}
}

func (f *fixture) createRequest(t *testing.T, in workflow.CreateRequestInput) *workflow.ServiceRequest {
	t.Helper()
	req, err := f.svc.CreateRequest(context.Background(), in)
	require.NoError(t, err)
	return req
}

func (f *fixture) reload(t *testing.T, id int64) *workflow.ServiceRequest {
	t.Helper()
	req, err := f.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (f *fixture) activeAllocation(t *testing.T, requestID int64) *workflow.Allocation {
	t.Helper()
	alloc, err := f.store.ActiveAllocation(context.Background(), requestID)
	require.NoError(t, err)
	return alloc
}

func int64Ptr(v int64) *int64 { return &v }
