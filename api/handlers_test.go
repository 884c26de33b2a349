package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/seferet/allocation-engine/availability"
	"github.com/seferet/allocation-engine/booking"
	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
	"github.com/seferet/allocation-engine/workflow/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	testHotel = "hotel-1"
	testAgent = "agent-1"
	testItem  = "double-room"
)

type testAPI struct {
	store   *store.TxMemory
	clock   *workflow.FixedClock
	handler *Handler
	router  http.Handler
}

type failingBookings struct{}

func (failingBookings) CreateBooking(context.Context, *workflow.ServiceRequest, *workflow.Allocation) workflow.BookingResult {
	return workflow.BookingResult{ErrorCode: workflow.CodeBookingError, Message: "booking backend unavailable"}
}

func newTestAPI(t *testing.T, opts ...func(*workflow.Deps, *RouterOptions)) *testAPI {
	t.Helper()
	st := store.NewTxMemory()
	clock := &workflow.FixedClock{T: t0}
	deps := workflow.Deps{
		Store:        st,
		Availability: availability.NewProvider(st),
		Bookings:     booking.NewCreator(st, clock, logger.NewNop()),
		Clock:        clock,
		Logger:       logger.NewNop(),
	}
	var routerOpts RouterOptions
	for _, opt := range opts {
		opt(&deps, &routerOpts)
	}
	h := NewHandler(st, workflow.NewApprovalService(deps), workflow.NewExpirationSweeper(deps, st), logger.NewNop())
	return &testAPI{store: st, clock: clock, handler: h, router: NewRouter(h, routerOpts)}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) addResource(t *testing.T, id string, capacity int) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/resources", RegisterResourceRequest{
		ID: id, ProviderID: testHotel, ProviderType: "hotel", ItemID: testItem, Name: id, Capacity: capacity,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func createBody(quantity int) CreateRequestRequest {
	return CreateRequestRequest{
		PackageID:         "pkg-1",
		AgentID:           testAgent,
		ProviderID:        testHotel,
		ProviderType:      "hotel",
		ItemID:            testItem,
		StartDate:         "2026-03-20",
		EndDate:           "2026-03-22",
		RequestedQuantity: quantity,
		OfferedPrice:      "500",
		Currency:          "SAR",
	}
}

func (a *testAPI) createRequest(t *testing.T, quantity int) RequestDTO {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/requests", createBody(quantity))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RequestDTO](t, rec)
}

func (a *testAPI) approve(t *testing.T, id int64) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", id), ApproveRequest{ProviderID: testHotel})
}

// =============================================================================
// SERVICE REQUESTS
// =============================================================================

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestCreateRequest(t *testing.T) {
	// GIVEN: A valid request body
	// WHEN: POST /api/requests
	// THEN: 201 with a pending request at version 1 and a 48h deadline

	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/requests", createBody(2))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[RequestDTO](t, rec)
	assert.NotZero(t, req.ID)
	assert.NotEmpty(t, req.UUID)
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, "2026-03-20", req.StartDate)
	assert.Equal(t, "2026-03-22", req.EndDate)
	assert.Equal(t, 2, req.RequestedQuantity)
	assert.Equal(t, int64(1), req.Version)
	assert.Equal(t, t0.Add(48*time.Hour).Format(time.RFC3339), req.ExpiresAt)
}

func TestCreateRequest_Validation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name  string
		edit  func(*CreateRequestRequest)
		field string
	}{
		{"bad start date", func(b *CreateRequestRequest) { b.StartDate = "20-03-2026" }, "start_date"},
		{"bad end date", func(b *CreateRequestRequest) { b.EndDate = "" }, "end_date"},
		{"bad deadline", func(b *CreateRequestRequest) { s := "tomorrow"; b.ExpiresAt = &s }, "expires_at"},
		{"missing agent", func(b *CreateRequestRequest) { b.AgentID = "" }, "agent_id"},
		{"zero quantity", func(b *CreateRequestRequest) { b.RequestedQuantity = 0 }, "requested_quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := createBody(1)
			tt.edit(&body)

			rec := a.do(t, http.MethodPost, "/api/requests", body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, workflow.CodeValidation, resp.Code)
			require.NotEmpty(t, resp.Fields)
			var names []string
			for _, f := range resp.Fields {
				names = append(names, f.Field)
			}
			assert.Contains(t, names, tt.field)
		})
	}
}

func TestCreateRequest_EndBeforeStart(t *testing.T) {
	a := newTestAPI(t)
	body := createBody(1)
	body.EndDate = "2026-03-19"

	rec := a.do(t, http.MethodPost, "/api/requests", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, workflow.CodeValidation, decode[ErrorResponse](t, rec).Code)
}

func TestCreateRequest_InvalidJSON(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()

	a.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRequests_Filters(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	first := a.createRequest(t, 1)
	a.createRequest(t, 1)
	require.Equal(t, http.StatusOK, a.approve(t, first.ID).Code)

	rec := a.do(t, http.MethodGet, "/api/requests?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RequestDTO](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/requests?agent_id="+testAgent, nil)
	assert.Len(t, decode[[]RequestDTO](t, rec), 2)

	rec = a.do(t, http.MethodGet, "/api/requests?limit=1", nil)
	assert.Len(t, decode[[]RequestDTO](t, rec), 1)

	rec = a.do(t, http.MethodGet, "/api/requests?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRequest_ByIDAndUUID(t *testing.T) {
	// GIVEN: An approved request
	// WHEN: Fetching it by numeric id and by UUID
	// THEN: Both return the same request with its allocation and booking

	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 2)
	require.Equal(t, http.StatusOK, a.approve(t, created.ID).Code)

	for _, key := range []string{fmt.Sprint(created.ID), created.UUID} {
		rec := a.do(t, http.MethodGet, "/api/requests/"+key, nil)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		detail := decode[RequestDetailDTO](t, rec)
		assert.Equal(t, created.ID, detail.ID)
		assert.Equal(t, "approved", detail.Status)
		require.Len(t, detail.Allocations, 1)
		assert.Equal(t, "block-a", detail.Allocations[0].ResourceID)
		require.NotNil(t, detail.Booking)
		assert.Equal(t, "2000.00", detail.Booking.Total)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/requests/42", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/requests/not-a-uuid", nil).Code)
}

// =============================================================================
// APPROVE / REJECT / CANCEL
// =============================================================================

func TestApprove_BookingCreated(t *testing.T) {
	// GIVEN: A block of 5 rooms and a request for 2 rooms over 2 nights at 500
	// WHEN: The provider approves
	// THEN: 200, outcome approved_booking_created, booking total 2000.00

	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 2)

	rec := a.approve(t, created.ID)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[ApprovalResultDTO](t, rec)
	assert.Equal(t, string(workflow.OutcomeApprovedBooked), result.Outcome)
	assert.Equal(t, "approved", result.Request.Status)
	assert.Equal(t, testHotel, result.Request.RespondedBy)
	require.NotNil(t, result.Allocation)
	assert.Equal(t, "active", result.Allocation.Status)
	assert.Equal(t, 2, result.Allocation.Quantity)
	require.NotNil(t, result.Booking)
	assert.Regexp(t, `^BK-`, result.Booking.Reference)
	assert.Equal(t, "2000.00", result.Booking.Total)
	assert.Equal(t, "SAR", result.Booking.Currency)
}

func TestApprove_NoCapacity(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 1)
	created := a.createRequest(t, 2)

	rec := a.approve(t, created.ID)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.CodeNoRoomsAvailable, decode[ErrorResponse](t, rec).Code)

	// Still pending
	rec = a.do(t, http.MethodGet, fmt.Sprintf("/api/requests/%d", created.ID), nil)
	assert.Equal(t, "pending", decode[RequestDetailDTO](t, rec).Status)
}

func TestApprove_SelectedResourceUnavailable(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	a.addResource(t, "block-b", 1)
	created := a.createRequest(t, 2)

	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", created.ID),
		ApproveRequest{ProviderID: testHotel, ResourceID: "block-b"})

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.CodeSelectedRoomUnavail, decode[ErrorResponse](t, rec).Code)
}

func TestApprove_WrongProvider(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 1)

	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", created.ID),
		ApproveRequest{ProviderID: "someone-else"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprove_UnknownRequest(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, a.approve(t, 99).Code)
}

func TestApprove_InvalidID(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/requests/abc/approve", ApproveRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/requests/0/approve", ApproveRequest{}).Code)
}

func TestApprove_StaleVersion(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 1)
	stale := int64(99)

	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", created.ID),
		ApproveRequest{ProviderID: testHotel, ExpectedVersion: &stale})

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.CodeConflict, decode[ErrorResponse](t, rec).Code)
}

func TestApprove_Twice(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 1)
	require.Equal(t, http.StatusOK, a.approve(t, created.ID).Code)

	rec := a.approve(t, created.ID)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprove_PastDeadline(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 1)
	a.clock.Advance(49 * time.Hour)

	rec := a.approve(t, created.ID)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.CodeRequestExpired, decode[ErrorResponse](t, rec).Code)
}

func TestApprove_BookingNeedsFollowUp(t *testing.T) {
	// GIVEN: A booking backend that fails for a non-availability reason
	// WHEN: The provider approves
	// THEN: 202; the request stays approved with a warning

	a := newTestAPI(t, func(d *workflow.Deps, _ *RouterOptions) { d.Bookings = failingBookings{} })
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 1)

	rec := a.approve(t, created.ID)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	result := decode[ApprovalResultDTO](t, rec)
	assert.Equal(t, string(workflow.OutcomeBookingPendingFollowUp), result.Outcome)
	assert.Equal(t, "approved", result.Request.Status)
	assert.Equal(t, workflow.CodeBookingError, result.ErrorCode)
	assert.Nil(t, result.Booking)
}

func TestReject(t *testing.T) {
	a := newTestAPI(t)
	created := a.createRequest(t, 1)
	path := fmt.Sprintf("/api/requests/%d/reject", created.ID)

	rec := a.do(t, http.MethodPost, path, RejectRequest{ProviderID: testHotel})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = a.do(t, http.MethodPost, path, RejectRequest{ProviderID: testHotel, Reason: "fully booked"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	req := decode[RequestDTO](t, rec)
	assert.Equal(t, "rejected", req.Status)
	assert.Equal(t, "fully booked", req.RejectionReason)

	rec = a.do(t, http.MethodPost, path, RejectRequest{ProviderID: testHotel, Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancel(t *testing.T) {
	a := newTestAPI(t)
	created := a.createRequest(t, 1)
	path := fmt.Sprintf("/api/requests/%d/cancel", created.ID)

	rec := a.do(t, http.MethodPost, path, CancelRequest{AgentID: "agent-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, http.MethodPost, path, CancelRequest{AgentID: testAgent, Reason: "group shrank"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[RequestDTO](t, rec).Status)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestReleaseAllocation_Idempotent(t *testing.T) {
	// GIVEN: An approved request holding an allocation
	// WHEN: Releasing the allocation twice
	// THEN: Both succeed; the second reports already_released

	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	created := a.createRequest(t, 1)
	result := decode[ApprovalResultDTO](t, a.approve(t, created.ID))
	require.NotNil(t, result.Allocation)
	path := fmt.Sprintf("/api/allocations/%d/release", result.Allocation.ID)

	rec := a.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[ReleaseAllocationResponse](t, rec)
	assert.False(t, first.AlreadyReleased)
	assert.Equal(t, "released", first.Allocation.Status)
	assert.Equal(t, workflow.ReleaseCancelled, first.Allocation.ReleaseReason)

	rec = a.do(t, http.MethodPost, path, ReleaseAllocationRequest{Reason: workflow.ReleaseExpired, Actor: testAgent})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ReleaseAllocationResponse](t, rec)
	assert.True(t, second.AlreadyReleased)
	assert.Equal(t, workflow.ReleaseCancelled, second.Allocation.ReleaseReason)

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/api/allocations/%d", result.Allocation.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "released", decode[AllocationDTO](t, rec).Status)
}

func TestAllocation_NotFound(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/allocations/7", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/api/allocations/7/release", nil).Code)
}

// =============================================================================
// INVENTORY
// =============================================================================

func TestResources(t *testing.T) {
	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	a.addResource(t, "block-b", 3)

	rec := a.do(t, http.MethodGet, "/api/resources?provider_id="+testHotel, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ResourceDTO](t, rec), 2)

	rec = a.do(t, http.MethodGet, "/api/resources?provider_id=other", nil)
	assert.Empty(t, decode[[]ResourceDTO](t, rec))
}

func TestResources_ProviderRequired(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/resources", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "provider_id", resp.Fields[0].Field)
}

func TestRegisterResource_Invalid(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/resources", RegisterResourceRequest{ProviderType: "plane", Capacity: -1})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, workflow.CodeValidation, resp.Code)
	assert.Len(t, resp.Fields, 5)
}

func TestSearchAvailability(t *testing.T) {
	// GIVEN: Blocks of 5 and 3 rooms, 4 rooms of block-a held
	// WHEN: Searching for 2 rooms on the same dates
	// THEN: Only block-b has enough free capacity

	a := newTestAPI(t)
	a.addResource(t, "block-a", 5)
	a.addResource(t, "block-b", 3)
	created := a.createRequest(t, 4)
	rec := a.do(t, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", created.ID),
		ApproveRequest{ProviderID: testHotel, ResourceID: "block-a"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet,
		"/api/availability?provider_id="+testHotel+"&item_id="+testItem+"&start_date=2026-03-20&end_date=2026-03-22&quantity=2", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decode[[]ResourceDTO](t, rec)
	require.Len(t, found, 1)
	assert.Equal(t, "block-b", found[0].ID)
}

func TestSearchAvailability_Validation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing provider", "start_date=2026-03-20&end_date=2026-03-22"},
		{"bad start", "provider_id=p&start_date=x&end_date=2026-03-22"},
		{"end before start", "provider_id=p&start_date=2026-03-22&end_date=2026-03-20"},
		{"bad quantity", "provider_id=p&start_date=2026-03-20&end_date=2026-03-22&quantity=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodGet, "/api/availability?"+tt.query, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// =============================================================================
// SWEEP
// =============================================================================

func TestRunSweep(t *testing.T) {
	// GIVEN: A pending request past its deadline
	// WHEN: POST /api/sweep/run
	// THEN: The report counts it and the run is listed

	a := newTestAPI(t)
	created := a.createRequest(t, 1)
	a.clock.Advance(49 * time.Hour)

	rec := a.do(t, http.MethodPost, "/api/sweep/run", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[workflow.SweepReport](t, rec)
	assert.Equal(t, 1, report.ExpiredRequests)

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/api/requests/%d", created.ID), nil)
	assert.Equal(t, "expired", decode[RequestDetailDTO](t, rec).Status)

	rec = a.do(t, http.MethodGet, "/api/sweep/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]SweepRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 1, runs[0].Report.ExpiredRequests)
}

// =============================================================================
// ROUTER
// =============================================================================

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newTestAPI(t, func(_ *workflow.Deps, o *RouterOptions) {
		o.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestMetricsRoute_NotMountedByDefault(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/metrics", nil).Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &workflow.ValidationError{Fields: []workflow.FieldError{{Field: "x", Message: "bad"}}}, http.StatusBadRequest, workflow.CodeValidation},
		{"no rooms", &workflow.CodedError{Code: workflow.CodeNoRoomsAvailable, Err: workflow.ErrResourceUnavailable}, http.StatusConflict, workflow.CodeNoRoomsAvailable},
		{"database", &workflow.CodedError{Code: workflow.CodeDatabaseError, Err: errors.New("disk")}, http.StatusInternalServerError, workflow.CodeDatabaseError},
		{"not found", fmt.Errorf("load: %w", workflow.ErrRequestNotFound), http.StatusNotFound, ""},
		{"wrong provider", workflow.ErrNotRequestProvider, http.StatusForbidden, ""},
		{"wrong agent", workflow.ErrNotRequestAgent, http.StatusForbidden, ""},
		{"date range", workflow.ErrInvalidDateRange, http.StatusBadRequest, workflow.CodeValidation},
		{"expired", workflow.ErrRequestExpired, http.StatusConflict, workflow.CodeRequestExpired},
		{"unavailable", workflow.ErrResourceUnavailable, http.StatusConflict, workflow.CodeRoomNotAvailable},
		{"transition", workflow.ErrInvalidTransition, http.StatusConflict, workflow.CodeConflict},
		{"stale", workflow.ErrConcurrentModification, http.StatusConflict, workflow.CodeConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := classifyError("failed", tt.err)

			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, "failed", resp.Error)
		})
	}
}

// =============================================================================
// SERVER ERRORS
// =============================================================================

type brokenStore struct {
	*store.TxMemory
	err error
}

func (s brokenStore) ListRequests(context.Context, workflow.RequestFilter) ([]workflow.ServiceRequest, error) {
	return nil, s.err
}

func (s brokenStore) ListResources(context.Context, string, string) ([]workflow.Resource, error) {
	return nil, s.err
}

func (s brokenStore) ListSweepRuns(context.Context, int) ([]workflow.SweepRun, error) {
	return nil, s.err
}

type brokenAvailability struct {
	workflow.AvailabilityProvider
	err error
}

func (a brokenAvailability) ListAvailable(context.Context, workflow.AvailabilityCriteria) ([]workflow.Resource, error) {
	return nil, a.err
}

func TestServerErrorsAreLogged(t *testing.T) {
	// GIVEN: A store and availability provider that fail every listing
	// WHEN: Calling the listing endpoints
	// THEN: Each answers 500 and logs the failure with its cause

	storeErr := errors.New("connection reset")
	a := newTestAPI(t)
	core, logs := observer.New(zapcore.DebugLevel)
	a.handler.Logger = logger.FromZap(zap.New(core))
	a.handler.Store = brokenStore{TxMemory: a.store, err: storeErr}
	a.handler.Service.Availability = brokenAvailability{AvailabilityProvider: a.handler.Service.Availability, err: storeErr}

	tests := []struct {
		path    string
		message string
	}{
		{"/api/requests", "Failed to list requests"},
		{"/api/resources?provider_id=" + testHotel, "Failed to list resources"},
		{"/api/availability?provider_id=" + testHotel + "&start_date=2026-03-20&end_date=2026-03-22", "Failed to search availability"},
		{"/api/sweep/runs", "Failed to list sweep runs"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			rec := a.do(t, http.MethodGet, tt.path, nil)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.message, resp.Error)

			entries := logs.FilterMessage(tt.message).All()
			require.Len(t, entries, 1)
			assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
			assert.Equal(t, "connection reset", entries[0].ContextMap()["error"])
		})
	}
}
