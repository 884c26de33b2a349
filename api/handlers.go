/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes the service-request workflow via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the workflow.

ENDPOINTS:
  Service requests:
    GET    /api/requests                 List requests (status, agent_id, provider_id, package_id, limit)
    POST   /api/requests                 Create a request (agent)
    GET    /api/requests/{id}            Request with allocations and booking ({id} or UUID)
    POST   /api/requests/{id}/approve    Approve (provider)
    POST   /api/requests/{id}/reject     Reject (provider)
    POST   /api/requests/{id}/cancel     Cancel (agent)

  Allocations:
    GET    /api/allocations/{id}         Allocation details
    POST   /api/allocations/{id}/release Release an allocation

  Inventory:
    GET    /api/resources                List resources of a provider (provider_id, item_id)
    POST   /api/resources                Register or update a resource
    GET    /api/availability             Free resources for a date range

  Sweep:
    POST   /api/sweep/run                Run the expiration sweep now
    GET    /api/sweep/runs               Recent sweep runs

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access for reads
  - Service: ApprovalService for every state change
  - Sweeper: ExpirationSweeper for manual runs

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Actor is not the agent/provider of the request
  - 404: Not found
  - 409: Invalid transition, stale version, no capacity, expired request
  - 500: Internal errors (DATABASE_ERROR)
  Workflow error codes are returned in the "code" field.

SECURITY NOTE:
  No authentication. Actor ids come from the request body and are only
  matched against the request's agent/provider.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API reads from.
type Store interface {
	workflow.TxStore
	workflow.BookingStore
	workflow.SweepRunStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Store
	Service *workflow.ApprovalService
	Sweeper *workflow.ExpirationSweeper
	Logger  logger.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store Store, svc *workflow.ApprovalService, sweeper *workflow.ExpirationSweeper, log logger.Logger) *Handler {
	return &Handler{
		Store:   store,
		Service: svc,
		Sweeper: sweeper,
		Logger:  log,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SERVICE REQUEST HANDLERS
// =============================================================================

// CreateServiceRequest records a new pending request.
// POST /api/requests
func (h *Handler) CreateServiceRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := parseDay(body.StartDate)
	if err != nil {
		writeFieldError(w, "start_date", "must be YYYY-MM-DD")
		return
	}
	end, err := parseDay(body.EndDate)
	if err != nil {
		writeFieldError(w, "end_date", "must be YYYY-MM-DD")
		return
	}

	in := workflow.CreateRequestInput{
		PackageID:    body.PackageID,
		AgentID:      body.AgentID,
		ProviderID:   body.ProviderID,
		ProviderType: workflow.ProviderType(body.ProviderType),
		ItemID:       body.ItemID,
		StartDate:    start,
		EndDate:      end,
		Quantity:     body.RequestedQuantity,
		OfferedPrice: body.OfferedPrice,
		Currency:     body.Currency,
		Notes:        body.Notes,
	}
	if body.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *body.ExpiresAt)
		if err != nil {
			writeFieldError(w, "expires_at", "must be an RFC 3339 timestamp")
			return
		}
		in.ExpiresAt = &t
	}

	req, err := h.Service.CreateRequest(r.Context(), in)
	if err != nil {
		h.writeWorkflowError(w, "Failed to create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

// ListRequests returns requests matching the query filters.
// GET /api/requests
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.RequestFilter{
		Status:     workflow.RequestStatus(q.Get("status")),
		AgentID:    q.Get("agent_id"),
		ProviderID: q.Get("provider_id"),
		PackageID:  q.Get("package_id"),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	requests, err := h.Store.ListRequests(r.Context(), filter)
	if err != nil {
		h.writeServerError(w, "Failed to list requests", err)
		return
	}
	dtos := make([]RequestDTO, len(requests))
	for i := range requests {
		dtos[i] = toRequestDTO(&requests[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRequest returns a request with its allocation history and booking.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "id")

	var (
		req *workflow.ServiceRequest
		err error
	)
	if id, convErr := strconv.ParseInt(key, 10, 64); convErr == nil {
		req, err = h.Store.GetRequest(ctx, id)
	} else {
		req, err = h.Store.GetRequestByUUID(ctx, key)
	}
	if err != nil {
		h.writeWorkflowError(w, "Failed to get request", err)
		return
	}

	allocs, err := h.Store.ListAllocations(ctx, req.ID)
	if err != nil {
		h.writeServerError(w, "Failed to list allocations", err)
		return
	}
	booking, err := h.Store.BookingForRequest(ctx, req.ID)
	if err != nil {
		h.writeServerError(w, "Failed to get booking", err)
		return
	}

	detail := RequestDetailDTO{
		RequestDTO:  toRequestDTO(req),
		Allocations: make([]AllocationDTO, len(allocs)),
		Booking:     toBookingDTO(booking),
	}
	for i := range allocs {
		detail.Allocations[i] = toAllocationDTO(&allocs[i])
	}
	writeJSON(w, http.StatusOK, detail)
}

// ApproveServiceRequest approves a pending request and converts it to a booking.
// POST /api/requests/{id}/approve
//
// 200 when the booking was created, 202 when the request stays approved but
// the booking needs follow-up, 409 when the approval was rolled back.
func (h *Handler) ApproveServiceRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Service.Approve(r.Context(), workflow.ApproveInput{
		RequestID:       id,
		ProviderID:      body.ProviderID,
		ResourceID:      body.ResourceID,
		ExpectedVersion: body.ExpectedVersion,
		Notes:           body.Notes,
	})
	if err != nil {
		h.writeWorkflowError(w, "Failed to approve request", err)
		return
	}

	status := http.StatusOK
	switch result.Outcome {
	case workflow.OutcomeBookingReverted:
		status = http.StatusConflict
	case workflow.OutcomeBookingPendingFollowUp:
		status = http.StatusAccepted
	}
	writeJSON(w, status, toApprovalResultDTO(result))
}

// RejectServiceRequest rejects a pending request.
// POST /api/requests/{id}/reject
func (h *Handler) RejectServiceRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Service.Reject(r.Context(), workflow.RejectInput{
		RequestID:       id,
		ProviderID:      body.ProviderID,
		Reason:          body.Reason,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		h.writeWorkflowError(w, "Failed to reject request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// CancelServiceRequest cancels a request on behalf of its agent.
// POST /api/requests/{id}/cancel
func (h *Handler) CancelServiceRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Service.Cancel(r.Context(), workflow.CancelInput{
		RequestID: id,
		AgentID:   body.AgentID,
		Reason:    body.Reason,
	})
	if err != nil {
		h.writeWorkflowError(w, "Failed to cancel request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// GetAllocation returns one allocation.
// GET /api/allocations/{id}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	alloc, err := h.Store.GetAllocation(r.Context(), id)
	if err != nil {
		h.writeWorkflowError(w, "Failed to get allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(alloc))
}

// ReleaseAllocation releases an allocation. Releasing twice succeeds.
// POST /api/allocations/{id}/release
func (h *Handler) ReleaseAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	var body ReleaseAllocationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = workflow.ReleaseCancelled
	}

	result, err := h.Service.Ledger.Release(r.Context(), id, body.Reason, workflow.ReleaseOptions{Actor: body.Actor})
	if err != nil {
		h.writeWorkflowError(w, "Failed to release allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseAllocationResponse{
		Allocation:      toAllocationDTO(result.Allocation),
		AlreadyReleased: result.AlreadyReleased,
	})
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// ListResources returns the resources of a provider, optionally of one item.
// GET /api/resources
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("provider_id") == "" {
		writeFieldError(w, "provider_id", "is required")
		return
	}
	resources, err := h.Store.ListResources(r.Context(), q.Get("provider_id"), q.Get("item_id"))
	if err != nil {
		h.writeServerError(w, "Failed to list resources", err)
		return
	}
	dtos := make([]ResourceDTO, len(resources))
	for i, res := range resources {
		dtos[i] = toResourceDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterResource creates or updates an inventory unit.
// POST /api/resources
func (h *Handler) RegisterResource(w http.ResponseWriter, r *http.Request) {
	var body RegisterResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var fields []workflow.FieldError
	if body.ID == "" {
		fields = append(fields, workflow.FieldError{Field: "id", Message: "is required"})
	}
	if body.ProviderID == "" {
		fields = append(fields, workflow.FieldError{Field: "provider_id", Message: "is required"})
	}
	if body.ItemID == "" {
		fields = append(fields, workflow.FieldError{Field: "item_id", Message: "is required"})
	}
	if !workflow.ProviderType(body.ProviderType).Valid() {
		fields = append(fields, workflow.FieldError{Field: "provider_type", Message: "must be one of [hotel transport]"})
	}
	if body.Capacity < 0 {
		fields = append(fields, workflow.FieldError{Field: "capacity", Message: "must be at least 0"})
	}
	if len(fields) > 0 {
		h.writeWorkflowError(w, "Invalid resource", &workflow.ValidationError{Fields: fields})
		return
	}

	res := workflow.Resource{
		ID:           body.ID,
		ProviderID:   body.ProviderID,
		ProviderType: workflow.ProviderType(body.ProviderType),
		ItemID:       body.ItemID,
		Name:         body.Name,
		Capacity:     body.Capacity,
	}
	if err := h.Store.SaveResource(r.Context(), res); err != nil {
		h.writeServerError(w, "Failed to save resource", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResourceDTO(res))
}

// SearchAvailability lists resources with enough free capacity.
// GET /api/availability?provider_id=&provider_type=&item_id=&start_date=&end_date=&quantity=
func (h *Handler) SearchAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("provider_id") == "" {
		writeFieldError(w, "provider_id", "is required")
		return
	}
	start, err := parseDay(q.Get("start_date"))
	if err != nil {
		writeFieldError(w, "start_date", "must be YYYY-MM-DD")
		return
	}
	end, err := parseDay(q.Get("end_date"))
	if err != nil {
		writeFieldError(w, "end_date", "must be YYYY-MM-DD")
		return
	}
	dates := workflow.NewDateRange(start, end)
	if err := dates.Validate(); err != nil {
		h.writeWorkflowError(w, "Invalid date range", err)
		return
	}
	quantity := 1
	if s := q.Get("quantity"); s != "" {
		if quantity, err = strconv.Atoi(s); err != nil || quantity < 1 {
			writeFieldError(w, "quantity", "must be at least 1")
			return
		}
	}

	resources, err := h.Service.Availability.ListAvailable(r.Context(), workflow.AvailabilityCriteria{
		ProviderID:   q.Get("provider_id"),
		ProviderType: workflow.ProviderType(q.Get("provider_type")),
		ItemID:       q.Get("item_id"),
		Dates:        dates,
		Quantity:     quantity,
	})
	if err != nil {
		h.writeServerError(w, "Failed to search availability", err)
		return
	}
	dtos := make([]ResourceDTO, len(resources))
	for i, res := range resources {
		dtos[i] = toResourceDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SWEEP HANDLERS
// =============================================================================

// RunSweep runs the expiration sweep synchronously.
// POST /api/sweep/run
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeper.Run(r.Context())
	if err != nil {
		h.writeServerError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListSweepRuns returns the most recent sweep runs.
// GET /api/sweep/runs
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := h.Store.ListSweepRuns(r.Context(), limit)
	if err != nil {
		h.writeServerError(w, "Failed to list sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServerError logs err and answers 500.
func (h *Handler) writeServerError(w http.ResponseWriter, message string, err error) {
	h.Logger.Error(message, "error", err)
	writeError(w, http.StatusInternalServerError, message, err)
}

func writeFieldError(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:  "Validation failed",
		Code:   workflow.CodeValidation,
		Fields: []workflow.FieldError{{Field: field, Message: message}},
	})
}

// writeWorkflowError maps workflow errors to HTTP statuses and error codes.
func (h *Handler) writeWorkflowError(w http.ResponseWriter, message string, err error) {
	status, resp := classifyError(message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeJSON(w, status, resp)
}

func classifyError(message string, err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		resp.Code = workflow.CodeValidation
		resp.Fields = verr.Fields
		return http.StatusBadRequest, resp
	}

	var coded *workflow.CodedError
	if errors.As(err, &coded) {
		resp.Code = coded.Code
		resp.Details = coded.Message
		switch coded.Code {
		case workflow.CodeDatabaseError, workflow.CodeBookingError:
			return http.StatusInternalServerError, resp
		case workflow.CodeValidation:
			return http.StatusBadRequest, resp
		default:
			return http.StatusConflict, resp
		}
	}

	switch {
	case workflow.IsNotFound(err):
		return http.StatusNotFound, resp
	case errors.Is(err, workflow.ErrNotRequestProvider), errors.Is(err, workflow.ErrNotRequestAgent):
		return http.StatusForbidden, resp
	case errors.Is(err, workflow.ErrValidation), errors.Is(err, workflow.ErrInvalidDateRange):
		resp.Code = workflow.CodeValidation
		return http.StatusBadRequest, resp
	case errors.Is(err, workflow.ErrRequestExpired):
		resp.Code = workflow.CodeRequestExpired
		return http.StatusConflict, resp
	case errors.Is(err, workflow.ErrResourceUnavailable):
		resp.Code = workflow.CodeRoomNotAvailable
		return http.StatusConflict, resp
	case workflow.IsClientError(err), workflow.IsRetryable(err):
		resp.Code = workflow.CodeConflict
		return http.StatusConflict, resp
	}
	return http.StatusInternalServerError, resp
}

func requestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func parseDay(s string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, s, time.UTC)
}
