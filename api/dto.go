/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the workflow model from the external API contract: dates travel as
  YYYY-MM-DD strings, money as decimal strings, timestamps as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Service requests:
    RequestDTO, CreateRequestRequest, ApproveRequest, RejectRequest,
    CancelRequest, ApprovalResultDTO

  Inventory:
    ResourceDTO, RegisterResourceRequest, AllocationDTO, BookingDTO,
    ReleaseAllocationRequest

  Sweep:
    SweepRunDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  DTOs are pure data carriers. Field validation happens in the workflow
  inputs (validator tags); handlers only parse dates and ids.

SEE ALSO:
  - handlers.go: Uses these types
  - workflow/request.go: Input types the DTOs convert into
*/
package api

import (
	"time"

	"github.com/seferet/allocation-engine/workflow"
)

const dayLayout = "2006-01-02"

// =============================================================================
// SERVICE REQUESTS
// =============================================================================

// RequestDTO represents a service request in API responses.
type RequestDTO struct {
	ID                int64                    `json:"id"`
	UUID              string                   `json:"uuid"`
	PackageID         string                   `json:"package_id"`
	AgentID           string                   `json:"agent_id"`
	ProviderID        string                   `json:"provider_id"`
	ProviderType      string                   `json:"provider_type"`
	ItemID            string                   `json:"item_id"`
	StartDate         string                   `json:"start_date"`
	EndDate           string                   `json:"end_date"`
	RequestedQuantity int                      `json:"requested_quantity"`
	OfferedPrice      string                   `json:"offered_price"`
	Currency          string                   `json:"currency"`
	Status            string                   `json:"status"`
	ExpiresAt         string                   `json:"expires_at"`
	ExpiredAt         *string                  `json:"expired_at,omitempty"`
	RespondedBy       string                   `json:"responded_by,omitempty"`
	RespondedAt       *string                  `json:"responded_at,omitempty"`
	RejectionReason   string                   `json:"rejection_reason,omitempty"`
	Notes             string                   `json:"notes,omitempty"`
	Metadata          workflow.RequestMetadata `json:"metadata"`
	ReminderSent      bool                     `json:"reminder_sent"`
	Version           int64                    `json:"version"`
	CreatedAt         string                   `json:"created_at"`
	UpdatedAt         string                   `json:"updated_at"`
}

// CreateRequestRequest is the body of POST /api/requests.
type CreateRequestRequest struct {
	PackageID         string  `json:"package_id"`
	AgentID           string  `json:"agent_id"`
	ProviderID        string  `json:"provider_id"`
	ProviderType      string  `json:"provider_type"`
	ItemID            string  `json:"item_id"`
	StartDate         string  `json:"start_date"`
	EndDate           string  `json:"end_date"`
	RequestedQuantity int     `json:"requested_quantity"`
	OfferedPrice      string  `json:"offered_price"`
	Currency          string  `json:"currency"`
	ExpiresAt         *string `json:"expires_at,omitempty"`
	Notes             string  `json:"notes"`
}

// ApproveRequest is the body of POST /api/requests/{id}/approve.
type ApproveRequest struct {
	ProviderID      string `json:"provider_id"`
	ResourceID      string `json:"resource_id"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	Notes           string `json:"notes"`
}

// RejectRequest is the body of POST /api/requests/{id}/reject.
type RejectRequest struct {
	ProviderID      string `json:"provider_id"`
	Reason          string `json:"reason"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// CancelRequest is the body of POST /api/requests/{id}/cancel.
type CancelRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// ApprovalResultDTO is returned by the approve endpoint.
type ApprovalResultDTO struct {
	Outcome    string         `json:"outcome"`
	Request    RequestDTO     `json:"request"`
	Allocation *AllocationDTO `json:"allocation,omitempty"`
	Booking    *BookingDTO    `json:"booking,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Warning    string         `json:"warning,omitempty"`
}

// RequestDetailDTO is a request with its allocation history and booking.
type RequestDetailDTO struct {
	RequestDTO
	Allocations []AllocationDTO `json:"allocations"`
	Booking     *BookingDTO     `json:"booking,omitempty"`
}

// =============================================================================
// INVENTORY, ALLOCATIONS AND BOOKINGS
// =============================================================================

// ResourceDTO represents an inventory unit.
type ResourceDTO struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	ProviderType string `json:"provider_type"`
	ItemID       string `json:"item_id"`
	Name         string `json:"name"`
	Capacity     int    `json:"capacity"`
}

// RegisterResourceRequest is the body of POST /api/resources.
type RegisterResourceRequest ResourceDTO

// AllocationDTO represents an allocation in API responses.
type AllocationDTO struct {
	ID               int64   `json:"id"`
	ServiceRequestID int64   `json:"service_request_id"`
	ResourceID       string  `json:"resource_id"`
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date"`
	Quantity         int     `json:"quantity"`
	Status           string  `json:"status"`
	ExpiresAt        string  `json:"expires_at"`
	ReleaseReason    string  `json:"release_reason,omitempty"`
	ReleasedAt       *string `json:"released_at,omitempty"`
	ReleasedBy       string  `json:"released_by,omitempty"`
	AutoReleased     bool    `json:"auto_released"`
	CreatedAt        string  `json:"created_at"`
}

// ReleaseAllocationRequest is the body of POST /api/allocations/{id}/release.
type ReleaseAllocationRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ReleaseAllocationResponse reports whether the call changed anything.
type ReleaseAllocationResponse struct {
	Allocation      AllocationDTO `json:"allocation"`
	AlreadyReleased bool          `json:"already_released"`
}

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID               int64  `json:"id"`
	Reference        string `json:"reference"`
	ServiceRequestID int64  `json:"service_request_id"`
	AllocationID     int64  `json:"allocation_id"`
	Status           string `json:"status"`
	Total            string `json:"total"`
	Currency         string `json:"currency"`
	CreatedAt        string `json:"created_at"`
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepRunDTO represents one expiration sweep run.
type SweepRunDTO struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Report      workflow.SweepReport `json:"report"`
	Error       string               `json:"error,omitempty"`
	StartedAt   string               `json:"started_at"`
	CompletedAt *string              `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                `json:"error"`
	Code    string                `json:"code,omitempty"`
	Details string                `json:"details,omitempty"`
	Fields  []workflow.FieldError `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRequestDTO(r *workflow.ServiceRequest) RequestDTO {
	return RequestDTO{
		ID:                r.ID,
		UUID:              r.UUID,
		PackageID:         r.PackageID,
		AgentID:           r.AgentID,
		ProviderID:        r.ProviderID,
		ProviderType:      string(r.ProviderType),
		ItemID:            r.ItemID,
		StartDate:         r.Dates.Start.Format(dayLayout),
		EndDate:           r.Dates.End.Format(dayLayout),
		RequestedQuantity: r.RequestedQuantity,
		OfferedPrice:      r.OfferedPrice.Amount.StringFixed(2),
		Currency:          r.OfferedPrice.Currency,
		Status:            string(r.Status),
		ExpiresAt:         formatTime(r.ExpiresAt),
		ExpiredAt:         formatTimePtr(r.ExpiredAt),
		RespondedBy:       r.RespondedBy,
		RespondedAt:       formatTimePtr(r.RespondedAt),
		RejectionReason:   r.RejectionReason,
		Notes:             r.Notes,
		Metadata:          r.Metadata,
		ReminderSent:      r.ReminderSent,
		Version:           r.Version,
		CreatedAt:         formatTime(r.CreatedAt),
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
}

func toAllocationDTO(a *workflow.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:               a.ID,
		ServiceRequestID: a.ServiceRequestID,
		ResourceID:       a.ResourceID,
		StartDate:        a.Dates.Start.Format(dayLayout),
		EndDate:          a.Dates.End.Format(dayLayout),
		Quantity:         a.Quantity,
		Status:           string(a.Status),
		ExpiresAt:        formatTime(a.ExpiresAt),
		ReleaseReason:    a.ReleaseReason,
		ReleasedAt:       formatTimePtr(a.ReleasedAt),
		ReleasedBy:       a.ReleasedBy,
		AutoReleased:     a.AutoReleased,
		CreatedAt:        formatTime(a.CreatedAt),
	}
}

func toBookingDTO(b *workflow.Booking) *BookingDTO {
	if b == nil {
		return nil
	}
	return &BookingDTO{
		ID:               b.ID,
		Reference:        b.Reference,
		ServiceRequestID: b.ServiceRequestID,
		AllocationID:     b.AllocationID,
		Status:           string(b.Status),
		Total:            b.Total.Amount.StringFixed(2),
		Currency:         b.Total.Currency,
		CreatedAt:        formatTime(b.CreatedAt),
	}
}

func toResourceDTO(r workflow.Resource) ResourceDTO {
	return ResourceDTO{
		ID:           r.ID,
		ProviderID:   r.ProviderID,
		ProviderType: string(r.ProviderType),
		ItemID:       r.ItemID,
		Name:         r.Name,
		Capacity:     r.Capacity,
	}
}

func toApprovalResultDTO(res *workflow.ApprovalResult) ApprovalResultDTO {
	dto := ApprovalResultDTO{
		Outcome:   string(res.Outcome),
		Request:   toRequestDTO(res.Request),
		Booking:   toBookingDTO(res.Booking),
		ErrorCode: res.ErrorCode,
		Message:   res.Message,
		Warning:   res.Warning,
	}
	if res.Allocation != nil {
		a := toAllocationDTO(res.Allocation)
		dto.Allocation = &a
	}
	return dto
}

func toSweepRunDTO(run workflow.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:          run.ID,
		Status:      run.Status,
		Report:      run.Report,
		Error:       run.Error,
		StartedAt:   formatTime(run.StartedAt),
		CompletedAt: formatTimePtr(run.CompletedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
