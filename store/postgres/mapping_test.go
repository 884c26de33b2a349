package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seferet/allocation-engine/workflow"
)

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func TestRequestMapping_RoundTrip(t *testing.T) {
	responded := t0.Add(time.Hour)
	req := &workflow.ServiceRequest{
		ID:                7,
		UUID:              "5c7b2f0e-2d55-4d0e-9a55-1f3c1c0f5a11",
		PackageID:         "pkg-1",
		AgentID:           "agent-1",
		ProviderID:        "hotel-1",
		ProviderType:      workflow.ProviderHotel,
		ItemID:            "double-room",
		Dates:             workflow.NewDateRange(t0.AddDate(0, 0, 10), t0.AddDate(0, 0, 12)),
		RequestedQuantity: 2,
		OfferedPrice:      workflow.MustMoney("450.50", "SAR"),
		Status:            workflow.StatusApproved,
		ExpiresAt:         t0.Add(48 * time.Hour),
		RespondedBy:       "hotel-1",
		RespondedAt:       &responded,
		Metadata: workflow.RequestMetadata{
			AssignedResourceID: "block-a",
			BookingCreated:     true,
			BookingReference:   "BK-1A2B3C4D",
		},
		ReminderSent: true,
		Version:      3,
		CreatedAt:    t0,
		UpdatedAt:    responded,
	}

	m, err := requestToModel(req)
	require.NoError(t, err)
	assert.Equal(t, "approved", m.Status)
	assert.Equal(t, "SAR", m.Currency)
	assert.Contains(t, m.MetadataJSON, `"booking_reference":"BK-1A2B3C4D"`)

	back, err := modelToRequest(m)
	require.NoError(t, err)
	assert.Equal(t, req, back)
}

func TestModelToRequest_BadMetadata(t *testing.T) {
	_, err := modelToRequest(serviceRequestModel{ID: 1, MetadataJSON: "{"})

	assert.Error(t, err)
}

func TestAllocationMapping_RoundTrip(t *testing.T) {
	released := t0.Add(2 * time.Hour)
	a := &workflow.Allocation{
		ID:               3,
		ServiceRequestID: 7,
		ResourceID:       "block-a",
		Dates:            workflow.NewDateRange(t0.AddDate(0, 0, 10), t0.AddDate(0, 0, 12)),
		Quantity:         2,
		Status:           workflow.AllocationReleased,
		ExpiresAt:        t0.Add(72 * time.Hour),
		ReleaseReason:    workflow.ReleaseBookingFailed,
		ReleasedAt:       &released,
		ReleasedBy:       workflow.ActorSystem,
		AutoReleased:     true,
		CreatedAt:        t0,
	}

	back := modelToAllocation(allocationToModel(a))

	assert.Equal(t, a, back)
	assert.Len(t, modelsToAllocations([]allocationModel{allocationToModel(a)}), 1)
}

func TestModelToResource(t *testing.T) {
	res := modelToResource(resourceModel{ID: "bus-1", ProviderID: "bus-co", ProviderType: "transport", ItemID: "coach-50", Capacity: 50})

	assert.Equal(t, workflow.ProviderTransport, res.ProviderType)
	assert.Equal(t, 50, res.Capacity)
}
