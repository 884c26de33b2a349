package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/seferet/allocation-engine/workflow"
)

func requestToModel(req *workflow.ServiceRequest) (serviceRequestModel, error) {
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return serviceRequestModel{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return serviceRequestModel{
		ID:                req.ID,
		UUID:              req.UUID,
		PackageID:         req.PackageID,
		AgentID:           req.AgentID,
		ProviderID:        req.ProviderID,
		ProviderType:      string(req.ProviderType),
		ItemID:            req.ItemID,
		StartDate:         workflow.Day(req.Dates.Start),
		EndDate:           workflow.Day(req.Dates.End),
		RequestedQuantity: req.RequestedQuantity,
		OfferedPrice:      req.OfferedPrice.Amount,
		Currency:          req.OfferedPrice.Currency,
		Status:            string(req.Status),
		ExpiresAt:         req.ExpiresAt,
		ExpiredAt:         req.ExpiredAt,
		RespondedBy:       req.RespondedBy,
		RespondedAt:       req.RespondedAt,
		RejectionReason:   req.RejectionReason,
		Notes:             req.Notes,
		MetadataJSON:      string(metadataJSON),
		ReminderSent:      req.ReminderSent,
		Version:           req.Version,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
	}, nil
}

func modelToRequest(m serviceRequestModel) (*workflow.ServiceRequest, error) {
	req := &workflow.ServiceRequest{
		ID:                m.ID,
		UUID:              m.UUID,
		PackageID:         m.PackageID,
		AgentID:           m.AgentID,
		ProviderID:        m.ProviderID,
		ProviderType:      workflow.ProviderType(m.ProviderType),
		ItemID:            m.ItemID,
		Dates:             workflow.NewDateRange(m.StartDate, m.EndDate),
		RequestedQuantity: m.RequestedQuantity,
		OfferedPrice:      workflow.Money{Amount: m.OfferedPrice, Currency: m.Currency},
		Status:            workflow.RequestStatus(m.Status),
		ExpiresAt:         m.ExpiresAt.UTC(),
		ExpiredAt:         m.ExpiredAt,
		RespondedBy:       m.RespondedBy,
		RespondedAt:       m.RespondedAt,
		RejectionReason:   m.RejectionReason,
		Notes:             m.Notes,
		ReminderSent:      m.ReminderSent,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
	if m.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(m.MetadataJSON), &req.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata on request %d: %w", m.ID, err)
		}
	}
	return req, nil
}

func modelsToRequests(models []serviceRequestModel) ([]workflow.ServiceRequest, error) {
	out := make([]workflow.ServiceRequest, 0, len(models))
	for _, m := range models {
		req, err := modelToRequest(m)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, nil
}

func allocationToModel(a *workflow.Allocation) allocationModel {
	return allocationModel{
		ID:               a.ID,
		ServiceRequestID: a.ServiceRequestID,
		ResourceID:       a.ResourceID,
		StartDate:        workflow.Day(a.Dates.Start),
		EndDate:          workflow.Day(a.Dates.End),
		Quantity:         a.Quantity,
		Status:           string(a.Status),
		ExpiresAt:        a.ExpiresAt,
		ReleaseReason:    a.ReleaseReason,
		ReleasedAt:       a.ReleasedAt,
		ReleasedBy:       a.ReleasedBy,
		AutoReleased:     a.AutoReleased,
		CreatedAt:        a.CreatedAt,
	}
}

func modelToAllocation(m allocationModel) *workflow.Allocation {
	return &workflow.Allocation{
		ID:               m.ID,
		ServiceRequestID: m.ServiceRequestID,
		ResourceID:       m.ResourceID,
		Dates:            workflow.NewDateRange(m.StartDate, m.EndDate),
		Quantity:         m.Quantity,
		Status:           workflow.AllocationStatus(m.Status),
		ExpiresAt:        m.ExpiresAt.UTC(),
		ReleaseReason:    m.ReleaseReason,
		ReleasedAt:       m.ReleasedAt,
		ReleasedBy:       m.ReleasedBy,
		AutoReleased:     m.AutoReleased,
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func modelsToAllocations(models []allocationModel) []workflow.Allocation {
	out := make([]workflow.Allocation, 0, len(models))
	for _, m := range models {
		out = append(out, *modelToAllocation(m))
	}
	return out
}

func modelToResource(m resourceModel) *workflow.Resource {
	return &workflow.Resource{
		ID:           m.ID,
		ProviderID:   m.ProviderID,
		ProviderType: workflow.ProviderType(m.ProviderType),
		ItemID:       m.ItemID,
		Name:         m.Name,
		Capacity:     m.Capacity,
	}
}
