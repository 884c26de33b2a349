// Package availability answers capacity questions from the inventory and
// the allocation ledger.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/seferet/allocation-engine/workflow"
)

// Inventory is the part of the store availability reads from.
type Inventory interface {
	GetResource(ctx context.Context, id string) (*workflow.Resource, error)
	ListResources(ctx context.Context, providerID, itemID string) ([]workflow.Resource, error)
	ResourceAllocations(ctx context.Context, resourceID string, dates workflow.DateRange) ([]workflow.Allocation, error)
}

// Provider computes free capacity as resource capacity minus the active
// allocations overlapping each day.
type Provider struct {
	Inventory Inventory
}

func NewProvider(inv Inventory) *Provider {
	return &Provider{Inventory: inv}
}

// IsAvailable reports whether q.Quantity units are free on every day of q.Dates.
// An unknown resource is never available.
func (p *Provider) IsAvailable(ctx context.Context, q workflow.AvailabilityQuery) (bool, error) {
	res, err := p.Inventory.GetResource(ctx, q.ResourceID)
	if errors.Is(err, workflow.ErrResourceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	free, err := p.free(ctx, *res, q.Dates, q.ExcludeRequestID)
	if err != nil {
		return false, err
	}
	return free >= q.Quantity, nil
}

// ListAvailable returns the resources that can hold c.Quantity units for
// c.Dates, most free capacity first.
func (p *Provider) ListAvailable(ctx context.Context, c workflow.AvailabilityCriteria) ([]workflow.Resource, error) {
	resources, err := p.Inventory.ListResources(ctx, c.ProviderID, c.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	type candidate struct {
		res  workflow.Resource
		free int
	}
	var candidates []candidate
	for _, res := range resources {
		if c.ProviderType != "" && res.ProviderType != c.ProviderType {
			continue
		}
		free, err := p.free(ctx, res, c.Dates, 0)
		if err != nil {
			return nil, err
		}
		if free >= c.Quantity {
			candidates = append(candidates, candidate{res: res, free: free})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].free != candidates[j].free {
			return candidates[i].free > candidates[j].free
		}
		return candidates[i].res.ID < candidates[j].res.ID
	})
	out := make([]workflow.Resource, len(candidates))
	for i, c := range candidates {
		out[i] = c.res
	}
	return out, nil
}

func (p *Provider) free(ctx context.Context, res workflow.Resource, dates workflow.DateRange, excludeRequestID int64) (int, error) {
	held, err := p.Inventory.ResourceAllocations(ctx, res.ID, dates)
	if err != nil {
		return 0, fmt.Errorf("failed to load allocations of %s: %w", res.ID, err)
	}
	return workflow.FreeCapacity(res, held, dates, excludeRequestID), nil
}
