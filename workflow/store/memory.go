// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seferet/allocation-engine/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	requests    map[int64]workflow.ServiceRequest
	allocations map[int64]workflow.Allocation
	resources   map[string]workflow.Resource
	bookings    map[int64]workflow.Booking
	runs        []workflow.SweepRun
	nextID      int64
}

func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[int64]workflow.ServiceRequest),
		allocations: make(map[int64]workflow.Allocation),
		resources:   make(map[string]workflow.Resource),
		bookings:    make(map[int64]workflow.Booking),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) CreateRequest(_ context.Context, req *workflow.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRequestLocked(req)
}

func (m *Memory) createRequestLocked(req *workflow.ServiceRequest) error {
	req.ID = m.id()
	req.Version = 1
	m.requests[req.ID] = *req
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id int64) (*workflow.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequestLocked(id)
}

func (m *Memory) getRequestLocked(id int64) (*workflow.ServiceRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, workflow.ErrRequestNotFound
	}
	return &req, nil
}

func (m *Memory) GetRequestByUUID(_ context.Context, uuid string) (*workflow.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.requests {
		if req.UUID == uuid {
			r := req
			return &r, nil
		}
	}
	return nil, workflow.ErrRequestNotFound
}

func (m *Memory) ListRequests(_ context.Context, f workflow.RequestFilter) ([]workflow.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []workflow.ServiceRequest
	for _, req := range m.sortedRequests() {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.AgentID != "" && req.AgentID != f.AgentID {
			continue
		}
		if f.ProviderID != "" && req.ProviderID != f.ProviderID {
			continue
		}
		if f.PackageID != "" && req.PackageID != f.PackageID {
			continue
		}
		out = append(out, req)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateRequest(_ context.Context, req *workflow.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRequestLocked(req)
}

func (m *Memory) updateRequestLocked(req *workflow.ServiceRequest) error {
	cur, ok := m.requests[req.ID]
	if !ok {
		return workflow.ErrRequestNotFound
	}
	if cur.Version != req.Version {
		return workflow.ErrConcurrentModification
	}
	req.Version++
	m.requests[req.ID] = *req
	return nil
}

func (m *Memory) DuePendingRequests(_ context.Context, now time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageRequests(afterID, limit, func(r workflow.ServiceRequest) bool {
		return r.IsDue(now)
	}), nil
}

func (m *Memory) RemindableRequests(_ context.Context, now, until time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageRequests(afterID, limit, func(r workflow.ServiceRequest) bool {
		return r.Status == workflow.StatusPending && !r.ReminderSent &&
			r.ExpiresAt.After(now) && !r.ExpiresAt.After(until)
	}), nil
}

func (m *Memory) pageRequests(afterID int64, limit int, match func(workflow.ServiceRequest) bool) []workflow.ServiceRequest {
	var out []workflow.ServiceRequest
	for _, req := range m.sortedRequests() {
		if req.ID <= afterID || !match(req) {
			continue
		}
		out = append(out, req)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *Memory) sortedRequests() []workflow.ServiceRequest {
	out := make([]workflow.ServiceRequest, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (m *Memory) CreateAllocation(_ context.Context, alloc *workflow.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAllocationLocked(alloc)
}

func (m *Memory) createAllocationLocked(alloc *workflow.Allocation) error {
	if alloc.IsActive() && m.activeAllocationLocked(alloc.ServiceRequestID) != nil {
		return workflow.ErrActiveAllocationExists
	}
	alloc.ID = m.id()
	m.allocations[alloc.ID] = *alloc
	return nil
}

func (m *Memory) GetAllocation(_ context.Context, id int64) (*workflow.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAllocationLocked(id)
}

func (m *Memory) getAllocationLocked(id int64) (*workflow.Allocation, error) {
	a, ok := m.allocations[id]
	if !ok {
		return nil, workflow.ErrAllocationNotFound
	}
	return &a, nil
}

func (m *Memory) ActiveAllocation(_ context.Context, requestID int64) (*workflow.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAllocationLocked(requestID), nil
}

func (m *Memory) activeAllocationLocked(requestID int64) *workflow.Allocation {
	for _, a := range m.allocations {
		if a.ServiceRequestID == requestID && a.IsActive() {
			found := a
			return &found
		}
	}
	return nil
}

func (m *Memory) ListAllocations(_ context.Context, requestID int64) ([]workflow.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAllocations(func(a workflow.Allocation) bool {
		return a.ServiceRequestID == requestID
	}), nil
}

func (m *Memory) UpdateAllocation(_ context.Context, alloc *workflow.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAllocationLocked(alloc)
}

func (m *Memory) updateAllocationLocked(alloc *workflow.Allocation) error {
	if _, ok := m.allocations[alloc.ID]; !ok {
		return workflow.ErrAllocationNotFound
	}
	m.allocations[alloc.ID] = *alloc
	return nil
}

func (m *Memory) DueAllocations(_ context.Context, now time.Time, afterID int64, limit int) ([]workflow.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterAllocations(func(a workflow.Allocation) bool {
		return a.ID > afterID && a.IsActive() && a.ExpiresAt.Before(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ResourceAllocations(_ context.Context, resourceID string, dates workflow.DateRange) ([]workflow.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resourceAllocationsLocked(resourceID, dates), nil
}

func (m *Memory) resourceAllocationsLocked(resourceID string, dates workflow.DateRange) []workflow.Allocation {
	return m.filterAllocations(func(a workflow.Allocation) bool {
		return a.ResourceID == resourceID && a.IsActive() && a.Dates.Overlaps(dates)
	})
}

func (m *Memory) filterAllocations(match func(workflow.Allocation) bool) []workflow.Allocation {
	var out []workflow.Allocation
	for _, a := range m.allocations {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// RESOURCES
// =============================================================================

func (m *Memory) SaveResource(_ context.Context, res workflow.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[res.ID] = res
	return nil
}

func (m *Memory) GetResource(_ context.Context, id string) (*workflow.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getResourceLocked(id)
}

func (m *Memory) getResourceLocked(id string) (*workflow.Resource, error) {
	res, ok := m.resources[id]
	if !ok {
		return nil, workflow.ErrResourceNotFound
	}
	return &res, nil
}

func (m *Memory) ListResources(_ context.Context, providerID, itemID string) ([]workflow.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listResourcesLocked(providerID, itemID), nil
}

func (m *Memory) listResourcesLocked(providerID, itemID string) []workflow.Resource {
	var out []workflow.Resource
	for _, res := range m.resources {
		if res.ProviderID != providerID {
			continue
		}
		if itemID != "" && res.ItemID != itemID {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out
}

// =============================================================================
// BOOKINGS & SWEEP RUNS
// =============================================================================

func (m *Memory) CreateBooking(_ context.Context, b *workflow.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.id()
	m.bookings[b.ID] = *b
	return nil
}

func (m *Memory) BookingForRequest(_ context.Context, requestID int64) (*workflow.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.ServiceRequestID == requestID && b.Status == workflow.BookingCreated {
			found := b
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveSweepRun(_ context.Context, run workflow.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListSweepRuns returns the most recent runs first.
func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]workflow.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []workflow.SweepRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[int64]workflow.ServiceRequest)
	m.allocations = make(map[int64]workflow.Allocation)
	m.resources = make(map[string]workflow.Resource)
	m.bookings = make(map[int64]workflow.Booking)
	m.runs = nil
	m.nextID = 0
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(workflow.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	requests    map[int64]workflow.ServiceRequest
	allocations map[int64]workflow.Allocation
	resources   map[string]workflow.Resource
	nextID      int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		requests:    make(map[int64]workflow.ServiceRequest, len(tm.requests)),
		allocations: make(map[int64]workflow.Allocation, len(tm.allocations)),
		resources:   make(map[string]workflow.Resource, len(tm.resources)),
		nextID:      tm.nextID,
	}
	for k, v := range tm.requests {
		s.requests[k] = v
	}
	for k, v := range tm.allocations {
		s.allocations[k] = v
	}
	for k, v := range tm.resources {
		s.resources[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.requests = s.requests
	tm.allocations = s.allocations
	tm.resources = s.resources
	tm.nextID = s.nextID
}

// txMemoryView runs on the parent's maps while WithTx holds the lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateRequest(_ context.Context, req *workflow.ServiceRequest) error {
	return tv.parent.createRequestLocked(req)
}

func (tv *txMemoryView) GetRequest(_ context.Context, id int64) (*workflow.ServiceRequest, error) {
	return tv.parent.getRequestLocked(id)
}

func (tv *txMemoryView) GetRequestByUUID(_ context.Context, uuid string) (*workflow.ServiceRequest, error) {
	for _, req := range tv.parent.requests {
		if req.UUID == uuid {
			r := req
			return &r, nil
		}
	}
	return nil, workflow.ErrRequestNotFound
}

func (tv *txMemoryView) ListRequests(_ context.Context, f workflow.RequestFilter) ([]workflow.ServiceRequest, error) {
	return tv.parent.pageRequests(0, f.Limit, func(r workflow.ServiceRequest) bool {
		return (f.Status == "" || r.Status == f.Status) &&
			(f.AgentID == "" || r.AgentID == f.AgentID) &&
			(f.ProviderID == "" || r.ProviderID == f.ProviderID) &&
			(f.PackageID == "" || r.PackageID == f.PackageID)
	}), nil
}

func (tv *txMemoryView) UpdateRequest(_ context.Context, req *workflow.ServiceRequest) error {
	return tv.parent.updateRequestLocked(req)
}

func (tv *txMemoryView) DuePendingRequests(_ context.Context, now time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	return tv.parent.pageRequests(afterID, limit, func(r workflow.ServiceRequest) bool {
		return r.IsDue(now)
	}), nil
}

func (tv *txMemoryView) RemindableRequests(_ context.Context, now, until time.Time, afterID int64, limit int) ([]workflow.ServiceRequest, error) {
	return tv.parent.pageRequests(afterID, limit, func(r workflow.ServiceRequest) bool {
		return r.Status == workflow.StatusPending && !r.ReminderSent &&
			r.ExpiresAt.After(now) && !r.ExpiresAt.After(until)
	}), nil
}

func (tv *txMemoryView) CreateAllocation(_ context.Context, alloc *workflow.Allocation) error {
	return tv.parent.createAllocationLocked(alloc)
}

func (tv *txMemoryView) GetAllocation(_ context.Context, id int64) (*workflow.Allocation, error) {
	return tv.parent.getAllocationLocked(id)
}

func (tv *txMemoryView) ActiveAllocation(_ context.Context, requestID int64) (*workflow.Allocation, error) {
	return tv.parent.activeAllocationLocked(requestID), nil
}

func (tv *txMemoryView) ListAllocations(_ context.Context, requestID int64) ([]workflow.Allocation, error) {
	return tv.parent.filterAllocations(func(a workflow.Allocation) bool {
		return a.ServiceRequestID == requestID
	}), nil
}

func (tv *txMemoryView) UpdateAllocation(_ context.Context, alloc *workflow.Allocation) error {
	return tv.parent.updateAllocationLocked(alloc)
}

func (tv *txMemoryView) DueAllocations(_ context.Context, now time.Time, afterID int64, limit int) ([]workflow.Allocation, error) {
	out := tv.parent.filterAllocations(func(a workflow.Allocation) bool {
		return a.ID > afterID && a.IsActive() && a.ExpiresAt.Before(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tv *txMemoryView) ResourceAllocations(_ context.Context, resourceID string, dates workflow.DateRange) ([]workflow.Allocation, error) {
	return tv.parent.resourceAllocationsLocked(resourceID, dates), nil
}

func (tv *txMemoryView) SaveResource(_ context.Context, res workflow.Resource) error {
	tv.parent.resources[res.ID] = res
	return nil
}

func (tv *txMemoryView) GetResource(_ context.Context, id string) (*workflow.Resource, error) {
	return tv.parent.getResourceLocked(id)
}

func (tv *txMemoryView) ListResources(_ context.Context, providerID, itemID string) ([]workflow.Resource, error) {
	return tv.parent.listResourcesLocked(providerID, itemID), nil
}
