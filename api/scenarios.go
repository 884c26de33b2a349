/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	marketplace data: hotel room blocks and transport fleets, agents asking
	for capacity against Umrah packages, and requests in every state the
	workflow can reach.

AVAILABLE SCENARIOS:

	hotel-season:   Two room blocks, three pending requests, one approved
	sold-out:       A block fully held; the next approval fails with NO_ROOMS_AVAILABLE
	expiring:       Requests past their deadline and one close to it (run the sweep)
	transport:      Bus fleet with per-trip pricing

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register resources
 3. Create requests through the ApprovalService
 4. Approve/reject some of them

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sold-out"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Workflow endpoints to play with the loaded data
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/seferet/allocation-engine/workflow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "hotel-season",
		Name:        "Hotel Season",
		Description: "Two Makkah room blocks, three pending requests and one approved booking",
		Category:    "hotel",
	},
	{
		ID:          "sold-out",
		Name:        "Sold Out",
		Description: "A room block fully held by an approved request; approving the next one fails",
		Category:    "hotel",
	},
	{
		ID:          "expiring",
		Name:        "Expiring Requests",
		Description: "Requests past their response deadline and one expiring soon; run the sweep",
		Category:    "sweep",
	},
	{
		ID:          "transport",
		Name:        "Transport Fleet",
		Description: "Jeddah-Makkah bus fleet with per-trip pricing",
		Category:    "transport",
	},
}

// resetter is implemented by stores that can wipe their data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "hotel-season":
		load = h.loadHotelSeasonScenario
	case "sold-out":
		load = h.loadSoldOutScenario
	case "expiring":
		load = h.loadExpiringScenario
	case "transport":
		load = h.loadTransportScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if !h.reset(ctx, w) {
		return
	}
	if err := load(ctx); err != nil {
		h.writeServerError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if !h.reset(r.Context(), w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context, w http.ResponseWriter) bool {
	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return false
	}
	if err := rs.Reset(ctx); err != nil {
		h.writeServerError(w, "Failed to reset database", err)
		return false
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return true
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const (
	demoHotel     = "hotel-makkah-hilton"
	demoTransport = "saptco-jeddah"
	demoPackage   = "pkg-umrah-ramadan"
)

// demoDay returns the UTC day offset days from the service clock.
func (h *Handler) demoDay(offset int) time.Time {
	return workflow.Day(h.Service.Clock.Now()).AddDate(0, 0, offset)
}

func (h *Handler) saveResources(ctx context.Context, resources ...workflow.Resource) error {
	for _, res := range resources {
		if err := h.Store.SaveResource(ctx, res); err != nil {
			return fmt.Errorf("failed to save resource %s: %w", res.ID, err)
		}
	}
	return nil
}

func (h *Handler) hotelRequest(agent string, startOffset, nights, rooms int, price string) workflow.CreateRequestInput {
	return workflow.CreateRequestInput{
		PackageID:    demoPackage,
		AgentID:      agent,
		ProviderID:   demoHotel,
		ProviderType: workflow.ProviderHotel,
		ItemID:       "double-room",
		StartDate:    h.demoDay(startOffset),
		EndDate:      h.demoDay(startOffset + nights),
		Quantity:     rooms,
		OfferedPrice: price,
		Currency:     workflow.DefaultCurrency,
	}
}

func (h *Handler) loadHotelSeasonScenario(ctx context.Context) error {
	if err := h.saveResources(ctx,
		workflow.Resource{ID: "hilton-double-a", ProviderID: demoHotel, ProviderType: workflow.ProviderHotel, ItemID: "double-room", Name: "Double rooms, tower A", Capacity: 10},
		workflow.Resource{ID: "hilton-double-b", ProviderID: demoHotel, ProviderType: workflow.ProviderHotel, ItemID: "double-room", Name: "Double rooms, tower B", Capacity: 6},
	); err != nil {
		return err
	}

	inputs := []workflow.CreateRequestInput{
		h.hotelRequest("agent-alharamain", 30, 5, 4, "650.00"),
		h.hotelRequest("agent-safa-travel", 32, 3, 2, "700.00"),
		h.hotelRequest("agent-zamzam-tours", 35, 7, 8, "600.00"),
		h.hotelRequest("agent-alharamain", 40, 4, 3, "680.00"),
	}
	var created []*workflow.ServiceRequest
	for _, in := range inputs {
		req, err := h.Service.CreateRequest(ctx, in)
		if err != nil {
			return err
		}
		created = append(created, req)
	}

	_, err := h.Service.Approve(ctx, workflow.ApproveInput{
		RequestID:  created[0].ID,
		ProviderID: demoHotel,
		Notes:      "Confirmed for the Ramadan group",
	})
	return err
}

func (h *Handler) loadSoldOutScenario(ctx context.Context) error {
	if err := h.saveResources(ctx,
		workflow.Resource{ID: "hilton-suite", ProviderID: demoHotel, ProviderType: workflow.ProviderHotel, ItemID: "double-room", Name: "Haram view block", Capacity: 4},
	); err != nil {
		return err
	}

	first, err := h.Service.CreateRequest(ctx, h.hotelRequest("agent-alharamain", 20, 5, 4, "900.00"))
	if err != nil {
		return err
	}
	if _, err := h.Service.CreateRequest(ctx, h.hotelRequest("agent-safa-travel", 22, 2, 1, "950.00")); err != nil {
		return err
	}

	_, err = h.Service.Approve(ctx, workflow.ApproveInput{RequestID: first.ID, ProviderID: demoHotel})
	return err
}

func (h *Handler) loadExpiringScenario(ctx context.Context) error {
	if err := h.saveResources(ctx,
		workflow.Resource{ID: "hilton-double-a", ProviderID: demoHotel, ProviderType: workflow.ProviderHotel, ItemID: "double-room", Name: "Double rooms, tower A", Capacity: 10},
	); err != nil {
		return err
	}

	now := h.Service.Clock.Now()
	// Past deadlines cannot go through CreateRequest.
	for i, agent := range []string{"agent-alharamain", "agent-safa-travel", "agent-zamzam-tours"} {
		req := &workflow.ServiceRequest{
			UUID:              uuid.NewString(),
			PackageID:         demoPackage,
			AgentID:           agent,
			ProviderID:        demoHotel,
			ProviderType:      workflow.ProviderHotel,
			ItemID:            "double-room",
			Dates:             workflow.NewDateRange(h.demoDay(15+i), h.demoDay(18+i)),
			RequestedQuantity: 2,
			OfferedPrice:      workflow.MustMoney("500", workflow.DefaultCurrency),
			Status:            workflow.StatusPending,
			ExpiresAt:         now.Add(-time.Duration(i+1) * time.Hour),
			CreatedAt:         now.Add(-72 * time.Hour),
			UpdatedAt:         now.Add(-72 * time.Hour),
		}
		if err := h.Store.CreateRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to create expired request: %w", err)
		}
	}

	soon := now.Add(time.Hour)
	in := h.hotelRequest("agent-zamzam-tours", 25, 3, 1, "520.00")
	in.ExpiresAt = &soon
	_, err := h.Service.CreateRequest(ctx, in)
	return err
}

func (h *Handler) loadTransportScenario(ctx context.Context) error {
	if err := h.saveResources(ctx,
		workflow.Resource{ID: "saptco-bus-49", ProviderID: demoTransport, ProviderType: workflow.ProviderTransport, ItemID: "bus-49-seat", Name: "49 seat coaches", Capacity: 6},
		workflow.Resource{ID: "saptco-van-14", ProviderID: demoTransport, ProviderType: workflow.ProviderTransport, ItemID: "van-14-seat", Name: "14 seat vans", Capacity: 10},
	); err != nil {
		return err
	}

	for _, in := range []workflow.CreateRequestInput{
		{
			PackageID: demoPackage, AgentID: "agent-alharamain", ProviderID: demoTransport,
			ProviderType: workflow.ProviderTransport, ItemID: "bus-49-seat",
			StartDate: h.demoDay(30), EndDate: h.demoDay(30), Quantity: 2, OfferedPrice: "1800.00",
		},
		{
			PackageID: demoPackage, AgentID: "agent-safa-travel", ProviderID: demoTransport,
			ProviderType: workflow.ProviderTransport, ItemID: "van-14-seat",
			StartDate: h.demoDay(31), EndDate: h.demoDay(32), Quantity: 3, OfferedPrice: "450.00",
		},
	} {
		if _, err := h.Service.CreateRequest(ctx, in); err != nil {
			return err
		}
	}
	return nil
}
