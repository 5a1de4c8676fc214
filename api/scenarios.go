/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the tenant with realistic
	contracts and an open cash register, each one set up to demonstrate a
	specific settlement path. Dates are relative to the engine clock so a
	scenario looks the same whenever it is loaded.

AVAILABLE SCENARIOS:

	renewal-due:      1000.00 at 5%, due today; renewal costs 50.00
	overdue-payoff:   10 days past due; payoff is 1000 + 50 + 30.00 penalty
	defaulted:        45 days past due; only payoff is accepted
	new-disbursement: Contract awaiting the cash-out of its principal

HOW SCENARIOS WORK:
 1. Open a register for the calling operator with a float
 2. Import the scenario's contracts through the coordinator
 3. Return the created IDs so the UI can drive settlements

Scenarios never reset data; every load creates fresh contracts.

USAGE VIA API:

	POST /api/scenarios/load
	X-Tenant-ID: demo
	{"scenario_id": "overdue-payoff"}

SEE ALSO:
  - handlers.go: Settlement handlers the scenarios exercise
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/pawn-engine/credit"
)

const (
	demoTenant   = "demo"
	demoOperator = "demo-teller"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "renewal-due",
		Name:        "Renewal Due Today",
		Description: "1000.00 at 5% reaching its due date; renewal costs exactly 50.00",
	},
	{
		ID:          "overdue-payoff",
		Name:        "Overdue Payoff",
		Description: "10 days past due; payoff is 1080.00 including a 30.00 penalty",
	},
	{
		ID:          "defaulted",
		Name:        "Defaulted Contract",
		Description: "45 days past due; renewal is refused and payoff closes it",
	},
	{
		ID:          "new-disbursement",
		Name:        "New Disbursement",
		Description: "Freshly originated contract waiting for its principal to be paid out",
	},
}

// LoadScenarioResponse lists what a scenario created.
type LoadScenarioResponse struct {
	Scenario  ScenarioDTO   `json:"scenario"`
	TenantID  string        `json:"tenant_id"`
	Register  RegisterDTO   `json:"register"`
	Contracts []ContractDTO `json:"contracts"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario loads a predefined scenario into the caller's tenant
// (or "demo" when no tenant header is sent).
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scenario, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	tenant := tenantOf(r)
	if tenant == "" {
		tenant = demoTenant
	}
	operator := operatorOf(r)
	if operator == "" {
		operator = demoOperator
	}

	resp, err := h.loadScenario(r.Context(), scenario, tenant, operator)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.scenarioMu.Lock()
	h.currentScenario = scenario.ID
	h.scenarioMu.Unlock()

	writeJSON(w, http.StatusCreated, resp)
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{ID: id, Name: id}, false
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s ScenarioDTO, tenant credit.TenantID, operator string) (*LoadScenarioResponse, error) {
	reg, err := h.Coordinator.OpenRegister(ctx, tenant, operator, credit.NewAmount(5000))
	if err != nil {
		return nil, fmt.Errorf("open register: %w", err)
	}

	var contracts []credit.LoanContract
	switch s.ID {
	case "renewal-due":
		contracts = h.renewalDueContracts(tenant)
	case "overdue-payoff":
		contracts = h.overduePayoffContracts(tenant)
	case "defaulted":
		contracts = h.defaultedContracts(tenant)
	case "new-disbursement":
		contracts = h.newDisbursementContracts(tenant)
	}

	resp := &LoadScenarioResponse{
		Scenario: s,
		TenantID: string(tenant),
		Register: toRegisterDTO(*reg, reg.OpeningBalance),
	}
	for _, c := range contracts {
		saved, err := h.Coordinator.ImportContract(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("import contract for %s: %w", c.CustomerID, err)
		}
		resp.Contracts = append(resp.Contracts, toContractDTO(*saved))
	}
	return resp, nil
}

// demoContract is a disbursed 30-day contract due dueInDays from today.
func (h *Handler) demoContract(tenant credit.TenantID, customer, item string, principal int64, rate string, dueInDays int) credit.LoanContract {
	today := credit.StartOfDay(h.Coordinator.Clock.Now())
	due := credit.AddDays(today, dueInDays)
	originated := credit.AddDays(due, -30)
	return credit.LoanContract{
		TenantID:           tenant,
		CustomerID:         customer,
		ItemID:             item,
		Principal:          credit.NewAmount(principal),
		OutstandingBalance: credit.NewAmount(principal),
		InterestRate:       credit.NewRate(rate),
		OriginatedAt:       originated,
		DueDate:            due,
		TermDays:           30,
		Status:             credit.StatusCurrent,
		DisbursedAt:        &originated,
	}
}

func (h *Handler) renewalDueContracts(tenant credit.TenantID) []credit.LoanContract {
	c := h.demoContract(tenant, "cust-ana", "item-gold-ring", 1000, "5", 0)
	c.Status = credit.StatusDueSoon
	return []credit.LoanContract{c}
}

func (h *Handler) overduePayoffContracts(tenant credit.TenantID) []credit.LoanContract {
	c := h.demoContract(tenant, "cust-bruno", "item-laptop", 1000, "5", -10)
	c.Status = credit.StatusPastDue
	return []credit.LoanContract{c}
}

func (h *Handler) defaultedContracts(tenant credit.TenantID) []credit.LoanContract {
	c := h.demoContract(tenant, "cust-carla", "item-guitar", 800, "6", -45)
	c.Status = credit.StatusDefaulted
	return []credit.LoanContract{c}
}

func (h *Handler) newDisbursementContracts(tenant credit.TenantID) []credit.LoanContract {
	c := h.demoContract(tenant, "cust-diego", "item-watch", 1500, "4.5", 30)
	c.DisbursedAt = nil
	return []credit.LoanContract{c}
}
