/*
handlers.go - HTTP API handlers for the pawn credit engine

PURPOSE:
  Exposes the settlement coordinator via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the credit package.

ENDPOINTS:
  Contracts:
    GET    /api/contracts                    List contracts of the tenant
    POST   /api/contracts                    Import a contract from origination
    GET    /api/contracts/{id}               Contract details
    GET    /api/contracts/{id}/snapshot      What the contract owes (?as_of=, ?recompute=true)
    GET    /api/contracts/{id}/payments      Payment history

  Settlement:
    POST   /api/contracts/{id}/settle        Renewal, payoff, disbursement
    POST   /api/contracts/{id}/extend        Term extension (no cash)
    POST   /api/contracts/{id}/forgive       Penalty forgiveness (no cash)

  Registers:
    POST   /api/registers                    Open a register for the operator
    GET    /api/registers/{id}               Register with expected balance
    POST   /api/registers/{id}/close         Close a register

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario

REQUEST CONTEXT:
  X-Tenant-ID   tenant the caller acts for (required)
  X-Operator-ID authenticated operator, resolved upstream
  Idempotency-Key on settle, overrides the body field

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 403: Operation needs a justification the caller did not give
  - 404: Contract or register not found (or owned by another tenant)
  - 409: Contract not settleable, register closed, persistent conflict
  - 422: Tendered amount mismatch, register cannot cover an outflow
  - 500: Corrupted contract state, internal errors

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
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/pawn-engine/credit"
)

const (
	headerTenant      = "X-Tenant-ID"
	headerOperator    = "X-Operator-ID"
	headerIdempotency = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *credit.Coordinator
	Store       credit.TxStore
	Log         logrus.FieldLogger

	// Track currently loaded scenario
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around a coordinator.
func NewHandler(coord *credit.Coordinator) *Handler {
	return &Handler{
		Coordinator: coord,
		Store:       coord.Store,
		Log:         coord.Log,
	}
}

func tenantOf(r *http.Request) credit.TenantID {
	return credit.TenantID(r.Header.Get(headerTenant))
}

func operatorOf(r *http.Request) string {
	return r.Header.Get(headerOperator)
}

// requireTenant rejects requests without a tenant header.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerTenant) == "" {
			writeError(w, http.StatusBadRequest, "Missing "+headerTenant+" header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns the tenant's contracts.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.Store.ListContracts(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list contracts", err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateContract imports a contract handed over by origination.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	originated, err := parseTime(req.OriginatedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid originated_at (use RFC3339 or YYYY-MM-DD)", err)
		return
	}
	contract := credit.LoanContract{
		ID:           credit.ContractID(req.ID),
		TenantID:     tenantOf(r),
		CustomerID:   req.CustomerID,
		ItemID:       req.ItemID,
		Principal:    req.Principal,
		InterestRate: req.InterestRate,
		OriginatedAt: originated,
		TermDays:     req.TermDays,
	}
	if req.DueDate != "" {
		if contract.DueDate, err = parseTime(req.DueDate); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date (use RFC3339 or YYYY-MM-DD)", err)
			return
		}
	}

	saved, err := h.Coordinator.ImportContract(r.Context(), contract)
	if err != nil {
		// Intake validation failures are the caller's input, not corrupted state.
		if errors.Is(err, credit.ErrInvalidContractState) {
			writeError(w, http.StatusBadRequest, "Invalid contract", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to import contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(*saved))
}

// GetContract returns a single contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	contract, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*contract))
}

// GetSnapshot returns the amounts owed at as_of (default now). With
// recompute=true the accrued interest is derived from the rate instead of the
// maintained value.
// GET /api/contracts/{id}/snapshot?as_of=2025-03-01&recompute=true
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var asOf time.Time
	if raw := query.Get("as_of"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of (use RFC3339 or YYYY-MM-DD)", err)
			return
		}
		asOf = t
	}

	compute := h.Coordinator.ComputeSnapshot
	if raw := query.Get("recompute"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid recompute (use true or false)", err)
			return
		}
		if force {
			compute = h.Coordinator.RecomputeSnapshot
		}
	}

	snap, err := compute(r.Context(), tenantOf(r), contractID(r), asOf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// GetPayments returns the contract's payment history in commit order.
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	contract, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	payments, err := h.Store.ListPayments(r.Context(), contract.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// Settle applies a cash operation to a contract.
// POST /api/contracts/{id}/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// Cash operations must carry a caller-chosen key; retries reuse it.
	key := r.Header.Get(headerIdempotency)
	if key == "" {
		key = req.IdempotencyKey
	}
	method := credit.PaymentMethod(req.Method)
	if method == "" {
		method = credit.MethodCash
	}

	res, err := h.Coordinator.Settle(r.Context(), credit.SettleRequest{
		TenantID:       tenantOf(r),
		ContractID:     contractID(r),
		Operation:      credit.OperationType(req.Operation),
		Tendered:       req.Amount,
		RegisterID:     credit.RegisterID(req.RegisterID),
		OperatorID:     operatorOf(r),
		IdempotencyKey: key,
		Method:         method,
		Justification:  req.Justification,
		ForgivenAmount: req.ForgivenAmount,
		ExtensionDays:  req.ExtensionDays,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeSettleResult(w, res)
}

// ExtendTerm pushes the due date.
// POST /api/contracts/{id}/extend
func (h *Handler) ExtendTerm(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Coordinator.Settle(r.Context(), credit.SettleRequest{
		TenantID:       tenantOf(r),
		ContractID:     contractID(r),
		Operation:      credit.OpTermExtension,
		Tendered:       credit.ZeroAmount(),
		OperatorID:     operatorOf(r),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Method:         credit.MethodNone,
		Justification:  req.Justification,
		ExtensionDays:  req.Days,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeSettleResult(w, res)
}

// ForgivePenalty reduces the outstanding balance.
// POST /api/contracts/{id}/forgive
func (h *Handler) ForgivePenalty(w http.ResponseWriter, r *http.Request) {
	var req ForgiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Coordinator.ForgivePenalty(r.Context(), tenantOf(r), contractID(r),
		req.Amount, req.Justification, operatorOf(r), idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeSettleResult(w, res)
}

func writeSettleResult(w http.ResponseWriter, res *credit.SettleResult) {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toSettleResponse(res))
}

// =============================================================================
// REGISTER HANDLERS
// =============================================================================

// OpenRegister opens a register for the calling operator.
func (h *Handler) OpenRegister(w http.ResponseWriter, r *http.Request) {
	var req OpenRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	reg, err := h.Coordinator.OpenRegister(r.Context(), tenantOf(r), operatorOf(r), req.OpeningBalance)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegisterDTO(*reg, reg.OpeningBalance))
}

// GetRegister returns a register and the balance its payment records imply.
func (h *Handler) GetRegister(w http.ResponseWriter, r *http.Request) {
	reg, err := h.Coordinator.GetRegister(r.Context(), tenantOf(r), registerID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	records, err := h.Store.ListRegisterPayments(r.Context(), reg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list register payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toRegisterDTO(*reg, credit.ExpectedRegisterBalance(*reg, records)))
}

// CloseRegister ends the register session.
func (h *Handler) CloseRegister(w http.ResponseWriter, r *http.Request) {
	reg, err := h.Coordinator.CloseRegister(r.Context(), tenantOf(r), registerID(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	records, err := h.Store.ListRegisterPayments(r.Context(), reg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list register payments", err)
		return
	}
	expected := credit.ExpectedRegisterBalance(*reg, records)
	if !expected.Equal(reg.CurrentBalance) {
		h.Log.WithFields(logrus.Fields{
			"register_id": reg.ID,
			"expected":    expected.String(),
			"current":     reg.CurrentBalance.String(),
		}).Error("register does not reconcile with its payment records")
	}
	writeJSON(w, http.StatusOK, toRegisterDTO(*reg, expected))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadContract(w http.ResponseWriter, r *http.Request) (*credit.LoanContract, bool) {
	contract, err := h.Store.GetContract(r.Context(), contractID(r))
	if err == nil && contract.TenantID != tenantOf(r) {
		err = credit.ErrEntityNotFound
	}
	if err != nil {
		h.writeDomainError(w, err)
		return nil, false
	}
	return contract, true
}

func contractID(r *http.Request) credit.ContractID {
	return credit.ContractID(chi.URLParam(r, "id"))
}

func registerID(r *http.Request) credit.RegisterID {
	return credit.RegisterID(chi.URLParam(r, "id"))
}

// idempotencyKey prefers the header, then the body. Non-cash operations may
// omit it; a fresh key is generated so the record is still addressable.
func idempotencyKey(r *http.Request, fromBody string) string {
	if key := r.Header.Get(headerIdempotency); key != "" {
		return key
	}
	if fromBody != "" {
		return fromBody
	}
	return uuid.NewString()
}

// parseTime accepts RFC3339 or a bare date (midnight UTC).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(dateLayout, s)
}

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

// writeDomainError maps credit errors to HTTP statuses and carries the
// structured fields (required vs tendered, status) to the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Details: err.Error()}
	status := http.StatusInternalServerError

	var (
		mismatch     *credit.AmountMismatchError
		notSettle    *credit.NotSettleableError
		insufficient *credit.InsufficientRegisterBalanceError
	)
	switch {
	case errors.As(err, &mismatch):
		status, resp.Error, resp.Code = http.StatusUnprocessableEntity, "Tendered amount does not match", "amount_mismatch"
		resp.Required, resp.Tendered = &mismatch.Required, &mismatch.Tendered
	case errors.As(err, &insufficient):
		status, resp.Error, resp.Code = http.StatusUnprocessableEntity, "Register cannot cover the outflow", "insufficient_register_balance"
		resp.Required, resp.Available = &insufficient.Requested, &insufficient.Available
	case errors.As(err, &notSettle):
		status, resp.Error, resp.Code = http.StatusConflict, "Contract does not accept this operation", "contract_not_settleable"
		resp.Status = string(notSettle.Status)
	case errors.Is(err, credit.ErrUnauthorizedOperation):
		status, resp.Error, resp.Code = http.StatusForbidden, "Operation not authorized", "unauthorized_operation"
	case errors.Is(err, credit.ErrRegisterClosed):
		status, resp.Error, resp.Code = http.StatusConflict, "Register is closed", "register_closed"
	case errors.Is(err, credit.ErrConcurrentModification):
		status, resp.Error, resp.Code = http.StatusConflict, "Contract is busy, retry", "concurrent_modification"
	case errors.Is(err, credit.ErrInvalidRequest):
		status, resp.Error, resp.Code = http.StatusBadRequest, "Invalid request", "invalid_request"
	case credit.IsNotFound(err):
		status, resp.Error, resp.Code = http.StatusNotFound, "Not found", "not_found"
	case errors.Is(err, credit.ErrInvalidContractState):
		resp.Error, resp.Code = "Contract data is inconsistent", "invalid_contract_state"
	case errors.Is(err, credit.ErrDuplicateIdempotencyKey):
		status, resp.Error, resp.Code = http.StatusConflict, "Idempotency key already used", "duplicate_idempotency_key"
	default:
		resp.Error = "Internal error"
		h.Log.WithError(err).Error("unhandled error")
	}
	writeJSON(w, status, resp)
}
