/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the HTTP surface. Amounts travel as decimal strings
  ("1050.00"), never as JSON numbers, so no client ever rounds through float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and in the credit package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/pawn-engine/credit"
)

const dateLayout = "2006-01-02"

// =============================================================================
// CONTRACTS
// =============================================================================

// CreateContractRequest ingests a contract from the origination collaborator.
type CreateContractRequest struct {
	ID           string        `json:"id"`
	CustomerID   string        `json:"customer_id"`
	ItemID       string        `json:"item_id"`
	Principal    credit.Amount `json:"principal"`
	InterestRate credit.Rate   `json:"interest_rate"`
	OriginatedAt string        `json:"originated_at"`
	TermDays     int           `json:"term_days"`
	DueDate      string        `json:"due_date,omitempty"`
}

type ContractDTO struct {
	ID                 string        `json:"id"`
	CustomerID         string        `json:"customer_id"`
	ItemID             string        `json:"item_id"`
	Principal          credit.Amount `json:"principal"`
	OutstandingBalance credit.Amount `json:"outstanding_balance"`
	InterestRate       credit.Rate   `json:"interest_rate"`
	AccruedInterest    credit.Amount `json:"accrued_interest"`
	OriginatedAt       string        `json:"originated_at"`
	DueDate            string        `json:"due_date"`
	TermDays           int           `json:"term_days"`
	Status             string        `json:"status"`
	RenewalCount       int           `json:"renewal_count"`
	DisbursedAt        string        `json:"disbursed_at,omitempty"`
	Version            int64         `json:"version"`
}

func toContractDTO(c credit.LoanContract) ContractDTO {
	dto := ContractDTO{
		ID:                 string(c.ID),
		CustomerID:         c.CustomerID,
		ItemID:             c.ItemID,
		Principal:          c.Principal,
		OutstandingBalance: c.OutstandingBalance,
		InterestRate:       c.InterestRate,
		AccruedInterest:    c.AccruedInterest,
		OriginatedAt:       c.OriginatedAt.Format(time.RFC3339),
		DueDate:            c.DueDate.Format(time.RFC3339),
		TermDays:           c.TermDays,
		Status:             string(c.Status),
		RenewalCount:       c.RenewalCount,
		Version:            c.Version,
	}
	if c.DisbursedAt != nil {
		dto.DisbursedAt = c.DisbursedAt.Format(time.RFC3339)
	}
	return dto
}

// SnapshotDTO is what a contract owes at AsOf.
type SnapshotDTO struct {
	ContractID         string        `json:"contract_id"`
	AsOf               string        `json:"as_of"`
	DaysElapsed        int           `json:"days_elapsed"`
	DaysOverdue        int           `json:"days_overdue"`
	OutstandingBalance credit.Amount `json:"outstanding_balance"`
	AccruedInterest    credit.Amount `json:"accrued_interest"`
	PenaltyAmount      credit.Amount `json:"penalty_amount"`
	TotalDue           credit.Amount `json:"total_due"`
	RenewalAmount      credit.Amount `json:"renewal_amount"`
	Status             string        `json:"status"`
	DueDate            string        `json:"due_date"`
}

func toSnapshotDTO(s credit.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		ContractID:         string(s.ContractID),
		AsOf:               s.AsOf.Format(time.RFC3339),
		DaysElapsed:        s.DaysElapsed,
		DaysOverdue:        s.DaysOverdue,
		OutstandingBalance: s.OutstandingBalance,
		AccruedInterest:    s.AccruedInterest,
		PenaltyAmount:      s.PenaltyAmount,
		TotalDue:           s.TotalDue,
		RenewalAmount:      s.PenaltyAmount.Add(s.AccruedInterest),
		Status:             string(s.Status),
		DueDate:            s.DueDate.Format(time.RFC3339),
	}
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettleRequest is the body of POST /contracts/{id}/settle.
// The idempotency key may come from the Idempotency-Key header instead.
type SettleRequest struct {
	Operation      string            `json:"operation"`
	Amount         credit.Amount     `json:"amount"`
	RegisterID     string            `json:"register_id"`
	Method         string            `json:"method,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Justification  string            `json:"justification,omitempty"`
	ForgivenAmount credit.Amount     `json:"forgiven_amount"`
	ExtensionDays  int               `json:"extension_days,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ExtendRequest is the body of POST /contracts/{id}/extend.
type ExtendRequest struct {
	Days           int    `json:"days"`
	Justification  string `json:"justification"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ForgiveRequest is the body of POST /contracts/{id}/forgive.
type ForgiveRequest struct {
	Amount         credit.Amount `json:"amount"`
	Justification  string        `json:"justification"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

type BreakdownDTO struct {
	Penalty  credit.Amount `json:"penalty"`
	Interest credit.Amount `json:"interest"`
	Capital  credit.Amount `json:"capital"`
}

type PaymentDTO struct {
	ID              string            `json:"id"`
	ContractID      string            `json:"contract_id"`
	RegisterID      string            `json:"register_id,omitempty"`
	Operation       string            `json:"operation"`
	Method          string            `json:"method"`
	Direction       string            `json:"direction"`
	Tendered        credit.Amount     `json:"tendered"`
	Breakdown       BreakdownDTO      `json:"breakdown"`
	ForgivenAmount  credit.Amount     `json:"forgiven_amount"`
	ExtensionDays   int               `json:"extension_days,omitempty"`
	Justification   string            `json:"justification,omitempty"`
	PreviousDueDate string            `json:"previous_due_date"`
	NewDueDate      string            `json:"new_due_date"`
	NewStatus       string            `json:"new_status"`
	IdempotencyKey  string            `json:"idempotency_key"`
	OperatorID      string            `json:"operator_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

func toPaymentDTO(p credit.PaymentRecord) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		ContractID: string(p.ContractID),
		RegisterID: string(p.RegisterID),
		Operation:  string(p.Operation),
		Method:     string(p.Method),
		Direction:  string(p.Direction),
		Tendered:   p.Tendered,
		Breakdown: BreakdownDTO{
			Penalty:  p.Breakdown.Penalty,
			Interest: p.Breakdown.Interest,
			Capital:  p.Breakdown.Capital,
		},
		ForgivenAmount:  p.ForgivenAmount,
		ExtensionDays:   p.ExtensionDays,
		Justification:   p.Justification,
		PreviousDueDate: p.PreviousDueDate.Format(time.RFC3339),
		NewDueDate:      p.NewDueDate.Format(time.RFC3339),
		NewStatus:       string(p.NewStatus),
		IdempotencyKey:  p.IdempotencyKey,
		OperatorID:      p.OperatorID,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

// SettleResponseDTO is returned by settle, extend and forgive.
type SettleResponseDTO struct {
	Payment    PaymentDTO `json:"payment"`
	NewDueDate string     `json:"new_due_date"`
	NewStatus  string     `json:"new_status"`
	Replayed   bool       `json:"replayed"`
}

func toSettleResponse(r *credit.SettleResult) SettleResponseDTO {
	return SettleResponseDTO{
		Payment:    toPaymentDTO(r.Payment),
		NewDueDate: r.NewDueDate.Format(time.RFC3339),
		NewStatus:  string(r.NewStatus),
		Replayed:   r.Replayed,
	}
}

// =============================================================================
// REGISTERS
// =============================================================================

type OpenRegisterRequest struct {
	OpeningBalance credit.Amount `json:"opening_balance"`
}

type RegisterDTO struct {
	ID              string        `json:"id"`
	OperatorID      string        `json:"operator_id"`
	OpeningBalance  credit.Amount `json:"opening_balance"`
	CurrentBalance  credit.Amount `json:"current_balance"`
	ExpectedBalance credit.Amount `json:"expected_balance"`
	Open            bool          `json:"open"`
	OpenedAt        string        `json:"opened_at"`
	ClosedAt        string        `json:"closed_at,omitempty"`
}

func toRegisterDTO(r credit.CashRegister, expected credit.Amount) RegisterDTO {
	dto := RegisterDTO{
		ID:              string(r.ID),
		OperatorID:      r.OperatorID,
		OpeningBalance:  r.OpeningBalance,
		CurrentBalance:  r.CurrentBalance,
		ExpectedBalance: expected,
		Open:            r.Open,
		OpenedAt:        r.OpenedAt.Format(time.RFC3339),
	}
	if r.ClosedAt != nil {
		dto.ClosedAt = r.ClosedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse carries enough structure for an operator UI to explain a
// rejection without re-deriving it.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Details   string         `json:"details,omitempty"`
	Required  *credit.Amount `json:"required,omitempty"`
	Tendered  *credit.Amount `json:"tendered,omitempty"`
	Available *credit.Amount `json:"available,omitempty"`
	Status    string         `json:"status,omitempty"`
}
