package credit

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type ContractID string
type PaymentID string
type RegisterID string

// =============================================================================
// OPERATIONS
// =============================================================================

// OperationType is the kind of settlement a caller requests.
type OperationType string

const (
	OpInterestRenewal    OperationType = "interest_renewal"
	OpFullPayoff         OperationType = "full_payoff"
	OpPenaltyForgiveness OperationType = "penalty_forgiveness"
	OpTermExtension      OperationType = "term_extension"
	OpDisbursement       OperationType = "disbursement"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpInterestRenewal, OpFullPayoff, OpPenaltyForgiveness, OpTermExtension, OpDisbursement:
		return true
	}
	return false
}

// MovesCash reports whether the operation posts to a cash register.
func (o OperationType) MovesCash() bool {
	return o == OpInterestRenewal || o == OpFullPayoff || o == OpDisbursement
}

// CashDirection is how a payment record affects its register.
type CashDirection string

const (
	DirectionInflow  CashDirection = "inflow"
	DirectionOutflow CashDirection = "outflow"
	DirectionNone    CashDirection = "none"
)

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodCard     PaymentMethod = "card"
	MethodNone     PaymentMethod = "none"
)

// =============================================================================
// LOAN CONTRACT
// =============================================================================

// LoanContract is one pawn agreement.
//
// INVARIANTS:
//   - OutstandingBalance >= 0
//   - AccruedInterest >= 0
//   - DueDate >= OriginatedAt
//   - Principal never changes after creation
//
// Only the Coordinator writes contracts, guarded by Version.
type LoanContract struct {
	ID         ContractID
	TenantID   TenantID
	CustomerID string
	ItemID     string

	Principal          Amount
	OutstandingBalance Amount
	InterestRate       Rate // percent per accrual period
	AccruedInterest    Amount
	// InterestMaintained marks AccruedInterest as server-maintained, zero
	// included. Unset means interest is derived from the rate.
	InterestMaintained bool
	OriginatedAt       time.Time
	DueDate            time.Time
	TermDays           int

	Status       Status
	RenewalCount int
	DisbursedAt  *time.Time

	Version   int64
	UpdatedAt time.Time
}

// Validate checks the contract invariants.
func (c *LoanContract) Validate() error {
	switch {
	case c.Principal.IsNegative():
		return &InvalidContractStateError{ContractID: c.ID, Reason: "principal is negative"}
	case c.OutstandingBalance.IsNegative():
		return &InvalidContractStateError{ContractID: c.ID, Reason: "outstanding balance is negative"}
	case !c.OutstandingBalance.IsCurrencyExact() || !c.AccruedInterest.IsCurrencyExact():
		return &InvalidContractStateError{ContractID: c.ID, Reason: "amounts carry sub-cent digits"}
	case c.AccruedInterest.IsNegative():
		return &InvalidContractStateError{ContractID: c.ID, Reason: "accrued interest is negative"}
	case c.InterestRate.IsNegative():
		return &InvalidContractStateError{ContractID: c.ID, Reason: "interest rate is negative"}
	case c.DueDate.Before(c.OriginatedAt):
		return &InvalidContractStateError{ContractID: c.ID, Reason: "due date before origination"}
	case c.TermDays <= 0:
		return &InvalidContractStateError{ContractID: c.ID, Reason: "term length must be positive"}
	case !c.Status.Valid():
		return &InvalidContractStateError{ContractID: c.ID, Reason: "unknown status " + string(c.Status)}
	}
	return nil
}

// =============================================================================
// PAYMENT RECORD - Immutable ledger entry
// =============================================================================

// Breakdown splits a tendered amount. Penalty + Interest + Capital == tendered.
type Breakdown struct {
	Penalty  Amount
	Interest Amount
	Capital  Amount
}

func (b Breakdown) Total() Amount { return SumAmounts(b.Penalty, b.Interest, b.Capital) }

// PaymentRecord is append-only. Corrections are new records.
type PaymentRecord struct {
	ID             PaymentID
	TenantID       TenantID
	ContractID     ContractID
	RegisterID     RegisterID
	Operation      OperationType
	Method         PaymentMethod
	Direction      CashDirection
	Tendered       Amount
	Breakdown      Breakdown
	ForgivenAmount Amount
	ExtensionDays  int
	Justification  string

	PreviousDueDate time.Time
	NewDueDate      time.Time
	NewStatus       Status

	IdempotencyKey string
	OperatorID     string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// CashEffect is the signed amount the record moves through its register.
func (p PaymentRecord) CashEffect() Amount {
	switch p.Direction {
	case DirectionInflow:
		return p.Tendered
	case DirectionOutflow:
		return p.Tendered.Neg()
	}
	return ZeroAmount()
}

// =============================================================================
// CASH REGISTER
// =============================================================================

// CashRegister is a running balance owned by one operator session.
type CashRegister struct {
	ID             RegisterID
	TenantID       TenantID
	OperatorID     string
	OpeningBalance Amount
	CurrentBalance Amount
	Open           bool
	OpenedAt       time.Time
	ClosedAt       *time.Time
	Version        int64
}
