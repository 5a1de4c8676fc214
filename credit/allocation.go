/*
allocation.go - Split a payment and derive the contract's next state

PURPOSE:
  Given a Snapshot and a requested operation, decide how the tendered amount
  is attributed to penalty, interest and capital, and what the contract looks
  like afterwards. Pure: no I/O, no clock.

ALLOCATION ORDER:
  Penalty first, then interest, then capital. Identical for every operation
  that touches more than one component.

OPERATIONS:
  InterestRenewal     tendered == penalty + interest; balance unchanged,
                      interest reset, due date advanced one term
  FullPayoff          tendered == penalty + interest + balance; balance -> 0,
                      status -> Settled, collateral released
  PenaltyForgiveness  no cash; balance reduced by the forgiven amount,
                      justification mandatory
  TermExtension       no cash; due date pushed by N days, justification mandatory
  Disbursement        cash out of the register; tendered == principal, once

EXACTNESS:
  Breakdown.Total() == Tendered for every accepted allocation. A residue
  accepted within Epsilon is carried by the interest portion.

SEE ALSO:
  - accrual.go: produces the Snapshot
  - settlement.go: commits the Allocation
*/
package credit

import (
	"fmt"
	"strings"
	"time"
)

// RenewalAnchor is where a renewal starts counting the next term from.
type RenewalAnchor string

const (
	RenewalFromDueDate RenewalAnchor = "due_date"
	RenewalFromNow     RenewalAnchor = "now"
)

func (r RenewalAnchor) Valid() bool { return r == RenewalFromDueDate || r == RenewalFromNow }

// AllocationPolicy configures the allocator.
type AllocationPolicy struct {
	// Epsilon is the tolerated |tendered - required| for currency rounding.
	Epsilon       Amount
	RenewalAnchor RenewalAnchor
	Status        StatusPolicy
}

func DefaultAllocationPolicy() AllocationPolicy {
	return AllocationPolicy{
		Epsilon:       MustParseAmount("0.005"),
		RenewalAnchor: RenewalFromDueDate,
		Status:        DefaultStatusPolicy(),
	}
}

// AllocationRequest is the caller's intent.
type AllocationRequest struct {
	Operation      OperationType
	Tendered       Amount
	ForgivenAmount Amount
	ExtensionDays  int
	Justification  string
}

// Allocation is the split plus the resulting contract state.
type Allocation struct {
	Operation OperationType
	Tendered  Amount
	Breakdown Breakdown
	Direction CashDirection

	NewOutstandingBalance Amount
	NewAccruedInterest    Amount
	InterestMaintained    bool
	NewDueDate            time.Time
	NewStatus             Status
	NewRenewalCount       int
	Disburse              bool

	ForgivenAmount    Amount
	ExtensionDays     int
	ReleaseCollateral bool
}

// Apply writes the allocation onto a copy of the contract.
func (a Allocation) Apply(c LoanContract, at time.Time) LoanContract {
	c.OutstandingBalance = a.NewOutstandingBalance
	c.AccruedInterest = a.NewAccruedInterest
	c.InterestMaintained = a.InterestMaintained
	c.DueDate = a.NewDueDate
	c.Status = a.NewStatus
	c.RenewalCount = a.NewRenewalCount
	if a.Disburse {
		t := at
		c.DisbursedAt = &t
	}
	c.UpdatedAt = at
	return c
}

// Allocator runs the allocation rules.
type Allocator struct {
	Policy AllocationPolicy
}

func NewAllocator(p AllocationPolicy) *Allocator { return &Allocator{Policy: p} }

// Allocate splits req.Tendered for contract given its snapshot.
func (a *Allocator) Allocate(contract *LoanContract, snap Snapshot, req AllocationRequest) (Allocation, error) {
	if !req.Operation.Valid() {
		return Allocation{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
	}
	if req.Tendered.IsNegative() || !req.Tendered.IsCurrencyExact() {
		return Allocation{}, fmt.Errorf("%w: tendered amount %s must be a non-negative cent amount",
			ErrInvalidRequest, req.Tendered.Value)
	}
	if !contract.Status.Accepts(req.Operation) {
		return Allocation{}, &NotSettleableError{ContractID: contract.ID, Status: contract.Status, Operation: req.Operation}
	}

	base := Allocation{
		Operation:             req.Operation,
		Tendered:              req.Tendered,
		Breakdown:             Breakdown{Penalty: ZeroAmount(), Interest: ZeroAmount(), Capital: ZeroAmount()},
		Direction:             DirectionNone,
		NewOutstandingBalance: contract.OutstandingBalance,
		NewAccruedInterest:    contract.AccruedInterest,
		InterestMaintained:    contract.InterestMaintained,
		NewDueDate:            contract.DueDate,
		NewStatus:             contract.Status,
		NewRenewalCount:       contract.RenewalCount,
		ForgivenAmount:        ZeroAmount(),
	}

	switch req.Operation {
	case OpInterestRenewal:
		return a.renew(contract, snap, req, base)
	case OpFullPayoff:
		return a.payoff(snap, req, base)
	case OpPenaltyForgiveness:
		return a.forgive(contract, snap, req, base)
	case OpTermExtension:
		return a.extend(contract, snap, req, base)
	default:
		return a.disburse(contract, req, base)
	}
}

func (a *Allocator) renew(contract *LoanContract, snap Snapshot, req AllocationRequest, out Allocation) (Allocation, error) {
	required := snap.PenaltyAmount.Add(snap.AccruedInterest)
	residue, err := a.match(req, required)
	if err != nil {
		return Allocation{}, err
	}
	if required.IsZero() && maintainedInterestApplies(contract, snap.AsOf) {
		return Allocation{}, fmt.Errorf("%w: interest for the term ending %s is already paid",
			ErrInvalidRequest, contract.DueDate.Format("2006-01-02"))
	}
	interest := snap.AccruedInterest.Add(residue)
	if interest.IsNegative() {
		return Allocation{}, &AmountMismatchError{Operation: req.Operation, Required: required, Tendered: req.Tendered}
	}

	anchor := contract.DueDate
	if a.Policy.RenewalAnchor == RenewalFromNow {
		anchor = snap.AsOf
	}

	out.Breakdown = Breakdown{Penalty: snap.PenaltyAmount, Interest: interest, Capital: ZeroAmount()}
	out.Direction = DirectionInflow
	out.NewAccruedInterest = ZeroAmount()
	out.InterestMaintained = true
	out.NewDueDate = AddDays(anchor, contract.TermDays)
	out.NewStatus = StatusCurrent
	out.NewRenewalCount = contract.RenewalCount + 1
	return out, nil
}

func (a *Allocator) payoff(snap Snapshot, req AllocationRequest, out Allocation) (Allocation, error) {
	required := snap.TotalDue
	residue, err := a.match(req, required)
	if err != nil {
		return Allocation{}, err
	}
	interest := snap.AccruedInterest.Add(residue)
	if interest.IsNegative() {
		return Allocation{}, &AmountMismatchError{Operation: req.Operation, Required: required, Tendered: req.Tendered}
	}

	out.Breakdown = Breakdown{Penalty: snap.PenaltyAmount, Interest: interest, Capital: snap.OutstandingBalance}
	out.Direction = DirectionInflow
	out.NewOutstandingBalance = ZeroAmount()
	out.NewAccruedInterest = ZeroAmount()
	out.InterestMaintained = true
	out.NewStatus = StatusSettled
	out.ReleaseCollateral = true
	return out, nil
}

func (a *Allocator) forgive(contract *LoanContract, snap Snapshot, req AllocationRequest, out Allocation) (Allocation, error) {
	if err := requireJustification(req); err != nil {
		return Allocation{}, err
	}
	if !req.Tendered.IsZero() {
		return Allocation{}, &AmountMismatchError{Operation: req.Operation, Required: ZeroAmount(), Tendered: req.Tendered}
	}
	forgiven := req.ForgivenAmount
	if !forgiven.IsPositive() || !forgiven.IsCurrencyExact() {
		return Allocation{}, fmt.Errorf("%w: forgiven amount must be a positive cent amount", ErrInvalidRequest)
	}
	if forgiven.GreaterThan(snap.OutstandingBalance) {
		return Allocation{}, fmt.Errorf("%w: forgiven amount %s exceeds outstanding balance %s",
			ErrInvalidRequest, forgiven, snap.OutstandingBalance)
	}

	out.NewOutstandingBalance = contract.OutstandingBalance.Sub(forgiven)
	out.ForgivenAmount = forgiven
	return out, nil
}

func (a *Allocator) extend(contract *LoanContract, snap Snapshot, req AllocationRequest, out Allocation) (Allocation, error) {
	if err := requireJustification(req); err != nil {
		return Allocation{}, err
	}
	if !req.Tendered.IsZero() {
		return Allocation{}, &AmountMismatchError{Operation: req.Operation, Required: ZeroAmount(), Tendered: req.Tendered}
	}
	if req.ExtensionDays <= 0 {
		return Allocation{}, fmt.Errorf("%w: extension days must be positive", ErrInvalidRequest)
	}

	out.NewDueDate = AddDays(contract.DueDate, req.ExtensionDays)
	out.ExtensionDays = req.ExtensionDays
	if next := StatusAt(out.NewDueDate, snap.AsOf, a.Policy.Status); CanTransition(contract.Status, next) {
		out.NewStatus = next
	}
	return out, nil
}

func (a *Allocator) disburse(contract *LoanContract, req AllocationRequest, out Allocation) (Allocation, error) {
	if contract.DisbursedAt != nil {
		return Allocation{}, fmt.Errorf("%w: contract %s already disbursed", ErrInvalidRequest, contract.ID)
	}
	if !req.Tendered.Equal(contract.Principal) {
		return Allocation{}, &AmountMismatchError{Operation: req.Operation, Required: contract.Principal, Tendered: req.Tendered}
	}

	out.Breakdown = Breakdown{Penalty: ZeroAmount(), Interest: ZeroAmount(), Capital: contract.Principal}
	out.Direction = DirectionOutflow
	out.Disburse = true
	return out, nil
}

// match returns tendered - required when it falls inside Epsilon.
func (a *Allocator) match(req AllocationRequest, required Amount) (Amount, error) {
	residue := req.Tendered.Sub(required)
	if residue.Abs().GreaterThan(a.Policy.Epsilon) {
		return Amount{}, &AmountMismatchError{Operation: req.Operation, Required: required, Tendered: req.Tendered}
	}
	return residue, nil
}

func requireJustification(req AllocationRequest) error {
	if strings.TrimSpace(req.Justification) == "" {
		return &UnauthorizedOperationError{Operation: req.Operation, Reason: "justification is required"}
	}
	return nil
}
