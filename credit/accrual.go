/*
accrual.go - What a contract owes at an instant

PURPOSE:
  Single home for the interest and penalty (mora) formulas. Nothing else in
  the repository computes interest or penalty; every caller asks for a Snapshot.

MODEL:
  accruedInterest = outstandingBalance × rate            (flat, one period)
  daysOverdue     = max(0, ceil(asOf - dueDate in days))
  penalty         = outstandingBalance × dailyPenalty × daysOverdue
  totalDue        = outstandingBalance + accruedInterest + penalty

  A maintained AccruedInterest (InterestMaintained) is trusted unless the
  caller forces recomputation. A maintained zero is the state a renewal or
  payoff leaves behind: nothing is owed for the term it opened until that
  term reaches its due date, after which the term's flat interest applies.

PENALTY RATE:
  One canonical daily rate for the whole engine: DefaultPenaltyDailyRate
  (0.3% per day). Overridable only at the Calculator level, never per call.

SEE ALSO:
  - allocation.go: consumes Snapshot
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPenaltyDailyRate is the canonical mora rate: 0.3% of the outstanding
// balance per day overdue.
var DefaultPenaltyDailyRate = NewRate("0.3")

// Snapshot is the owed amount at AsOf, split by component. All amounts are
// rounded to cents.
type Snapshot struct {
	ContractID         ContractID
	AsOf               time.Time
	DaysElapsed        int
	DaysOverdue        int
	OutstandingBalance Amount
	AccruedInterest    Amount
	PenaltyAmount      Amount
	TotalDue           Amount
	Status             Status
	DueDate            time.Time
}

// Calculator is the pure accrual function with its one configuration knob.
type Calculator struct {
	PenaltyDailyRate Rate
}

func NewCalculator(penaltyDailyRate Rate) *Calculator {
	return &Calculator{PenaltyDailyRate: penaltyDailyRate}
}

// DefaultCalculator uses DefaultPenaltyDailyRate.
func DefaultCalculator() *Calculator { return NewCalculator(DefaultPenaltyDailyRate) }

// Snapshot computes what the contract owes at asOf, trusting a maintained
// accrued-interest field.
func (c *Calculator) Snapshot(contract *LoanContract, asOf time.Time) (Snapshot, error) {
	return c.snapshot(contract, asOf, false)
}

// Recompute ignores any maintained accrued interest and derives it from the rate.
func (c *Calculator) Recompute(contract *LoanContract, asOf time.Time) (Snapshot, error) {
	return c.snapshot(contract, asOf, true)
}

func (c *Calculator) snapshot(contract *LoanContract, asOf time.Time, force bool) (Snapshot, error) {
	if err := contract.Validate(); err != nil {
		return Snapshot{}, err
	}

	balance := contract.OutstandingBalance
	interest := contract.InterestRate.Apply(balance).Round()
	if !force && maintainedInterestApplies(contract, asOf) {
		interest = contract.AccruedInterest
	}

	overdue := DaysOverdue(contract.DueDate, asOf)
	penalty := ZeroAmount()
	if overdue > 0 {
		penalty = c.PenaltyDailyRate.Apply(balance).Mul(decimal.NewFromInt(int64(overdue))).Round()
	}

	return Snapshot{
		ContractID:         contract.ID,
		AsOf:               asOf,
		DaysElapsed:        DaysElapsed(contract.OriginatedAt, asOf),
		DaysOverdue:        overdue,
		OutstandingBalance: balance,
		AccruedInterest:    interest,
		PenaltyAmount:      penalty,
		TotalDue:           SumAmounts(balance, interest, penalty),
		Status:             contract.Status,
		DueDate:            contract.DueDate,
	}, nil
}

// maintainedInterestApplies reports whether the stored AccruedInterest is the
// amount owed at asOf.
func maintainedInterestApplies(c *LoanContract, asOf time.Time) bool {
	if !c.InterestMaintained {
		return false
	}
	return c.AccruedInterest.IsPositive() || asOf.Before(c.DueDate)
}
