package credit

import (
	"fmt"
	"time"
)

// =============================================================================
// STATUS - Loan lifecycle states
// =============================================================================

type Status string

const (
	StatusCurrent   Status = "current"
	StatusDueSoon   Status = "due_soon"
	StatusPastDue   Status = "past_due"
	StatusDefaulted Status = "defaulted"
	StatusRenewed   Status = "renewed"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
	StatusForfeited Status = "forfeited"
)

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further settlement is accepted.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusCancelled || s == StatusForfeited
}

// timeDriven statuses are recomputed from (dueDate, now) by the sweep.
func (s Status) timeDriven() bool {
	switch s {
	case StatusCurrent, StatusDueSoon, StatusPastDue, StatusDefaulted, StatusRenewed:
		return true
	}
	return false
}

// transitions is the full legal-transition table. Terminal states have no exits.
var transitions = map[Status][]Status{
	StatusCurrent:   {StatusDueSoon, StatusPastDue, StatusDefaulted, StatusRenewed, StatusSettled, StatusCancelled},
	StatusDueSoon:   {StatusCurrent, StatusPastDue, StatusDefaulted, StatusRenewed, StatusSettled, StatusCancelled},
	StatusPastDue:   {StatusCurrent, StatusDueSoon, StatusDefaulted, StatusRenewed, StatusSettled, StatusCancelled},
	StatusDefaulted: {StatusSettled, StatusForfeited},
	StatusRenewed:   {StatusCurrent, StatusDueSoon, StatusPastDue, StatusDefaulted, StatusRenewed, StatusSettled, StatusCancelled},
	StatusSettled:   nil,
	StatusCancelled: nil,
	StatusForfeited: nil,
}

// CanTransition reports whether from -> to is legal. Staying put is always legal
// for non-terminal states.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns an error when from -> to is illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalidContractState, from, to)
	}
	return nil
}

// =============================================================================
// OPERATION GATES
// =============================================================================

// Accepts reports whether a contract in status s may run op.
// Renewal out of Defaulted is refused: only payoff or forfeiture remain.
func (s Status) Accepts(op OperationType) bool {
	if s.IsTerminal() {
		return false
	}
	switch op {
	case OpInterestRenewal:
		return CanTransition(s, StatusRenewed)
	case OpFullPayoff:
		return CanTransition(s, StatusSettled)
	case OpTermExtension:
		return s != StatusDefaulted
	case OpPenaltyForgiveness, OpDisbursement:
		return true
	}
	return false
}

// =============================================================================
// TIME-DRIVEN STATUS
// =============================================================================

// StatusPolicy sets the windows for the time-driven transitions.
type StatusPolicy struct {
	DueSoonDays      int // Current -> DueSoon when due date is this close
	DefaultAfterDays int // PastDue -> Defaulted after this many days overdue
}

func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{DueSoonDays: 3, DefaultAfterDays: 30}
}

// StatusAt computes the time-driven status for a due date.
func StatusAt(due, now time.Time, p StatusPolicy) Status {
	overdue := DaysOverdue(due, now)
	switch {
	case overdue > p.DefaultAfterDays:
		return StatusDefaulted
	case overdue > 0:
		return StatusPastDue
	case !now.Before(due.Add(-time.Duration(p.DueSoonDays) * day)):
		return StatusDueSoon
	}
	return StatusCurrent
}

// NextTimeDrivenStatus returns the status the sweep should persist, and whether it changed.
// Terminal and non-time-driven statuses never move here.
func NextTimeDrivenStatus(c *LoanContract, now time.Time, p StatusPolicy) (Status, bool) {
	if !c.Status.timeDriven() {
		return c.Status, false
	}
	next := StatusAt(c.DueDate, now, p)
	if next == c.Status || !CanTransition(c.Status, next) {
		return c.Status, false
	}
	return next, true
}
