/*
settlement.go - Settlement Transaction Coordinator

PURPOSE:
  Makes accrual + allocation atomic against state shared by concurrent tellers.
  This is the only writer of contracts and the only path that posts cash.

ALGORITHM (per attempt):
  1. Re-read the authoritative contract (never a cached copy)
  2. Snapshot as of now
  3. Allocate; allocator errors are returned unchanged, never retried
  4. For cash operations, verify the register is open and covers outflows
  5. In one unit of work: update contract (version-checked), append the
     payment record, update the register (version-checked)
  6. On ErrConcurrentModification, start over from 1, up to MaxAttempts

IDEMPOTENCY:
  Every request carries an idempotency key, scoped to its tenant. A key that
  already has a payment record in the tenant returns that record (Replayed = true) without re-allocating. Two
  racing requests with the same key collide on the unique key; the loser
  returns the winner's record.

TENANCY:
  The tenant is an explicit request field. A contract or register belonging
  to another tenant is reported as not found.

SEE ALSO:
  - store.go: UnitOfWork / TxStore
  - allocation.go: the split
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts   = 3
	DefaultSettleTimeout = 5 * time.Second
)

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

// SettleRequest is one settlement call from a collaborator.
type SettleRequest struct {
	TenantID       TenantID
	ContractID     ContractID
	Operation      OperationType
	Tendered       Amount
	RegisterID     RegisterID
	OperatorID     string
	IdempotencyKey string
	Method         PaymentMethod

	// Non-cash operations.
	Justification  string
	ForgivenAmount Amount
	ExtensionDays  int

	Metadata map[string]string
}

// SettleResult is the committed record plus the state an operator UI displays.
type SettleResult struct {
	Payment    PaymentRecord
	NewDueDate time.Time
	NewStatus  Status
	Replayed   bool
}

// CollateralNotifier is told when a payoff releases the pledged item.
type CollateralNotifier interface {
	Release(ctx context.Context, contract LoanContract) error
}

// LogCollateralNotifier only logs the release.
type LogCollateralNotifier struct {
	Log logrus.FieldLogger
}

func (n LogCollateralNotifier) Release(_ context.Context, c LoanContract) error {
	n.Log.WithFields(logrus.Fields{
		"contract_id": c.ID,
		"item_id":     c.ItemID,
		"customer_id": c.CustomerID,
	}).Info("collateral released")
	return nil
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Store      TxStore
	Calculator *Calculator
	Allocator  *Allocator
	Clock      Clock
	Collateral CollateralNotifier
	Log        logrus.FieldLogger

	MaxAttempts int
	Timeout     time.Duration
}

// NewCoordinator wires a coordinator with default calculator, allocator and clock.
func NewCoordinator(store TxStore, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		Store:       store,
		Calculator:  DefaultCalculator(),
		Allocator:   NewAllocator(DefaultAllocationPolicy()),
		Clock:       SystemClock(),
		Collateral:  LogCollateralNotifier{Log: log},
		Log:         log,
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultSettleTimeout,
	}
}

// ComputeSnapshot is the read-only view for display.
func (c *Coordinator) ComputeSnapshot(ctx context.Context, tenantID TenantID, id ContractID, asOf time.Time) (Snapshot, error) {
	return c.snapshot(ctx, tenantID, id, asOf, c.Calculator.Snapshot)
}

// RecomputeSnapshot is ComputeSnapshot with the accrued interest derived from
// the rate, ignoring the maintained value.
func (c *Coordinator) RecomputeSnapshot(ctx context.Context, tenantID TenantID, id ContractID, asOf time.Time) (Snapshot, error) {
	return c.snapshot(ctx, tenantID, id, asOf, c.Calculator.Recompute)
}

func (c *Coordinator) snapshot(ctx context.Context, tenantID TenantID, id ContractID, asOf time.Time,
	compute func(*LoanContract, time.Time) (Snapshot, error)) (Snapshot, error) {
	contract, err := c.loadContract(ctx, tenantID, id)
	if err != nil {
		return Snapshot{}, err
	}
	if asOf.IsZero() {
		asOf = c.Clock.Now()
	}
	snap, err := compute(contract, asOf)
	if err != nil {
		c.Log.WithError(err).WithField("contract_id", id).Error("snapshot on invalid contract")
	}
	return snap, err
}

// Settle runs one settlement end to end.
func (c *Coordinator) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if err := validateSettleRequest(req); err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	log := c.Log.WithFields(logrus.Fields{
		"tenant_id":       req.TenantID,
		"contract_id":     req.ContractID,
		"operation":       req.Operation,
		"idempotency_key": req.IdempotencyKey,
		"operator_id":     req.OperatorID,
	})

	if res, err := c.replay(ctx, req); res != nil || err != nil {
		if res != nil {
			log.Info("idempotent replay")
		}
		return res, err
	}

	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.attempt(ctx, req, log.WithField("attempt", attempt))
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			// A concurrent request with the same key committed first.
			return c.replay(ctx, req)
		case IsRetryable(err):
			log.WithField("attempt", attempt).Warn("settlement conflict, retrying")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("settlement aborted: %w", ctxErr)
			}
			// The conflicting writer may have been this same request.
			if res, err := c.replay(ctx, req); res != nil || err != nil {
				return res, err
			}
			continue
		default:
			// A same-key request that committed between our replay check and
			// our read makes this attempt fail validation; report its record.
			if res, _ := c.replay(ctx, req); res != nil {
				return res, nil
			}
			return nil, err
		}
	}

	log.Error("settlement retry budget exhausted")
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrConcurrentModification, attempts)
}

// ExtendTerm pushes the due date without moving cash and returns the new due date.
func (c *Coordinator) ExtendTerm(ctx context.Context, tenantID TenantID, id ContractID, days int, justification, operatorID, idempotencyKey string) (time.Time, error) {
	res, err := c.Settle(ctx, SettleRequest{
		TenantID:       tenantID,
		ContractID:     id,
		Operation:      OpTermExtension,
		Tendered:       ZeroAmount(),
		OperatorID:     operatorID,
		IdempotencyKey: keyOrNew(idempotencyKey),
		Method:         MethodNone,
		Justification:  justification,
		ExtensionDays:  days,
	})
	if err != nil {
		return time.Time{}, err
	}
	return res.NewDueDate, nil
}

// ForgivePenalty reduces the outstanding balance by amount. Callers must have
// checked the operator's forgiveness capability already.
func (c *Coordinator) ForgivePenalty(ctx context.Context, tenantID TenantID, id ContractID, amount Amount, justification, operatorID, idempotencyKey string) (*SettleResult, error) {
	return c.Settle(ctx, SettleRequest{
		TenantID:       tenantID,
		ContractID:     id,
		Operation:      OpPenaltyForgiveness,
		Tendered:       ZeroAmount(),
		OperatorID:     operatorID,
		IdempotencyKey: keyOrNew(idempotencyKey),
		Method:         MethodNone,
		Justification:  justification,
		ForgivenAmount: amount,
	})
}

func (c *Coordinator) attempt(ctx context.Context, req SettleRequest, log logrus.FieldLogger) (*SettleResult, error) {
	contract, err := c.loadContract(ctx, req.TenantID, req.ContractID)
	if err != nil {
		return nil, err
	}

	now := c.Clock.Now()
	snap, err := c.Calculator.Snapshot(contract, now)
	if err != nil {
		log.WithError(err).Error("invalid contract state")
		return nil, err
	}

	alloc, err := c.Allocator.Allocate(contract, snap, AllocationRequest{
		Operation:      req.Operation,
		Tendered:       req.Tendered,
		ForgivenAmount: req.ForgivenAmount,
		ExtensionDays:  req.ExtensionDays,
		Justification:  req.Justification,
	})
	if err != nil {
		return nil, err
	}

	var register *CashRegister
	if req.Operation.MovesCash() {
		if register, err = c.loadOpenRegister(ctx, req.TenantID, req.RegisterID); err != nil {
			return nil, err
		}
		if alloc.Direction == DirectionOutflow && register.CurrentBalance.LessThan(alloc.Tendered) {
			return nil, &InsufficientRegisterBalanceError{
				RegisterID: register.ID,
				Available:  register.CurrentBalance,
				Requested:  alloc.Tendered,
			}
		}
	}

	next := alloc.Apply(*contract, now)
	if err := Transition(contract.Status, next.Status); err != nil {
		log.WithError(err).Error("allocation produced an illegal status change")
		return nil, err
	}
	record := newPaymentRecord(req, contract, alloc, now)
	if register == nil {
		record.RegisterID = ""
	}

	err = c.Store.WithTx(ctx, func(uow UnitOfWork) error {
		if err := uow.UpdateContract(ctx, next, contract.Version); err != nil {
			return err
		}
		if err := uow.AppendPayment(ctx, record); err != nil {
			return err
		}
		if register == nil {
			return nil
		}
		updated := *register
		updated.CurrentBalance = updated.CurrentBalance.Add(record.CashEffect())
		return uow.UpdateRegister(ctx, updated, register.Version)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"payment_id": record.ID,
		"tendered":   record.Tendered.String(),
		"penalty":    record.Breakdown.Penalty.String(),
		"interest":   record.Breakdown.Interest.String(),
		"capital":    record.Breakdown.Capital.String(),
		"new_status": next.Status,
	}).Info("settlement committed")

	if alloc.ReleaseCollateral && c.Collateral != nil {
		if err := c.Collateral.Release(ctx, next); err != nil {
			log.WithError(err).Error("collateral release notification failed")
		}
	}

	return &SettleResult{Payment: record, NewDueDate: next.DueDate, NewStatus: next.Status}, nil
}

// replay returns the committed result for a known idempotency key, or (nil, nil).
func (c *Coordinator) replay(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	existing, err := c.Store.PaymentByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing.ContractID != req.ContractID || existing.Operation != req.Operation {
		return nil, fmt.Errorf("%w: idempotency key %q already used for a different settlement",
			ErrInvalidRequest, req.IdempotencyKey)
	}
	return &SettleResult{
		Payment:    *existing,
		NewDueDate: existing.NewDueDate,
		NewStatus:  existing.NewStatus,
		Replayed:   true,
	}, nil
}

func (c *Coordinator) loadContract(ctx context.Context, tenantID TenantID, id ContractID) (*LoanContract, error) {
	contract, err := c.Store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.TenantID != tenantID {
		return nil, fmt.Errorf("contract %s: %w", id, ErrEntityNotFound)
	}
	return contract, nil
}

func (c *Coordinator) loadOpenRegister(ctx context.Context, tenantID TenantID, id RegisterID) (*CashRegister, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: cash operations require a register", ErrInvalidRequest)
	}
	register, err := c.Store.GetRegister(ctx, id)
	if err != nil {
		return nil, err
	}
	if register.TenantID != tenantID {
		return nil, fmt.Errorf("register %s: %w", id, ErrEntityNotFound)
	}
	if !register.Open {
		return nil, fmt.Errorf("register %s: %w", id, ErrRegisterClosed)
	}
	return register, nil
}

func newPaymentRecord(req SettleRequest, contract *LoanContract, alloc Allocation, now time.Time) PaymentRecord {
	method := req.Method
	if !req.Operation.MovesCash() {
		method = MethodNone
	} else if method == "" {
		method = MethodCash
	}
	return PaymentRecord{
		ID:              PaymentID(uuid.NewString()),
		TenantID:        req.TenantID,
		ContractID:      contract.ID,
		RegisterID:      req.RegisterID,
		Operation:       req.Operation,
		Method:          method,
		Direction:       alloc.Direction,
		Tendered:        alloc.Tendered,
		Breakdown:       alloc.Breakdown,
		ForgivenAmount:  alloc.ForgivenAmount,
		ExtensionDays:   alloc.ExtensionDays,
		Justification:   req.Justification,
		PreviousDueDate: contract.DueDate,
		NewDueDate:      alloc.NewDueDate,
		NewStatus:       alloc.NewStatus,
		IdempotencyKey:  req.IdempotencyKey,
		OperatorID:      req.OperatorID,
		Metadata:        req.Metadata,
		CreatedAt:       now,
	}
}

func validateSettleRequest(req SettleRequest) error {
	switch {
	case !req.Operation.Valid():
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
	case req.ContractID == "":
		return fmt.Errorf("%w: contract id is required", ErrInvalidRequest)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	return nil
}

func keyOrNew(key string) string {
	if key != "" {
		return key
	}
	return uuid.NewString()
}
