package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// CONTRACT INTAKE
// =============================================================================

// ImportContract stores a contract handed over by the origination collaborator.
// Outstanding balance defaults to principal and status to Current.
func (c *Coordinator) ImportContract(ctx context.Context, contract LoanContract) (*LoanContract, error) {
	if contract.ID == "" {
		contract.ID = ContractID(uuid.NewString())
	}
	if contract.OutstandingBalance.Value.IsZero() && contract.DisbursedAt == nil {
		contract.OutstandingBalance = contract.Principal
	}
	if contract.AccruedInterest.IsPositive() {
		contract.InterestMaintained = true
	}
	if contract.Status == "" {
		contract.Status = StatusCurrent
	}
	if contract.DueDate.IsZero() {
		contract.DueDate = AddDays(contract.OriginatedAt, contract.TermDays)
	}
	if !contract.Principal.IsPositive() || !contract.Principal.IsCurrencyExact() {
		return nil, &InvalidContractStateError{ContractID: contract.ID, Reason: "principal must be a positive cent amount"}
	}
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	contract.Version = 1
	contract.UpdatedAt = c.Clock.Now()

	if err := c.Store.SaveContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	c.Log.WithFields(logrus.Fields{
		"tenant_id":   contract.TenantID,
		"contract_id": contract.ID,
		"principal":   contract.Principal.String(),
		"due_date":    contract.DueDate.Format(time.RFC3339),
	}).Info("contract imported")
	return &contract, nil
}

// =============================================================================
// CASH REGISTERS
// =============================================================================

// OpenRegister starts an operator session with an opening float.
func (c *Coordinator) OpenRegister(ctx context.Context, tenantID TenantID, operatorID string, opening Amount) (*CashRegister, error) {
	if opening.IsNegative() || !opening.IsCurrencyExact() {
		return nil, fmt.Errorf("%w: opening balance must be a non-negative cent amount", ErrInvalidRequest)
	}
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator id is required", ErrInvalidRequest)
	}
	r := CashRegister{
		ID:             RegisterID(uuid.NewString()),
		TenantID:       tenantID,
		OperatorID:     operatorID,
		OpeningBalance: opening,
		CurrentBalance: opening,
		Open:           true,
		OpenedAt:       c.Clock.Now(),
		Version:        1,
	}
	if err := c.Store.SaveRegister(ctx, r); err != nil {
		return nil, fmt.Errorf("save register: %w", err)
	}
	c.Log.WithFields(logrus.Fields{
		"register_id": r.ID,
		"operator_id": operatorID,
		"opening":     opening.String(),
	}).Info("register opened")
	return &r, nil
}

// GetRegister returns a register owned by tenantID.
func (c *Coordinator) GetRegister(ctx context.Context, tenantID TenantID, id RegisterID) (*CashRegister, error) {
	r, err := c.Store.GetRegister(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.TenantID != tenantID {
		return nil, fmt.Errorf("register %s: %w", id, ErrEntityNotFound)
	}
	return r, nil
}

// CloseRegister ends the session. Settlements racing the close either commit
// before it or fail with ErrRegisterClosed on their retry.
func (c *Coordinator) CloseRegister(ctx context.Context, tenantID TenantID, id RegisterID) (*CashRegister, error) {
	var closed CashRegister
	err := c.Store.WithTx(ctx, func(uow UnitOfWork) error {
		r, err := uow.GetRegister(ctx, id)
		if err != nil {
			return err
		}
		if r.TenantID != tenantID {
			return fmt.Errorf("register %s: %w", id, ErrEntityNotFound)
		}
		if !r.Open {
			return fmt.Errorf("register %s: %w", id, ErrRegisterClosed)
		}
		closed = *r
		now := c.Clock.Now()
		closed.Open = false
		closed.ClosedAt = &now
		return uow.UpdateRegister(ctx, closed, r.Version)
	})
	if err != nil {
		return nil, err
	}
	closed.Version++
	c.Log.WithFields(logrus.Fields{
		"register_id": id,
		"closing":     closed.CurrentBalance.String(),
	}).Info("register closed")
	return &closed, nil
}

// ExpectedRegisterBalance recomputes opening + Σinflows − Σoutflows from the
// payment records posted to r.
func ExpectedRegisterBalance(r CashRegister, records []PaymentRecord) Amount {
	balance := r.OpeningBalance
	for _, p := range records {
		if p.RegisterID != r.ID {
			continue
		}
		balance = balance.Add(p.CashEffect())
	}
	return balance
}
