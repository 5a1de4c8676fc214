/*
store.go - Persistence interfaces for contracts, payments and registers

PURPOSE:
  Defines the boundary between the settlement engine and the database.
  Implementations: credit/store (in-memory) and store/sqlite.

KEY INTERFACES:
  Store:      Reads plus the non-settlement writes (ingest, open/close register)
  UnitOfWork: The writes a settlement commits together
  TxStore:    Store + WithTx, the all-or-nothing boundary

OPTIMISTIC LOCKING:
  Contracts and registers carry a Version. UpdateContract / UpdateRegister
  take the version the caller read; if the row moved on, they return
  ErrConcurrentModification and the whole unit of work rolls back. No lock
  is held between the read and the commit.

APPEND-ONLY PAYMENTS:
  AppendPayment is the only write to payments. There is no Update or Delete.
  A payment's idempotency key is unique within its tenant; a second insert
  with the same tenant and key returns ErrDuplicateIdempotencyKey. Tenants
  never see each other's keys.

EXAMPLE:
  err := store.WithTx(ctx, func(uow credit.UnitOfWork) error {
      if err := uow.UpdateContract(ctx, next, read.Version); err != nil {
          return err
      }
      return uow.AppendPayment(ctx, record)
  })

SEE ALSO:
  - settlement.go: the only caller of WithTx
*/
package credit

import "context"

// Store handles reads and the writes that don't go through settlement.
type Store interface {
	GetContract(ctx context.Context, id ContractID) (*LoanContract, error)
	ListContracts(ctx context.Context, tenantID TenantID) ([]LoanContract, error)

	// SaveContract inserts a newly originated contract (Version 1).
	SaveContract(ctx context.Context, c LoanContract) error

	GetRegister(ctx context.Context, id RegisterID) (*CashRegister, error)
	SaveRegister(ctx context.Context, r CashRegister) error

	// PaymentByIdempotencyKey returns ErrEntityNotFound when the tenant has not
	// used the key.
	PaymentByIdempotencyKey(ctx context.Context, tenantID TenantID, key string) (*PaymentRecord, error)
	ListPayments(ctx context.Context, contractID ContractID) ([]PaymentRecord, error)
	ListRegisterPayments(ctx context.Context, registerID RegisterID) ([]PaymentRecord, error)
}

// UnitOfWork is the transactional view handed to WithTx callbacks.
// Reads through it observe the transaction's own writes.
type UnitOfWork interface {
	GetContract(ctx context.Context, id ContractID) (*LoanContract, error)
	GetRegister(ctx context.Context, id RegisterID) (*CashRegister, error)

	// UpdateContract writes c if the stored version equals expectedVersion,
	// then bumps it. Otherwise ErrConcurrentModification.
	UpdateContract(ctx context.Context, c LoanContract, expectedVersion int64) error

	// UpdateRegister is UpdateContract for registers.
	UpdateRegister(ctx context.Context, r CashRegister, expectedVersion int64) error

	// AppendPayment fails with ErrDuplicateIdempotencyKey on a key the
	// payment's tenant already used.
	AppendPayment(ctx context.Context, p PaymentRecord) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, nothing fn wrote is visible afterwards.
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error
}
