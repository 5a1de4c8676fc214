/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place so callers (API, UI collaborators) can
  classify failures without string matching.

ERROR CATEGORIES:
  1. Fatal         - InvalidContractState: malformed persisted data, logged, never retried
  2. User-correctable - AmountMismatch, UnauthorizedOperation, ContractNotSettleable,
                     InsufficientRegisterBalance, RegisterClosed
  3. Transient     - ConcurrentModification: retried by the Coordinator, then surfaced

USAGE:
  Structured errors unwrap to their sentinel:

    var mm *credit.AmountMismatchError
    if errors.As(err, &mm) {
        fmt.Println(mm.Required, mm.Tendered)
    }
    if errors.Is(err, credit.ErrAmountMismatch) { ... }

SEE ALSO:
  - allocation.go: produces the user-correctable errors
  - settlement.go: retries ConcurrentModification
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidContractState is returned when persisted contract data breaks an invariant.
	ErrInvalidContractState = errors.New("invalid contract state")

	// ErrAmountMismatch is returned when the tendered amount differs from what the operation requires.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrUnauthorizedOperation is returned when a privileged operation lacks its justification.
	ErrUnauthorizedOperation = errors.New("unauthorized operation")

	// ErrContractNotSettleable is returned when the contract status forbids the operation.
	ErrContractNotSettleable = errors.New("contract not settleable")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInsufficientRegisterBalance is returned when a register cannot cover an outflow.
	ErrInsufficientRegisterBalance = errors.New("insufficient register balance")

	// ErrRegisterClosed is returned when posting to a closed register.
	ErrRegisterClosed = errors.New("cash register is closed")

	// ErrDuplicateIdempotencyKey is returned by stores when a payment key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrEntityNotFound is returned when a contract, register or payment doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidRequest is returned for malformed requests (unknown operation, missing key).
	ErrInvalidRequest = errors.New("invalid request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry the detail an operator UI needs
// =============================================================================

// InvalidContractStateError explains which invariant a contract breaks.
type InvalidContractStateError struct {
	ContractID ContractID
	Reason     string
}

func (e *InvalidContractStateError) Error() string {
	return fmt.Sprintf("invalid contract state for %s: %s", e.ContractID, e.Reason)
}

func (e *InvalidContractStateError) Unwrap() error { return ErrInvalidContractState }

// AmountMismatchError carries required vs tendered.
type AmountMismatchError struct {
	Operation OperationType
	Required  Amount
	Tendered  Amount
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for %s: required %s, tendered %s",
		e.Operation, e.Required, e.Tendered)
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// UnauthorizedOperationError is raised by the allocator, not by role checks.
type UnauthorizedOperationError struct {
	Operation OperationType
	Reason    string
}

func (e *UnauthorizedOperationError) Error() string {
	return fmt.Sprintf("unauthorized %s: %s", e.Operation, e.Reason)
}

func (e *UnauthorizedOperationError) Unwrap() error { return ErrUnauthorizedOperation }

// NotSettleableError reports the status that blocked the operation.
type NotSettleableError struct {
	ContractID ContractID
	Status     Status
	Operation  OperationType
}

func (e *NotSettleableError) Error() string {
	return fmt.Sprintf("contract %s in status %s does not accept %s",
		e.ContractID, e.Status, e.Operation)
}

func (e *NotSettleableError) Unwrap() error { return ErrContractNotSettleable }

// InsufficientRegisterBalanceError provides details about a register shortage.
type InsufficientRegisterBalanceError struct {
	RegisterID RegisterID
	Available  Amount
	Requested  Amount
}

func (e *InsufficientRegisterBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in register %s: available %s, requested %s",
		e.RegisterID, e.Available, e.Requested)
}

func (e *InsufficientRegisterBalanceError) Unwrap() error { return ErrInsufficientRegisterBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the operator can fix the request and resubmit.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrUnauthorizedOperation) ||
		errors.Is(err, ErrContractNotSettleable) ||
		errors.Is(err, ErrInsufficientRegisterBalance) ||
		errors.Is(err, ErrRegisterClosed) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
