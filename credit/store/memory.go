// Package store provides in-memory credit.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/pawn-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	contracts   map[credit.ContractID]credit.LoanContract
	registers   map[credit.RegisterID]credit.CashRegister
	payments    []credit.PaymentRecord
	idempotency map[idempotencyKey]int // index into payments
}

type idempotencyKey struct {
	tenant credit.TenantID
	key    string
}

func NewMemory() *Memory {
	return &Memory{
		contracts:   make(map[credit.ContractID]credit.LoanContract),
		registers:   make(map[credit.RegisterID]credit.CashRegister),
		idempotency: make(map[idempotencyKey]int),
	}
}

func (m *Memory) GetContract(_ context.Context, id credit.ContractID) (*credit.LoanContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getContractLocked(id)
}

func (m *Memory) getContractLocked(id credit.ContractID) (*credit.LoanContract, error) {
	c, ok := m.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, credit.ErrEntityNotFound)
	}
	return &c, nil
}

func (m *Memory) ListContracts(_ context.Context, tenantID credit.TenantID) ([]credit.LoanContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []credit.LoanContract
	for _, c := range m.contracts {
		if tenantID == "" || c.TenantID == tenantID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveContract(_ context.Context, c credit.LoanContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s already exists", c.ID)
	}
	m.contracts[c.ID] = c
	return nil
}

func (m *Memory) GetRegister(_ context.Context, id credit.RegisterID) (*credit.CashRegister, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRegisterLocked(id)
}

func (m *Memory) getRegisterLocked(id credit.RegisterID) (*credit.CashRegister, error) {
	r, ok := m.registers[id]
	if !ok {
		return nil, fmt.Errorf("register %s: %w", id, credit.ErrEntityNotFound)
	}
	return &r, nil
}

func (m *Memory) SaveRegister(_ context.Context, r credit.CashRegister) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registers[r.ID]; ok {
		return fmt.Errorf("register %s already exists", r.ID)
	}
	m.registers[r.ID] = r
	return nil
}

func (m *Memory) PaymentByIdempotencyKey(_ context.Context, tenantID credit.TenantID, key string) (*credit.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.idempotency[idempotencyKey{tenant: tenantID, key: key}]
	if !ok {
		return nil, fmt.Errorf("payment with key %q: %w", key, credit.ErrEntityNotFound)
	}
	p := m.payments[i]
	return &p, nil
}

func (m *Memory) ListPayments(_ context.Context, contractID credit.ContractID) ([]credit.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.PaymentRecord
	for _, p := range m.payments {
		if p.ContractID == contractID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *Memory) ListRegisterPayments(_ context.Context, registerID credit.RegisterID) ([]credit.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []credit.PaymentRecord
	for _, p := range m.payments {
		if p.RegisterID == registerID {
			result = append(result, p)
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error; fn runs under the write lock.
func (m *Memory) WithTx(ctx context.Context, fn func(credit.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot()
	if err := fn(&memoryView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	// Commit (already done via direct writes)
	return nil
}

type memorySnapshot struct {
	contracts   map[credit.ContractID]credit.LoanContract
	registers   map[credit.RegisterID]credit.CashRegister
	payments    int
	idempotency map[idempotencyKey]int
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		contracts:   make(map[credit.ContractID]credit.LoanContract, len(m.contracts)),
		registers:   make(map[credit.RegisterID]credit.CashRegister, len(m.registers)),
		payments:    len(m.payments),
		idempotency: make(map[idempotencyKey]int, len(m.idempotency)),
	}
	for k, v := range m.contracts {
		s.contracts[k] = v
	}
	for k, v := range m.registers {
		s.registers[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

// restore relies on payments being append-only: truncating drops the tx's writes.
func (m *Memory) restore(s memorySnapshot) {
	m.contracts = s.contracts
	m.registers = s.registers
	m.payments = m.payments[:s.payments]
	m.idempotency = s.idempotency
}

type memoryView struct {
	parent *Memory
}

func (v *memoryView) GetContract(_ context.Context, id credit.ContractID) (*credit.LoanContract, error) {
	return v.parent.getContractLocked(id)
}

func (v *memoryView) GetRegister(_ context.Context, id credit.RegisterID) (*credit.CashRegister, error) {
	return v.parent.getRegisterLocked(id)
}

func (v *memoryView) UpdateContract(_ context.Context, c credit.LoanContract, expectedVersion int64) error {
	current, ok := v.parent.contracts[c.ID]
	if !ok {
		return fmt.Errorf("contract %s: %w", c.ID, credit.ErrEntityNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("contract %s at version %d, expected %d: %w",
			c.ID, current.Version, expectedVersion, credit.ErrConcurrentModification)
	}
	c.Version = expectedVersion + 1
	v.parent.contracts[c.ID] = c
	return nil
}

func (v *memoryView) UpdateRegister(_ context.Context, r credit.CashRegister, expectedVersion int64) error {
	current, ok := v.parent.registers[r.ID]
	if !ok {
		return fmt.Errorf("register %s: %w", r.ID, credit.ErrEntityNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("register %s at version %d, expected %d: %w",
			r.ID, current.Version, expectedVersion, credit.ErrConcurrentModification)
	}
	r.Version = expectedVersion + 1
	v.parent.registers[r.ID] = r
	return nil
}

func (v *memoryView) AppendPayment(_ context.Context, p credit.PaymentRecord) error {
	if p.IdempotencyKey != "" {
		k := idempotencyKey{tenant: p.TenantID, key: p.IdempotencyKey}
		if _, dup := v.parent.idempotency[k]; dup {
			return credit.ErrDuplicateIdempotencyKey
		}
		v.parent.idempotency[k] = len(v.parent.payments)
	}
	v.parent.payments = append(v.parent.payments, p)
	return nil
}
