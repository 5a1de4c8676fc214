/*
Package sqlite provides a SQLite-backed implementation of credit.TxStore.

PURPOSE:
  Persists contracts, cash registers and the append-only payment ledger.
  The same SQL carries over to PostgreSQL with minor dialect changes.

KEY TABLES:
  contracts:  one row per pawn contract, optimistic `version` column
  registers:  one row per operator cash session, optimistic `version` column
  payments:   immutable ledger, UNIQUE (tenant_id, idempotency_key)

EXACT AMOUNTS:
  All money columns are TEXT holding decimal strings. Never REAL. A column
  that does not parse fails the read; a contract row comes back as
  credit.InvalidContractStateError rather than a zero amount.

OPTIMISTIC LOCKING:
  UPDATE ... WHERE id = ? AND version = ?; zero rows affected means another
  writer committed first and the caller gets credit.ErrConcurrentModification.
  The surrounding sql.Tx is rolled back, so no partial settlement is visible.

CONCURRENCY:
  A sync.RWMutex serializes writers inside the process (SQLite allows one
  writer at a time anyway). Cross-process safety comes from the version checks.
  WithTx re-checks the context once it holds the lock, so time spent queued
  behind another writer counts against the caller's deadline.

WAL MODE:
  Opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/pawn.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coordinator := credit.NewCoordinator(store, logger)

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/pawn-engine/credit"
)

// Store implements credit.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		outstanding_balance TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		accrued_interest TEXT NOT NULL DEFAULT '0',
		interest_maintained BOOLEAN NOT NULL DEFAULT FALSE,
		originated_at TEXT NOT NULL,
		due_date TEXT NOT NULL,
		term_days INTEGER NOT NULL,
		status TEXT NOT NULL,
		renewal_count INTEGER NOT NULL DEFAULT 0,
		disbursed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_tenant
		ON contracts(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_status_due
		ON contracts(status, due_date);

	CREATE TABLE IF NOT EXISTS registers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		operator_id TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		open BOOLEAN NOT NULL DEFAULT TRUE,
		opened_at TEXT NOT NULL,
		closed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- Payments (append-only ledger)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		register_id TEXT,
		operation TEXT NOT NULL,
		method TEXT NOT NULL,
		direction TEXT NOT NULL,
		tendered TEXT NOT NULL,
		penalty_portion TEXT NOT NULL,
		interest_portion TEXT NOT NULL,
		capital_portion TEXT NOT NULL,
		forgiven_amount TEXT NOT NULL DEFAULT '0',
		extension_days INTEGER NOT NULL DEFAULT 0,
		justification TEXT,
		previous_due_date TEXT NOT NULL,
		new_due_date TEXT NOT NULL,
		new_status TEXT NOT NULL,
		idempotency_key TEXT,
		operator_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
		ON payments(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_contract
		ON payments(contract_id, seq);
	CREATE INDEX IF NOT EXISTS idx_payments_register
		ON payments(register_id, seq) WHERE register_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CONTRACTS
// =============================================================================

const contractColumns = `id, tenant_id, customer_id, item_id, principal, outstanding_balance,
	interest_rate, accrued_interest, interest_maintained, originated_at, due_date,
	term_days, status, renewal_count, disbursed_at, version, updated_at`

// SaveContract inserts a new contract.
func (s *Store) SaveContract(ctx context.Context, c credit.LoanContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.CustomerID, c.ItemID,
		c.Principal.Value.String(), c.OutstandingBalance.Value.String(),
		c.InterestRate.Percent.String(), c.AccruedInterest.Value.String(), c.InterestMaintained,
		formatTime(c.OriginatedAt), formatTime(c.DueDate), c.TermDays, c.Status,
		c.RenewalCount, nullTime(c.DisbursedAt), c.Version, formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// GetContract reads the committed contract row.
func (s *Store) GetContract(ctx context.Context, id credit.ContractID) (*credit.LoanContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getContract(ctx, s.db, id)
}

func getContract(ctx context.Context, q querier, id credit.ContractID) (*credit.LoanContract, error) {
	row := q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, credit.ErrEntityNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContracts returns contracts of a tenant, or all when tenantID is empty.
func (s *Store) ListContracts(ctx context.Context, tenantID credit.TenantID) ([]credit.LoanContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + contractColumns + ` FROM contracts`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []credit.LoanContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (credit.LoanContract, error) {
	var (
		c                                        credit.LoanContract
		principal, balance, rate, accrued        string
		originatedAt, dueDate, updatedAt, status string
		disbursedAt                              sql.NullString
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.ItemID, &principal, &balance,
		&rate, &accrued, &c.InterestMaintained, &originatedAt, &dueDate, &c.TermDays, &status,
		&c.RenewalCount, &disbursedAt, &c.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan contract: %w", err)
	}

	var d columnDecoder
	c.Principal = d.amount("principal", principal)
	c.OutstandingBalance = d.amount("outstanding_balance", balance)
	c.InterestRate = credit.Rate{Percent: d.decimal("interest_rate", rate)}
	c.AccruedInterest = d.amount("accrued_interest", accrued)
	c.OriginatedAt = d.time("originated_at", originatedAt)
	c.DueDate = d.time("due_date", dueDate)
	c.UpdatedAt = d.time("updated_at", updatedAt)
	c.Status = credit.Status(status)
	if disbursedAt.Valid {
		t := d.time("disbursed_at", disbursedAt.String)
		c.DisbursedAt = &t
	}
	if d.err != nil {
		return c, &credit.InvalidContractStateError{ContractID: c.ID, Reason: d.err.Error()}
	}
	return c, nil
}

// =============================================================================
// REGISTERS
// =============================================================================

const registerColumns = `id, tenant_id, operator_id, opening_balance, current_balance,
	open, opened_at, closed_at, version`

// SaveRegister inserts a newly opened register.
func (s *Store) SaveRegister(ctx context.Context, r credit.CashRegister) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registers (`+registerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.OperatorID, r.OpeningBalance.Value.String(), r.CurrentBalance.Value.String(),
		r.Open, formatTime(r.OpenedAt), nullTime(r.ClosedAt), r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save register: %w", err)
	}
	return nil
}

// GetRegister reads the committed register row.
func (s *Store) GetRegister(ctx context.Context, id credit.RegisterID) (*credit.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRegister(ctx, s.db, id)
}

func getRegister(ctx context.Context, q querier, id credit.RegisterID) (*credit.CashRegister, error) {
	var (
		r                credit.CashRegister
		opening, current string
		openedAt         string
		closedAt         sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT `+registerColumns+` FROM registers WHERE id = ?`, id).
		Scan(&r.ID, &r.TenantID, &r.OperatorID, &opening, &current, &r.Open, &openedAt, &closedAt, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("register %s: %w", id, credit.ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan register: %w", err)
	}
	var d columnDecoder
	r.OpeningBalance = d.amount("opening_balance", opening)
	r.CurrentBalance = d.amount("current_balance", current)
	r.OpenedAt = d.time("opened_at", openedAt)
	if closedAt.Valid {
		t := d.time("closed_at", closedAt.String)
		r.ClosedAt = &t
	}
	if d.err != nil {
		return nil, fmt.Errorf("register %s: %w", id, d.err)
	}
	return &r, nil
}

// =============================================================================
// PAYMENTS (append-only)
// =============================================================================

const paymentColumns = `id, tenant_id, contract_id, register_id, operation, method, direction,
	tendered, penalty_portion, interest_portion, capital_portion, forgiven_amount,
	extension_days, justification, previous_due_date, new_due_date, new_status,
	idempotency_key, operator_id, metadata_json, created_at`

// PaymentByIdempotencyKey finds the record the tenant committed under key.
func (s *Store) PaymentByIdempotencyKey(ctx context.Context, tenantID credit.TenantID, key string) (*credit.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id = ? AND idempotency_key = ?`, tenantID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("payment with key %q: %w", key, credit.ErrEntityNotFound)
	}
	p, err := scanPayment(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPayments returns a contract's payments in commit order.
func (s *Store) ListPayments(ctx context.Context, contractID credit.ContractID) ([]credit.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE contract_id = ? ORDER BY seq ASC`, contractID)
}

// ListRegisterPayments returns the payments posted to a register in commit order.
func (s *Store) ListRegisterPayments(ctx context.Context, registerID credit.RegisterID) ([]credit.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE register_id = ? ORDER BY seq ASC`, registerID)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]credit.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []credit.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(rows *sql.Rows) (credit.PaymentRecord, error) {
	var (
		p                                     credit.PaymentRecord
		registerID, justification, operatorID sql.NullString
		idempotencyKey, metadataJSON          sql.NullString
		tendered, penalty, interest, capital  string
		forgiven, prevDue, newDue, createdAt  string
		operation, method, direction, status string
	)
	err := rows.Scan(&p.ID, &p.TenantID, &p.ContractID, &registerID, &operation, &method, &direction,
		&tendered, &penalty, &interest, &capital, &forgiven,
		&p.ExtensionDays, &justification, &prevDue, &newDue, &status,
		&idempotencyKey, &operatorID, &metadataJSON, &createdAt)
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	p.RegisterID = credit.RegisterID(registerID.String)
	p.Operation = credit.OperationType(operation)
	p.Method = credit.PaymentMethod(method)
	p.Direction = credit.CashDirection(direction)
	var d columnDecoder
	p.Tendered = d.amount("tendered", tendered)
	p.Breakdown = credit.Breakdown{
		Penalty:  d.amount("penalty_portion", penalty),
		Interest: d.amount("interest_portion", interest),
		Capital:  d.amount("capital_portion", capital),
	}
	p.ForgivenAmount = d.amount("forgiven_amount", forgiven)
	p.Justification = justification.String
	p.PreviousDueDate = d.time("previous_due_date", prevDue)
	p.NewDueDate = d.time("new_due_date", newDue)
	p.NewStatus = credit.Status(status)
	p.IdempotencyKey = idempotencyKey.String
	p.OperatorID = operatorID.String
	p.CreatedAt = d.time("created_at", createdAt)
	if d.err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, d.err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &p.Metadata); err != nil {
			return p, fmt.Errorf("failed to decode payment metadata: %w", err)
		}
	}
	return p, nil
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetContract(ctx context.Context, id credit.ContractID) (*credit.LoanContract, error) {
	return getContract(ctx, ts.tx, id)
}

func (ts *txStore) GetRegister(ctx context.Context, id credit.RegisterID) (*credit.CashRegister, error) {
	return getRegister(ctx, ts.tx, id)
}

func (ts *txStore) UpdateContract(ctx context.Context, c credit.LoanContract, expectedVersion int64) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE contracts SET
			outstanding_balance = ?, accrued_interest = ?, interest_maintained = ?, due_date = ?, status = ?,
			renewal_count = ?, disbursed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.OutstandingBalance.Value.String(), c.AccruedInterest.Value.String(), c.InterestMaintained,
		formatTime(c.DueDate), c.Status,
		c.RenewalCount, nullTime(c.DisbursedAt), formatTime(c.UpdatedAt),
		c.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	return ts.checkVersioned(ctx, res, "contracts", string(c.ID), expectedVersion)
}

func (ts *txStore) UpdateRegister(ctx context.Context, r credit.CashRegister, expectedVersion int64) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE registers SET
			current_balance = ?, open = ?, closed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		r.CurrentBalance.Value.String(), r.Open, nullTime(r.ClosedAt),
		r.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update register: %w", err)
	}
	return ts.checkVersioned(ctx, res, "registers", string(r.ID), expectedVersion)
}

// checkVersioned tells a stale version apart from a missing row.
func (ts *txStore) checkVersioned(ctx context.Context, res sql.Result, table, id string, expectedVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", table, id, credit.ErrEntityNotFound)
	}
	return fmt.Errorf("%s %s expected version %d: %w", table, id, expectedVersion, credit.ErrConcurrentModification)
}

func (ts *txStore) AppendPayment(ctx context.Context, p credit.PaymentRecord) error {
	var metadataJSON sql.NullString
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode payment metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM payments))`,
		p.ID, p.TenantID, p.ContractID, nullString(string(p.RegisterID)), p.Operation, p.Method, p.Direction,
		p.Tendered.Value.String(), p.Breakdown.Penalty.Value.String(), p.Breakdown.Interest.Value.String(),
		p.Breakdown.Capital.Value.String(), p.ForgivenAmount.Value.String(),
		p.ExtensionDays, nullString(p.Justification), formatTime(p.PreviousDueDate), formatTime(p.NewDueDate),
		p.NewStatus, nullString(p.IdempotencyKey), nullString(p.OperatorID), metadataJSON, formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// columnDecoder parses TEXT columns and keeps the first failure.
type columnDecoder struct {
	err error
}

func (d *columnDecoder) fail(column, value string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("column %s holds %q: %w", column, value, err)
	}
}

func (d *columnDecoder) decimal(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail(column, s, err)
		return decimal.Zero
	}
	return v
}

func (d *columnDecoder) amount(column, s string) credit.Amount {
	return credit.Amount{Value: d.decimal(column, s)}
}

func (d *columnDecoder) time(column, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d.fail(column, s, err)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
