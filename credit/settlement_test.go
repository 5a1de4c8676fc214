package credit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-engine/credit"
	"github.com/warp/pawn-engine/credit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tenantA credit.TenantID = "tenant-a"

type fixture struct {
	ctx      context.Context
	store    *store.Memory
	coord    *credit.Coordinator
	hook     *logtest.Hook
	released *recordingNotifier
	contract credit.LoanContract
	register credit.CashRegister
}

// newFixture imports the standard contract and opens a register with a
// 2000.00 float, with the clock pinned at now.
func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	mem := store.NewMemory()
	coord := credit.NewCoordinator(mem, logger)
	coord.Clock = credit.FixedClock{At: now}
	released := &recordingNotifier{}
	coord.Collateral = released

	ctx := context.Background()
	c, err := coord.ImportContract(ctx, standardContract())
	require.NoError(t, err)
	reg, err := coord.OpenRegister(ctx, tenantA, "teller-1", amt("2000"))
	require.NoError(t, err)

	return &fixture{ctx: ctx, store: mem, coord: coord, hook: hook, released: released, contract: *c, register: *reg}
}

func (f *fixture) renewal(key string, tendered string) credit.SettleRequest {
	return credit.SettleRequest{
		TenantID:       tenantA,
		ContractID:     f.contract.ID,
		Operation:      credit.OpInterestRenewal,
		Tendered:       amt(tendered),
		RegisterID:     f.register.ID,
		OperatorID:     "teller-1",
		IdempotencyKey: key,
		Method:         credit.MethodCash,
	}
}

func (f *fixture) reload(t *testing.T) (credit.LoanContract, credit.CashRegister, []credit.PaymentRecord) {
	t.Helper()
	c, err := f.store.GetContract(f.ctx, f.contract.ID)
	require.NoError(t, err)
	r, err := f.store.GetRegister(f.ctx, f.register.ID)
	require.NoError(t, err)
	payments, err := f.store.ListPayments(f.ctx, f.contract.ID)
	require.NoError(t, err)
	return *c, *r, payments
}

func (f *fixture) assertRegisterReconciles(t *testing.T) {
	t.Helper()
	reg, err := f.store.GetRegister(f.ctx, f.register.ID)
	require.NoError(t, err)
	records, err := f.store.ListRegisterPayments(f.ctx, f.register.ID)
	require.NoError(t, err)
	expected := credit.ExpectedRegisterBalance(*reg, records)
	assert.True(t, expected.Equal(reg.CurrentBalance),
		"register %s, records imply %s", reg.CurrentBalance, expected)
}

type recordingNotifier struct {
	mu       sync.Mutex
	released []credit.ContractID
}

func (n *recordingNotifier) Release(_ context.Context, c credit.LoanContract) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, c.ID)
	return nil
}

// conflictingStore fails the first n commits with a version conflict.
type conflictingStore struct {
	credit.TxStore
	mu        sync.Mutex
	remaining int
	commits   int
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(credit.UnitOfWork) error) error {
	s.mu.Lock()
	s.commits++
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return fmt.Errorf("injected: %w", credit.ErrConcurrentModification)
	}
	s.mu.Unlock()
	return s.TxStore.WithTx(ctx, fn)
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestSettle_Renewal_CommitsContractPaymentAndRegister(t *testing.T) {
	// GIVEN: 1000.00 at 5% on its due date, register with 2000.00
	f := newFixture(t, dueDate)

	// WHEN: Renewing with 50.00
	res, err := f.coord.Settle(f.ctx, f.renewal("key-1", "50"))
	require.NoError(t, err)

	// THEN: Contract rolled, one record, register +50
	c, reg, payments := f.reload(t)
	assert.False(t, res.Replayed)
	assert.Equal(t, dueDate.AddDate(0, 0, 30), res.NewDueDate)
	assert.Equal(t, credit.StatusCurrent, res.NewStatus)
	assert.Equal(t, dueDate.AddDate(0, 0, 30), c.DueDate)
	assert.Equal(t, 1, c.RenewalCount)
	assert.Equal(t, int64(2), c.Version)
	assert.Equal(t, "2050.00", reg.CurrentBalance.String())
	require.Len(t, payments, 1)
	assert.Equal(t, "50.00", payments[0].Breakdown.Interest.String())
	assert.Equal(t, dueDate, payments[0].PreviousDueDate)
	assert.Equal(t, "teller-1", payments[0].OperatorID)
	f.assertRegisterReconciles(t)
}

func TestSettle_Payoff_ReleasesCollateral(t *testing.T) {
	f := newFixture(t, daysAfterDue(10))

	res, err := f.coord.Settle(f.ctx, credit.SettleRequest{
		TenantID:       tenantA,
		ContractID:     f.contract.ID,
		Operation:      credit.OpFullPayoff,
		Tendered:       amt("1080"),
		RegisterID:     f.register.ID,
		IdempotencyKey: "payoff-1",
	})
	require.NoError(t, err)

	c, reg, _ := f.reload(t)
	assert.Equal(t, credit.StatusSettled, res.NewStatus)
	assert.True(t, c.OutstandingBalance.IsZero())
	assert.Equal(t, "3080.00", reg.CurrentBalance.String())
	assert.Equal(t, []credit.ContractID{f.contract.ID}, f.released.released)
	assert.Equal(t, credit.MethodCash, res.Payment.Method, "method defaults to cash")
}

func TestSettle_ExtendAndForgive_DoNotTouchRegister(t *testing.T) {
	// GIVEN: A contract five days late
	f := newFixture(t, daysAfterDue(5))

	// WHEN: Forgiving 15.00 and extending 10 days
	res, err := f.coord.ForgivePenalty(f.ctx, tenantA, f.contract.ID, amt("15"), "manager approved", "mgr-1", "")
	require.NoError(t, err)
	newDue, err := f.coord.ExtendTerm(f.ctx, tenantA, f.contract.ID, 10, "branch closed", "mgr-1", "")
	require.NoError(t, err)

	// THEN: Balance and due date moved, register untouched, records carry no register
	c, reg, payments := f.reload(t)
	assert.Equal(t, "985.00", c.OutstandingBalance.String())
	assert.Equal(t, daysAfterDue(10), newDue)
	assert.Equal(t, daysAfterDue(10), c.DueDate)
	assert.Equal(t, "2000.00", reg.CurrentBalance.String())
	require.Len(t, payments, 2)
	for _, p := range payments {
		assert.Empty(t, p.RegisterID)
		assert.Equal(t, credit.MethodNone, p.Method)
		assert.NotEmpty(t, p.IdempotencyKey, "generated when omitted")
	}
	assert.Equal(t, "15.00", res.Payment.ForgivenAmount.String())
}

func TestSettle_Disbursement_IsAnOutflow(t *testing.T) {
	// GIVEN: A contract that has not been paid out yet
	f := newFixture(t, originated)
	pending := standardContract()
	pending.ID = "c-pending"
	pending.DisbursedAt = nil
	_, err := f.coord.ImportContract(f.ctx, pending)
	require.NoError(t, err)

	// WHEN: Disbursing the principal
	res, err := f.coord.Settle(f.ctx, credit.SettleRequest{
		TenantID:       tenantA,
		ContractID:     "c-pending",
		Operation:      credit.OpDisbursement,
		Tendered:       amt("1000"),
		RegisterID:     f.register.ID,
		IdempotencyKey: "disburse-1",
	})
	require.NoError(t, err)

	// THEN: The register pays out and the contract is marked disbursed
	reg, err := f.store.GetRegister(f.ctx, f.register.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", reg.CurrentBalance.String())
	assert.Equal(t, credit.DirectionOutflow, res.Payment.Direction)
	c, err := f.store.GetContract(f.ctx, "c-pending")
	require.NoError(t, err)
	assert.NotNil(t, c.DisbursedAt)
	f.assertRegisterReconciles(t)
}

// =============================================================================
// REJECTIONS LEAVE NO TRACE
// =============================================================================

func TestSettle_Mismatch_NoMutation(t *testing.T) {
	f := newFixture(t, dueDate)

	_, err := f.coord.Settle(f.ctx, f.renewal("key-short", "49.99"))

	assert.ErrorIs(t, err, credit.ErrAmountMismatch)
	c, reg, payments := f.reload(t)
	assert.Equal(t, f.contract.Version, c.Version)
	assert.Equal(t, dueDate, c.DueDate)
	assert.Equal(t, "2000.00", reg.CurrentBalance.String())
	assert.Empty(t, payments)
}

func TestSettle_Disbursement_InsufficientRegister(t *testing.T) {
	f := newFixture(t, originated)
	pending := standardContract()
	pending.ID = "c-big"
	pending.Principal = amt("2500")
	pending.OutstandingBalance = amt("2500")
	pending.DisbursedAt = nil
	_, err := f.coord.ImportContract(f.ctx, pending)
	require.NoError(t, err)

	_, err = f.coord.Settle(f.ctx, credit.SettleRequest{
		TenantID:       tenantA,
		ContractID:     "c-big",
		Operation:      credit.OpDisbursement,
		Tendered:       amt("2500"),
		RegisterID:     f.register.ID,
		IdempotencyKey: "disburse-big",
	})

	var insufficient *credit.InsufficientRegisterBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "2000.00", insufficient.Available.String())
	c, err := f.store.GetContract(f.ctx, "c-big")
	require.NoError(t, err)
	assert.Nil(t, c.DisbursedAt)
}

func TestSettle_ClosedRegister_Rejected(t *testing.T) {
	f := newFixture(t, dueDate)
	_, err := f.coord.CloseRegister(f.ctx, tenantA, f.register.ID)
	require.NoError(t, err)

	_, err = f.coord.Settle(f.ctx, f.renewal("key-closed", "50"))

	assert.ErrorIs(t, err, credit.ErrRegisterClosed)
}

func TestSettle_CashOperationWithoutRegister(t *testing.T) {
	f := newFixture(t, dueDate)
	req := f.renewal("key-noreg", "50")
	req.RegisterID = ""

	_, err := f.coord.Settle(f.ctx, req)

	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

func TestSettle_MissingIdempotencyKey(t *testing.T) {
	f := newFixture(t, dueDate)

	_, err := f.coord.Settle(f.ctx, f.renewal("", "50"))

	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

func TestSettle_OtherTenant_NotFound(t *testing.T) {
	// GIVEN: A contract of tenant A
	f := newFixture(t, dueDate)

	// WHEN: Tenant B tries to settle it
	req := f.renewal("key-b", "50")
	req.TenantID = "tenant-b"
	_, err := f.coord.Settle(f.ctx, req)

	// THEN: It does not exist for B
	assert.True(t, credit.IsNotFound(err))
	_, err = f.coord.ComputeSnapshot(f.ctx, "tenant-b", f.contract.ID, time.Time{})
	assert.True(t, credit.IsNotFound(err))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestSettle_SameKeyTwice_OneRecord(t *testing.T) {
	// GIVEN: A committed renewal
	f := newFixture(t, dueDate)
	first, err := f.coord.Settle(f.ctx, f.renewal("key-dup", "50"))
	require.NoError(t, err)

	// WHEN: The teller double-clicks
	second, err := f.coord.Settle(f.ctx, f.renewal("key-dup", "50"))
	require.NoError(t, err)

	// THEN: The original record comes back, nothing applied twice
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.NewDueDate, second.NewDueDate)
	c, reg, payments := f.reload(t)
	assert.Len(t, payments, 1)
	assert.Equal(t, 1, c.RenewalCount)
	assert.Equal(t, "2050.00", reg.CurrentBalance.String())
}

func TestSettle_SameKeyInAnotherTenant_Independent(t *testing.T) {
	// GIVEN: Tenant A renewed with "renew-1"
	f := newFixture(t, dueDate)
	first, err := f.coord.Settle(f.ctx, f.renewal("renew-1", "50"))
	require.NoError(t, err)

	// AND: Tenant B has its own contract and register
	other := standardContract()
	other.ID, other.TenantID = "c-2000", "tenant-b"
	_, err = f.coord.ImportContract(f.ctx, other)
	require.NoError(t, err)
	regB, err := f.coord.OpenRegister(f.ctx, "tenant-b", "teller-b", amt("100"))
	require.NoError(t, err)

	// WHEN: Tenant B settles with the same key string
	res, err := f.coord.Settle(f.ctx, credit.SettleRequest{
		TenantID:       "tenant-b",
		ContractID:     other.ID,
		Operation:      credit.OpInterestRenewal,
		Tendered:       amt("50"),
		RegisterID:     regB.ID,
		IdempotencyKey: "renew-1",
	})

	// THEN: It commits its own record; A's record is untouched and unseen
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.NotEqual(t, first.Payment.ID, res.Payment.ID)
	assert.Equal(t, credit.TenantID("tenant-b"), res.Payment.TenantID)
	_, _, payments := f.reload(t)
	assert.Len(t, payments, 1)
}

func TestSettle_KeyReusedForAnotherOperation(t *testing.T) {
	f := newFixture(t, dueDate)
	_, err := f.coord.Settle(f.ctx, f.renewal("key-reuse", "50"))
	require.NoError(t, err)

	req := f.renewal("key-reuse", "1050")
	req.Operation = credit.OpFullPayoff
	_, err = f.coord.Settle(f.ctx, req)

	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSettle_ConcurrentSameKey_AppliedOnce(t *testing.T) {
	// GIVEN: Eight tellers submitting the same payoff at once
	f := newFixture(t, dueDate)
	const n = 8
	f.coord.MaxAttempts = n

	var wg sync.WaitGroup
	results := make([]*credit.SettleResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coord.Settle(f.ctx, credit.SettleRequest{
				TenantID:       tenantA,
				ContractID:     f.contract.ID,
				Operation:      credit.OpFullPayoff,
				Tendered:       amt("1050"),
				RegisterID:     f.register.ID,
				IdempotencyKey: "payoff-race",
			})
		}(i)
	}
	wg.Wait()

	// THEN: Every caller sees the same record, money moved once
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Payment.ID, results[i].Payment.ID)
	}
	_, reg, payments := f.reload(t)
	assert.Len(t, payments, 1)
	assert.Equal(t, "3050.00", reg.CurrentBalance.String())
	f.assertRegisterReconciles(t)
}

func TestSettle_ConcurrentDistinctRenewals_RollTheTermOnce(t *testing.T) {
	// GIVEN: Several renewals with distinct keys racing on one contract
	f := newFixture(t, dueDate)
	const n = 6
	f.coord.MaxAttempts = n

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Settle(f.ctx, f.renewal(fmt.Sprintf("renew-%d", i), "50"))
		}(i)
	}
	wg.Wait()

	// THEN: One wins; the others re-read a paid term and are refused
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, credit.ErrAmountMismatch)
	}
	assert.Equal(t, 1, succeeded)
	c, reg, payments := f.reload(t)
	assert.Len(t, payments, 1)
	assert.Equal(t, 1, c.RenewalCount)
	assert.Equal(t, dueDate.AddDate(0, 0, 30), c.DueDate)
	assert.Equal(t, int64(2), c.Version)
	assert.Equal(t, "2050.00", reg.CurrentBalance.String())
	f.assertRegisterReconciles(t)
}

func TestSettle_ConcurrentDistinctExtensions_NoLostUpdate(t *testing.T) {
	// GIVEN: Several one-day extensions with distinct keys racing on one contract
	f := newFixture(t, dueDate)
	const n = 6
	f.coord.MaxAttempts = n

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.ExtendTerm(f.ctx, tenantA, f.contract.ID, 1, "holiday", "teller-1", fmt.Sprintf("ext-%d", i))
		}(i)
	}
	wg.Wait()

	// THEN: They serialize; every day is applied
	for _, err := range errs {
		require.NoError(t, err)
	}
	c, reg, payments := f.reload(t)
	assert.Len(t, payments, n)
	assert.Equal(t, dueDate.AddDate(0, 0, n), c.DueDate)
	assert.Equal(t, int64(1+n), c.Version)
	assert.Equal(t, "2000.00", reg.CurrentBalance.String())
}

func TestSettle_RenewalNotAppliedTwiceAtOneInstant(t *testing.T) {
	// GIVEN: A renewal just committed
	f := newFixture(t, dueDate)
	_, err := f.coord.Settle(f.ctx, f.renewal("r-1", "50"))
	require.NoError(t, err)

	// WHEN: Asking what is owed and renewing again with a new key
	snap, err := f.coord.ComputeSnapshot(f.ctx, tenantA, f.contract.ID, time.Time{})
	require.NoError(t, err)
	_, err = f.coord.Settle(f.ctx, f.renewal("r-2", "50"))

	// THEN: Nothing accrued for the new term, and the second renewal is refused
	assert.Equal(t, "0.00", snap.AccruedInterest.String())
	assert.Equal(t, "1000.00", snap.TotalDue.String())
	var mismatch *credit.AmountMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "0.00", mismatch.Required.String())
	c, _, payments := f.reload(t)
	assert.Len(t, payments, 1)
	assert.Equal(t, 1, c.RenewalCount)
	assert.Equal(t, dueDate.AddDate(0, 0, 30), c.DueDate)

	// AND: Forcing recomputation still shows the rate-derived figure
	recomputed, err := f.coord.RecomputeSnapshot(f.ctx, tenantA, f.contract.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "50.00", recomputed.AccruedInterest.String())
}

func TestSettle_RetriesConflicts(t *testing.T) {
	// GIVEN: A store whose first two commits conflict
	f := newFixture(t, dueDate)
	flaky := &conflictingStore{TxStore: f.store, remaining: 2}
	f.coord.Store = flaky

	// WHEN: Settling with the default budget of 3
	res, err := f.coord.Settle(f.ctx, f.renewal("key-retry", "50"))

	// THEN: The third attempt commits
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 3, flaky.commits)
	_, _, payments := f.reload(t)
	assert.Len(t, payments, 1)
}

func TestSettle_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, dueDate)
	flaky := &conflictingStore{TxStore: f.store, remaining: 10}
	f.coord.Store = flaky

	_, err := f.coord.Settle(f.ctx, f.renewal("key-exhaust", "50"))

	assert.ErrorIs(t, err, credit.ErrConcurrentModification)
	assert.True(t, credit.IsRetryable(err))
	assert.Equal(t, credit.DefaultMaxAttempts, flaky.commits)
	c, _, payments := f.reload(t)
	assert.Empty(t, payments)
	assert.Equal(t, dueDate, c.DueDate)
	assert.Equal(t, "settlement retry budget exhausted", f.hook.LastEntry().Message)
}

// =============================================================================
// REGISTERS
// =============================================================================

func TestRegister_CloseTwice(t *testing.T) {
	f := newFixture(t, dueDate)

	closed, err := f.coord.CloseRegister(f.ctx, tenantA, f.register.ID)
	require.NoError(t, err)
	assert.False(t, closed.Open)
	assert.NotNil(t, closed.ClosedAt)

	_, err = f.coord.CloseRegister(f.ctx, tenantA, f.register.ID)
	assert.ErrorIs(t, err, credit.ErrRegisterClosed)
}

func TestRegister_OpenRequiresOperator(t *testing.T) {
	f := newFixture(t, dueDate)

	_, err := f.coord.OpenRegister(f.ctx, tenantA, "", amt("10"))
	assert.ErrorIs(t, err, credit.ErrInvalidRequest)

	_, err = f.coord.OpenRegister(f.ctx, tenantA, "teller-2", amt("-1"))
	assert.ErrorIs(t, err, credit.ErrInvalidRequest)
}

func TestImportContract_Defaults(t *testing.T) {
	f := newFixture(t, originated)

	c, err := f.coord.ImportContract(f.ctx, credit.LoanContract{
		TenantID:     tenantA,
		Principal:    amt("300"),
		InterestRate: credit.NewRate("6"),
		OriginatedAt: originated,
		TermDays:     15,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "300.00", c.OutstandingBalance.String())
	assert.Equal(t, originated.AddDate(0, 0, 15), c.DueDate)
	assert.Equal(t, credit.StatusCurrent, c.Status)
	assert.Equal(t, int64(1), c.Version)
}

func TestImportContract_RejectsZeroPrincipal(t *testing.T) {
	f := newFixture(t, originated)

	_, err := f.coord.ImportContract(f.ctx, credit.LoanContract{
		TenantID:     tenantA,
		Principal:    credit.ZeroAmount(),
		OriginatedAt: originated,
		TermDays:     30,
	})

	assert.ErrorIs(t, err, credit.ErrInvalidContractState)
}

// =============================================================================
// STATUS SWEEP
// =============================================================================

func TestSweepStatuses(t *testing.T) {
	// GIVEN: Contracts 5 and 40 days late plus a settled one, seen at due+40
	f := newFixture(t, daysAfterDue(40))

	late := standardContract()
	late.ID = "c-late"
	late.DueDate = daysAfterDue(35)
	late.OriginatedAt = late.DueDate.AddDate(0, 0, -30)
	_, err := f.coord.ImportContract(f.ctx, late)
	require.NoError(t, err)

	settled := standardContract()
	settled.ID = "c-settled"
	settled.Status = credit.StatusSettled
	settled.OutstandingBalance = credit.ZeroAmount()
	_, err = f.coord.ImportContract(f.ctx, settled)
	require.NoError(t, err)

	// WHEN: Sweeping
	res, err := f.coord.SweepStatuses(f.ctx, tenantA, credit.DefaultStatusPolicy())
	require.NoError(t, err)

	// THEN: Each contract lands in its time-driven status; settled is untouched
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 2, res.Updated)

	get := func(id credit.ContractID) credit.Status {
		c, err := f.store.GetContract(f.ctx, id)
		require.NoError(t, err)
		return c.Status
	}
	assert.Equal(t, credit.StatusDefaulted, get(f.contract.ID))
	assert.Equal(t, credit.StatusPastDue, get("c-late"))
	assert.Equal(t, credit.StatusSettled, get("c-settled"))
}
