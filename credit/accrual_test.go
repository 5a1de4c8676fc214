package credit_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-engine/credit"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	originated = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	dueDate    = time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC)
)

func amt(s string) credit.Amount { return credit.MustParseAmount(s) }

// standardContract is 1000.00 at 5% for 30 days, disbursed, nothing accrued.
func standardContract() credit.LoanContract {
	disbursed := originated
	return credit.LoanContract{
		ID:                 "c-1000",
		TenantID:           "tenant-a",
		CustomerID:         "cust-1",
		ItemID:             "item-1",
		Principal:          amt("1000"),
		OutstandingBalance: amt("1000"),
		InterestRate:       credit.NewRate("5"),
		AccruedInterest:    credit.ZeroAmount(),
		OriginatedAt:       originated,
		DueDate:            dueDate,
		TermDays:           30,
		Status:             credit.StatusCurrent,
		DisbursedAt:        &disbursed,
		Version:            1,
	}
}

func daysAfterDue(n int) time.Time { return dueDate.AddDate(0, 0, n) }

// =============================================================================
// SNAPSHOT
// =============================================================================

func TestSnapshot_OnTime_NoPenalty(t *testing.T) {
	// GIVEN: 1000.00 at 5%, evaluated on the due date
	c := standardContract()

	// WHEN: Computing the snapshot
	snap, err := credit.DefaultCalculator().Snapshot(&c, dueDate)
	require.NoError(t, err)

	// THEN: Interest is 50.00, no penalty, total 1050.00
	assert.Equal(t, 0, snap.DaysOverdue)
	assert.Equal(t, 30, snap.DaysElapsed)
	assert.Equal(t, "50.00", snap.AccruedInterest.String())
	assert.Equal(t, "0.00", snap.PenaltyAmount.String())
	assert.Equal(t, "1050.00", snap.TotalDue.String())
}

func TestSnapshot_TenDaysOverdue_PenaltyAtPointThreePercentPerDay(t *testing.T) {
	// GIVEN: The same contract ten days late
	c := standardContract()

	// WHEN: Computing the snapshot
	snap, err := credit.DefaultCalculator().Snapshot(&c, daysAfterDue(10))
	require.NoError(t, err)

	// THEN: Penalty = 1000 × 0.003 × 10 = 30.00
	assert.Equal(t, 10, snap.DaysOverdue)
	assert.Equal(t, "30.00", snap.PenaltyAmount.String())
	assert.Equal(t, "1080.00", snap.TotalDue.String())
}

func TestSnapshot_OneSecondLate_ChargesAFullDay(t *testing.T) {
	c := standardContract()

	snap, err := credit.DefaultCalculator().Snapshot(&c, dueDate.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, 1, snap.DaysOverdue)
	assert.Equal(t, "3.00", snap.PenaltyAmount.String())
}

func TestDefaultPenaltyDailyRate_IsPointThreePercent(t *testing.T) {
	assert.True(t, credit.DefaultPenaltyDailyRate.Percent.Equal(decimal.RequireFromString("0.3")),
		"penalty rate changed: %s", credit.DefaultPenaltyDailyRate)
}

func TestSnapshot_TotalDueNeverDecreasesOverTime(t *testing.T) {
	// GIVEN: A contract with no payments
	c := standardContract()
	calc := credit.DefaultCalculator()

	// WHEN: Evaluated hour by hour over 60 days
	// THEN: Total due is non-decreasing
	prev := credit.ZeroAmount()
	for at := originated; at.Before(daysAfterDue(60)); at = at.Add(time.Hour) {
		snap, err := calc.Snapshot(&c, at)
		require.NoError(t, err)
		require.False(t, snap.TotalDue.LessThan(prev), "total due dropped at %s", at)
		prev = snap.TotalDue
	}
}

func TestSnapshot_TrustsMaintainedAccruedInterest(t *testing.T) {
	// GIVEN: A contract whose accrued interest is maintained externally
	c := standardContract()
	c.AccruedInterest = amt("42.10")
	c.InterestMaintained = true

	// WHEN: Snapshot vs Recompute
	snap, err := credit.DefaultCalculator().Snapshot(&c, dueDate)
	require.NoError(t, err)
	recomputed, err := credit.DefaultCalculator().Recompute(&c, dueDate)
	require.NoError(t, err)

	// THEN: Snapshot keeps 42.10, Recompute derives 50.00 from the rate
	assert.Equal(t, "42.10", snap.AccruedInterest.String())
	assert.Equal(t, "50.00", recomputed.AccruedInterest.String())
}

func TestSnapshot_MaintainedZeroHoldsUntilTermMatures(t *testing.T) {
	// GIVEN: A contract just renewed: interest reset to zero, due in 30 days
	c := standardContract()
	c.AccruedInterest = credit.ZeroAmount()
	c.InterestMaintained = true
	c.DueDate = dueDate.AddDate(0, 0, 30)
	calc := credit.DefaultCalculator()

	// WHEN: Looking before and at the new due date
	before, err := calc.Snapshot(&c, dueDate)
	require.NoError(t, err)
	matured, err := calc.Snapshot(&c, c.DueDate)
	require.NoError(t, err)

	// THEN: Nothing is owed for the open term; at maturity its interest is
	assert.Equal(t, "0.00", before.AccruedInterest.String())
	assert.Equal(t, "1000.00", before.TotalDue.String())
	assert.Equal(t, "50.00", matured.AccruedInterest.String())
}

func TestSnapshot_UnmaintainedZeroIsDerived(t *testing.T) {
	c := standardContract()
	c.AccruedInterest = credit.ZeroAmount()

	snap, err := credit.DefaultCalculator().Snapshot(&c, dueDate.AddDate(0, 0, -10))
	require.NoError(t, err)

	assert.Equal(t, "50.00", snap.AccruedInterest.String())
}

func TestSnapshot_PenaltyFollowsConfiguredRate(t *testing.T) {
	c := standardContract()
	calc := credit.NewCalculator(credit.NewRate("0.5"))

	snap, err := calc.Snapshot(&c, daysAfterDue(4))
	require.NoError(t, err)

	assert.Equal(t, "20.00", snap.PenaltyAmount.String())
}

func TestSnapshot_InvalidContract(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *credit.LoanContract)
	}{
		{"negative balance", func(c *credit.LoanContract) { c.OutstandingBalance = amt("-1") }},
		{"negative accrued interest", func(c *credit.LoanContract) { c.AccruedInterest = amt("-0.01") }},
		{"sub-cent balance", func(c *credit.LoanContract) { c.OutstandingBalance = amt("10.001") }},
		{"due before origination", func(c *credit.LoanContract) { c.DueDate = originated.AddDate(0, 0, -1) }},
		{"zero term", func(c *credit.LoanContract) { c.TermDays = 0 }},
		{"unknown status", func(c *credit.LoanContract) { c.Status = "frozen" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := standardContract()
			tt.mutate(&c)

			_, err := credit.DefaultCalculator().Snapshot(&c, dueDate)

			var stateErr *credit.InvalidContractStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, c.ID, stateErr.ContractID)
			assert.ErrorIs(t, err, credit.ErrInvalidContractState)
		})
	}
}
