/*
Package credit provides the credit lifecycle and settlement engine for pawn contracts.

PURPOSE:
  A customer pledges an item, receives capital, and must repay capital plus
  accrued interest and late penalties before a deadline. This package answers
  three questions for any contract at any instant:
    1. How much is owed right now? (accrual.go)
    2. How is an incoming payment split? (allocation.go)
    3. How is the resulting state committed safely? (settlement.go)

KEY CONCEPTS IN THIS FILE (money.go):
  - Amount: an exact currency quantity (two decimal places, single currency)
  - Rate: a percentage (5 = 5%) applied per accrual period or per day

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Rounding happens once, when a derived amount is produced
  3. Single currency: no currency field, no conversion

SEE ALSO:
  - time.go: day-count helpers
  - accrual.go: uses Amount and Rate to build snapshots
*/
package credit

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places kept for currency amounts.
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// =============================================================================
// AMOUNT - Exact currency quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount { return Amount{Value: decimal.NewFromInt(value)} }

// NewAmountFromCents builds an amount from minor units (1050 -> 10.50).
func NewAmountFromCents(cents int64) Amount {
	return Amount{Value: decimal.New(cents, -CurrencyPlaces)}
}

// ParseAmount parses a decimal string such as "1050.25".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Cmp(b Amount) int             { return a.Value.Cmp(b.Value) }

// Round rounds half away from zero to CurrencyPlaces.
func (a Amount) Round() Amount { return Amount{Value: a.Value.Round(CurrencyPlaces)} }

// IsCurrencyExact reports whether the amount has no sub-cent digits.
func (a Amount) IsCurrencyExact() bool { return a.Value.Equal(a.Value.Round(CurrencyPlaces)) }

func (a Amount) String() string { return a.Value.StringFixed(CurrencyPlaces) }

// MarshalJSON encodes the amount as a decimal string so clients never see floats.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "12.50" and 12.50.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	a.Value = d
	return nil
}

// SumAmounts adds amounts together.
func SumAmounts(amounts ...Amount) Amount {
	total := ZeroAmount()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// RATE - Percentage
// =============================================================================

// Rate is a percentage: NewRate("5") is five percent.
type Rate struct {
	Percent decimal.Decimal
}

func NewRate(percent string) Rate {
	d, err := decimal.NewFromString(percent)
	if err != nil {
		panic(fmt.Sprintf("invalid rate %q: %v", percent, err))
	}
	return Rate{Percent: d}
}

// RateFromFraction builds a rate from a fraction (0.003 -> 0.3%).
func RateFromFraction(f decimal.Decimal) Rate { return Rate{Percent: f.Mul(hundred)} }

// Fraction returns the rate as a multiplier (5% -> 0.05).
func (r Rate) Fraction() decimal.Decimal { return r.Percent.Div(hundred) }

func (r Rate) IsNegative() bool { return r.Percent.IsNegative() }

// Apply returns amount × rate, unrounded.
func (r Rate) Apply(a Amount) Amount { return a.Mul(r.Fraction()) }

func (r Rate) String() string { return r.Percent.String() + "%" }

func (r Rate) MarshalJSON() ([]byte, error) { return json.Marshal(r.Percent.String()) }

func (r *Rate) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("invalid rate: %w", err)
	}
	r.Percent = d
	return nil
}
