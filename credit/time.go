package credit

import (
	"math"
	"time"
)

// =============================================================================
// DAY COUNTS
// =============================================================================

const day = 24 * time.Hour

// DaysOverdue returns max(0, ceil(asOf - due in days)).
// One second past the due instant already counts as one day late.
func DaysOverdue(due, asOf time.Time) int {
	if !asOf.After(due) {
		return 0
	}
	return int(math.Ceil(float64(asOf.Sub(due)) / float64(day)))
}

// DaysElapsed returns whole days from start to asOf, never negative.
func DaysElapsed(start, asOf time.Time) int {
	if !asOf.After(start) {
		return 0
	}
	return int(asOf.Sub(start) / day)
}

// AddDays moves t by n calendar days, keeping the wall-clock time.
func AddDays(t time.Time, n int) time.Time { return t.AddDate(0, 0, n) }

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Clock abstracts "now" so tests can pin settlement time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
