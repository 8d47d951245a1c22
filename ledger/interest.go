/*
interest.go - Moratory interest on overdue promissory notes

PURPOSE:
  Computes days overdue and accrued moratory interest for a promissory note
  as of a reference instant, plus the derived display fields used by
  collections workflows.

FORMULA:
  daysOverdue = max(0, floor((asOf - dueDate) / 24h))
  accrued     = outstanding * (moratoryRate / 100) * daysOverdue
  outstanding = principal - amountPaid

  Simple daily interest on the CURRENT outstanding principal. Principal paid
  down in the middle of a delinquency is not reconstructed against its
  historical curve (see DESIGN.md, open questions).

PURITY:
  No side effects and no clock access: asOf is always passed in, so the
  result is reproducible and safe to compute concurrently.

EXAMPLE:
  principal 5000.00, paid 2000.00, rate 3%/day, 10 days late
  accrued = 3000.00 * 0.03 * 10 = 900.00
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places kept on derived amounts.
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Interest is the result of ComputeInterest.
type Interest struct {
	DaysOverdue int
	Accrued     decimal.Decimal
}

// ComputeInterest returns the moratory interest owed on note as of asOf.
func ComputeInterest(note PromissoryNote, asOf time.Time) Interest {
	days := DaysOverdue(note.DueDate, asOf)
	if days == 0 || note.MoratoryRate.IsZero() {
		return Interest{DaysOverdue: days, Accrued: decimal.Zero}
	}

	outstanding := note.Outstanding()
	if !outstanding.IsPositive() {
		return Interest{DaysOverdue: days, Accrued: decimal.Zero}
	}

	accrued := outstanding.
		Mul(note.MoratoryRate.Div(hundred)).
		Mul(decimal.NewFromInt(int64(days))).
		Round(CurrencyPlaces)

	return Interest{DaysOverdue: days, Accrued: accrued}
}

// DaysOverdue counts whole days elapsed after dueDate. Zero when asOf is on
// or before the due date.
func DaysOverdue(dueDate, asOf time.Time) int {
	elapsed := asOf.Sub(dueDate)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / (24 * time.Hour))
}

// =============================================================================
// DERIVED FIELDS
// =============================================================================

// Derived holds the enrichment shown next to a promissory note.
type Derived struct {
	DaysOverdue     int
	AccruedInterest decimal.Decimal
	InterestPending decimal.Decimal
	PendingBalance  decimal.Decimal
	TotalDue        decimal.Decimal
}

// Derive computes every display field for note as of asOf.
func Derive(note PromissoryNote, asOf time.Time) Derived {
	in := ComputeInterest(note, asOf)

	interestPending := in.Accrued.Sub(note.InterestPaid)
	if interestPending.IsNegative() {
		interestPending = decimal.Zero
	}
	pending := note.Outstanding()

	return Derived{
		DaysOverdue:     in.DaysOverdue,
		AccruedInterest: in.Accrued,
		InterestPending: interestPending,
		PendingBalance:  pending,
		TotalDue:        pending.Add(interestPending),
	}
}
