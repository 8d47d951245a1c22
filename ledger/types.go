/*
Package ledger provides the receivables settlement engine.

PURPOSE:
  Keeps a client's outstanding balance, a sale's pending balance, promissory
  note payoff state and product stock consistent whenever a credit note or a
  debit note is applied, and derives moratory interest on overdue promissory
  notes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Client, Sale, Product: aggregates mutated by note application
  - PromissoryNote: installment obligation, read and enriched here
  - CreditNote / DebitNote: documents whose application posts to the ledger
  - InventoryMovement / LedgerHistoryEntry: append-only audit records
  - Payment / PaymentAllocation: produced by payment processing, stored here

DESIGN PRINCIPLES:
  1. Precision: every currency field is a decimal.Decimal, never a float
  2. One-way state: a note moves from unapplied to applied exactly once
  3. Auditability: every balance change appends a history entry

SEE ALSO:
  - engine.go: Note application
  - interest.go: Moratory interest calculation
  - query.go: Promissory note listing
  - store.go: Persistence contracts
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type SaleID string
type ProductID string
type NoteID string
type PromissoryNoteID string
type PaymentID string

// =============================================================================
// NOTE KIND
// =============================================================================

// NoteKind distinguishes credit notes from debit notes.
type NoteKind string

const (
	KindCredit NoteKind = "CREDIT"
	KindDebit  NoteKind = "DEBIT"
)

// Valid reports whether k is a known note kind.
func (k NoteKind) Valid() bool {
	return k == KindCredit || k == KindDebit
}

// Label is the human-readable document name used in history events.
func (k NoteKind) Label() string {
	switch k {
	case KindCredit:
		return "Credit note"
	case KindDebit:
		return "Debit note"
	default:
		return string(k)
	}
}

// FolioPrefix is prepended to generated folios.
func (k NoteKind) FolioPrefix() string {
	if k == KindCredit {
		return "NC"
	}
	return "ND"
}

// =============================================================================
// AGGREGATES
// =============================================================================

// Client owns a running balance. Positive balance means the client owes money.
type Client struct {
	ID        ClientID
	Name      string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Sale belongs to exactly one client. OwnerID is the collector or seller the
// sale is assigned to, used for visibility scoping.
type Sale struct {
	ID             SaleID
	ClientID       ClientID
	OwnerID        string
	Folio          string
	Total          decimal.Decimal
	PendingBalance decimal.Decimal
	CreatedAt      time.Time
}

// Product is read-only here except for stock, which credit notes restock.
type Product struct {
	ID    ProductID
	Name  string
	Stock int64
}

// =============================================================================
// PROMISSORY NOTE
// =============================================================================

type PromissoryStatus string

const (
	StatusPending PromissoryStatus = "PENDING"
	StatusPartial PromissoryStatus = "PARTIAL"
	StatusPaid    PromissoryStatus = "PAID"
	StatusOverdue PromissoryStatus = "OVERDUE"
)

// Valid reports whether s is a known status.
func (s PromissoryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

// PromissoryNote is an installment obligation tied to a sale.
//
// INVARIANTS:
//   - Principal and MoratoryRate never change after creation
//   - AmountPaid and InterestPaid only increase
//   - AmountPaid <= Principal
type PromissoryNote struct {
	ID           PromissoryNoteID
	SaleID       SaleID
	Number       int
	Principal    decimal.Decimal
	AmountPaid   decimal.Decimal
	DueDate      time.Time
	MoratoryRate decimal.Decimal // percent per day
	InterestPaid decimal.Decimal
	Status       PromissoryStatus
}

// Outstanding returns principal not yet paid.
func (p PromissoryNote) Outstanding() decimal.Decimal {
	return p.Principal.Sub(p.AmountPaid)
}

// =============================================================================
// CREDIT / DEBIT NOTES
// =============================================================================

// NoteLineItem is one returned product on a credit note.
// Quantity may be fractional for legacy data; stock moves by its floor.
type NoteLineItem struct {
	ID        string
	NoteID    NoteID
	ProductID ProductID
	Quantity  decimal.Decimal
}

// RestockQuantity is the whole number of units returned to stock.
func (li NoteLineItem) RestockQuantity() int64 {
	return li.Quantity.Floor().IntPart()
}

// NoteHeader holds the fields shared by credit and debit notes.
type NoteHeader struct {
	ID          NoteID
	Folio       string
	ClientID    ClientID
	SaleID      *SaleID
	Amount      decimal.Decimal
	Concept     string
	Description string
	Applied     bool
	AppliedAt   *time.Time
	AppliedBy   string
	CreatedBy   string
	CreatedAt   time.Time
}

// CreditNote reduces what a client owes, optionally restocking inventory.
type CreditNote struct {
	NoteHeader
	AppliesToInventory bool
	Items              []NoteLineItem
}

// DebitNote increases what a client owes.
type DebitNote struct {
	NoteHeader
}

// =============================================================================
// AUDIT RECORDS (append-only)
// =============================================================================

// ReasonCreditNoteReturn is recorded on movements created by credit notes.
const ReasonCreditNoteReturn = "return via credit note"

type InventoryMovement struct {
	ID             string
	ProductID      ProductID
	Delta          int64
	QuantityBefore int64
	QuantityAfter  int64
	Reason         string
	NoteID         NoteID
	CreatedAt      time.Time
}

type LedgerHistoryEntry struct {
	ID            string
	ClientID      ClientID
	Event         string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Observations  string
	ActorID       string
	CreatedAt     time.Time
}

// =============================================================================
// PAYMENTS (produced by external payment processing)
// =============================================================================

type Payment struct {
	ID       PaymentID
	ClientID ClientID
	Amount   decimal.Decimal
	PaidAt   time.Time
}

// PaymentAllocation links a payment to the promissory note it settles.
type PaymentAllocation struct {
	PaymentID        PaymentID
	PromissoryNoteID PromissoryNoteID
	PrincipalAmount  decimal.Decimal
	InterestAmount   decimal.Decimal
}

// =============================================================================
// BALANCE CHANGES
// =============================================================================

// BalanceChange captures a before/after pair from an atomic adjustment.
type BalanceChange struct {
	Before decimal.Decimal
	After  decimal.Decimal
}

// StockChange captures a before/after pair for a product's stock.
type StockChange struct {
	Before int64
	After  int64
}

// MustParseDecimal parses s or returns zero. Intended for constants and tests.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
