/*
store.go - Persistence contracts for the settlement engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never holds a process-wide handle: a Store is injected into NewEngine and
  NewQueryService.

KEY INTERFACES:
  Tx:       Entity reads and mutations inside one unit of work
  Store:    WithTx (unit of work) plus read-only queries
  Registry: Writes for records owned by external collaborators
            (clients, sales, products, promissory notes, payments)

UNIT OF WORK:
  WithTx(ctx, fn) runs fn against a Tx. If fn returns an error every write
  made through the Tx is rolled back; otherwise all of them commit. A
  cancelled context aborts the unit of work.

SERIALIZATION POINT:
  MarkNoteApplied only transitions a note whose applied flag is still false.
  Implementations must serialize concurrent transitions of the same note:
  the loser gets ErrConflict (or observes applied=true after a row lock).

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite (default runtime)
  - store/mysql/mysql.go:   MySQL via gorm with row-level locks

SEE ALSO:
  - engine.go: Sole writer of applied flags and note-driven balance changes
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TX - Operations available inside a unit of work
// =============================================================================

// Tx exposes entity access bound to one transaction.
// Getters return an error of kind NOT_FOUND when the record is absent.
type Tx interface {
	GetClient(ctx context.Context, id ClientID) (*Client, error)
	GetSale(ctx context.Context, id SaleID) (*Sale, error)
	GetProduct(ctx context.Context, id ProductID) (*Product, error)

	// GetCreditNote returns the note with its line items.
	GetCreditNote(ctx context.Context, id NoteID) (*CreditNote, error)
	GetDebitNote(ctx context.Context, id NoteID) (*DebitNote, error)

	InsertCreditNote(ctx context.Context, note *CreditNote) error
	InsertDebitNote(ctx context.Context, note *DebitNote) error

	// UpdateCreditNote rewrites an unapplied note, replacing its line items.
	UpdateCreditNote(ctx context.Context, note *CreditNote) error
	UpdateDebitNote(ctx context.Context, note *DebitNote) error

	// DeleteNote removes an unapplied note (and its line items).
	DeleteNote(ctx context.Context, kind NoteKind, id NoteID) error

	// MarkNoteApplied flips applied from false to true.
	// Returns ErrConflict if the note was not in the unapplied state.
	MarkNoteApplied(ctx context.Context, kind NoteKind, id NoteID, actorID string, at time.Time) error

	AdjustClientBalance(ctx context.Context, id ClientID, delta decimal.Decimal) (BalanceChange, error)
	AdjustSalePendingBalance(ctx context.Context, id SaleID, delta decimal.Decimal) (BalanceChange, error)
	AdjustProductStock(ctx context.Context, id ProductID, delta int64) (StockChange, error)

	AppendInventoryMovement(ctx context.Context, m InventoryMovement) error
	AppendHistory(ctx context.Context, e LedgerHistoryEntry) error
}

// =============================================================================
// STORE - Unit of work plus read models
// =============================================================================

type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListPromissoryNotes returns one page of matching notes and the total
	// number of matches, ordered by due date, client name, id.
	ListPromissoryNotes(ctx context.Context, q PromissoryNoteQuery) ([]PromissoryNoteRow, int, error)

	// ClientHistory returns the client's history entries, oldest first.
	ClientHistory(ctx context.Context, id ClientID) ([]LedgerHistoryEntry, error)

	// ProductMovements returns the product's inventory movements, oldest first.
	ProductMovements(ctx context.Context, id ProductID) ([]InventoryMovement, error)

	// PaymentAllocations returns allocations recorded against a promissory note.
	PaymentAllocations(ctx context.Context, id PromissoryNoteID) ([]PaymentAllocation, error)
}

// Registry persists records whose lifecycle belongs to external
// collaborators (client roll import, sale capture, payment processing).
type Registry interface {
	SaveClient(ctx context.Context, c Client) error
	SaveSale(ctx context.Context, s Sale) error
	SaveProduct(ctx context.Context, p Product) error
	SavePromissoryNote(ctx context.Context, p PromissoryNote) error
	SavePayment(ctx context.Context, p Payment, allocations []PaymentAllocation) error
}

// =============================================================================
// QUERY MODEL
// =============================================================================

// PromissoryNoteQuery is the store-level form of a listing filter.
// Offset/Limit are already derived from page and page size.
type PromissoryNoteQuery struct {
	Status      *PromissoryStatus
	ClientID    *ClientID
	SaleID      *SaleID
	OwnerID     *string
	DueFrom     *time.Time
	DueTo       *time.Time
	OverdueOnly bool
	AsOf        time.Time
	Offset      int
	Limit       int
}

// PromissoryNoteRow is a promissory note joined with its sale and client.
type PromissoryNoteRow struct {
	Note       PromissoryNote
	ClientID   ClientID
	ClientName string
	SaleFolio  string
	OwnerID    string
}

// Matches reports whether a row satisfies q's predicates (not paging).
// Store implementations that filter in memory use this directly.
func (q PromissoryNoteQuery) Matches(r PromissoryNoteRow) bool {
	if q.Status != nil && r.Note.Status != *q.Status {
		return false
	}
	if q.ClientID != nil && r.ClientID != *q.ClientID {
		return false
	}
	if q.SaleID != nil && r.Note.SaleID != *q.SaleID {
		return false
	}
	if q.OwnerID != nil && r.OwnerID != *q.OwnerID {
		return false
	}
	if q.DueFrom != nil && r.Note.DueDate.Before(*q.DueFrom) {
		return false
	}
	if q.DueTo != nil && r.Note.DueDate.After(*q.DueTo) {
		return false
	}
	if q.OverdueOnly && (!r.Note.DueDate.Before(q.AsOf) || r.Note.Status == StatusPaid) {
		return false
	}
	return true
}

// LessRow is the listing order: due date, client name, then id.
func LessRow(a, b PromissoryNoteRow) bool {
	if !a.Note.DueDate.Equal(b.Note.DueDate) {
		return a.Note.DueDate.Before(b.Note.DueDate)
	}
	if a.ClientName != b.ClientName {
		return a.ClientName < b.ClientName
	}
	return a.Note.ID < b.Note.ID
}
