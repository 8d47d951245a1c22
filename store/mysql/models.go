package mysql

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// GORM MODELS
// =============================================================================

// Currency columns use decimal(20,4); amounts are accepted with at most four
// decimal places, so storage never rounds.

type clientRow struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Name      string          `gorm:"size:255;not null;index"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	CreatedAt time.Time
}

func (clientRow) TableName() string { return "clients" }

func (r clientRow) toLedger() ledger.Client {
	return ledger.Client{ID: ledger.ClientID(r.ID), Name: r.Name, Balance: r.Balance, CreatedAt: r.CreatedAt.UTC()}
}

type saleRow struct {
	ID             string          `gorm:"primaryKey;size:64"`
	ClientID       string          `gorm:"size:64;not null;index"`
	OwnerID        string          `gorm:"size:64;not null;default:'';index"`
	Folio          string          `gorm:"size:64;not null"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	PendingBalance decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	CreatedAt      time.Time
}

func (saleRow) TableName() string { return "sales" }

func (r saleRow) toLedger() ledger.Sale {
	return ledger.Sale{
		ID:             ledger.SaleID(r.ID),
		ClientID:       ledger.ClientID(r.ClientID),
		OwnerID:        r.OwnerID,
		Folio:          r.Folio,
		Total:          r.Total,
		PendingBalance: r.PendingBalance,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type productRow struct {
	ID    string `gorm:"primaryKey;size:64"`
	Name  string `gorm:"size:255;not null"`
	Stock int64  `gorm:"not null;default:0"`
}

func (productRow) TableName() string { return "products" }

type promissoryNoteRow struct {
	ID           string          `gorm:"primaryKey;size:64"`
	SaleID       string          `gorm:"size:64;not null;index"`
	Number       int             `gorm:"not null"`
	Principal    decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	AmountPaid   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	DueDate      time.Time       `gorm:"not null;index:idx_promissory_due"`
	MoratoryRate decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	InterestPaid decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	Status       string          `gorm:"size:16;not null;index"`
}

func (promissoryNoteRow) TableName() string { return "promissory_notes" }

func (r promissoryNoteRow) toLedger() ledger.PromissoryNote {
	return ledger.PromissoryNote{
		ID:           ledger.PromissoryNoteID(r.ID),
		SaleID:       ledger.SaleID(r.SaleID),
		Number:       r.Number,
		Principal:    r.Principal,
		AmountPaid:   r.AmountPaid,
		DueDate:      r.DueDate.UTC(),
		MoratoryRate: r.MoratoryRate,
		InterestPaid: r.InterestPaid,
		Status:       ledger.PromissoryStatus(r.Status),
	}
}

// NoteColumns are shared by credit and debit notes.
type NoteColumns struct {
	ID          string          `gorm:"primaryKey;size:64"`
	Folio       string          `gorm:"size:64;not null;uniqueIndex"`
	ClientID    string          `gorm:"size:64;not null;index"`
	SaleID      *string         `gorm:"size:64;index"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Concept     string          `gorm:"size:255;not null;default:''"`
	Description string          `gorm:"type:text"`
	Applied     bool            `gorm:"not null;default:false"`
	AppliedAt   *time.Time
	AppliedBy   *string `gorm:"size:64"`
	CreatedBy   string  `gorm:"size:64;not null;default:''"`
	CreatedAt   time.Time
}

func (c NoteColumns) toHeader() ledger.NoteHeader {
	h := ledger.NoteHeader{
		ID:          ledger.NoteID(c.ID),
		Folio:       c.Folio,
		ClientID:    ledger.ClientID(c.ClientID),
		Amount:      c.Amount,
		Concept:     c.Concept,
		Description: c.Description,
		Applied:     c.Applied,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt.UTC(),
	}
	if c.SaleID != nil {
		id := ledger.SaleID(*c.SaleID)
		h.SaleID = &id
	}
	if c.AppliedAt != nil {
		t := c.AppliedAt.UTC()
		h.AppliedAt = &t
	}
	if c.AppliedBy != nil {
		h.AppliedBy = *c.AppliedBy
	}
	return h
}

func fromHeader(h ledger.NoteHeader) NoteColumns {
	c := NoteColumns{
		ID:          string(h.ID),
		Folio:       h.Folio,
		ClientID:    string(h.ClientID),
		Amount:      h.Amount,
		Concept:     h.Concept,
		Description: h.Description,
		Applied:     h.Applied,
		AppliedAt:   h.AppliedAt,
		CreatedBy:   h.CreatedBy,
		CreatedAt:   h.CreatedAt,
	}
	if h.SaleID != nil {
		s := string(*h.SaleID)
		c.SaleID = &s
	}
	if h.AppliedBy != "" {
		by := h.AppliedBy
		c.AppliedBy = &by
	}
	return c
}

type creditNoteRow struct {
	NoteColumns        `gorm:"embedded"`
	AppliesToInventory bool `gorm:"not null;default:false"`
}

func (creditNoteRow) TableName() string { return "credit_notes" }

type creditNoteItemRow struct {
	ID        string          `gorm:"primaryKey;size:64"`
	NoteID    string          `gorm:"size:64;not null;index"`
	ProductID string          `gorm:"size:64;not null"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Position  int             `gorm:"not null"`
}

func (creditNoteItemRow) TableName() string { return "credit_note_items" }

type debitNoteRow struct {
	NoteColumns `gorm:"embedded"`
}

func (debitNoteRow) TableName() string { return "debit_notes" }

// Audit rows carry an auto-increment Seq so that "oldest first" does not
// depend on timestamp resolution.

type inventoryMovementRow struct {
	Seq            uint64 `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"size:64;not null;uniqueIndex"`
	ProductID      string `gorm:"size:64;not null;index"`
	Delta          int64  `gorm:"not null"`
	QuantityBefore int64  `gorm:"not null"`
	QuantityAfter  int64  `gorm:"not null"`
	Reason         string `gorm:"size:255;not null"`
	NoteID         string `gorm:"size:64;not null"`
	CreatedAt      time.Time
}

func (inventoryMovementRow) TableName() string { return "inventory_movements" }

type ledgerHistoryRow struct {
	Seq           uint64          `gorm:"primaryKey;autoIncrement"`
	ID            string          `gorm:"size:64;not null;uniqueIndex"`
	ClientID      string          `gorm:"size:64;not null;index"`
	Event         string          `gorm:"size:512;not null"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Observations  string          `gorm:"type:text"`
	ActorID       string          `gorm:"size:64;not null"`
	CreatedAt     time.Time
}

func (ledgerHistoryRow) TableName() string { return "ledger_history" }

type paymentRow struct {
	ID       string          `gorm:"primaryKey;size:64"`
	ClientID string          `gorm:"size:64;not null;index"`
	Amount   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	PaidAt   time.Time       `gorm:"not null"`
}

func (paymentRow) TableName() string { return "payments" }

type paymentAllocationRow struct {
	PaymentID        string          `gorm:"primaryKey;size:64"`
	PromissoryNoteID string          `gorm:"primaryKey;size:64;index"`
	PrincipalAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	InterestAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
}

func (paymentAllocationRow) TableName() string { return "payment_allocations" }

// models is the AutoMigrate set, parents before children.
func models() []any {
	return []any{
		&clientRow{}, &saleRow{}, &productRow{}, &promissoryNoteRow{},
		&creditNoteRow{}, &creditNoteItemRow{}, &debitNoteRow{},
		&inventoryMovementRow{}, &ledgerHistoryRow{},
		&paymentRow{}, &paymentAllocationRow{},
	}
}
