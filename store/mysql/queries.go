package mysql

import (
	"context"

	"github.com/warp/settlement-engine/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// READ MODELS (ledger.Store)
// =============================================================================

type listRow struct {
	Note       promissoryNoteRow `gorm:"embedded"`
	ClientID   string
	ClientName string
	SaleFolio  string
	OwnerID    string
}

// ListPromissoryNotes filters, orders and pages in SQL. Plain reads take
// no locks.
func (s *Store) ListPromissoryNotes(ctx context.Context, q ledger.PromissoryNoteQuery) ([]ledger.PromissoryNoteRow, int, error) {
	const op = "ListPromissoryNotes"

	base := func() *gorm.DB {
		return promissoryScope(s.db.WithContext(ctx).
			Table("promissory_notes AS p").
			Joins("JOIN sales s ON s.id = p.sale_id").
			Joins("JOIN clients c ON c.id = s.client_id"), q)
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, classify(op, err)
	}

	query := base().
		Select("p.*, s.client_id AS client_id, c.name AS client_name, s.folio AS sale_folio, s.owner_id AS owner_id").
		Order("p.due_date ASC").Order("c.name ASC").Order("p.id ASC").
		Offset(q.Offset)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []listRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, 0, classify(op, err)
	}

	result := make([]ledger.PromissoryNoteRow, len(rows))
	for i, r := range rows {
		result[i] = ledger.PromissoryNoteRow{
			Note:       r.Note.toLedger(),
			ClientID:   ledger.ClientID(r.ClientID),
			ClientName: r.ClientName,
			SaleFolio:  r.SaleFolio,
			OwnerID:    r.OwnerID,
		}
	}
	return result, int(total), nil
}

// promissoryScope applies the same predicates as PromissoryNoteQuery.Matches.
func promissoryScope(db *gorm.DB, q ledger.PromissoryNoteQuery) *gorm.DB {
	if q.Status != nil {
		db = db.Where("p.status = ?", string(*q.Status))
	}
	if q.ClientID != nil {
		db = db.Where("s.client_id = ?", string(*q.ClientID))
	}
	if q.SaleID != nil {
		db = db.Where("p.sale_id = ?", string(*q.SaleID))
	}
	if q.OwnerID != nil {
		db = db.Where("s.owner_id = ?", *q.OwnerID)
	}
	if q.DueFrom != nil {
		db = db.Where("p.due_date >= ?", q.DueFrom.UTC())
	}
	if q.DueTo != nil {
		db = db.Where("p.due_date <= ?", q.DueTo.UTC())
	}
	if q.OverdueOnly {
		db = db.Where("p.due_date < ? AND p.status <> ?", q.AsOf.UTC(), string(ledger.StatusPaid))
	}
	return db
}

func (s *Store) ClientHistory(ctx context.Context, id ledger.ClientID) ([]ledger.LedgerHistoryEntry, error) {
	var rows []ledgerHistoryRow
	if err := s.db.WithContext(ctx).Where("client_id = ?", string(id)).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, classify("ClientHistory", err)
	}
	entries := make([]ledger.LedgerHistoryEntry, len(rows))
	for i, r := range rows {
		entries[i] = ledger.LedgerHistoryEntry{
			ID:            r.ID,
			ClientID:      ledger.ClientID(r.ClientID),
			Event:         r.Event,
			BalanceBefore: r.BalanceBefore,
			BalanceAfter:  r.BalanceAfter,
			Observations:  r.Observations,
			ActorID:       r.ActorID,
			CreatedAt:     r.CreatedAt.UTC(),
		}
	}
	return entries, nil
}

func (s *Store) ProductMovements(ctx context.Context, id ledger.ProductID) ([]ledger.InventoryMovement, error) {
	var rows []inventoryMovementRow
	if err := s.db.WithContext(ctx).Where("product_id = ?", string(id)).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, classify("ProductMovements", err)
	}
	movements := make([]ledger.InventoryMovement, len(rows))
	for i, r := range rows {
		movements[i] = ledger.InventoryMovement{
			ID:             r.ID,
			ProductID:      ledger.ProductID(r.ProductID),
			Delta:          r.Delta,
			QuantityBefore: r.QuantityBefore,
			QuantityAfter:  r.QuantityAfter,
			Reason:         r.Reason,
			NoteID:         ledger.NoteID(r.NoteID),
			CreatedAt:      r.CreatedAt.UTC(),
		}
	}
	return movements, nil
}

func (s *Store) PaymentAllocations(ctx context.Context, id ledger.PromissoryNoteID) ([]ledger.PaymentAllocation, error) {
	var rows []paymentAllocationRow
	err := s.db.WithContext(ctx).
		Joins("JOIN payments ON payments.id = payment_allocations.payment_id").
		Where("payment_allocations.promissory_note_id = ?", string(id)).
		Order("payments.paid_at ASC").Order("payment_allocations.payment_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("PaymentAllocations", err)
	}
	allocations := make([]ledger.PaymentAllocation, len(rows))
	for i, r := range rows {
		allocations[i] = ledger.PaymentAllocation{
			PaymentID:        ledger.PaymentID(r.PaymentID),
			PromissoryNoteID: ledger.PromissoryNoteID(r.PromissoryNoteID),
			PrincipalAmount:  r.PrincipalAmount,
			InterestAmount:   r.InterestAmount,
		}
	}
	return allocations, nil
}

// =============================================================================
// REGISTRY (ledger.Registry)
// =============================================================================

func upsert(ctx context.Context, db *gorm.DB, op string, row any) error {
	return classify(op, db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error)
}

func (s *Store) SaveClient(ctx context.Context, c ledger.Client) error {
	return upsert(ctx, s.db, "SaveClient", &clientRow{
		ID: string(c.ID), Name: c.Name, Balance: c.Balance, CreatedAt: c.CreatedAt,
	})
}

func (s *Store) SaveSale(ctx context.Context, sale ledger.Sale) error {
	return upsert(ctx, s.db, "SaveSale", &saleRow{
		ID:             string(sale.ID),
		ClientID:       string(sale.ClientID),
		OwnerID:        sale.OwnerID,
		Folio:          sale.Folio,
		Total:          sale.Total,
		PendingBalance: sale.PendingBalance,
		CreatedAt:      sale.CreatedAt,
	})
}

func (s *Store) SaveProduct(ctx context.Context, p ledger.Product) error {
	return upsert(ctx, s.db, "SaveProduct", &productRow{ID: string(p.ID), Name: p.Name, Stock: p.Stock})
}

func (s *Store) SavePromissoryNote(ctx context.Context, p ledger.PromissoryNote) error {
	if p.AmountPaid.GreaterThan(p.Principal) {
		return ledger.Invalid("SavePromissoryNote", "amount paid exceeds principal")
	}
	return upsert(ctx, s.db, "SavePromissoryNote", &promissoryNoteRow{
		ID:           string(p.ID),
		SaleID:       string(p.SaleID),
		Number:       p.Number,
		Principal:    p.Principal,
		AmountPaid:   p.AmountPaid,
		DueDate:      p.DueDate.UTC(),
		MoratoryRate: p.MoratoryRate,
		InterestPaid: p.InterestPaid,
		Status:       string(p.Status),
	})
}

// SavePayment records a payment and its allocations atomically.
func (s *Store) SavePayment(ctx context.Context, p ledger.Payment, allocations []ledger.PaymentAllocation) error {
	return classify("SavePayment", s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&paymentRow{
			ID: string(p.ID), ClientID: string(p.ClientID), Amount: p.Amount, PaidAt: p.PaidAt.UTC(),
		}).Error; err != nil {
			return err
		}
		for _, a := range allocations {
			if err := tx.Create(&paymentAllocationRow{
				PaymentID:        string(p.ID),
				PromissoryNoteID: string(a.PromissoryNoteID),
				PrincipalAmount:  a.PrincipalAmount,
				InterestAmount:   a.InterestAmount,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}
