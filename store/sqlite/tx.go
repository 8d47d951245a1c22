package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// TRANSACTIONAL STORE (ledger.Tx)
// =============================================================================

// txStore is bound to one *sql.Tx. It never touches Store.db or the
// store mutex, both of which are owned by the enclosing WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetClient(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	var (
		c                  ledger.Client
		balance, createdAt string
	)
	err := ts.tx.QueryRowContext(ctx,
		"SELECT id, name, balance, created_at FROM clients WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &balance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("GetClient", "client", id)
	}
	if err != nil {
		return nil, classify("GetClient", err)
	}
	c.Balance = parseDecimal(balance)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (ts *txStore) GetSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	sale, err := getSale(ctx, ts.tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("GetSale", "sale", id)
	}
	if err != nil {
		return nil, classify("GetSale", err)
	}
	return sale, nil
}

func getSale(ctx context.Context, q queryer, id ledger.SaleID) (*ledger.Sale, error) {
	var (
		s                         ledger.Sale
		total, pending, createdAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, client_id, owner_id, folio, total, pending_balance, created_at FROM sales WHERE id = ?", id,
	).Scan(&s.ID, &s.ClientID, &s.OwnerID, &s.Folio, &total, &pending, &createdAt)
	if err != nil {
		return nil, err
	}
	s.Total = parseDecimal(total)
	s.PendingBalance = parseDecimal(pending)
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

func (ts *txStore) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	var p ledger.Product
	err := ts.tx.QueryRowContext(ctx,
		"SELECT id, name, stock FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("GetProduct", "product", id)
	}
	if err != nil {
		return nil, classify("GetProduct", err)
	}
	return &p, nil
}

// =============================================================================
// NOTES
// =============================================================================

const creditNoteColumns = `id, folio, client_id, sale_id, amount, concept, description,
	applied, applied_at, applied_by, created_by, created_at, applies_to_inventory`

const debitNoteColumns = `id, folio, client_id, sale_id, amount, concept, description,
	applied, applied_at, applied_by, created_by, created_at`

// headerScan collects the nullable columns of a note header.
type headerScan struct {
	saleID    sql.NullString
	amount    string
	appliedAt sql.NullString
	appliedBy sql.NullString
	createdAt string
}

func (hs *headerScan) dest(h *ledger.NoteHeader) []any {
	return []any{
		&h.ID, &h.Folio, &h.ClientID, &hs.saleID, &hs.amount, &h.Concept, &h.Description,
		&h.Applied, &hs.appliedAt, &hs.appliedBy, &h.CreatedBy, &hs.createdAt,
	}
}

func (hs *headerScan) fill(h *ledger.NoteHeader) {
	if hs.saleID.Valid {
		id := ledger.SaleID(hs.saleID.String)
		h.SaleID = &id
	}
	h.Amount = parseDecimal(hs.amount)
	if hs.appliedAt.Valid {
		t := parseTime(hs.appliedAt.String)
		h.AppliedAt = &t
	}
	h.AppliedBy = hs.appliedBy.String
	h.CreatedAt = parseTime(hs.createdAt)
}

func (ts *txStore) GetCreditNote(ctx context.Context, id ledger.NoteID) (*ledger.CreditNote, error) {
	var (
		n  ledger.CreditNote
		hs headerScan
	)
	dest := append(hs.dest(&n.NoteHeader), &n.AppliesToInventory)
	err := ts.tx.QueryRowContext(ctx,
		"SELECT "+creditNoteColumns+" FROM credit_notes WHERE id = ?", id,
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("GetCreditNote", "credit note", id)
	}
	if err != nil {
		return nil, classify("GetCreditNote", err)
	}
	hs.fill(&n.NoteHeader)

	rows, err := ts.tx.QueryContext(ctx,
		"SELECT id, note_id, product_id, quantity FROM credit_note_items WHERE note_id = ? ORDER BY rowid", id,
	)
	if err != nil {
		return nil, classify("GetCreditNote", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item ledger.NoteLineItem
			qty  string
		)
		if err := rows.Scan(&item.ID, &item.NoteID, &item.ProductID, &qty); err != nil {
			return nil, classify("GetCreditNote", err)
		}
		item.Quantity = parseDecimal(qty)
		n.Items = append(n.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("GetCreditNote", err)
	}
	return &n, nil
}

func (ts *txStore) GetDebitNote(ctx context.Context, id ledger.NoteID) (*ledger.DebitNote, error) {
	var (
		n  ledger.DebitNote
		hs headerScan
	)
	err := ts.tx.QueryRowContext(ctx,
		"SELECT "+debitNoteColumns+" FROM debit_notes WHERE id = ?", id,
	).Scan(hs.dest(&n.NoteHeader)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("GetDebitNote", "debit note", id)
	}
	if err != nil {
		return nil, classify("GetDebitNote", err)
	}
	hs.fill(&n.NoteHeader)
	return &n, nil
}

func (ts *txStore) InsertCreditNote(ctx context.Context, n *ledger.CreditNote) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO credit_notes (`+creditNoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Folio, n.ClientID, nullSale(n.SaleID), n.Amount.String(), n.Concept, n.Description,
		n.Applied, nullTime(n.AppliedAt), nullString(n.AppliedBy), n.CreatedBy, formatTime(n.CreatedAt),
		n.AppliesToInventory,
	)
	if err != nil {
		return classify("InsertCreditNote", err)
	}
	return ts.insertItems(ctx, "InsertCreditNote", n.Items)
}

func (ts *txStore) insertItems(ctx context.Context, op string, items []ledger.NoteLineItem) error {
	for _, item := range items {
		_, err := ts.tx.ExecContext(ctx,
			"INSERT INTO credit_note_items (id, note_id, product_id, quantity) VALUES (?, ?, ?, ?)",
			item.ID, item.NoteID, item.ProductID, item.Quantity.String(),
		)
		if err != nil {
			return classify(op, err)
		}
	}
	return nil
}

func (ts *txStore) InsertDebitNote(ctx context.Context, n *ledger.DebitNote) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO debit_notes (`+debitNoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Folio, n.ClientID, nullSale(n.SaleID), n.Amount.String(), n.Concept, n.Description,
		n.Applied, nullTime(n.AppliedAt), nullString(n.AppliedBy), n.CreatedBy, formatTime(n.CreatedAt),
	)
	return classify("InsertDebitNote", err)
}

func (ts *txStore) UpdateCreditNote(ctx context.Context, n *ledger.CreditNote) error {
	const op = "UpdateCreditNote"
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE credit_notes
		SET sale_id = ?, amount = ?, concept = ?, description = ?, applies_to_inventory = ?
		WHERE id = ? AND applied = FALSE`,
		nullSale(n.SaleID), n.Amount.String(), n.Concept, n.Description, n.AppliesToInventory, n.ID,
	)
	if err := ts.expectOne(ctx, op, "credit_notes", ledger.KindCredit, n.ID, res, err); err != nil {
		return err
	}
	if _, err := ts.tx.ExecContext(ctx, "DELETE FROM credit_note_items WHERE note_id = ?", n.ID); err != nil {
		return classify(op, err)
	}
	return ts.insertItems(ctx, op, n.Items)
}

func (ts *txStore) UpdateDebitNote(ctx context.Context, n *ledger.DebitNote) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE debit_notes
		SET sale_id = ?, amount = ?, concept = ?, description = ?
		WHERE id = ? AND applied = FALSE`,
		nullSale(n.SaleID), n.Amount.String(), n.Concept, n.Description, n.ID,
	)
	return ts.expectOne(ctx, "UpdateDebitNote", "debit_notes", ledger.KindDebit, n.ID, res, err)
}

func (ts *txStore) DeleteNote(ctx context.Context, kind ledger.NoteKind, id ledger.NoteID) error {
	table := noteTable(kind)
	res, err := ts.tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ? AND applied = FALSE", id)
	return ts.expectOne(ctx, "DeleteNote", table, kind, id, res, err)
}

// MarkNoteApplied is the serialization point: only an unapplied row flips.
func (ts *txStore) MarkNoteApplied(ctx context.Context, kind ledger.NoteKind, id ledger.NoteID, actorID string, at time.Time) error {
	table := noteTable(kind)
	res, err := ts.tx.ExecContext(ctx,
		"UPDATE "+table+" SET applied = TRUE, applied_at = ?, applied_by = ? WHERE id = ? AND applied = FALSE",
		formatTime(at), actorID, id,
	)
	return ts.expectOne(ctx, "MarkNoteApplied", table, kind, id, res, err)
}

// expectOne turns a conditional write that matched no row into NOT_FOUND
// (row absent) or CONFLICT (row present but no longer unapplied).
func (ts *txStore) expectOne(ctx context.Context, op, table string, kind ledger.NoteKind, id ledger.NoteID, res sql.Result, err error) error {
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = ts.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return classify(op, err)
	}
	if exists == 0 {
		return ledger.NotFound(op, kind.Label(), id)
	}
	return ledger.Conflict(op, nil)
}

func noteTable(kind ledger.NoteKind) string {
	if kind == ledger.KindCredit {
		return "credit_notes"
	}
	return "debit_notes"
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// The transaction holds SQLite's write lock from BEGIN (_txlock=immediate),
// so read-then-write below cannot interleave with another writer.

func (ts *txStore) AdjustClientBalance(ctx context.Context, id ledger.ClientID, delta decimal.Decimal) (ledger.BalanceChange, error) {
	return ts.adjustDecimal(ctx, "AdjustClientBalance", "client", "clients", "balance", string(id), delta)
}

func (ts *txStore) AdjustSalePendingBalance(ctx context.Context, id ledger.SaleID, delta decimal.Decimal) (ledger.BalanceChange, error) {
	return ts.adjustDecimal(ctx, "AdjustSalePendingBalance", "sale", "sales", "pending_balance", string(id), delta)
}

func (ts *txStore) adjustDecimal(ctx context.Context, op, what, table, column, id string, delta decimal.Decimal) (ledger.BalanceChange, error) {
	var current string
	err := ts.tx.QueryRowContext(ctx, "SELECT "+column+" FROM "+table+" WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BalanceChange{}, ledger.NotFound(op, what, id)
	}
	if err != nil {
		return ledger.BalanceChange{}, classify(op, err)
	}

	before := parseDecimal(current)
	change := ledger.BalanceChange{Before: before, After: before.Add(delta)}
	if _, err := ts.tx.ExecContext(ctx,
		"UPDATE "+table+" SET "+column+" = ? WHERE id = ?", change.After.String(), id,
	); err != nil {
		return ledger.BalanceChange{}, classify(op, err)
	}
	return change, nil
}

func (ts *txStore) AdjustProductStock(ctx context.Context, id ledger.ProductID, delta int64) (ledger.StockChange, error) {
	const op = "AdjustProductStock"
	var before int64
	err := ts.tx.QueryRowContext(ctx, "SELECT stock FROM products WHERE id = ?", id).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.StockChange{}, ledger.NotFound(op, "product", id)
	}
	if err != nil {
		return ledger.StockChange{}, classify(op, err)
	}

	change := ledger.StockChange{Before: before, After: before + delta}
	if _, err := ts.tx.ExecContext(ctx, "UPDATE products SET stock = ? WHERE id = ?", change.After, id); err != nil {
		return ledger.StockChange{}, classify(op, err)
	}
	return change, nil
}

// =============================================================================
// AUDIT (append-only)
// =============================================================================

func (ts *txStore) AppendInventoryMovement(ctx context.Context, m ledger.InventoryMovement) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO inventory_movements
		(id, product_id, delta, quantity_before, quantity_after, reason, note_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProductID, m.Delta, m.QuantityBefore, m.QuantityAfter, m.Reason, m.NoteID, formatTime(m.CreatedAt),
	)
	return classify("AppendInventoryMovement", err)
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.LedgerHistoryEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO ledger_history
		(id, client_id, event, balance_before, balance_after, observations, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ClientID, e.Event, e.BalanceBefore.String(), e.BalanceAfter.String(),
		e.Observations, e.ActorID, formatTime(e.CreatedAt),
	)
	return classify("AppendHistory", err)
}
