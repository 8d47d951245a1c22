package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// READ MODELS (ledger.Store)
// =============================================================================

// ListPromissoryNotes filters, orders and pages in SQL.
func (s *Store) ListPromissoryNotes(ctx context.Context, q ledger.PromissoryNoteQuery) ([]ledger.PromissoryNoteRow, int, error) {
	const op = "ListPromissoryNotes"
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := promissoryWhere(q)
	from := `
		FROM promissory_notes p
		JOIN sales s ON s.id = p.sale_id
		JOIN clients c ON c.id = s.client_id
	` + where

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, classify(op, err)
	}

	query := `
		SELECT p.id, p.sale_id, p.number, p.principal, p.amount_paid, p.due_date,
		       p.moratory_rate, p.interest_paid, p.status,
		       s.client_id, c.name, s.folio, s.owner_id` + from + `
		ORDER BY p.due_date ASC, c.name ASC, p.id ASC
		LIMIT ? OFFSET ?`

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, classify(op, err)
	}
	defer rows.Close()

	result := []ledger.PromissoryNoteRow{}
	for rows.Next() {
		var (
			r                                            ledger.PromissoryNoteRow
			principal, paid, due, rate, interest, status string
		)
		if err := rows.Scan(
			&r.Note.ID, &r.Note.SaleID, &r.Note.Number, &principal, &paid, &due,
			&rate, &interest, &status,
			&r.ClientID, &r.ClientName, &r.SaleFolio, &r.OwnerID,
		); err != nil {
			return nil, 0, classify(op, err)
		}
		r.Note.Principal = parseDecimal(principal)
		r.Note.AmountPaid = parseDecimal(paid)
		r.Note.DueDate = parseTime(due)
		r.Note.MoratoryRate = parseDecimal(rate)
		r.Note.InterestPaid = parseDecimal(interest)
		r.Note.Status = ledger.PromissoryStatus(status)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(op, err)
	}
	return result, total, nil
}

// promissoryWhere renders the same predicates as PromissoryNoteQuery.Matches.
func promissoryWhere(q ledger.PromissoryNoteQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Status != nil {
		conds = append(conds, "p.status = ?")
		args = append(args, string(*q.Status))
	}
	if q.ClientID != nil {
		conds = append(conds, "s.client_id = ?")
		args = append(args, string(*q.ClientID))
	}
	if q.SaleID != nil {
		conds = append(conds, "p.sale_id = ?")
		args = append(args, string(*q.SaleID))
	}
	if q.OwnerID != nil {
		conds = append(conds, "s.owner_id = ?")
		args = append(args, *q.OwnerID)
	}
	if q.DueFrom != nil {
		conds = append(conds, "p.due_date >= ?")
		args = append(args, formatTime(*q.DueFrom))
	}
	if q.DueTo != nil {
		conds = append(conds, "p.due_date <= ?")
		args = append(args, formatTime(*q.DueTo))
	}
	if q.OverdueOnly {
		conds = append(conds, "p.due_date < ?", "p.status <> ?")
		args = append(args, formatTime(q.AsOf), string(ledger.StatusPaid))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ClientHistory returns history entries for a client, oldest first.
func (s *Store) ClientHistory(ctx context.Context, id ledger.ClientID) ([]ledger.LedgerHistoryEntry, error) {
	const op = "ClientHistory"
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, event, balance_before, balance_after, observations, actor_id, created_at
		FROM ledger_history
		WHERE client_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	entries := []ledger.LedgerHistoryEntry{}
	for rows.Next() {
		var (
			e                        ledger.LedgerHistoryEntry
			before, after, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Event, &before, &after, &e.Observations, &e.ActorID, &createdAt); err != nil {
			return nil, classify(op, err)
		}
		e.BalanceBefore = parseDecimal(before)
		e.BalanceAfter = parseDecimal(after)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return entries, nil
}

// ProductMovements returns inventory movements for a product, oldest first.
func (s *Store) ProductMovements(ctx context.Context, id ledger.ProductID) ([]ledger.InventoryMovement, error) {
	const op = "ProductMovements"
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, delta, quantity_before, quantity_after, reason, note_id, created_at
		FROM inventory_movements
		WHERE product_id = ?
		ORDER BY seq ASC`, id)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	movements := []ledger.InventoryMovement{}
	for rows.Next() {
		var (
			m         ledger.InventoryMovement
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Delta, &m.QuantityBefore, &m.QuantityAfter, &m.Reason, &m.NoteID, &createdAt); err != nil {
			return nil, classify(op, err)
		}
		m.CreatedAt = parseTime(createdAt)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return movements, nil
}

// PaymentAllocations returns allocations recorded against a promissory note.
func (s *Store) PaymentAllocations(ctx context.Context, id ledger.PromissoryNoteID) ([]ledger.PaymentAllocation, error) {
	const op = "PaymentAllocations"
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.payment_id, a.promissory_note_id, a.principal_amount, a.interest_amount
		FROM payment_allocations a
		JOIN payments p ON p.id = a.payment_id
		WHERE a.promissory_note_id = ?
		ORDER BY p.paid_at ASC, a.payment_id ASC`, id)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	allocations := []ledger.PaymentAllocation{}
	for rows.Next() {
		var (
			a                   ledger.PaymentAllocation
			principal, interest string
		)
		if err := rows.Scan(&a.PaymentID, &a.PromissoryNoteID, &principal, &interest); err != nil {
			return nil, classify(op, err)
		}
		a.PrincipalAmount = parseDecimal(principal)
		a.InterestAmount = parseDecimal(interest)
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return allocations, nil
}

// =============================================================================
// REGISTRY (ledger.Registry)
// =============================================================================

// SaveClient saves a client.
func (s *Store) SaveClient(ctx context.Context, c ledger.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, balance, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			balance = excluded.balance`,
		c.ID, c.Name, c.Balance.String(), formatTime(c.CreatedAt),
	)
	return classify("SaveClient", err)
}

// SaveSale saves a sale. The client must exist.
func (s *Store) SaveSale(ctx context.Context, sale ledger.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, client_id, owner_id, folio, total, pending_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			owner_id = excluded.owner_id,
			folio = excluded.folio,
			total = excluded.total,
			pending_balance = excluded.pending_balance`,
		sale.ID, sale.ClientID, sale.OwnerID, sale.Folio, sale.Total.String(),
		sale.PendingBalance.String(), formatTime(sale.CreatedAt),
	)
	return classify("SaveSale", err)
}

// SaveProduct saves a product.
func (s *Store) SaveProduct(ctx context.Context, p ledger.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, stock)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			stock = excluded.stock`,
		p.ID, p.Name, p.Stock,
	)
	return classify("SaveProduct", err)
}

// SavePromissoryNote saves a promissory note. The sale must exist.
func (s *Store) SavePromissoryNote(ctx context.Context, p ledger.PromissoryNote) error {
	if p.AmountPaid.GreaterThan(p.Principal) {
		return ledger.Invalid("SavePromissoryNote", "amount paid exceeds principal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promissory_notes
		(id, sale_id, number, principal, amount_paid, due_date, moratory_rate, interest_paid, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount_paid = excluded.amount_paid,
			due_date = excluded.due_date,
			interest_paid = excluded.interest_paid,
			status = excluded.status`,
		p.ID, p.SaleID, p.Number, p.Principal.String(), p.AmountPaid.String(),
		formatTime(p.DueDate), p.MoratoryRate.String(), p.InterestPaid.String(), string(p.Status),
	)
	return classify("SavePromissoryNote", err)
}

// SavePayment records a payment and its allocations atomically.
func (s *Store) SavePayment(ctx context.Context, p ledger.Payment, allocations []ledger.PaymentAllocation) error {
	const op = "SavePayment"
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer sqlTx.Rollback()

	if err := insertPayment(ctx, sqlTx, p, allocations); err != nil {
		return classify(op, err)
	}
	return classify(op, sqlTx.Commit())
}

func insertPayment(ctx context.Context, q queryer, p ledger.Payment, allocations []ledger.PaymentAllocation) error {
	if _, err := q.ExecContext(ctx,
		"INSERT INTO payments (id, client_id, amount, paid_at) VALUES (?, ?, ?, ?)",
		p.ID, p.ClientID, p.Amount.String(), formatTime(p.PaidAt),
	); err != nil {
		return err
	}
	for _, a := range allocations {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO payment_allocations (payment_id, promissory_note_id, principal_amount, interest_amount)
			VALUES (?, ?, ?, ?)`,
			p.ID, a.PromissoryNoteID, a.PrincipalAmount.String(), a.InterestAmount.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

// Client returns a stored client outside any unit of work.
func (s *Store) Client(ctx context.Context, id ledger.ClientID) (*ledger.Client, error) {
	var c *ledger.Client
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		c, err = tx.GetClient(ctx, id)
		return err
	})
	return c, err
}

// Sale returns a stored sale outside any unit of work.
func (s *Store) Sale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, err := getSale(ctx, s.db, id)
	if err == sql.ErrNoRows {
		return nil, ledger.NotFound("Sale", "sale", id)
	}
	if err != nil {
		return nil, classify("Sale", err)
	}
	return sale, nil
}
