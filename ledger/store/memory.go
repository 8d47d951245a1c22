// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store and ledger.Registry. Units of work are
// serialized by a store-wide mutex and rolled back by restoring a snapshot.
type Memory struct {
	mu sync.RWMutex
	state

	faultMu sync.Mutex
	faults  map[string][]error
}

type state struct {
	clients     map[ledger.ClientID]ledger.Client
	sales       map[ledger.SaleID]ledger.Sale
	products    map[ledger.ProductID]ledger.Product
	promissory  map[ledger.PromissoryNoteID]ledger.PromissoryNote
	credits     map[ledger.NoteID]ledger.CreditNote
	debits      map[ledger.NoteID]ledger.DebitNote
	movements   []ledger.InventoryMovement
	history     []ledger.LedgerHistoryEntry
	payments    map[ledger.PaymentID]ledger.Payment
	allocations []ledger.PaymentAllocation
}

func NewMemory() *Memory {
	return &Memory{
		state:  emptyState(),
		faults: make(map[string][]error),
	}
}

func emptyState() state {
	return state{
		clients:    make(map[ledger.ClientID]ledger.Client),
		sales:      make(map[ledger.SaleID]ledger.Sale),
		products:   make(map[ledger.ProductID]ledger.Product),
		promissory: make(map[ledger.PromissoryNoteID]ledger.PromissoryNote),
		credits:    make(map[ledger.NoteID]ledger.CreditNote),
		debits:     make(map[ledger.NoteID]ledger.DebitNote),
		payments:   make(map[ledger.PaymentID]ledger.Payment),
	}
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = emptyState()
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error { return nil }

// InjectFault makes the next call of the named Tx method fail with err.
// Repeated calls queue further failures. Intended for tests.
func (m *Memory) InjectFault(method string, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults[method] = append(m.faults[method], err)
}

func (m *Memory) fault(method string) error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	queue := m.faults[method]
	if len(queue) == 0 {
		return nil
	}
	m.faults[method] = queue[1:]
	return queue[0]
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.Unavailable("WithTx", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()

	if err := fn(&memoryTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return ledger.Unavailable("WithTx", err)
	}
	return nil
}

func (s state) clone() state {
	c := state{
		clients:     make(map[ledger.ClientID]ledger.Client, len(s.clients)),
		sales:       make(map[ledger.SaleID]ledger.Sale, len(s.sales)),
		products:    make(map[ledger.ProductID]ledger.Product, len(s.products)),
		promissory:  make(map[ledger.PromissoryNoteID]ledger.PromissoryNote, len(s.promissory)),
		credits:     make(map[ledger.NoteID]ledger.CreditNote, len(s.credits)),
		debits:      make(map[ledger.NoteID]ledger.DebitNote, len(s.debits)),
		movements:   append([]ledger.InventoryMovement(nil), s.movements...),
		history:     append([]ledger.LedgerHistoryEntry(nil), s.history...),
		payments:    make(map[ledger.PaymentID]ledger.Payment, len(s.payments)),
		allocations: append([]ledger.PaymentAllocation(nil), s.allocations...),
	}
	for k, v := range s.clients {
		c.clients[k] = v
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.promissory {
		c.promissory[k] = v
	}
	for k, v := range s.credits {
		c.credits[k] = cloneCredit(v)
	}
	for k, v := range s.debits {
		c.debits[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

func cloneCredit(n ledger.CreditNote) ledger.CreditNote {
	n.Items = append([]ledger.NoteLineItem(nil), n.Items...)
	n.NoteHeader = cloneHeader(n.NoteHeader)
	return n
}

func cloneHeader(h ledger.NoteHeader) ledger.NoteHeader {
	if h.SaleID != nil {
		s := *h.SaleID
		h.SaleID = &s
	}
	if h.AppliedAt != nil {
		t := *h.AppliedAt
		h.AppliedAt = &t
	}
	return h
}

// =============================================================================
// TX VIEW
// =============================================================================

type memoryTx struct {
	m *Memory
}

func (tx *memoryTx) GetClient(_ context.Context, id ledger.ClientID) (*ledger.Client, error) {
	if err := tx.m.fault("GetClient"); err != nil {
		return nil, err
	}
	c, ok := tx.m.clients[id]
	if !ok {
		return nil, ledger.NotFound("GetClient", "client", id)
	}
	return &c, nil
}

func (tx *memoryTx) GetSale(_ context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	if err := tx.m.fault("GetSale"); err != nil {
		return nil, err
	}
	s, ok := tx.m.sales[id]
	if !ok {
		return nil, ledger.NotFound("GetSale", "sale", id)
	}
	return &s, nil
}

func (tx *memoryTx) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	if err := tx.m.fault("GetProduct"); err != nil {
		return nil, err
	}
	p, ok := tx.m.products[id]
	if !ok {
		return nil, ledger.NotFound("GetProduct", "product", id)
	}
	return &p, nil
}

func (tx *memoryTx) GetCreditNote(_ context.Context, id ledger.NoteID) (*ledger.CreditNote, error) {
	if err := tx.m.fault("GetCreditNote"); err != nil {
		return nil, err
	}
	n, ok := tx.m.credits[id]
	if !ok {
		return nil, ledger.NotFound("GetCreditNote", "credit note", id)
	}
	n = cloneCredit(n)
	return &n, nil
}

func (tx *memoryTx) GetDebitNote(_ context.Context, id ledger.NoteID) (*ledger.DebitNote, error) {
	if err := tx.m.fault("GetDebitNote"); err != nil {
		return nil, err
	}
	n, ok := tx.m.debits[id]
	if !ok {
		return nil, ledger.NotFound("GetDebitNote", "debit note", id)
	}
	n.NoteHeader = cloneHeader(n.NoteHeader)
	return &n, nil
}

func (tx *memoryTx) InsertCreditNote(_ context.Context, note *ledger.CreditNote) error {
	if err := tx.m.fault("InsertCreditNote"); err != nil {
		return err
	}
	tx.m.credits[note.ID] = cloneCredit(*note)
	return nil
}

func (tx *memoryTx) InsertDebitNote(_ context.Context, note *ledger.DebitNote) error {
	if err := tx.m.fault("InsertDebitNote"); err != nil {
		return err
	}
	n := *note
	n.NoteHeader = cloneHeader(n.NoteHeader)
	tx.m.debits[note.ID] = n
	return nil
}

func (tx *memoryTx) UpdateCreditNote(_ context.Context, note *ledger.CreditNote) error {
	if err := tx.m.fault("UpdateCreditNote"); err != nil {
		return err
	}
	current, ok := tx.m.credits[note.ID]
	if !ok {
		return ledger.NotFound("UpdateCreditNote", "credit note", note.ID)
	}
	if current.Applied {
		return ledger.Conflict("UpdateCreditNote", nil)
	}
	tx.m.credits[note.ID] = cloneCredit(*note)
	return nil
}

func (tx *memoryTx) UpdateDebitNote(_ context.Context, note *ledger.DebitNote) error {
	if err := tx.m.fault("UpdateDebitNote"); err != nil {
		return err
	}
	current, ok := tx.m.debits[note.ID]
	if !ok {
		return ledger.NotFound("UpdateDebitNote", "debit note", note.ID)
	}
	if current.Applied {
		return ledger.Conflict("UpdateDebitNote", nil)
	}
	n := *note
	n.NoteHeader = cloneHeader(n.NoteHeader)
	tx.m.debits[note.ID] = n
	return nil
}

func (tx *memoryTx) DeleteNote(_ context.Context, kind ledger.NoteKind, id ledger.NoteID) error {
	if err := tx.m.fault("DeleteNote"); err != nil {
		return err
	}
	switch kind {
	case ledger.KindCredit:
		n, ok := tx.m.credits[id]
		if !ok {
			return ledger.NotFound("DeleteNote", "credit note", id)
		}
		if n.Applied {
			return ledger.Conflict("DeleteNote", nil)
		}
		delete(tx.m.credits, id)
	case ledger.KindDebit:
		n, ok := tx.m.debits[id]
		if !ok {
			return ledger.NotFound("DeleteNote", "debit note", id)
		}
		if n.Applied {
			return ledger.Conflict("DeleteNote", nil)
		}
		delete(tx.m.debits, id)
	}
	return nil
}

func (tx *memoryTx) MarkNoteApplied(_ context.Context, kind ledger.NoteKind, id ledger.NoteID, actorID string, at time.Time) error {
	if err := tx.m.fault("MarkNoteApplied"); err != nil {
		return err
	}
	switch kind {
	case ledger.KindCredit:
		n, ok := tx.m.credits[id]
		if !ok {
			return ledger.NotFound("MarkNoteApplied", "credit note", id)
		}
		if n.Applied {
			return ledger.Conflict("MarkNoteApplied", nil)
		}
		n.Applied, n.AppliedAt, n.AppliedBy = true, &at, actorID
		tx.m.credits[id] = n
	case ledger.KindDebit:
		n, ok := tx.m.debits[id]
		if !ok {
			return ledger.NotFound("MarkNoteApplied", "debit note", id)
		}
		if n.Applied {
			return ledger.Conflict("MarkNoteApplied", nil)
		}
		n.Applied, n.AppliedAt, n.AppliedBy = true, &at, actorID
		tx.m.debits[id] = n
	}
	return nil
}

func (tx *memoryTx) AdjustClientBalance(_ context.Context, id ledger.ClientID, delta decimal.Decimal) (ledger.BalanceChange, error) {
	if err := tx.m.fault("AdjustClientBalance"); err != nil {
		return ledger.BalanceChange{}, err
	}
	c, ok := tx.m.clients[id]
	if !ok {
		return ledger.BalanceChange{}, ledger.NotFound("AdjustClientBalance", "client", id)
	}
	change := ledger.BalanceChange{Before: c.Balance, After: c.Balance.Add(delta)}
	c.Balance = change.After
	tx.m.clients[id] = c
	return change, nil
}

func (tx *memoryTx) AdjustSalePendingBalance(_ context.Context, id ledger.SaleID, delta decimal.Decimal) (ledger.BalanceChange, error) {
	if err := tx.m.fault("AdjustSalePendingBalance"); err != nil {
		return ledger.BalanceChange{}, err
	}
	s, ok := tx.m.sales[id]
	if !ok {
		return ledger.BalanceChange{}, ledger.NotFound("AdjustSalePendingBalance", "sale", id)
	}
	change := ledger.BalanceChange{Before: s.PendingBalance, After: s.PendingBalance.Add(delta)}
	s.PendingBalance = change.After
	tx.m.sales[id] = s
	return change, nil
}

func (tx *memoryTx) AdjustProductStock(_ context.Context, id ledger.ProductID, delta int64) (ledger.StockChange, error) {
	if err := tx.m.fault("AdjustProductStock"); err != nil {
		return ledger.StockChange{}, err
	}
	p, ok := tx.m.products[id]
	if !ok {
		return ledger.StockChange{}, ledger.NotFound("AdjustProductStock", "product", id)
	}
	change := ledger.StockChange{Before: p.Stock, After: p.Stock + delta}
	p.Stock = change.After
	tx.m.products[id] = p
	return change, nil
}

func (tx *memoryTx) AppendInventoryMovement(_ context.Context, mv ledger.InventoryMovement) error {
	if err := tx.m.fault("AppendInventoryMovement"); err != nil {
		return err
	}
	tx.m.movements = append(tx.m.movements, mv)
	return nil
}

func (tx *memoryTx) AppendHistory(_ context.Context, e ledger.LedgerHistoryEntry) error {
	if err := tx.m.fault("AppendHistory"); err != nil {
		return err
	}
	tx.m.history = append(tx.m.history, e)
	return nil
}

// =============================================================================
// READ MODELS
// =============================================================================

func (m *Memory) ListPromissoryNotes(ctx context.Context, q ledger.PromissoryNoteQuery) ([]ledger.PromissoryNoteRow, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, ledger.Unavailable("ListPromissoryNotes", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.PromissoryNoteRow
	for _, p := range m.promissory {
		sale := m.sales[p.SaleID]
		row := ledger.PromissoryNoteRow{
			Note:       p,
			ClientID:   sale.ClientID,
			ClientName: m.clients[sale.ClientID].Name,
			SaleFolio:  sale.Folio,
			OwnerID:    sale.OwnerID,
		}
		if q.Matches(row) {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return ledger.LessRow(matched[i], matched[j]) })

	total := len(matched)
	if q.Offset < 0 {
		return nil, 0, ledger.Invalid("ListPromissoryNotes", "negative offset %d", q.Offset)
	}
	if q.Offset >= total {
		return []ledger.PromissoryNoteRow{}, total, nil
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}

func (m *Memory) ClientHistory(_ context.Context, id ledger.ClientID) ([]ledger.LedgerHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []ledger.LedgerHistoryEntry{}
	for _, e := range m.history {
		if e.ClientID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) ProductMovements(_ context.Context, id ledger.ProductID) ([]ledger.InventoryMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []ledger.InventoryMovement{}
	for _, mv := range m.movements {
		if mv.ProductID == id {
			result = append(result, mv)
		}
	}
	return result, nil
}

func (m *Memory) PaymentAllocations(_ context.Context, id ledger.PromissoryNoteID) ([]ledger.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []ledger.PaymentAllocation{}
	for _, a := range m.allocations {
		if a.PromissoryNoteID == id {
			result = append(result, a)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		pi, pj := m.payments[result[i].PaymentID], m.payments[result[j].PaymentID]
		if !pi.PaidAt.Equal(pj.PaidAt) {
			return pi.PaidAt.Before(pj.PaidAt)
		}
		return pi.ID < pj.ID
	})
	return result, nil
}

// =============================================================================
// REGISTRY (externally owned records)
// =============================================================================

func (m *Memory) SaveClient(_ context.Context, c ledger.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
	return nil
}

func (m *Memory) SaveSale(_ context.Context, s ledger.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[s.ClientID]; !ok {
		return ledger.NotFound("SaveSale", "client", s.ClientID)
	}
	m.sales[s.ID] = s
	return nil
}

func (m *Memory) SaveProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) SavePromissoryNote(_ context.Context, p ledger.PromissoryNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sales[p.SaleID]; !ok {
		return ledger.NotFound("SavePromissoryNote", "sale", p.SaleID)
	}
	if p.AmountPaid.GreaterThan(p.Principal) {
		return ledger.Invalid("SavePromissoryNote", "amount paid exceeds principal")
	}
	m.promissory[p.ID] = p
	return nil
}

func (m *Memory) SavePayment(_ context.Context, p ledger.Payment, allocations []ledger.PaymentAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[p.ClientID]; !ok {
		return ledger.NotFound("SavePayment", "client", p.ClientID)
	}
	for _, a := range allocations {
		if _, ok := m.promissory[a.PromissoryNoteID]; !ok {
			return ledger.NotFound("SavePayment", "promissory note", a.PromissoryNoteID)
		}
	}
	m.payments[p.ID] = p
	for _, a := range allocations {
		a.PaymentID = p.ID
		m.allocations = append(m.allocations, a)
	}
	return nil
}

// Client returns a copy of a stored client. Intended for tests and seeding.
func (m *Memory) Client(id ledger.ClientID) (ledger.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Sale returns a copy of a stored sale.
func (m *Memory) Sale(id ledger.SaleID) (ledger.Sale, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	return s, ok
}

// Product returns a copy of a stored product.
func (m *Memory) Product(id ledger.ProductID) (ledger.Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	return p, ok
}
