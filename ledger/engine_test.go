package ledger_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.July, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	engine *ledger.Engine
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newFixture seeds one client owing 1000.00 on one sale, and two products.
func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveClient(ctx, ledger.Client{ID: "cli-1", Name: "Ferretería López", Balance: dec("1000.00"), CreatedAt: now}))
	require.NoError(t, m.SaveClient(ctx, ledger.Client{ID: "cli-2", Name: "Abarrotes Garza", Balance: dec("0"), CreatedAt: now}))
	require.NoError(t, m.SaveSale(ctx, ledger.Sale{
		ID: "sale-1", ClientID: "cli-1", OwnerID: "col-ana", Folio: "V-1001",
		Total: dec("1000.00"), PendingBalance: dec("1000.00"), CreatedAt: now,
	}))
	require.NoError(t, m.SaveProduct(ctx, ledger.Product{ID: "prd-1", Name: "Cordless drill", Stock: 10}))
	require.NoError(t, m.SaveProduct(ctx, ledger.Product{ID: "prd-2", Name: "Copper cable", Stock: 0}))

	base := []ledger.Option{
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithLogger(quietLogger()),
		ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
	}
	return &fixture{ctx: ctx, store: m, engine: ledger.NewEngine(m, append(base, opts...)...)}
}

func (f *fixture) debit(t *testing.T, amount string, sale bool) ledger.NoteID {
	t.Helper()
	in := ledger.NewDebitNote{ClientID: "cli-1", Amount: dec(amount), Concept: "Late fee", Description: "July", CreatedBy: "usr-1"}
	if sale {
		id := ledger.SaleID("sale-1")
		in.SaleID = &id
	}
	n, err := f.engine.CreateDebitNote(f.ctx, in)
	require.NoError(t, err)
	return n.ID
}

func (f *fixture) credit(t *testing.T, amount string, items ...ledger.NewLineItem) ledger.NoteID {
	t.Helper()
	id := ledger.SaleID("sale-1")
	n, err := f.engine.CreateCreditNote(f.ctx, ledger.NewCreditNote{
		ClientID:           "cli-1",
		SaleID:             &id,
		Amount:             dec(amount),
		Concept:            "Return",
		Description:        "Unopened boxes",
		AppliesToInventory: len(items) > 0,
		Items:              items,
		CreatedBy:          "usr-1",
	})
	require.NoError(t, err)
	return n.ID
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	c, ok := f.store.Client("cli-1")
	require.True(t, ok)
	return c.Balance.StringFixed(2)
}

func (f *fixture) salePending(t *testing.T) string {
	t.Helper()
	s, ok := f.store.Sale("sale-1")
	require.True(t, ok)
	return s.PendingBalance.StringFixed(2)
}

func (f *fixture) stock(t *testing.T, id ledger.ProductID) int64 {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p.Stock
}

// =============================================================================
// DEBIT NOTES
// =============================================================================

func TestApplyDebitNote_EndToEnd(t *testing.T) {
	// GIVEN: Client balance 1000.00 and a 150.00 debit note on sale S1
	// WHEN: Applying it, then applying it again
	// THEN: Balance 1150.00, sale +150.00, one history entry, then ALREADY_APPLIED

	f := newFixture(t)
	id := f.debit(t, "150.00", true)

	applied, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-9")
	require.NoError(t, err)

	assert.Equal(t, "1150.00", f.balance(t))
	assert.Equal(t, "1150.00", f.salePending(t))
	assert.True(t, applied.ClientBalance.Equal(dec("1150.00")))
	require.NotNil(t, applied.SalePendingBalance)
	assert.True(t, applied.SalePendingBalance.Equal(dec("1150.00")))
	assert.Equal(t, "V-1001", applied.SaleFolio)
	assert.Equal(t, "Ferretería López", applied.ClientName)
	assert.True(t, applied.Note.Applied)
	assert.Equal(t, "usr-9", applied.Note.AppliedBy)
	require.NotNil(t, applied.Note.AppliedAt)
	assert.True(t, applied.Note.AppliedAt.Equal(now))

	history, err := f.engine.ClientHistory(f.ctx, "cli-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].BalanceBefore.Equal(dec("1000.00")))
	assert.True(t, history[0].BalanceAfter.Equal(dec("1150.00")))
	assert.Equal(t, "Debit note applied: Late fee", history[0].Event)
	assert.Contains(t, history[0].Observations, applied.Note.Folio)
	assert.Contains(t, history[0].Observations, "July")
	assert.Equal(t, "usr-9", history[0].ActorID)

	_, err = f.engine.ApplyDebitNote(f.ctx, id, "usr-9")
	require.Error(t, err)
	assert.Equal(t, ledger.KindAlreadyApplied, ledger.KindOf(err))
	assert.True(t, errors.Is(err, ledger.ErrAlreadyApplied))
	assert.False(t, ledger.IsRetryable(err))

	assert.Equal(t, "1150.00", f.balance(t))
	assert.Equal(t, "1150.00", f.salePending(t))
	history, err = f.engine.ClientHistory(f.ctx, "cli-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyDebitNote_WithoutSale(t *testing.T) {
	// GIVEN: A debit note not tied to a sale
	// WHEN: Applying it
	// THEN: Only the client balance moves

	f := newFixture(t)
	id := f.debit(t, "75.50", false)

	applied, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, "1075.50", f.balance(t))
	assert.Equal(t, "1000.00", f.salePending(t))
	assert.Nil(t, applied.SalePendingBalance)
	assert.Empty(t, applied.SaleFolio)
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

func TestApplyCreditNote_RestocksFloor(t *testing.T) {
	// GIVEN: A credit note restocking 3.7 units of prd-1 (stock 10)
	// WHEN: Applying it
	// THEN: Stock 13, exactly one movement 10 -> 13, balance and sale -150.00

	f := newFixture(t)
	id := f.credit(t, "150.00", ledger.NewLineItem{ProductID: "prd-1", Quantity: dec("3.7")})

	applied, err := f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, "850.00", f.balance(t))
	assert.Equal(t, "850.00", f.salePending(t))
	assert.Equal(t, int64(13), f.stock(t, "prd-1"))

	movements, err := f.engine.ProductMovements(f.ctx, "prd-1")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	m := movements[0]
	assert.Equal(t, int64(3), m.Delta)
	assert.Equal(t, int64(10), m.QuantityBefore)
	assert.Equal(t, int64(13), m.QuantityAfter)
	assert.Equal(t, ledger.ReasonCreditNoteReturn, m.Reason)
	assert.Equal(t, id, m.NoteID)

	require.Len(t, applied.Movements, 1)
	assert.Equal(t, m.ID, applied.Movements[0].ID)
	assert.True(t, applied.AppliesToInventory)
	require.Len(t, applied.Items, 1)
}

func TestApplyCreditNote_FractionBelowOneRecordsZeroMovement(t *testing.T) {
	// GIVEN: Lines of 0.4 units (prd-2) and 2 units (prd-1)
	// WHEN: Applying the note
	// THEN: Only prd-1 stock moves; each line still records one movement
	//       and the 0.4 line's movement has a zero delta

	f := newFixture(t)
	id := f.credit(t, "20.00",
		ledger.NewLineItem{ProductID: "prd-2", Quantity: dec("0.4")},
		ledger.NewLineItem{ProductID: "prd-1", Quantity: dec("2")},
	)

	applied, err := f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, int64(0), f.stock(t, "prd-2"))
	assert.Equal(t, int64(12), f.stock(t, "prd-1"))
	require.Len(t, applied.Movements, 2)

	movements, err := f.engine.ProductMovements(f.ctx, "prd-2")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, int64(0), movements[0].Delta)
	assert.Equal(t, int64(0), movements[0].QuantityBefore)
	assert.Equal(t, int64(0), movements[0].QuantityAfter)
	assert.Equal(t, id, movements[0].NoteID)
}

func TestApplyCreditNote_FractionalLineProductMissingRollsBack(t *testing.T) {
	// GIVEN: A 0.5-unit line whose product disappears before apply
	// WHEN: Applying the note
	// THEN: NOT_FOUND, the note stays unapplied and the balance is unchanged

	f := newFixture(t)
	id := f.credit(t, "20.00", ledger.NewLineItem{ProductID: "prd-2", Quantity: dec("0.5")})
	f.store.InjectFault("AdjustProductStock", ledger.NotFound("AdjustProductStock", "product", "prd-2"))

	_, err := f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	assert.True(t, ledger.IsNotFound(err))

	note, err := f.engine.GetCreditNote(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, note.Applied)
	assert.Equal(t, "1000.00", f.balance(t))
}

func TestApplyCreditNote_NoInventory(t *testing.T) {
	// GIVEN: A credit note that does not restock
	// WHEN: Applying it
	// THEN: Balances drop, stock is untouched

	f := newFixture(t)
	id := f.credit(t, "100.00")

	_, err := f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, "900.00", f.balance(t))
	assert.Equal(t, int64(10), f.stock(t, "prd-1"))
}

// =============================================================================
// GUARDS
// =============================================================================

func TestApplyNote_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ApplyCreditNote(f.ctx, "missing", "usr-1")
	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))

	_, err = f.engine.ApplyDebitNote(f.ctx, "missing", "usr-1")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	assert.Equal(t, "1000.00", f.balance(t))
}

func TestApplyNote_WrongKind(t *testing.T) {
	// GIVEN: A debit note id
	// WHEN: Applying it as a credit note
	// THEN: NOT_FOUND, nothing moves

	f := newFixture(t)
	id := f.debit(t, "10.00", false)

	_, err := f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))
	assert.Equal(t, "1000.00", f.balance(t))
}

func TestApplyNote_RequiresActor(t *testing.T) {
	f := newFixture(t)
	id := f.debit(t, "10.00", false)

	_, err := f.engine.ApplyDebitNote(f.ctx, id, "  ")
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

	_, err = f.engine.ApplyNote(f.ctx, ledger.NoteKind("REFUND"), id, "usr-1")
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
	assert.Equal(t, "1000.00", f.balance(t))
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestApplyCreditNote_ProductMissingRollsBack(t *testing.T) {
	// GIVEN: A restocking credit note whose product disappears before apply
	// WHEN: Applying it
	// THEN: NOT_FOUND and no balance, sale, stock, history or applied change

	f := newFixture(t)
	id := f.credit(t, "150.00", ledger.NewLineItem{ProductID: "prd-1", Quantity: dec("3")})
	f.store.InjectFault("AdjustProductStock", ledger.NotFound("AdjustProductStock", "product", "prd-1"))

	_, err := f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	require.Error(t, err)
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(err))

	assert.Equal(t, "1000.00", f.balance(t))
	assert.Equal(t, "1000.00", f.salePending(t))
	assert.Equal(t, int64(10), f.stock(t, "prd-1"))

	note, err := f.engine.GetCreditNote(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, note.Applied)
	assert.Nil(t, note.AppliedAt)

	history, err := f.engine.ClientHistory(f.ctx, "cli-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	// The note is still applicable once the fault is gone.
	_, err = f.engine.ApplyCreditNote(f.ctx, id, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, "850.00", f.balance(t))
}

func TestApplyNote_StorageFailureRollsBack(t *testing.T) {
	// GIVEN: The history append fails with a storage error
	// WHEN: Applying a debit note
	// THEN: STORAGE_UNAVAILABLE, not retried, no side effects

	f := newFixture(t)
	id := f.debit(t, "150.00", true)
	f.store.InjectFault("AppendHistory", ledger.Unavailable("AppendHistory", errors.New("disk I/O error")))

	_, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
	require.Error(t, err)
	assert.Equal(t, ledger.KindStorageUnavailable, ledger.KindOf(err))
	assert.Equal(t, "storage is unavailable", ledger.Message(err))

	assert.Equal(t, "1000.00", f.balance(t))
	assert.Equal(t, "1000.00", f.salePending(t))
	note, err := f.engine.GetDebitNote(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, note.Applied)
}

func TestApplyNote_CancelledContext(t *testing.T) {
	f := newFixture(t)
	id := f.debit(t, "150.00", true)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	_, err := f.engine.ApplyDebitNote(ctx, id, "usr-1")
	assert.Equal(t, ledger.KindStorageUnavailable, ledger.KindOf(err))
	assert.Equal(t, "1000.00", f.balance(t))
}

// =============================================================================
// CONFLICT RETRY
// =============================================================================

func TestApplyNote_RetriesConflict(t *testing.T) {
	// GIVEN: The first two applied-flag transitions hit a write conflict
	// WHEN: Applying with three attempts allowed
	// THEN: The third attempt succeeds and the balance moves exactly once

	f := newFixture(t)
	id := f.debit(t, "150.00", true)
	busy := ledger.Conflict("MarkNoteApplied", errors.New("database is locked"))
	f.store.InjectFault("MarkNoteApplied", busy)
	f.store.InjectFault("MarkNoteApplied", busy)

	_, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, "1150.00", f.balance(t))
	assert.Equal(t, "1150.00", f.salePending(t))
	history, err := f.engine.ClientHistory(f.ctx, "cli-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyNote_ConflictExhausted(t *testing.T) {
	// GIVEN: Every attempt conflicts
	// WHEN: Applying
	// THEN: CONFLICT is surfaced as retryable, with no side effects

	f := newFixture(t)
	id := f.debit(t, "150.00", true)
	for i := 0; i < 3; i++ {
		f.store.InjectFault("AdjustClientBalance", ledger.Conflict("AdjustClientBalance", errors.New("deadlock")))
	}

	_, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
	require.Error(t, err)
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))
	assert.True(t, ledger.IsRetryable(err))

	assert.Equal(t, "1000.00", f.balance(t))
	note, err := f.engine.GetDebitNote(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, note.Applied)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApplyNote_ConcurrentDoubleApply(t *testing.T) {
	// GIVEN: One debit note
	// WHEN: 16 goroutines apply it at once
	// THEN: Exactly one success, the rest ALREADY_APPLIED, balance moved once

	f := newFixture(t)
	id := f.debit(t, "150.00", true)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		kinds     = map[ledger.ErrorKind]int{}
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			kinds[ledger.KindOf(err)]++
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, kinds[ledger.KindAlreadyApplied])
	assert.Equal(t, "1150.00", f.balance(t))
	assert.Equal(t, "1150.00", f.salePending(t))

	history, err := f.engine.ClientHistory(f.ctx, "cli-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyNote_ConcurrentMixedConservesBalance(t *testing.T) {
	// GIVEN: 10 debit notes of 12.34 and 10 credit notes of 5.67
	// WHEN: All are applied concurrently
	// THEN: Balance = 1000.00 + 123.40 - 56.70 regardless of interleaving

	f := newFixture(t)
	var debits, credits []ledger.NoteID
	for i := 0; i < 10; i++ {
		debits = append(debits, f.debit(t, "12.34", true))
		credits = append(credits, f.credit(t, "5.67"))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	start := make(chan struct{})
	apply := func(kind ledger.NoteKind, id ledger.NoteID) {
		defer wg.Done()
		<-start
		if _, err := f.engine.ApplyNote(f.ctx, kind, id, "usr-1"); err != nil {
			errs <- err
		}
	}
	for i := range debits {
		wg.Add(2)
		go apply(ledger.KindDebit, debits[i])
		go apply(ledger.KindCredit, credits[i])
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, "1066.70", f.balance(t))
	assert.Equal(t, "1066.70", f.salePending(t))

	history, err := f.engine.ClientHistory(f.ctx, "cli-1")
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].BalanceBefore.Equal(history[i-1].BalanceAfter), "history chain broken at %d", i)
	}
}

// =============================================================================
// LOCKER
// =============================================================================

type recordingLocker struct {
	mu       sync.Mutex
	keys     []string
	released int
	fail     bool
}

func (l *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.fail {
		return nil, errors.New("redis: connection refused")
	}
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

func TestApplyNote_UsesLocker(t *testing.T) {
	locker := &recordingLocker{}
	f := newFixture(t, ledger.WithLocker(locker))
	id := f.debit(t, "10.00", false)

	_, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"note:debit:" + string(id)}, locker.keys)
	assert.Equal(t, 1, locker.released)
}

func TestApplyNote_LockerDownStillApplies(t *testing.T) {
	// GIVEN: The lock backend is unreachable
	// WHEN: Applying a note
	// THEN: The apply proceeds; the store still guards the transition

	locker := &recordingLocker{fail: true}
	f := newFixture(t, ledger.WithLocker(locker))
	id := f.debit(t, "10.00", false)

	_, err := f.engine.ApplyDebitNote(f.ctx, id, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, "1010.00", f.balance(t))
}
