package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store/sqlite"
)

var now = time.Date(2025, time.July, 1, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return ledger.MustParseDecimal(s)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveClient(ctx, ledger.Client{ID: "cli-1", Name: "Ferretería López", Balance: dec("1000.00"), CreatedAt: now}))
	require.NoError(t, store.SaveSale(ctx, ledger.Sale{
		ID: "sale-1", ClientID: "cli-1", OwnerID: "col-ana", Folio: "V-1001",
		Total: dec("1000.00"), PendingBalance: dec("1000.00"), CreatedAt: now,
	}))
	require.NoError(t, store.SaveProduct(ctx, ledger.Product{ID: "prd-1", Name: "Cordless drill", Stock: 10}))
	return store
}

func newEngine(store *sqlite.Store) *ledger.Engine {
	return ledger.NewEngine(store,
		ledger.WithClock(func() time.Time { return now }),
		ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
	)
}

func balance(t *testing.T, store *sqlite.Store) string {
	t.Helper()
	c, err := store.Client(context.Background(), "cli-1")
	require.NoError(t, err)
	return c.Balance.StringFixed(2)
}

// =============================================================================
// APPLY
// =============================================================================

func TestSQLite_ApplyDebitNote(t *testing.T) {
	// GIVEN: Balance 1000.00 and a 150.00 debit note on the sale
	// WHEN: Applying it twice
	// THEN: 1150.00 after the first, ALREADY_APPLIED on the second

	store := newStore(t)
	engine := newEngine(store)
	ctx := context.Background()

	sale := ledger.SaleID("sale-1")
	note, err := engine.CreateDebitNote(ctx, ledger.NewDebitNote{
		ClientID: "cli-1", SaleID: &sale, Amount: dec("150.00"), Concept: "Late fee", CreatedBy: "usr-1",
	})
	require.NoError(t, err)

	applied, err := engine.ApplyDebitNote(ctx, note.ID, "usr-2")
	require.NoError(t, err)
	assert.True(t, applied.ClientBalance.Equal(dec("1150.00")))

	assert.Equal(t, "1150.00", balance(t, store))
	s, err := store.Sale(ctx, "sale-1")
	require.NoError(t, err)
	assert.True(t, s.PendingBalance.Equal(dec("1150.00")))

	stored, err := engine.GetDebitNote(ctx, note.ID)
	require.NoError(t, err)
	assert.True(t, stored.Applied)
	assert.Equal(t, "usr-2", stored.AppliedBy)
	require.NotNil(t, stored.AppliedAt)
	assert.True(t, stored.AppliedAt.Equal(now))

	history, err := store.ClientHistory(ctx, "cli-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].BalanceBefore.Equal(dec("1000.00")))
	assert.True(t, history[0].BalanceAfter.Equal(dec("1150.00")))

	_, err = engine.ApplyDebitNote(ctx, note.ID, "usr-2")
	assert.Equal(t, ledger.KindAlreadyApplied, ledger.KindOf(err))
	assert.Equal(t, "1150.00", balance(t, store))
}

func TestSQLite_ApplyCreditNoteRestocks(t *testing.T) {
	store := newStore(t)
	engine := newEngine(store)
	ctx := context.Background()

	note, err := engine.CreateCreditNote(ctx, ledger.NewCreditNote{
		ClientID:           "cli-1",
		Amount:             dec("150.00"),
		AppliesToInventory: true,
		Items:              []ledger.NewLineItem{{ProductID: "prd-1", Quantity: dec("3.7")}},
		CreatedBy:          "usr-1",
	})
	require.NoError(t, err)

	stored, err := engine.GetCreditNote(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.Items[0].Quantity.Equal(dec("3.7")))

	_, err = engine.ApplyCreditNote(ctx, note.ID, "usr-1")
	require.NoError(t, err)

	assert.Equal(t, "850.00", balance(t, store))
	movements, err := store.ProductMovements(ctx, "prd-1")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, int64(3), movements[0].Delta)
	assert.Equal(t, int64(10), movements[0].QuantityBefore)
	assert.Equal(t, int64(13), movements[0].QuantityAfter)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	// GIVEN: A unit of work that adjusts the balance then fails
	// WHEN: It returns an error
	// THEN: The adjustment is not visible

	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		change, err := tx.AdjustClientBalance(ctx, "cli-1", dec("500"))
		require.NoError(t, err)
		assert.True(t, change.After.Equal(dec("1500.00")))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "1000.00", balance(t, store))
}

// =============================================================================
// SERIALIZATION POINT
// =============================================================================

func TestSQLite_MarkNoteAppliedIsConditional(t *testing.T) {
	// GIVEN: An unapplied debit note
	// WHEN: Flipping it twice in separate units of work
	// THEN: The second flip is a CONFLICT; a missing note is NOT_FOUND

	store := newStore(t)
	engine := newEngine(store)
	ctx := context.Background()

	note, err := engine.CreateDebitNote(ctx, ledger.NewDebitNote{ClientID: "cli-1", Amount: dec("10"), CreatedBy: "usr-1"})
	require.NoError(t, err)

	flip := func(id ledger.NoteID) error {
		return store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.MarkNoteApplied(ctx, ledger.KindDebit, id, "usr-1", now)
		})
	}

	require.NoError(t, flip(note.ID))
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(flip(note.ID)))
	assert.Equal(t, ledger.KindNotFound, ledger.KindOf(flip("missing")))

	// An applied note can no longer be deleted through the store either.
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.DeleteNote(ctx, ledger.KindDebit, note.ID)
	})
	assert.Equal(t, ledger.KindConflict, ledger.KindOf(err))
}

func TestSQLite_ConcurrentApply(t *testing.T) {
	store := newStore(t)
	engine := newEngine(store)
	ctx := context.Background()

	note, err := engine.CreateDebitNote(ctx, ledger.NewDebitNote{ClientID: "cli-1", Amount: dec("25.00"), CreatedBy: "usr-1"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ApplyDebitNote(ctx, note.ID, "usr-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case ledger.KindOf(err) == ledger.KindAlreadyApplied:
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, already)
	assert.Equal(t, "1025.00", balance(t, store))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestSQLite_ListPromissoryNotes(t *testing.T) {
	// GIVEN: Two notes on the same day for different clients, one paid overdue
	// WHEN: Listing overdue notes and all notes
	// THEN: Order is due date then client name; paid notes are not overdue

	store := newStore(t)
	ctx := context.Background()
	asOf := now

	require.NoError(t, store.SaveClient(ctx, ledger.Client{ID: "cli-0", Name: "Abarrotes Garza", CreatedAt: now}))
	require.NoError(t, store.SaveSale(ctx, ledger.Sale{ID: "sale-0", ClientID: "cli-0", OwnerID: "col-luis", Folio: "V-0900", CreatedAt: now}))

	notes := []ledger.PromissoryNote{
		{ID: "pn-1", SaleID: "sale-1", Number: 1, Principal: dec("5000"), AmountPaid: dec("2000"), DueDate: asOf.AddDate(0, 0, -10), MoratoryRate: dec("3"), Status: ledger.StatusPartial},
		{ID: "pn-2", SaleID: "sale-0", Number: 1, Principal: dec("800"), DueDate: asOf.AddDate(0, 0, -10), MoratoryRate: dec("1"), Status: ledger.StatusOverdue},
		{ID: "pn-3", SaleID: "sale-0", Number: 2, Principal: dec("800"), AmountPaid: dec("800"), DueDate: asOf.AddDate(0, 0, -20), Status: ledger.StatusPaid},
		{ID: "pn-4", SaleID: "sale-1", Number: 2, Principal: dec("5000"), DueDate: asOf.AddDate(0, 0, 20), MoratoryRate: dec("3"), Status: ledger.StatusPending},
	}
	for _, n := range notes {
		require.NoError(t, store.SavePromissoryNote(ctx, n))
	}

	qs := ledger.NewQueryService(store, ledger.WithClock(func() time.Time { return asOf }))

	page, err := qs.ListPromissoryNotes(ctx, ledger.NoteFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 4)
	assert.Equal(t, ledger.PromissoryNoteID("pn-3"), page.Items[0].ID)
	assert.Equal(t, ledger.PromissoryNoteID("pn-2"), page.Items[1].ID)
	assert.Equal(t, ledger.PromissoryNoteID("pn-1"), page.Items[2].ID)
	assert.Equal(t, ledger.PromissoryNoteID("pn-4"), page.Items[3].ID)

	overdue, err := qs.ListPromissoryNotes(ctx, ledger.NoteFilter{OverdueOnly: true})
	require.NoError(t, err)
	require.Equal(t, 2, overdue.Total)
	pn1 := overdue.Items[1]
	assert.Equal(t, "Ferretería López", pn1.ClientName)
	assert.Equal(t, "V-1001", pn1.SaleFolio)
	assert.True(t, pn1.AccruedInterest.Equal(dec("900")), "got %s", pn1.AccruedInterest)
	assert.True(t, pn1.TotalDue.Equal(dec("3900")))

	owner := "col-luis"
	scoped, err := qs.ListPromissoryNotes(ctx, ledger.NoteFilter{OwnerID: &owner, PageSize: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, scoped.Total)
	require.Len(t, scoped.Items, 1)
	assert.Equal(t, ledger.PromissoryNoteID("pn-2"), scoped.Items[0].ID)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestSQLite_RegistryRejectsDanglingReferences(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	err := store.SaveSale(ctx, ledger.Sale{ID: "sale-x", ClientID: "cli-404", CreatedAt: now})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

	err = store.SavePromissoryNote(ctx, ledger.PromissoryNote{ID: "pn-x", SaleID: "sale-1", Principal: dec("10"), AmountPaid: dec("20"), Status: ledger.StatusPending})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}

func TestSQLite_PaymentAllocations(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePromissoryNote(ctx, ledger.PromissoryNote{
		ID: "pn-1", SaleID: "sale-1", Number: 1, Principal: dec("500"), AmountPaid: dec("500"),
		DueDate: now, Status: ledger.StatusPaid,
	}))
	require.NoError(t, store.SavePayment(ctx,
		ledger.Payment{ID: "pay-1", ClientID: "cli-1", Amount: dec("520"), PaidAt: now},
		[]ledger.PaymentAllocation{{PromissoryNoteID: "pn-1", PrincipalAmount: dec("500"), InterestAmount: dec("20")}},
	))

	allocations, err := store.PaymentAllocations(ctx, "pn-1")
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, ledger.PaymentID("pay-1"), allocations[0].PaymentID)
	assert.True(t, allocations[0].InterestAmount.Equal(dec("20")))
}

func TestSQLite_Reset(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Reset(ctx))

	_, err := store.Client(ctx, "cli-1")
	assert.True(t, ledger.IsNotFound(err))
}
