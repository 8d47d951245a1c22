package seed_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/ledger/store"
	"github.com/warp/settlement-engine/seed"
)

var now = time.Date(2025, time.June, 30, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Memory, *ledger.Engine, *seed.Loader) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := store.NewMemory()
	engine := ledger.NewEngine(m, ledger.WithClock(func() time.Time { return now }), ledger.WithLogger(logger))
	loader := seed.NewLoader(m, engine, logger)
	loader.Clock = func() time.Time { return now }
	return m, engine, loader
}

func TestLoad_Full(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Loading the full scenario and applying every note it registers
	// THEN: Balances reflect each note exactly once

	m, engine, loader := setup(t)
	ctx := context.Background()

	res, err := loader.Load(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, "full", res.Scenario)
	require.Len(t, res.CreditNotes, 1)
	require.Len(t, res.DebitNotes, 2)

	for _, id := range res.CreditNotes {
		_, err := engine.ApplyCreditNote(ctx, id, "seed")
		require.NoError(t, err)
	}
	for _, id := range res.DebitNotes {
		_, err := engine.ApplyDebitNote(ctx, id, "seed")
		require.NoError(t, err)
	}

	for id, want := range map[ledger.ClientID]string{
		"cli-lopez": "1000.00",
		"cli-garza": "3000.00",
		"cli-ruiz":  "4612.50",
	} {
		c, ok := m.Client(id)
		require.True(t, ok, id)
		assert.Equal(t, want, c.Balance.StringFixed(2), id)
	}

	drill, ok := m.Product("prd-drill")
	require.True(t, ok)
	assert.Equal(t, int64(13), drill.Stock)
}

func TestLoad_OverduePortfolioIsConsistent(t *testing.T) {
	// GIVEN: The overdue portfolio
	// WHEN: Comparing each sale's pending balance with its notes
	// THEN: Pending balance equals outstanding principal; payments cover paid principal

	m, _, loader := setup(t)
	ctx := context.Background()

	_, err := loader.Load(ctx, "overdue-portfolio")
	require.NoError(t, err)

	rows, total, err := m.ListPromissoryNotes(ctx, ledger.PromissoryNoteQuery{AsOf: now})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	outstanding := map[ledger.SaleID]decimal.Decimal{}
	for _, r := range rows {
		outstanding[r.Note.SaleID] = outstanding[r.Note.SaleID].Add(r.Note.Outstanding())
	}
	for id, sum := range outstanding {
		sale, ok := m.Sale(id)
		require.True(t, ok)
		assert.True(t, sale.PendingBalance.Equal(sum), "%s: pending %s, outstanding %s", id, sale.PendingBalance, sum)
	}

	paid := decimal.Zero
	for _, id := range []ledger.PromissoryNoteID{"pn-2001-1", "pn-2001-2"} {
		allocations, err := m.PaymentAllocations(ctx, id)
		require.NoError(t, err)
		for _, a := range allocations {
			paid = paid.Add(a.PrincipalAmount)
		}
	}
	assert.True(t, paid.Equal(ledger.MustParseDecimal("7000")), "allocated %s", paid)
}

func TestLoad_ResetsBetweenScenarios(t *testing.T) {
	m, _, loader := setup(t)
	ctx := context.Background()

	_, err := loader.Load(ctx, "overdue-portfolio")
	require.NoError(t, err)
	_, err = loader.Load(ctx, "retail-return")
	require.NoError(t, err)

	_, ok := m.Client("cli-garza")
	assert.False(t, ok)
	_, ok = m.Client("cli-lopez")
	assert.True(t, ok)
}

func TestLoad_Unknown(t *testing.T) {
	_, _, loader := setup(t)

	_, err := loader.Load(context.Background(), "christmas")
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}
