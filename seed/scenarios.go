/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates a store with realistic receivables data: clients with running
  balances, sales assigned to collectors, promissory notes in every status,
  payments with allocations, and unapplied credit/debit notes ready to be
  posted.

AVAILABLE SCENARIOS:
  retail-return:     Client owes 1000.00 on one sale; a pending credit note
                     returns 3.7 units of stock and a pending debit note
                     charges a late fee
  overdue-portfolio: Two collectors, installment plans with paid, partial,
                     current and overdue promissory notes
  full:              Both of the above

HOW SCENARIOS WORK:
 1. Reset the store when it supports it
 2. Save clients, products, sales and promissory notes via the Registry
 3. Record payments against promissory notes
 4. Register unapplied notes through the engine, so they pass the same
    guards as API traffic

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - cmd/server/main.go: seed subcommand
  - api/handlers.go: scenario endpoints
*/
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/settlement-engine/ledger"
)

// Scenario describes one loadable data set.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var Scenarios = []Scenario{
	{
		ID:          "retail-return",
		Name:        "Retail Return",
		Description: "One client, one sale, a pending restocking credit note and a pending late-fee debit note",
	},
	{
		ID:          "overdue-portfolio",
		Name:        "Overdue Portfolio",
		Description: "Installment plans across two collectors with paid, partial, current and overdue notes",
	},
	{
		ID:          "full",
		Name:        "Full Demo",
		Description: "Every scenario loaded together",
	},
}

// Resetter is implemented by stores that can wipe their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Loader writes scenarios into a store.
type Loader struct {
	Registry ledger.Registry
	Engine   *ledger.Engine
	Clock    func() time.Time
	Logger   *logrus.Logger
}

func NewLoader(registry ledger.Registry, engine *ledger.Engine, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{Registry: registry, Engine: engine, Clock: time.Now, Logger: logger}
}

// Result lists the unapplied notes a scenario registered, so callers can
// apply them.
type Result struct {
	Scenario    string          `json:"scenario"`
	CreditNotes []ledger.NoteID `json:"credit_notes"`
	DebitNotes  []ledger.NoteID `json:"debit_notes"`
}

// Load resets the store (when supported) and loads the named scenario.
func (l *Loader) Load(ctx context.Context, id string) (*Result, error) {
	var loaders []func(context.Context, *Result) error
	switch id {
	case "retail-return":
		loaders = append(loaders, l.loadRetailReturn)
	case "overdue-portfolio":
		loaders = append(loaders, l.loadOverduePortfolio)
	case "full":
		loaders = append(loaders, l.loadRetailReturn, l.loadOverduePortfolio)
	default:
		return nil, ledger.Invalid("LoadScenario", "unknown scenario %q", id)
	}

	if r, ok := l.Registry.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return nil, fmt.Errorf("reset: %w", err)
		}
	}

	res := &Result{Scenario: id, CreditNotes: []ledger.NoteID{}, DebitNotes: []ledger.NoteID{}}
	for _, load := range loaders {
		if err := load(ctx, res); err != nil {
			return nil, err
		}
	}

	l.Logger.WithFields(logrus.Fields{
		"module":       "seed",
		"scenario":     id,
		"credit_notes": len(res.CreditNotes),
		"debit_notes":  len(res.DebitNotes),
	}).Info("scenario loaded")
	return res, nil
}

// =============================================================================
// RETAIL RETURN
// =============================================================================

func (l *Loader) loadRetailReturn(ctx context.Context, res *Result) error {
	now := l.Clock().UTC()
	d := ledger.MustParseDecimal

	client := ledger.Client{ID: "cli-lopez", Name: "Ferretería López", Balance: d("1000.00"), CreatedAt: now}
	if err := l.Registry.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	for _, p := range []ledger.Product{
		{ID: "prd-drill", Name: "Cordless drill", Stock: 10},
		{ID: "prd-cable", Name: "Copper cable (m)", Stock: 250},
	} {
		if err := l.Registry.SaveProduct(ctx, p); err != nil {
			return fmt.Errorf("save product %s: %w", p.ID, err)
		}
	}
	sale := ledger.Sale{
		ID: "sale-1001", ClientID: client.ID, OwnerID: "col-ana", Folio: "V-1001",
		Total: d("1000.00"), PendingBalance: d("1000.00"), CreatedAt: now,
	}
	if err := l.Registry.SaveSale(ctx, sale); err != nil {
		return fmt.Errorf("save sale: %w", err)
	}

	saleID := sale.ID
	credit, err := l.Engine.CreateCreditNote(ctx, ledger.NewCreditNote{
		ClientID:           client.ID,
		SaleID:             &saleID,
		Amount:             d("150.00"),
		Concept:            "Devolución",
		Description:        "Drills returned unopened",
		AppliesToInventory: true,
		Items: []ledger.NewLineItem{
			{ProductID: "prd-drill", Quantity: d("3.7")},
		},
		CreatedBy: "seed",
	})
	if err != nil {
		return fmt.Errorf("create credit note: %w", err)
	}
	res.CreditNotes = append(res.CreditNotes, credit.ID)

	debit, err := l.Engine.CreateDebitNote(ctx, ledger.NewDebitNote{
		ClientID:    client.ID,
		SaleID:      &saleID,
		Amount:      d("150.00"),
		Concept:     "Cargo por pago tardío",
		Description: "Late payment fee",
		CreatedBy:   "seed",
	})
	if err != nil {
		return fmt.Errorf("create debit note: %w", err)
	}
	res.DebitNotes = append(res.DebitNotes, debit.ID)
	return nil
}

// =============================================================================
// OVERDUE PORTFOLIO
// =============================================================================

type plan struct {
	client  ledger.Client
	sale    ledger.Sale
	notes   []ledger.PromissoryNote
	payment *ledger.Payment
}

func (l *Loader) loadOverduePortfolio(ctx context.Context, res *Result) error {
	now := l.Clock().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	day := func(offset int) time.Time { return today.AddDate(0, 0, offset) }
	d := ledger.MustParseDecimal

	plans := []plan{
		{
			client: ledger.Client{ID: "cli-garza", Name: "Abarrotes Garza", Balance: d("3000.00"), CreatedAt: now},
			sale: ledger.Sale{
				ID: "sale-2001", ClientID: "cli-garza", OwnerID: "col-ana", Folio: "V-2001",
				Total: d("10000.00"), PendingBalance: d("3000.00"), CreatedAt: day(-90),
			},
			notes: []ledger.PromissoryNote{
				{ID: "pn-2001-1", SaleID: "sale-2001", Number: 1, Principal: d("5000.00"), AmountPaid: d("5000.00"),
					DueDate: day(-40), MoratoryRate: d("3.0"), InterestPaid: decimal.Zero, Status: ledger.StatusPaid},
				{ID: "pn-2001-2", SaleID: "sale-2001", Number: 2, Principal: d("5000.00"), AmountPaid: d("2000.00"),
					DueDate: day(-10), MoratoryRate: d("3.0"), InterestPaid: decimal.Zero, Status: ledger.StatusOverdue},
			},
			payment: &ledger.Payment{ID: "pay-2001", ClientID: "cli-garza", Amount: d("7000.00"), PaidAt: day(-12)},
		},
		{
			client: ledger.Client{ID: "cli-ruiz", Name: "Materiales Ruiz", Balance: d("4500.00"), CreatedAt: now},
			sale: ledger.Sale{
				ID: "sale-3001", ClientID: "cli-ruiz", OwnerID: "col-luis", Folio: "V-3001",
				Total: d("4500.00"), PendingBalance: d("4500.00"), CreatedAt: day(-45),
			},
			notes: []ledger.PromissoryNote{
				{ID: "pn-3001-1", SaleID: "sale-3001", Number: 1, Principal: d("1500.00"), AmountPaid: decimal.Zero,
					DueDate: day(-5), MoratoryRate: d("1.5"), InterestPaid: decimal.Zero, Status: ledger.StatusOverdue},
				{ID: "pn-3001-2", SaleID: "sale-3001", Number: 2, Principal: d("1500.00"), AmountPaid: decimal.Zero,
					DueDate: day(25), MoratoryRate: d("1.5"), InterestPaid: decimal.Zero, Status: ledger.StatusPending},
				{ID: "pn-3001-3", SaleID: "sale-3001", Number: 3, Principal: d("1500.00"), AmountPaid: decimal.Zero,
					DueDate: day(55), MoratoryRate: d("1.5"), InterestPaid: decimal.Zero, Status: ledger.StatusPending},
			},
		},
	}

	for _, p := range plans {
		if err := l.Registry.SaveClient(ctx, p.client); err != nil {
			return fmt.Errorf("save client %s: %w", p.client.ID, err)
		}
		if err := l.Registry.SaveSale(ctx, p.sale); err != nil {
			return fmt.Errorf("save sale %s: %w", p.sale.ID, err)
		}
		for _, n := range p.notes {
			if err := l.Registry.SavePromissoryNote(ctx, n); err != nil {
				return fmt.Errorf("save promissory note %s: %w", n.ID, err)
			}
		}
		if p.payment != nil {
			if err := l.Registry.SavePayment(ctx, *p.payment, allocate(*p.payment, p.notes)); err != nil {
				return fmt.Errorf("save payment %s: %w", p.payment.ID, err)
			}
		}
	}

	saleID := ledger.SaleID("sale-3001")
	debit, err := l.Engine.CreateDebitNote(ctx, ledger.NewDebitNote{
		ClientID:    "cli-ruiz",
		SaleID:      &saleID,
		Amount:      d("112.50"),
		Concept:     "Intereses moratorios",
		Description: "Moratory interest on installment 1",
		CreatedBy:   "seed",
	})
	if err != nil {
		return fmt.Errorf("create debit note: %w", err)
	}
	res.DebitNotes = append(res.DebitNotes, debit.ID)
	return nil
}

// allocate spreads a payment over the paid principal of each note in order.
func allocate(p ledger.Payment, notes []ledger.PromissoryNote) []ledger.PaymentAllocation {
	remaining := p.Amount
	var out []ledger.PaymentAllocation
	for _, n := range notes {
		if !remaining.IsPositive() {
			break
		}
		amount := decimal.Min(n.AmountPaid, remaining)
		if !amount.IsPositive() {
			continue
		}
		out = append(out, ledger.PaymentAllocation{
			PaymentID:        p.ID,
			PromissoryNoteID: n.ID,
			PrincipalAmount:  amount,
			InterestAmount:   decimal.Zero,
		})
		remaining = remaining.Sub(amount)
	}
	return out
}
