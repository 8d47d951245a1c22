/*
notes.go - Intake, edit and delete of credit and debit notes

PURPOSE:
  Notes are created unapplied, may be edited or deleted while unapplied,
  and become immutable once the engine applies them. Edits use typed update
  commands: a nil pointer means "not provided", a non-nil pointer is applied
  even when it holds a zero value (and then validated), so a zero amount is
  rejected instead of being silently dropped.

SEE ALSO:
  - engine.go: The one-way applied transition
*/
package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COMMANDS
// =============================================================================

type NewLineItem struct {
	ProductID ProductID
	Quantity  decimal.Decimal
}

type NewCreditNote struct {
	Folio              string
	ClientID           ClientID
	SaleID             *SaleID
	Amount             decimal.Decimal
	Concept            string
	Description        string
	AppliesToInventory bool
	Items              []NewLineItem
	CreatedBy          string
}

type NewDebitNote struct {
	Folio       string
	ClientID    ClientID
	SaleID      *SaleID
	Amount      decimal.Decimal
	Concept     string
	Description string
	CreatedBy   string
}

// CreditNoteUpdate lists every mutable field of an unapplied credit note.
// ClearSale detaches the note from its sale; it wins over SaleID.
type CreditNoteUpdate struct {
	SaleID             *SaleID
	ClearSale          bool
	Amount             *decimal.Decimal
	Concept            *string
	Description        *string
	AppliesToInventory *bool
	Items              *[]NewLineItem
}

// DebitNoteUpdate lists every mutable field of an unapplied debit note.
type DebitNoteUpdate struct {
	SaleID      *SaleID
	ClearSale   bool
	Amount      *decimal.Decimal
	Concept     *string
	Description *string
}

// =============================================================================
// CREATE
// =============================================================================

// CreateCreditNote validates and stores a new unapplied credit note.
func (e *Engine) CreateCreditNote(ctx context.Context, in NewCreditNote) (*CreditNote, error) {
	const op = "CreateCreditNote"

	note := &CreditNote{
		NoteHeader: NoteHeader{
			ID:          NoteID(uuid.NewString()),
			Folio:       strings.TrimSpace(in.Folio),
			ClientID:    in.ClientID,
			SaleID:      in.SaleID,
			Amount:      in.Amount,
			Concept:     strings.TrimSpace(in.Concept),
			Description: strings.TrimSpace(in.Description),
			CreatedBy:   in.CreatedBy,
			CreatedAt:   e.clock().UTC(),
		},
		AppliesToInventory: in.AppliesToInventory,
	}
	if note.Folio == "" {
		note.Folio = newFolio(KindCredit)
	}
	note.Items = lineItems(note.ID, in.Items)

	err := runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		if err := validateCreditNote(ctx, tx, op, note); err != nil {
			return err
		}
		return tx.InsertCreditNote(ctx, note)
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// CreateDebitNote validates and stores a new unapplied debit note.
func (e *Engine) CreateDebitNote(ctx context.Context, in NewDebitNote) (*DebitNote, error) {
	const op = "CreateDebitNote"

	note := &DebitNote{NoteHeader: NoteHeader{
		ID:          NoteID(uuid.NewString()),
		Folio:       strings.TrimSpace(in.Folio),
		ClientID:    in.ClientID,
		SaleID:      in.SaleID,
		Amount:      in.Amount,
		Concept:     strings.TrimSpace(in.Concept),
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   in.CreatedBy,
		CreatedAt:   e.clock().UTC(),
	}}
	if note.Folio == "" {
		note.Folio = newFolio(KindDebit)
	}

	err := runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		if err := validateHeader(ctx, tx, op, note.NoteHeader); err != nil {
			return err
		}
		return tx.InsertDebitNote(ctx, note)
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// =============================================================================
// READ
// =============================================================================

func (e *Engine) GetCreditNote(ctx context.Context, id NoteID) (*CreditNote, error) {
	var note *CreditNote
	err := e.store.WithTx(ctx, func(tx Tx) error {
		n, err := tx.GetCreditNote(ctx, id)
		note = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

func (e *Engine) GetDebitNote(ctx context.Context, id NoteID) (*DebitNote, error) {
	var note *DebitNote
	err := e.store.WithTx(ctx, func(tx Tx) error {
		n, err := tx.GetDebitNote(ctx, id)
		note = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateCreditNote edits an unapplied credit note. ALREADY_APPLIED otherwise.
func (e *Engine) UpdateCreditNote(ctx context.Context, id NoteID, upd CreditNoteUpdate) (*CreditNote, error) {
	const op = "UpdateCreditNote"

	var updated *CreditNote
	err := runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		note, err := tx.GetCreditNote(ctx, id)
		if err != nil {
			return err
		}
		if note.Applied {
			return AlreadyApplied(op, KindCredit, id)
		}

		applyHeaderUpdate(&note.NoteHeader, upd.SaleID, upd.ClearSale, upd.Amount, upd.Concept, upd.Description)
		if upd.AppliesToInventory != nil {
			note.AppliesToInventory = *upd.AppliesToInventory
		}
		if upd.Items != nil {
			note.Items = lineItems(note.ID, *upd.Items)
		}

		if err := validateCreditNote(ctx, tx, op, note); err != nil {
			return err
		}
		if err := tx.UpdateCreditNote(ctx, note); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateDebitNote edits an unapplied debit note. ALREADY_APPLIED otherwise.
func (e *Engine) UpdateDebitNote(ctx context.Context, id NoteID, upd DebitNoteUpdate) (*DebitNote, error) {
	const op = "UpdateDebitNote"

	var updated *DebitNote
	err := runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		note, err := tx.GetDebitNote(ctx, id)
		if err != nil {
			return err
		}
		if note.Applied {
			return AlreadyApplied(op, KindDebit, id)
		}

		applyHeaderUpdate(&note.NoteHeader, upd.SaleID, upd.ClearSale, upd.Amount, upd.Concept, upd.Description)
		if err := validateHeader(ctx, tx, op, note.NoteHeader); err != nil {
			return err
		}
		if err := tx.UpdateDebitNote(ctx, note); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyHeaderUpdate(h *NoteHeader, saleID *SaleID, clearSale bool, amount *decimal.Decimal, concept, description *string) {
	switch {
	case clearSale:
		h.SaleID = nil
	case saleID != nil:
		s := *saleID
		h.SaleID = &s
	}
	if amount != nil {
		h.Amount = *amount
	}
	if concept != nil {
		h.Concept = strings.TrimSpace(*concept)
	}
	if description != nil {
		h.Description = strings.TrimSpace(*description)
	}
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteCreditNote removes an unapplied credit note. ALREADY_APPLIED otherwise.
func (e *Engine) DeleteCreditNote(ctx context.Context, id NoteID) error {
	const op = "DeleteCreditNote"
	return runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		note, err := tx.GetCreditNote(ctx, id)
		if err != nil {
			return err
		}
		if note.Applied {
			return AlreadyApplied(op, KindCredit, id)
		}
		return tx.DeleteNote(ctx, KindCredit, id)
	})
}

// DeleteDebitNote removes an unapplied debit note. ALREADY_APPLIED otherwise.
func (e *Engine) DeleteDebitNote(ctx context.Context, id NoteID) error {
	const op = "DeleteDebitNote"
	return runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		note, err := tx.GetDebitNote(ctx, id)
		if err != nil {
			return err
		}
		if note.Applied {
			return AlreadyApplied(op, KindDebit, id)
		}
		return tx.DeleteNote(ctx, KindDebit, id)
	})
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateHeader(ctx context.Context, tx Tx, op string, h NoteHeader) error {
	if strings.TrimSpace(string(h.ClientID)) == "" {
		return Invalid(op, "client is required")
	}
	if !h.Amount.IsPositive() {
		return Invalid(op, "amount must be greater than zero")
	}
	if !h.Amount.Equal(h.Amount.Truncate(4)) {
		return Invalid(op, "amount supports at most 4 decimal places")
	}
	if _, err := tx.GetClient(ctx, h.ClientID); err != nil {
		return err
	}
	if h.SaleID != nil {
		sale, err := tx.GetSale(ctx, *h.SaleID)
		if err != nil {
			return err
		}
		if sale.ClientID != h.ClientID {
			return Invalid(op, "sale %s does not belong to client %s", sale.ID, h.ClientID)
		}
	}
	return nil
}

func validateCreditNote(ctx context.Context, tx Tx, op string, n *CreditNote) error {
	if err := validateHeader(ctx, tx, op, n.NoteHeader); err != nil {
		return err
	}
	if n.AppliesToInventory && len(n.Items) == 0 {
		return Invalid(op, "line items are required when the note restocks inventory")
	}
	for i, item := range n.Items {
		if strings.TrimSpace(string(item.ProductID)) == "" {
			return Invalid(op, "line %d: product is required", i+1)
		}
		if !item.Quantity.IsPositive() {
			return Invalid(op, "line %d: quantity must be greater than zero", i+1)
		}
		if _, err := tx.GetProduct(ctx, item.ProductID); err != nil {
			return err
		}
	}
	return nil
}

func lineItems(noteID NoteID, in []NewLineItem) []NoteLineItem {
	items := make([]NoteLineItem, len(in))
	for i, li := range in {
		items[i] = NoteLineItem{
			ID:        uuid.NewString(),
			NoteID:    noteID,
			ProductID: li.ProductID,
			Quantity:  li.Quantity,
		}
	}
	return items
}

func newFolio(kind NoteKind) string {
	return kind.FolioPrefix() + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
