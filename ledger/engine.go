/*
engine.go - Note Application Engine

PURPOSE:
  Applies a credit note or a debit note to the ledger. All effects of one
  application are written in a single unit of work: either every mutation
  below is durably persisted or none is.

EFFECTS (per application):
  DebitNote:  Client.balance += amount; Sale.pendingBalance += amount
  CreditNote: Client.balance -= amount; Sale.pendingBalance -= amount
              if appliesToInventory: Product.stock += floor(qty) per line,
              one InventoryMovement per line (delta 0 below one unit)
  Always:     applied=true, appliedAt, appliedBy; one LedgerHistoryEntry

PRECONDITIONS (checked inside the transaction):
  1. Note exists            -> else NOT_FOUND
  2. Note is not applied    -> else ALREADY_APPLIED (final, not retryable)

CONCURRENCY:
  The applied flag is the serialization point. MarkNoteApplied only flips
  an unapplied note; a lost race surfaces as CONFLICT, and the engine
  re-runs the whole unit of work. The re-run observes applied=true and
  fails with ALREADY_APPLIED, so two concurrent calls yield exactly one
  success. An optional Locker narrows the race window across processes.

SEE ALSO:
  - notes.go: Intake, edit and delete guards for unapplied notes
  - retry.go: CONFLICT retry loop
  - store.go: Tx contract
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// LOCKER - Optional cross-process note lock
// =============================================================================

// Locker acquires a named lock. Engines treat it as best-effort: failure to
// obtain a lock is logged and the store's own serialization takes over.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  Store
	clock  func() time.Time
	logger *logrus.Logger
	locker Locker
	retry  RetryPolicy
	tracer trace.Tracer
}

type Option func(*Engine)

// WithClock overrides time.Now, used for appliedAt and history timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithLocker(locker Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		clock:  time.Now,
		logger: discardLogger(),
		retry:  DefaultRetryPolicy,
		tracer: otel.Tracer("github.com/warp/settlement-engine/ledger"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// RESULT
// =============================================================================

// AppliedNote is the updated note joined with client and sale summaries.
type AppliedNote struct {
	Kind               NoteKind
	Note               NoteHeader
	AppliesToInventory bool
	Items              []NoteLineItem

	ClientName    string
	ClientBalance decimal.Decimal

	SaleFolio          string
	SalePendingBalance *decimal.Decimal

	History   LedgerHistoryEntry
	Movements []InventoryMovement
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyCreditNote posts a credit note. Errors: NOT_FOUND, ALREADY_APPLIED.
func (e *Engine) ApplyCreditNote(ctx context.Context, id NoteID, actorID string) (*AppliedNote, error) {
	return e.ApplyNote(ctx, KindCredit, id, actorID)
}

// ApplyDebitNote posts a debit note. Errors: NOT_FOUND, ALREADY_APPLIED.
func (e *Engine) ApplyDebitNote(ctx context.Context, id NoteID, actorID string) (*AppliedNote, error) {
	return e.ApplyNote(ctx, KindDebit, id, actorID)
}

// ApplyNote posts a note of the given kind in one unit of work.
func (e *Engine) ApplyNote(ctx context.Context, kind NoteKind, id NoteID, actorID string) (*AppliedNote, error) {
	const op = "ApplyNote"

	if !kind.Valid() {
		return nil, Invalid(op, "unknown note kind %q", kind)
	}
	if strings.TrimSpace(string(id)) == "" {
		return nil, Invalid(op, "note id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, Invalid(op, "actor id is required")
	}

	ctx, span := e.tracer.Start(ctx, "ledger.ApplyNote", trace.WithAttributes(
		attribute.String("note.kind", string(kind)),
		attribute.String("note.id", string(id)),
	))
	defer span.End()

	release := e.lockNote(ctx, kind, id)
	defer release()

	var result *AppliedNote
	err := runUnitOfWork(ctx, e.store, e.retry, op, func(tx Tx) error {
		applied, err := e.apply(ctx, tx, kind, id, actorID)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		e.logOutcome(op, kind, id, err)
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"module":         "ledger",
		"funcName":       op,
		"kind":           kind,
		"note_id":        id,
		"client_id":      result.Note.ClientID,
		"balance_before": result.History.BalanceBefore.String(),
		"balance_after":  result.History.BalanceAfter.String(),
	}).Info("note applied")
	return result, nil
}

func (e *Engine) apply(ctx context.Context, tx Tx, kind NoteKind, id NoteID, actorID string) (*AppliedNote, error) {
	now := e.clock().UTC()

	var (
		header NoteHeader
		credit *CreditNote
	)
	switch kind {
	case KindCredit:
		n, err := tx.GetCreditNote(ctx, id)
		if err != nil {
			return nil, err
		}
		header, credit = n.NoteHeader, n
	case KindDebit:
		n, err := tx.GetDebitNote(ctx, id)
		if err != nil {
			return nil, err
		}
		header = n.NoteHeader
	}

	if header.Applied {
		return nil, AlreadyApplied("ApplyNote", kind, id)
	}
	if err := tx.MarkNoteApplied(ctx, kind, id, actorID, now); err != nil {
		return nil, err
	}

	delta := header.Amount
	if kind == KindCredit {
		delta = delta.Neg()
	}

	client, err := tx.GetClient(ctx, header.ClientID)
	if err != nil {
		return nil, err
	}
	clientChange, err := tx.AdjustClientBalance(ctx, client.ID, delta)
	if err != nil {
		return nil, err
	}

	result := &AppliedNote{
		Kind:          kind,
		ClientName:    client.Name,
		ClientBalance: clientChange.After,
	}

	if header.SaleID != nil {
		sale, err := tx.GetSale(ctx, *header.SaleID)
		if err != nil {
			return nil, err
		}
		if sale.ClientID != header.ClientID {
			return nil, Invalid("ApplyNote", "sale %s does not belong to client %s", sale.ID, header.ClientID)
		}
		saleChange, err := tx.AdjustSalePendingBalance(ctx, sale.ID, delta)
		if err != nil {
			return nil, err
		}
		pending := saleChange.After
		result.SaleFolio = sale.Folio
		result.SalePendingBalance = &pending
	}

	if credit != nil {
		result.AppliesToInventory = credit.AppliesToInventory
		result.Items = credit.Items
		if credit.AppliesToInventory {
			movements, err := restock(ctx, tx, credit, now)
			if err != nil {
				return nil, err
			}
			result.Movements = movements
		}
	}

	entry := historyEntry(kind, header, clientChange, actorID, now)
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}

	header.Applied = true
	header.AppliedAt = &now
	header.AppliedBy = actorID
	result.Note = header
	result.History = entry
	return result, nil
}

// restock returns each line's floored quantity to stock and records one
// movement per line. A line below one unit records a zero delta.
func restock(ctx context.Context, tx Tx, note *CreditNote, at time.Time) ([]InventoryMovement, error) {
	movements := make([]InventoryMovement, 0, len(note.Items))
	for _, item := range note.Items {
		qty := item.RestockQuantity()
		change, err := tx.AdjustProductStock(ctx, item.ProductID, qty)
		if err != nil {
			return nil, err
		}
		m := inventoryMovement(note.ID, item.ProductID, change, at)
		if err := tx.AppendInventoryMovement(ctx, m); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) lockNote(ctx context.Context, kind NoteKind, id NoteID) func() {
	if e.locker == nil {
		return func() {}
	}
	key := fmt.Sprintf("note:%s:%s", strings.ToLower(string(kind)), id)
	release, err := e.locker.Lock(ctx, key)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"module":   "ledger",
			"funcName": "lockNote",
			"key":      key,
		}).Warn("could not obtain note lock; proceeding without it: " + err.Error())
		return func() {}
	}
	return release
}

func (e *Engine) logOutcome(op string, kind NoteKind, id NoteID, err error) {
	fields := logrus.Fields{
		"module":   "ledger",
		"funcName": op,
		"kind":     kind,
		"note_id":  id,
		"error":    KindOf(err),
	}
	switch KindOf(err) {
	case KindNotFound, KindAlreadyApplied, KindValidation:
		e.logger.WithFields(fields).Info(err.Error())
	default:
		e.logger.WithFields(fields).Error(err.Error())
	}
}

// ClientHistory returns the client's ledger history, oldest first.
func (e *Engine) ClientHistory(ctx context.Context, id ClientID) ([]LedgerHistoryEntry, error) {
	return e.store.ClientHistory(ctx, id)
}

// ProductMovements returns the product's inventory movements, oldest first.
func (e *Engine) ProductMovements(ctx context.Context, id ProductID) ([]InventoryMovement, error) {
	return e.store.ProductMovements(ctx, id)
}
