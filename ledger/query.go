/*
query.go - Promissory Note Query Service

PURPOSE:
  Lists promissory notes for collections workflows, enriched with days
  overdue, accrued moratory interest, pending interest, pending principal
  and total due. Read-only: never opens a write transaction.

ORDERING:
  Due date ascending, then client name ascending, then note id, so pages
  are stable and deterministic.

VISIBILITY:
  OwnerID narrows results to notes whose sale is assigned to that owner.
  The identity collaborator decides when to set it; this service only
  applies it.
*/
package ledger

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NoteFilter selects promissory notes. Zero AsOf means "now".
type NoteFilter struct {
	Status      *PromissoryStatus
	ClientID    *ClientID
	SaleID      *SaleID
	OwnerID     *string
	DueFrom     *time.Time
	DueTo       *time.Time
	OverdueOnly bool
	AsOf        time.Time
	Page        int
	PageSize    int
}

// EnrichedNote is a promissory note with its derived collection fields.
type EnrichedNote struct {
	PromissoryNote
	Derived
	ClientID   ClientID
	ClientName string
	SaleFolio  string
	OwnerID    string
}

type Page[T any] struct {
	Items      []T
	Page       int
	PageSize   int
	Total      int
	TotalPages int
	AsOf       time.Time
}

// QueryService serves read-only promissory note listings.
type QueryService struct {
	store  Store
	clock  func() time.Time
	logger *logrus.Logger
	tracer trace.Tracer
}

// NewQueryService creates a query service over store. Only the clock and
// logger options apply.
func NewQueryService(store Store, opts ...Option) *QueryService {
	cfg := NewEngine(store, opts...)
	return &QueryService{
		store:  store,
		clock:  cfg.clock,
		logger: cfg.logger,
		tracer: otel.Tracer("github.com/warp/settlement-engine/ledger"),
	}
}

// ListPromissoryNotes returns one page of enriched notes.
func (s *QueryService) ListPromissoryNotes(ctx context.Context, f NoteFilter) (*Page[EnrichedNote], error) {
	const op = "ListPromissoryNotes"

	q, page, size, err := s.normalize(op, f)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "ledger.ListPromissoryNotes", trace.WithAttributes(
		attribute.Int("page", page),
		attribute.Int("page_size", size),
		attribute.Bool("overdue_only", f.OverdueOnly),
	))
	defer span.End()

	rows, total, err := s.store.ListPromissoryNotes(ctx, q)
	if err != nil {
		span.RecordError(err)
		s.logger.WithFields(logrus.Fields{
			"module":   "ledger",
			"funcName": op,
		}).Error(err.Error())
		return nil, err
	}

	items := make([]EnrichedNote, len(rows))
	for i, r := range rows {
		items[i] = Enrich(r, q.AsOf)
	}

	return &Page[EnrichedNote]{
		Items:      items,
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: (total + size - 1) / size,
		AsOf:       q.AsOf,
	}, nil
}

// Enrich derives the collection fields of a row as of asOf.
func Enrich(r PromissoryNoteRow, asOf time.Time) EnrichedNote {
	return EnrichedNote{
		PromissoryNote: r.Note,
		Derived:        Derive(r.Note, asOf),
		ClientID:       r.ClientID,
		ClientName:     r.ClientName,
		SaleFolio:      r.SaleFolio,
		OwnerID:        r.OwnerID,
	}
}

// PaymentAllocations lists the payment allocations recorded against a
// promissory note, oldest payment first.
func (s *QueryService) PaymentAllocations(ctx context.Context, id PromissoryNoteID) ([]PaymentAllocation, error) {
	if id == "" {
		return nil, Invalid("PaymentAllocations", "promissory note id is required")
	}
	return s.store.PaymentAllocations(ctx, id)
}

func (s *QueryService) normalize(op string, f NoteFilter) (PromissoryNoteQuery, int, int, error) {
	page, size := f.Page, f.PageSize
	if page == 0 {
		page = 1
	}
	if size == 0 {
		size = DefaultPageSize
	}
	if page < 1 {
		return PromissoryNoteQuery{}, 0, 0, Invalid(op, "page must be at least 1")
	}
	if size < 1 || size > MaxPageSize {
		return PromissoryNoteQuery{}, 0, 0, Invalid(op, "page size must be between 1 and %d", MaxPageSize)
	}
	if page > math.MaxInt/size {
		return PromissoryNoteQuery{}, 0, 0, Invalid(op, "page %d is out of range", page)
	}
	if f.Status != nil && !f.Status.Valid() {
		return PromissoryNoteQuery{}, 0, 0, Invalid(op, "unknown status %q", *f.Status)
	}
	if f.DueFrom != nil && f.DueTo != nil && f.DueTo.Before(*f.DueFrom) {
		return PromissoryNoteQuery{}, 0, 0, Invalid(op, "due date range ends before it starts")
	}

	asOf := f.AsOf
	if asOf.IsZero() {
		asOf = s.clock()
	}

	return PromissoryNoteQuery{
		Status:      f.Status,
		ClientID:    f.ClientID,
		SaleID:      f.SaleID,
		OwnerID:     f.OwnerID,
		DueFrom:     f.DueFrom,
		DueTo:       f.DueTo,
		OverdueOnly: f.OverdueOnly,
		AsOf:        asOf.UTC(),
		Offset:      (page - 1) * size,
		Limit:       size,
	}, page, size, nil
}

// discardLogger is used where no logger is configured.
func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
