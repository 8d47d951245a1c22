/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes note intake, note application and the collections listing via
  REST. Handles HTTP request/response, JSON serialization and request
  validation, and delegates every business rule to the ledger package.

ENDPOINTS:
  Credit notes:
    POST   /api/credit-notes             Register an unapplied credit note
    GET    /api/credit-notes/{id}        Get a credit note
    PATCH  /api/credit-notes/{id}        Edit an unapplied credit note
    DELETE /api/credit-notes/{id}        Delete an unapplied credit note
    POST   /api/credit-notes/{id}/apply  Post the note to the ledger

  Debit notes:
    Same routes under /api/debit-notes

  Collections:
    GET    /api/promissory-notes         Filtered, paged, enriched listing
    GET    /api/promissory-notes/export  Same filter as an xlsx workbook

  Audit:
    GET    /api/clients/{id}/history     Client ledger history
    GET    /api/products/{id}/movements  Product inventory movements

  Scenarios (demo mode only):
    GET    /api/scenarios                List demo scenarios
    POST   /api/scenarios/load           Reset and load a demo scenario

ERROR HANDLING:
  Every error is rendered as {"kind": ..., "error": ...} using the ledger's
  user-safe message. Driver text never reaches the client.
  - 400: VALIDATION
  - 404: NOT_FOUND
  - 409: ALREADY_APPLIED, CONFLICT (retryable)
  - 503: STORAGE_UNAVAILABLE

IDENTITY:
  X-Actor-ID is recorded as creator and applier. Collectors only list
  promissory notes on their own sales.

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Caller identity
  - scenarios.go: Demo scenario endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/seed"
)

const moduleName = "api"

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Engine  *ledger.Engine
	Query   *ledger.QueryService
	Health  HealthChecker
	Logger  *logrus.Logger
	Metrics *Metrics

	// Scenarios enables the demo routes when set.
	Scenarios *seed.Loader

	validate *validator.Validate
}

// NewHandler creates a handler. health may be nil.
func NewHandler(engine *ledger.Engine, query *ledger.QueryService, health HealthChecker, logger *logrus.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		Engine:   engine,
		Query:    query,
		Health:   health,
		Logger:   logger,
		Metrics:  metrics,
		validate: newValidator(),
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

func (h *Handler) CreateCreditNote(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditNoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	note, err := h.Engine.CreateCreditNote(r.Context(), ledger.NewCreditNote{
		Folio:              req.Folio,
		ClientID:           ledger.ClientID(req.ClientID),
		SaleID:             saleIDPtr(req.SaleID),
		Amount:             req.Amount,
		Concept:            req.Concept,
		Description:        req.Description,
		AppliesToInventory: req.AppliesToInventory,
		Items:              toLineItems(req.Items),
		CreatedBy:          IdentityFrom(r.Context()).ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditNoteDTO(note))
}

func (h *Handler) GetCreditNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Engine.GetCreditNote(r.Context(), noteID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(note))
}

func (h *Handler) UpdateCreditNote(w http.ResponseWriter, r *http.Request) {
	var req UpdateCreditNoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd := ledger.CreditNoteUpdate{
		SaleID:             saleIDPtr(req.SaleID),
		ClearSale:          req.ClearSale,
		Amount:             req.Amount,
		Concept:            req.Concept,
		Description:        req.Description,
		AppliesToInventory: req.AppliesToInventory,
	}
	if req.Items != nil {
		items := toLineItems(*req.Items)
		upd.Items = &items
	}

	note, err := h.Engine.UpdateCreditNote(r.Context(), noteID(r), upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(note))
}

func (h *Handler) DeleteCreditNote(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteCreditNote(r.Context(), noteID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ApplyCreditNote(w http.ResponseWriter, r *http.Request) {
	h.applyNote(w, r, ledger.KindCredit)
}

// =============================================================================
// DEBIT NOTES
// =============================================================================

func (h *Handler) CreateDebitNote(w http.ResponseWriter, r *http.Request) {
	var req CreateDebitNoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	note, err := h.Engine.CreateDebitNote(r.Context(), ledger.NewDebitNote{
		Folio:       req.Folio,
		ClientID:    ledger.ClientID(req.ClientID),
		SaleID:      saleIDPtr(req.SaleID),
		Amount:      req.Amount,
		Concept:     req.Concept,
		Description: req.Description,
		CreatedBy:   IdentityFrom(r.Context()).ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDebitNoteDTO(note))
}

func (h *Handler) GetDebitNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.Engine.GetDebitNote(r.Context(), noteID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebitNoteDTO(note))
}

func (h *Handler) UpdateDebitNote(w http.ResponseWriter, r *http.Request) {
	var req UpdateDebitNoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	note, err := h.Engine.UpdateDebitNote(r.Context(), noteID(r), ledger.DebitNoteUpdate{
		SaleID:      saleIDPtr(req.SaleID),
		ClearSale:   req.ClearSale,
		Amount:      req.Amount,
		Concept:     req.Concept,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebitNoteDTO(note))
}

func (h *Handler) DeleteDebitNote(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteDebitNote(r.Context(), noteID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ApplyDebitNote(w http.ResponseWriter, r *http.Request) {
	h.applyNote(w, r, ledger.KindDebit)
}

// =============================================================================
// APPLICATION
// =============================================================================

func (h *Handler) applyNote(w http.ResponseWriter, r *http.Request, kind ledger.NoteKind) {
	actor := IdentityFrom(r.Context()).ActorID
	applied, err := h.Engine.ApplyNote(r.Context(), kind, noteID(r), actor)
	h.Metrics.ObserveApplication(kind, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppliedNoteDTO(applied))
}

// =============================================================================
// COLLECTIONS
// =============================================================================

// ListPromissoryNotes handles GET /api/promissory-notes.
//
// Query parameters: status, client_id, sale_id, due_from, due_to (YYYY-MM-DD
// or RFC3339), overdue_only, as_of, page, page_size.
func (h *Handler) ListPromissoryNotes(w http.ResponseWriter, r *http.Request) {
	filter, err := parseNoteFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.OwnerID = IdentityFrom(r.Context()).OwnerScope()

	page, err := h.Query.ListPromissoryNotes(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromissoryNotePageDTO(page))
}

func parseNoteFilter(r *http.Request) (ledger.NoteFilter, error) {
	const op = "parseNoteFilter"
	q := r.URL.Query()
	var f ledger.NoteFilter

	if v := q.Get("status"); v != "" {
		status := ledger.PromissoryStatus(strings.ToUpper(v))
		f.Status = &status
	}
	if v := q.Get("client_id"); v != "" {
		id := ledger.ClientID(v)
		f.ClientID = &id
	}
	if v := q.Get("sale_id"); v != "" {
		id := ledger.SaleID(v)
		f.SaleID = &id
	}

	var err error
	if f.DueFrom, err = parseDateParam(q.Get("due_from"), false); err != nil {
		return f, ledger.Invalid(op, "invalid due_from: use YYYY-MM-DD")
	}
	if f.DueTo, err = parseDateParam(q.Get("due_to"), true); err != nil {
		return f, ledger.Invalid(op, "invalid due_to: use YYYY-MM-DD")
	}
	asOf, err := parseDateParam(q.Get("as_of"), false)
	if err != nil {
		return f, ledger.Invalid(op, "invalid as_of: use YYYY-MM-DD or RFC3339")
	}
	if asOf != nil {
		f.AsOf = *asOf
	}

	if v := q.Get("overdue_only"); v != "" {
		if f.OverdueOnly, err = strconv.ParseBool(v); err != nil {
			return f, ledger.Invalid(op, "invalid overdue_only: use true or false")
		}
	}
	if v := q.Get("page"); v != "" {
		if f.Page, err = strconv.Atoi(v); err != nil {
			return f, ledger.Invalid(op, "invalid page")
		}
	}
	if v := q.Get("page_size"); v != "" {
		if f.PageSize, err = strconv.Atoi(v); err != nil {
			return f, ledger.Invalid(op, "invalid page_size")
		}
	}
	return f, nil
}

// parseDateParam accepts RFC3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) GetClientHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.ClientHistory(r.Context(), ledger.ClientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]LedgerHistoryDTO, len(entries))
	for i, e := range entries {
		out[i] = toHistoryDTO(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetProductMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.Engine.ProductMovements(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

func (h *Handler) GetPaymentAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := h.Query.PaymentAllocations(r.Context(), ledger.PromissoryNoteID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTOs(allocations))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func noteID(r *http.Request) ledger.NoteID {
	return ledger.NoteID(chi.URLParam(r, "id"))
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Kind:  string(ledger.KindValidation),
			Error: "invalid JSON body",
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Kind:   string(ledger.KindValidation),
				Error:  "invalid request",
				Fields: validationFields(ve),
			})
			return false
		}
		h.writeError(w, r, err)
		return false
	}
	return true
}

// validationFields maps each failing field to the rule it broke.
func validationFields(ve validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}

func statusFor(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindAlreadyApplied, ledger.KindConflict:
		return http.StatusConflict
	case ledger.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError renders err with its kind. Storage failures are logged with
// the underlying cause; business outcomes are not.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	if kind == ledger.KindStorageUnavailable {
		config.LogError(h.Logger, moduleName, r.Method+" "+r.URL.Path, "request failed", map[string]string{
			"request_id": middleware.GetReqID(r.Context()),
		}, err)
	}
	if kind == ledger.KindConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusFor(kind), ErrorResponse{Kind: string(kind), Error: ledger.Message(err)})
}

func (h *Handler) logError(funcName, what string, err error) {
	config.LogError(h.Logger, moduleName, funcName, what, nil, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
