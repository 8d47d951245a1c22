/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract. Currency is always
  rendered as a decimal string so no float rounding reaches clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Notes:
    CreditNoteDTO, DebitNoteDTO, NoteHeaderDTO, LineItemDTO
    CreateCreditNoteRequest, UpdateCreditNoteRequest
    CreateDebitNoteRequest, UpdateDebitNoteRequest

  Application:
    AppliedNoteDTO

  Collections:
    PromissoryNoteDTO, PromissoryNotePageDTO

  Audit:
    LedgerHistoryDTO, InventoryMovementDTO

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// NOTE DTOs
// =============================================================================

// NoteHeaderDTO holds the fields shared by credit and debit notes.
type NoteHeaderDTO struct {
	ID          string  `json:"id"`
	Folio       string  `json:"folio"`
	ClientID    string  `json:"client_id"`
	SaleID      *string `json:"sale_id,omitempty"`
	Amount      string  `json:"amount"`
	Concept     string  `json:"concept"`
	Description string  `json:"description,omitempty"`
	Applied     bool    `json:"applied"`
	AppliedAt   *string `json:"applied_at,omitempty"`
	AppliedBy   string  `json:"applied_by,omitempty"`
	CreatedBy   string  `json:"created_by,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// LineItemDTO is one returned product on a credit note.
type LineItemDTO struct {
	ID        string `json:"id,omitempty"`
	ProductID string `json:"product_id"`
	Quantity  string `json:"quantity"`
}

type CreditNoteDTO struct {
	NoteHeaderDTO
	AppliesToInventory bool          `json:"applies_to_inventory"`
	Items              []LineItemDTO `json:"items"`
}

type DebitNoteDTO struct {
	NoteHeaderDTO
}

// LineItemRequest is one line on a credit note create or update.
type LineItemRequest struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// CreateCreditNoteRequest is the request to register a credit note.
type CreateCreditNoteRequest struct {
	Folio              string            `json:"folio" validate:"omitempty,max=64"`
	ClientID           string            `json:"client_id" validate:"required,max=64"`
	SaleID             *string           `json:"sale_id" validate:"omitempty,max=64"`
	Amount             decimal.Decimal   `json:"amount"`
	Concept            string            `json:"concept" validate:"required,max=255"`
	Description        string            `json:"description" validate:"max=1000"`
	AppliesToInventory bool              `json:"applies_to_inventory"`
	Items              []LineItemRequest `json:"items" validate:"dive"`
}

// CreateDebitNoteRequest is the request to register a debit note.
type CreateDebitNoteRequest struct {
	Folio       string          `json:"folio" validate:"omitempty,max=64"`
	ClientID    string          `json:"client_id" validate:"required,max=64"`
	SaleID      *string         `json:"sale_id" validate:"omitempty,max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Concept     string          `json:"concept" validate:"required,max=255"`
	Description string          `json:"description" validate:"max=1000"`
}

// UpdateCreditNoteRequest edits an unapplied credit note. Absent fields are
// left untouched; clear_sale detaches the note from its sale.
type UpdateCreditNoteRequest struct {
	SaleID             *string            `json:"sale_id" validate:"omitempty,max=64"`
	ClearSale          bool               `json:"clear_sale"`
	Amount             *decimal.Decimal   `json:"amount"`
	Concept            *string            `json:"concept" validate:"omitempty,max=255"`
	Description        *string            `json:"description" validate:"omitempty,max=1000"`
	AppliesToInventory *bool              `json:"applies_to_inventory"`
	Items              *[]LineItemRequest `json:"items"`
}

type UpdateDebitNoteRequest struct {
	SaleID      *string          `json:"sale_id" validate:"omitempty,max=64"`
	ClearSale   bool             `json:"clear_sale"`
	Amount      *decimal.Decimal `json:"amount"`
	Concept     *string          `json:"concept" validate:"omitempty,max=255"`
	Description *string          `json:"description" validate:"omitempty,max=1000"`
}

// =============================================================================
// APPLICATION DTOs
// =============================================================================

// AppliedNoteDTO is the response of an apply call: the note plus the
// client and sale state it produced.
type AppliedNoteDTO struct {
	Kind               string                 `json:"kind"`
	Note               NoteHeaderDTO          `json:"note"`
	AppliesToInventory bool                   `json:"applies_to_inventory"`
	Items              []LineItemDTO          `json:"items"`
	ClientName         string                 `json:"client_name"`
	ClientBalance      string                 `json:"client_balance"`
	SaleFolio          string                 `json:"sale_folio,omitempty"`
	SalePendingBalance *string                `json:"sale_pending_balance,omitempty"`
	History            LedgerHistoryDTO       `json:"history"`
	Movements          []InventoryMovementDTO `json:"movements"`
}

// =============================================================================
// COLLECTIONS DTOs
// =============================================================================

// PromissoryNoteDTO is a promissory note enriched for collections.
type PromissoryNoteDTO struct {
	ID              string `json:"id"`
	SaleID          string `json:"sale_id"`
	SaleFolio       string `json:"sale_folio"`
	ClientID        string `json:"client_id"`
	ClientName      string `json:"client_name"`
	OwnerID         string `json:"owner_id,omitempty"`
	Number          int    `json:"number"`
	Principal       string `json:"principal"`
	AmountPaid      string `json:"amount_paid"`
	DueDate         string `json:"due_date"`
	MoratoryRate    string `json:"moratory_rate"`
	InterestPaid    string `json:"interest_paid"`
	Status          string `json:"status"`
	DaysOverdue     int    `json:"days_overdue"`
	AccruedInterest string `json:"accrued_interest"`
	InterestPending string `json:"interest_pending"`
	PendingBalance  string `json:"pending_balance"`
	TotalDue        string `json:"total_due"`
}

type PromissoryNotePageDTO struct {
	Items      []PromissoryNoteDTO `json:"items"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
	Total      int                 `json:"total"`
	TotalPages int                 `json:"total_pages"`
	AsOf       string              `json:"as_of"`
}

// =============================================================================
// AUDIT DTOs
// =============================================================================

type LedgerHistoryDTO struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	Event         string `json:"event"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Observations  string `json:"observations"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at"`
}

type InventoryMovementDTO struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Delta          int64  `json:"delta"`
	QuantityBefore int64  `json:"quantity_before"`
	QuantityAfter  int64  `json:"quantity_after"`
	Reason         string `json:"reason"`
	NoteID         string `json:"note_id"`
	CreatedAt      string `json:"created_at"`
}

type PaymentAllocationDTO struct {
	PaymentID        string `json:"payment_id"`
	PromissoryNoteID string `json:"promissory_note_id"`
	PrincipalAmount  string `json:"principal_amount"`
	InterestAmount   string `json:"interest_amount"`
	Total            string `json:"total"`
}

func toAllocationDTOs(as []ledger.PaymentAllocation) []PaymentAllocationDTO {
	out := make([]PaymentAllocationDTO, len(as))
	for i, a := range as {
		out[i] = PaymentAllocationDTO{
			PaymentID:        string(a.PaymentID),
			PromissoryNoteID: string(a.PromissoryNoteID),
			PrincipalAmount:  money(a.PrincipalAmount),
			InterestAmount:   money(a.InterestAmount),
			Total:            money(a.PrincipalAmount.Add(a.InterestAmount)),
		}
	}
	return out
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response. Fields is set only for
// request validation failures.
type ErrorResponse struct {
	Kind   string            `json:"kind"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.CurrencyPlaces)
}

func toHeaderDTO(h ledger.NoteHeader) NoteHeaderDTO {
	dto := NoteHeaderDTO{
		ID:          string(h.ID),
		Folio:       h.Folio,
		ClientID:    string(h.ClientID),
		Amount:      money(h.Amount),
		Concept:     h.Concept,
		Description: h.Description,
		Applied:     h.Applied,
		AppliedBy:   h.AppliedBy,
		CreatedBy:   h.CreatedBy,
		CreatedAt:   formatTime(h.CreatedAt),
	}
	if h.SaleID != nil {
		s := string(*h.SaleID)
		dto.SaleID = &s
	}
	if h.AppliedAt != nil {
		at := formatTime(*h.AppliedAt)
		dto.AppliedAt = &at
	}
	return dto
}

func toLineItemDTOs(items []ledger.NoteLineItem) []LineItemDTO {
	out := make([]LineItemDTO, len(items))
	for i, li := range items {
		out[i] = LineItemDTO{ID: li.ID, ProductID: string(li.ProductID), Quantity: li.Quantity.String()}
	}
	return out
}

func toCreditNoteDTO(n *ledger.CreditNote) CreditNoteDTO {
	return CreditNoteDTO{
		NoteHeaderDTO:      toHeaderDTO(n.NoteHeader),
		AppliesToInventory: n.AppliesToInventory,
		Items:              toLineItemDTOs(n.Items),
	}
}

func toDebitNoteDTO(n *ledger.DebitNote) DebitNoteDTO {
	return DebitNoteDTO{NoteHeaderDTO: toHeaderDTO(n.NoteHeader)}
}

func toAppliedNoteDTO(a *ledger.AppliedNote) AppliedNoteDTO {
	dto := AppliedNoteDTO{
		Kind:               string(a.Kind),
		Note:               toHeaderDTO(a.Note),
		AppliesToInventory: a.AppliesToInventory,
		Items:              toLineItemDTOs(a.Items),
		ClientName:         a.ClientName,
		ClientBalance:      money(a.ClientBalance),
		SaleFolio:          a.SaleFolio,
		History:            toHistoryDTO(a.History),
		Movements:          toMovementDTOs(a.Movements),
	}
	if a.SalePendingBalance != nil {
		s := money(*a.SalePendingBalance)
		dto.SalePendingBalance = &s
	}
	return dto
}

func toPromissoryNoteDTO(n ledger.EnrichedNote) PromissoryNoteDTO {
	return PromissoryNoteDTO{
		ID:              string(n.ID),
		SaleID:          string(n.SaleID),
		SaleFolio:       n.SaleFolio,
		ClientID:        string(n.ClientID),
		ClientName:      n.ClientName,
		OwnerID:         n.OwnerID,
		Number:          n.Number,
		Principal:       money(n.Principal),
		AmountPaid:      money(n.AmountPaid),
		DueDate:         n.DueDate.UTC().Format("2006-01-02"),
		MoratoryRate:    n.MoratoryRate.String(),
		InterestPaid:    money(n.InterestPaid),
		Status:          string(n.Status),
		DaysOverdue:     n.DaysOverdue,
		AccruedInterest: money(n.AccruedInterest),
		InterestPending: money(n.InterestPending),
		PendingBalance:  money(n.PendingBalance),
		TotalDue:        money(n.TotalDue),
	}
}

func toPromissoryNotePageDTO(p *ledger.Page[ledger.EnrichedNote]) PromissoryNotePageDTO {
	items := make([]PromissoryNoteDTO, len(p.Items))
	for i, n := range p.Items {
		items[i] = toPromissoryNoteDTO(n)
	}
	return PromissoryNotePageDTO{
		Items:      items,
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      p.Total,
		TotalPages: p.TotalPages,
		AsOf:       formatTime(p.AsOf),
	}
}

func toHistoryDTO(e ledger.LedgerHistoryEntry) LedgerHistoryDTO {
	return LedgerHistoryDTO{
		ID:            e.ID,
		ClientID:      string(e.ClientID),
		Event:         e.Event,
		BalanceBefore: money(e.BalanceBefore),
		BalanceAfter:  money(e.BalanceAfter),
		Observations:  e.Observations,
		ActorID:       e.ActorID,
		CreatedAt:     formatTime(e.CreatedAt),
	}
}

func toMovementDTOs(ms []ledger.InventoryMovement) []InventoryMovementDTO {
	out := make([]InventoryMovementDTO, len(ms))
	for i, m := range ms {
		out[i] = InventoryMovementDTO{
			ID:             m.ID,
			ProductID:      string(m.ProductID),
			Delta:          m.Delta,
			QuantityBefore: m.QuantityBefore,
			QuantityAfter:  m.QuantityAfter,
			Reason:         m.Reason,
			NoteID:         string(m.NoteID),
			CreatedAt:      formatTime(m.CreatedAt),
		}
	}
	return out
}

func toLineItems(in []LineItemRequest) []ledger.NewLineItem {
	out := make([]ledger.NewLineItem, len(in))
	for i, li := range in {
		out[i] = ledger.NewLineItem{ProductID: ledger.ProductID(li.ProductID), Quantity: li.Quantity}
	}
	return out
}

func saleIDPtr(s *string) *ledger.SaleID {
	if s == nil {
		return nil
	}
	id := ledger.SaleID(*s)
	return &id
}
