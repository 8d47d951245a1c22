package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/warp/settlement-engine/ledger"
	"github.com/xuri/excelize/v2"
)

const (
	exportSheet = "Collections"
	// exportMaxRows caps one workbook; callers narrow the filter beyond it.
	exportMaxRows = 10000
)

var exportHeadings = []string{
	"Client", "Sale folio", "Note #", "Due date", "Status", "Days overdue",
	"Principal", "Amount paid", "Pending balance", "Accrued interest",
	"Interest pending", "Total due",
}

// ExportPromissoryNotes streams the filtered listing as an xlsx workbook.
// Paging parameters are ignored: every matching note is exported.
func (h *Handler) ExportPromissoryNotes(w http.ResponseWriter, r *http.Request) {
	filter, err := parseNoteFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.OwnerID = IdentityFrom(r.Context()).OwnerScope()

	notes, err := h.collectAll(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=promissory-notes.xlsx")
	if err := writeCollectionsWorkbook(w, notes); err != nil {
		h.logError("ExportPromissoryNotes", "write workbook", err)
	}
}

// collectAll walks every page of the filter. All pages share the first
// page's as-of instant so derived amounts are consistent.
func (h *Handler) collectAll(ctx context.Context, filter ledger.NoteFilter) ([]ledger.EnrichedNote, error) {
	filter.Page = 1
	filter.PageSize = ledger.MaxPageSize

	var notes []ledger.EnrichedNote
	for {
		page, err := h.Query.ListPromissoryNotes(ctx, filter)
		if err != nil {
			return nil, err
		}
		if page.Total > exportMaxRows {
			return nil, ledger.Invalid("ExportPromissoryNotes", "export is limited to %d notes, narrow the filter", exportMaxRows)
		}
		notes = append(notes, page.Items...)
		if page.Page >= page.TotalPages {
			return notes, nil
		}
		filter.AsOf = page.AsOf
		filter.Page++
	}
}

func writeCollectionsWorkbook(w io.Writer, notes []ledger.EnrichedNote) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	for i, heading := range exportHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, heading); err != nil {
			return err
		}
	}

	for i, n := range notes {
		row := []any{
			n.ClientName,
			n.SaleFolio,
			n.Number,
			n.DueDate.UTC().Format("2006-01-02"),
			string(n.Status),
			n.DaysOverdue,
			n.Principal.InexactFloat64(),
			n.AmountPaid.InexactFloat64(),
			n.PendingBalance.InexactFloat64(),
			n.AccruedInterest.InexactFloat64(),
			n.InterestPending.InexactFloat64(),
			n.TotalDue.InexactFloat64(),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
	}

	return f.Write(w)
}
