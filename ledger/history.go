package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// historyEntry builds the audit record for an applied note.
func historyEntry(kind NoteKind, h NoteHeader, change BalanceChange, actorID string, at time.Time) LedgerHistoryEntry {
	return LedgerHistoryEntry{
		ID:            uuid.NewString(),
		ClientID:      h.ClientID,
		Event:         historyEvent(kind, h.Concept),
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
		Observations:  historyObservations(h.Folio, h.Description),
		ActorID:       actorID,
		CreatedAt:     at,
	}
}

func historyEvent(kind NoteKind, concept string) string {
	concept = strings.TrimSpace(concept)
	if concept == "" {
		return fmt.Sprintf("%s applied", kind.Label())
	}
	return fmt.Sprintf("%s applied: %s", kind.Label(), concept)
}

func historyObservations(folio, description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return fmt.Sprintf("Folio %s", folio)
	}
	return fmt.Sprintf("Folio %s - %s", folio, description)
}

// inventoryMovement builds the restock record for one credit note line.
func inventoryMovement(noteID NoteID, productID ProductID, change StockChange, at time.Time) InventoryMovement {
	return InventoryMovement{
		ID:             uuid.NewString(),
		ProductID:      productID,
		Delta:          change.After - change.Before,
		QuantityBefore: change.Before,
		QuantityAfter:  change.After,
		Reason:         ReasonCreditNoteReturn,
		NoteID:         noteID,
		CreatedAt:      at,
	}
}
