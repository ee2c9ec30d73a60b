package devicesync

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/models"
)

// RequiresLiveConnection separates "safe to queue offline" writes from
// writes whose correctness depends on synchronous server-side effects.
// New sales, new products and price edits replay cleanly; a financial
// delete triggers a coordinated restock that must not be replayed from a
// stale queue, and category changes ripple into other devices' pickers
// immediately or not at all. PIN changes never go through the mutation
// queue; they have their own live endpoint.
func RequiresLiveConnection(mut models.PendingMutation) bool {
	// financial deletes
	if mut.Action == models.MutationActionDelete {
		switch mut.RecordType {
		case models.RecordTypeSaleTransaction, models.RecordTypeExpense:
			return true
		}
	}

	// category management
	if mut.RecordType == models.RecordTypeProductCategory {
		return true
	}

	// edits of historical (pre-today) sale transactions
	if mut.RecordType == models.RecordTypeSaleTransaction && mut.Action == models.MutationActionUpdate {
		var sale struct {
			TransactionDate time.Time `json:"transaction_date"`
		}
		if err := json.Unmarshal(mut.Payload, &sale); err != nil {
			return true
		}
		if !sale.TransactionDate.IsZero() {
			y, m, d := time.Now().Date()
			startOfToday := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
			if sale.TransactionDate.Before(startOfToday) {
				return true
			}
		}
	}

	return false
}
