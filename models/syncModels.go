package models

import (
	"context"
	"encoding/json"
	"time"
)

// PendingMutation is one queued device write on the wire. It is consumed
// by the reconciler and never persisted server-side beyond the
// reconciliation transaction.
type PendingMutation struct {
	RecordType      RecordType      `json:"record_type"`
	RecordId        string          `json:"record_id"`
	Action          MutationAction  `json:"action"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	// device-scoped replay order, not used for cross-device conflicts
	Sequence int64 `json:"sequence"`
}

type SyncRequest struct {
	BusinessId   string            `json:"business_id" binding:"required"`
	DeviceId     string            `json:"device_id"`
	LastSyncedAt *time.Time        `json:"last_synced_at"`
	Mutations    []PendingMutation `json:"mutations"`
}

// MutationError reports one rejected mutation without failing the batch.
type MutationError struct {
	Sequence int64             `json:"sequence"`
	RecordId string            `json:"record_id"`
	Code     MutationErrorCode `json:"code"`
	Message  string            `json:"message"`
}

type SyncSnapshot struct {
	Products     []Product         `json:"products"`
	Transactions []SaleTransaction `json:"transactions"`
	Expenses     []Expense         `json:"expenses"`
	Categories   []ProductCategory `json:"categories"`
}

type SyncResponse struct {
	Snapshot   SyncSnapshot    `json:"snapshot"`
	IsDelta    bool            `json:"is_delta"`
	ServerTime time.Time       `json:"server_time"`
	Rejected   []MutationError `json:"rejected,omitempty"`
}

// BuildSnapshot collects the canonical state for one business. A non-nil
// since watermark narrows it to records the reconciler committed after
// that point (synced_at, the server clock, never the device clock).
func BuildSnapshot(ctx context.Context, businessId string, since *time.Time) (SyncSnapshot, error) {
	var snapshot SyncSnapshot
	var err error

	if snapshot.Products, err = ListProducts(ctx, businessId, since); err != nil {
		return snapshot, err
	}
	if snapshot.Transactions, err = ListSaleTransactions(ctx, businessId, since); err != nil {
		return snapshot, err
	}
	if snapshot.Expenses, err = ListExpenses(ctx, businessId, since); err != nil {
		return snapshot, err
	}
	if snapshot.Categories, err = ListProductCategories(ctx, businessId, since); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

func (m PendingMutation) Validate() *MutationError {
	if !m.RecordType.Valid() {
		return &MutationError{Sequence: m.Sequence, RecordId: m.RecordId, Code: MutationErrorUnknownType, Message: "unknown record type: " + string(m.RecordType)}
	}
	if !m.Action.Valid() {
		return &MutationError{Sequence: m.Sequence, RecordId: m.RecordId, Code: MutationErrorInvalidPayload, Message: "unknown action: " + string(m.Action)}
	}
	if m.RecordId == "" {
		return &MutationError{Sequence: m.Sequence, Code: MutationErrorMissingId, Message: "record id missing"}
	}
	if m.ClientTimestamp.IsZero() {
		return &MutationError{Sequence: m.Sequence, RecordId: m.RecordId, Code: MutationErrorInvalidPayload, Message: "client timestamp missing"}
	}
	if m.Action != MutationActionDelete && len(m.Payload) == 0 {
		return &MutationError{Sequence: m.Sequence, RecordId: m.RecordId, Code: MutationErrorInvalidPayload, Message: "payload missing"}
	}
	return nil
}
