package models

// RecordType identifies which syncable table a mutation targets.
type RecordType string

const (
	RecordTypeProduct         RecordType = "product"
	RecordTypeSaleTransaction RecordType = "transaction"
	RecordTypeExpense         RecordType = "expense"
	RecordTypeProductCategory RecordType = "category"
)

func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeProduct, RecordTypeSaleTransaction, RecordTypeExpense, RecordTypeProductCategory:
		return true
	}
	return false
}

// MutationAction is what a queued mutation does to its record.
type MutationAction string

const (
	MutationActionCreate MutationAction = "create"
	MutationActionUpdate MutationAction = "update"
	MutationActionDelete MutationAction = "delete"
)

func (a MutationAction) Valid() bool {
	switch a {
	case MutationActionCreate, MutationActionUpdate, MutationActionDelete:
		return true
	}
	return false
}

// PaymentStatus transitions pending -> confirmed | failed, exactly once.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed
}

// SaleStatus is the lifecycle of a sale transaction.
type SaleStatus string

const (
	SaleStatusConfirmed SaleStatus = "Confirmed"
	SaleStatusVoid      SaleStatus = "Void"
)

// MutationErrorCode classifies per-record reconciliation rejections.
type MutationErrorCode string

const (
	MutationErrorInvalidPayload  MutationErrorCode = "invalid_payload"
	MutationErrorUnknownType     MutationErrorCode = "unknown_record_type"
	MutationErrorMissingId       MutationErrorCode = "missing_id"
	MutationErrorPaymentRequired MutationErrorCode = "payment_required"
)
