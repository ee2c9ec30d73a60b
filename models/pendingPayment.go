package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PendingPayment tracks one checkout hand-off to the payment provider.
// Reference is the provider-side key; status reaches confirmed or failed
// exactly once and stays there.
type PendingPayment struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Reference   string          `gorm:"uniqueIndex;size:36;not null" json:"reference"`
	BusinessId  string          `gorm:"index;size:36;not null" json:"business_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	PlannedDays int             `gorm:"not null" json:"planned_days"`
	Status      PaymentStatus   `gorm:"index;size:20;not null;default:pending" json:"status"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	ConfirmedAt *time.Time      `gorm:"default:null" json:"confirmed_at"`
}

type NewPendingPayment struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	PlannedDays int             `json:"planned_days" binding:"required,min=1"`
}

func CreatePendingPayment(ctx context.Context, businessId string, input *NewPendingPayment) (*PendingPayment, error) {
	payment := PendingPayment{
		Reference:   uuid.NewString(),
		BusinessId:  businessId,
		Amount:      input.Amount,
		PlannedDays: input.PlannedDays,
		Status:      PaymentStatusPending,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func GetPendingPaymentByReference(ctx context.Context, businessId, reference string) (*PendingPayment, error) {
	db := config.GetDB()
	var payment PendingPayment
	dbCtx := db.WithContext(ctx).Where("reference = ?", reference)
	if businessId != "" {
		dbCtx = dbCtx.Where("business_id = ?", businessId)
	}
	if err := dbCtx.First(&payment).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &payment, nil
}

// ListStalePendingPayments returns pending payments older than the grace
// period, oldest first. The grace period keeps the job from racing a
// checkout that is still in the provider's hands.
func ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]PendingPayment, error) {
	db := config.GetDB()
	var payments []PendingPayment
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", PaymentStatusPending, olderThan).
		Order("created_at").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
