package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PaymentVerification is the provider's verdict for one reference. The
// provider is the single source of truth; client-reported success is
// never trusted.
type PaymentVerification struct {
	Reference string
	Status    models.PaymentStatus
	Amount    decimal.Decimal
}

type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, reference string) (PaymentVerification, error)
}

// ReconcilePayment verifies one pending payment and, exactly once,
// extends the owning business's subscription window. Safe to invoke from
// the interval job, the provider webhook and a manual admin action
// concurrently: terminal states are guarded both before verification and
// inside the transaction.
//
// A verifier error means the provider was unreachable; the payment stays
// pending and the next interval retries.
func ReconcilePayment(ctx context.Context, verifier PaymentVerifier, reference string) error {
	logger := config.GetLogger()
	db := config.GetDB()

	payment, err := models.GetPendingPaymentByReference(ctx, "", reference)
	if err != nil {
		return err
	}
	if payment.Status.Terminal() {
		return nil
	}

	verification, err := verifier.VerifyPayment(ctx, payment.Reference)
	if err != nil {
		return err
	}

	switch verification.Status {
	case models.PaymentStatusPending:
		return nil

	case models.PaymentStatusFailed:
		return db.WithContext(ctx).Model(&models.PendingPayment{}).
			Where("reference = ? AND status = ?", reference, models.PaymentStatusPending).
			Update("status", models.PaymentStatusFailed).Error

	case models.PaymentStatusConfirmed:
		now := time.Now().UTC()
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// hold the business lock only for this single update so the
			// job never starves a user-triggered sync
			if err := AcquireBusinessSyncLock(tx, payment.BusinessId); err != nil {
				return err
			}
			defer ReleaseBusinessSyncLock(tx, payment.BusinessId)

			// guarded transition: zero rows means another caller already
			// confirmed this reference, and re-extending is forbidden
			res := tx.Model(&models.PendingPayment{}).
				Where("reference = ? AND status = ?", reference, models.PaymentStatusPending).
				Updates(map[string]interface{}{
					"status":       models.PaymentStatusConfirmed,
					"confirmed_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}

			var business models.Business
			if err := tx.Where("id = ?", payment.BusinessId).First(&business).Error; err != nil {
				return err
			}
			newExpiry := models.ExtendSubscription(business.SubscriptionExpiresAt, now, payment.PlannedDays)
			if err := tx.Model(&models.Business{}).
				Where("id = ?", payment.BusinessId).
				Updates(map[string]interface{}{
					"is_subscribed":           true,
					"subscription_expires_at": newExpiry,
				}).Error; err != nil {
				return err
			}

			logger.WithFields(logrus.Fields{
				"module":      "workflow",
				"business_id": payment.BusinessId,
				"reference":   reference,
				"new_expiry":  newExpiry,
			}).Info("payment confirmed, subscription extended")
			return nil
		})
		if err != nil {
			return err
		}
		// drop the cached business so the gate sees the new window
		return config.RemoveRedisKey("Business:" + payment.BusinessId)
	}

	return errors.New("unknown provider status: " + string(verification.Status))
}
