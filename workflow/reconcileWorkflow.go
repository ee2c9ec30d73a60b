package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrBusinessMismatch rejects a whole batch whose business id does not
// match the authenticated session. Nothing is applied.
var ErrBusinessMismatch = errors.New("business mismatch")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	// sqlite (test harness) reports the same race differently
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ReconcileSyncBatch applies one device's mutation batch against the
// canonical store and returns the resulting truth.
//
// The batch runs in a single transaction under the per-business lock so
// two devices of one business never interleave. A malformed mutation is
// rejected per-record without aborting the batch; a stale mutation is
// dropped silently (the newer canonical value is authoritative, that is
// not an error). Only DB failures and business mismatch abort the whole
// batch, with no partial effect.
func ReconcileSyncBatch(ctx context.Context, authedBusinessId string, req *models.SyncRequest) (*models.SyncResponse, error) {
	logger := config.GetLogger()

	if req.BusinessId == "" || req.BusinessId != authedBusinessId {
		return nil, ErrBusinessMismatch
	}

	business, err := models.GetBusinessById(ctx, req.BusinessId)
	if err != nil {
		return nil, err
	}

	// Best-effort cross-instance gate; the advisory lock inside the
	// transaction is the authoritative serializer.
	if lock := acquireRedisSyncLock(ctx, req.BusinessId, time.Minute); lock != nil {
		defer func() { _ = lock.Release(ctx) }()
	}

	rejected := make([]models.MutationError, 0)

	// Server clock for synced_at and the returned watermark. Taken under
	// the business lock so stamps are monotone with commit order: a later
	// batch of the same business always stamps later, and a delta pull
	// from this response's watermark cannot skip it. Client timestamps
	// stay out of this entirely; they only decide LWW.
	var stamp time.Time

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireBusinessSyncLock(tx, req.BusinessId); err != nil {
			return err
		}
		defer ReleaseBusinessSyncLock(tx, req.BusinessId)
		stamp = time.Now().UTC()

		for _, mut := range req.Mutations {
			if merr := mut.Validate(); merr != nil {
				rejected = append(rejected, *merr)
				continue
			}
			// Queued-before-expiry policy: the mutation is judged against
			// the entitlement window at the time it was created, not at
			// sync time.
			if !business.HasAccessAt(mut.ClientTimestamp) {
				rejected = append(rejected, models.MutationError{
					Sequence: mut.Sequence,
					RecordId: mut.RecordId,
					Code:     models.MutationErrorPaymentRequired,
					Message:  "subscription or trial expired before this write",
				})
				continue
			}

			merr, err := applyMutation(tx, req.BusinessId, mut, stamp, logger)
			if err != nil {
				return err
			}
			if merr != nil {
				rejected = append(rejected, *merr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snapshot, err := models.BuildSnapshot(ctx, req.BusinessId, req.LastSyncedAt)
	if err != nil {
		return nil, err
	}

	// accepted writes are activity; an all-rejected push is not
	if applied := len(req.Mutations) - len(rejected); applied > 0 {
		_ = models.TouchBusinessActivity(ctx, req.BusinessId)
	}

	return &models.SyncResponse{
		Snapshot:   snapshot,
		IsDelta:    req.LastSyncedAt != nil,
		ServerTime: stamp,
		Rejected:   rejected,
	}, nil
}

func applyMutation(tx *gorm.DB, businessId string, mut models.PendingMutation, stamp time.Time, logger *logrus.Logger) (*models.MutationError, error) {
	switch mut.RecordType {
	case models.RecordTypeProduct:
		return applyProductMutation(tx, businessId, mut, stamp, logger)
	case models.RecordTypeSaleTransaction:
		return applySaleMutation(tx, businessId, mut, stamp, logger)
	case models.RecordTypeExpense:
		return applyExpenseMutation(tx, businessId, mut, stamp, logger)
	case models.RecordTypeProductCategory:
		return applyCategoryMutation(tx, businessId, mut, stamp, logger)
	}
	return &models.MutationError{
		Sequence: mut.Sequence,
		RecordId: mut.RecordId,
		Code:     models.MutationErrorUnknownType,
		Message:  "unknown record type: " + string(mut.RecordType),
	}, nil
}

func invalidPayload(mut models.PendingMutation, err error) *models.MutationError {
	return &models.MutationError{
		Sequence: mut.Sequence,
		RecordId: mut.RecordId,
		Code:     models.MutationErrorInvalidPayload,
		Message:  err.Error(),
	}
}

func logStaleDrop(logger *logrus.Logger, businessId string, mut models.PendingMutation, canonical time.Time) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"module":           "workflow",
		"business_id":      businessId,
		"record_type":      mut.RecordType,
		"record_id":        mut.RecordId,
		"client_timestamp": mut.ClientTimestamp,
		"canonical":        canonical,
	}).Info("stale mutation dropped, canonical value is newer")
}

func applyProductMutation(tx *gorm.DB, businessId string, mut models.PendingMutation, stamp time.Time, logger *logrus.Logger) (*models.MutationError, error) {
	var existing models.Product
	err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if mut.Action == models.MutationActionDelete {
		if !found {
			return nil, nil
		}
		if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
			logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
			return nil, nil
		}
		return nil, tx.Model(&models.Product{}).
			Where("business_id = ? AND id = ?", businessId, mut.RecordId).
			Updates(map[string]interface{}{"is_deleted": true, "updated_at": mut.ClientTimestamp, "synced_at": stamp}).Error
	}

	var incoming models.Product
	if err := json.Unmarshal(mut.Payload, &incoming); err != nil {
		return invalidPayload(mut, err), nil
	}
	incoming.ID = mut.RecordId
	incoming.BusinessId = businessId
	incoming.UpdatedAt = mut.ClientTimestamp
	incoming.SyncedAt = stamp

	if !found {
		// first write wins for creation; a lost race falls through to LWW
		err := tx.Create(&incoming).Error
		if err == nil {
			return nil, nil
		}
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		if err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error; err != nil {
			return nil, err
		}
	}

	if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
		logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
		return nil, nil
	}
	return nil, tx.Omit("created_at").Save(&incoming).Error
}

func applySaleMutation(tx *gorm.DB, businessId string, mut models.PendingMutation, stamp time.Time, logger *logrus.Logger) (*models.MutationError, error) {
	var existing models.SaleTransaction
	err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if mut.Action == models.MutationActionDelete {
		if !found {
			return nil, nil
		}
		if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
			logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
			return nil, nil
		}
		alreadyDeleted := existing.IsDeleted != nil && *existing.IsDeleted
		if err := tx.Model(&models.SaleTransaction{}).
			Where("business_id = ? AND id = ?", businessId, mut.RecordId).
			Updates(map[string]interface{}{"is_deleted": true, "updated_at": mut.ClientTimestamp, "synced_at": stamp}).Error; err != nil {
			return nil, err
		}
		if alreadyDeleted {
			return nil, nil
		}
		// restock co-committed with the delete
		return nil, restockSaleItems(tx, businessId, &existing, mut.ClientTimestamp, stamp)
	}

	var incoming models.SaleTransaction
	if err := json.Unmarshal(mut.Payload, &incoming); err != nil {
		return invalidPayload(mut, err), nil
	}
	incoming.ID = mut.RecordId
	incoming.BusinessId = businessId
	incoming.UpdatedAt = mut.ClientTimestamp
	incoming.SyncedAt = stamp

	if !found {
		err := tx.Create(&incoming).Error
		if err == nil {
			return nil, nil
		}
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		if err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error; err != nil {
			return nil, err
		}
	}

	if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
		logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
		return nil, nil
	}
	return nil, tx.Omit("created_at").Save(&incoming).Error
}

// restockSaleItems puts the deleted sale's quantities back on the shelf.
// Product updated_at moves to the delete's timestamp so other devices
// pull the restocked quantity on their next sync.
func restockSaleItems(tx *gorm.DB, businessId string, sale *models.SaleTransaction, at, stamp time.Time) error {
	items, err := sale.DecodeLineItems()
	if err != nil {
		// a sale that made it into the canonical store with unreadable
		// lines must not abort the delete
		return nil
	}
	for _, item := range items {
		if item.ProductId == "" || item.Qty.IsZero() {
			continue
		}
		if err := tx.Model(&models.Product{}).
			Where("business_id = ? AND id = ?", businessId, item.ProductId).
			Updates(map[string]interface{}{
				"quantity":   gorm.Expr("quantity + ?", item.Qty),
				"updated_at": at,
				"synced_at":  stamp,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func applyExpenseMutation(tx *gorm.DB, businessId string, mut models.PendingMutation, stamp time.Time, logger *logrus.Logger) (*models.MutationError, error) {
	var existing models.Expense
	err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if mut.Action == models.MutationActionDelete {
		if !found {
			return nil, nil
		}
		if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
			logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
			return nil, nil
		}
		return nil, tx.Model(&models.Expense{}).
			Where("business_id = ? AND id = ?", businessId, mut.RecordId).
			Updates(map[string]interface{}{"is_deleted": true, "updated_at": mut.ClientTimestamp, "synced_at": stamp}).Error
	}

	var incoming models.Expense
	if err := json.Unmarshal(mut.Payload, &incoming); err != nil {
		return invalidPayload(mut, err), nil
	}
	incoming.ID = mut.RecordId
	incoming.BusinessId = businessId
	incoming.UpdatedAt = mut.ClientTimestamp
	incoming.SyncedAt = stamp

	if !found {
		err := tx.Create(&incoming).Error
		if err == nil {
			return nil, nil
		}
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		if err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error; err != nil {
			return nil, err
		}
	}

	if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
		logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
		return nil, nil
	}
	return nil, tx.Omit("created_at").Save(&incoming).Error
}

func applyCategoryMutation(tx *gorm.DB, businessId string, mut models.PendingMutation, stamp time.Time, logger *logrus.Logger) (*models.MutationError, error) {
	var existing models.ProductCategory
	err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if mut.Action == models.MutationActionDelete {
		if !found {
			return nil, nil
		}
		if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
			logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
			return nil, nil
		}
		return nil, tx.Model(&models.ProductCategory{}).
			Where("business_id = ? AND id = ?", businessId, mut.RecordId).
			Updates(map[string]interface{}{"is_deleted": true, "updated_at": mut.ClientTimestamp, "synced_at": stamp}).Error
	}

	var incoming models.ProductCategory
	if err := json.Unmarshal(mut.Payload, &incoming); err != nil {
		return invalidPayload(mut, err), nil
	}
	incoming.ID = mut.RecordId
	incoming.BusinessId = businessId
	incoming.UpdatedAt = mut.ClientTimestamp
	incoming.SyncedAt = stamp

	if !found {
		err := tx.Create(&incoming).Error
		if err == nil {
			return nil, nil
		}
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		if err := tx.Where("business_id = ? AND id = ?", businessId, mut.RecordId).First(&existing).Error; err != nil {
			return nil, err
		}
	}

	if !IncomingWins(mut.ClientTimestamp, existing.UpdatedAt) {
		logStaleDrop(logger, businessId, mut, existing.UpdatedAt)
		return nil, nil
	}
	return nil, tx.Omit("created_at").Save(&incoming).Error
}
