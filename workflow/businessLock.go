package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"github.com/bsm/redislock"
	"gorm.io/gorm"
)

// AcquireBusinessSyncLock serializes reconciliation per business across
// instances using MySQL advisory locks. Locks for different businesses
// are independent, so reconciliations for different businesses run in
// parallel.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the
// same *gorm.DB that runs the reconciliation transaction. Non-MySQL
// dialects (the sqlite test harness) have no advisory locks and rely on
// their own write serialization.
func AcquireBusinessSyncLock(tx *gorm.DB, businessId string) error {
	if tx.Dialector.Name() != "mysql" {
		return nil
	}
	lockName := fmt.Sprintf("sync:%s", businessId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire sync lock for business_id=%s", businessId)
	}
	return nil
}

func ReleaseBusinessSyncLock(tx *gorm.DB, businessId string) {
	if tx.Dialector.Name() != "mysql" {
		return
	}
	lockName := fmt.Sprintf("sync:%s", businessId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// acquireRedisSyncLock is a best-effort optimization: it keeps two
// devices of the same business from even opening competing transactions.
// Reliability must not depend on Redis; the advisory lock above is the
// authoritative serializer.
func acquireRedisSyncLock(ctx context.Context, businessId string, ttl time.Duration) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	lock, err := locker.Obtain(ctx, "sync:"+businessId, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 25),
	})
	if err != nil {
		return nil
	}
	return lock
}
