package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/google/uuid"
)

type Business struct {
	ID          string `gorm:"primary_key;size:36" json:"id"`
	Name        string `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName string `gorm:"size:100" json:"contact_name"`
	Email       string `gorm:"size:255" json:"email"`
	Phone       string `gorm:"size:20" json:"phone"`
	Address     string `gorm:"type:text" json:"address"`

	// Login stays blocked until the registration email is acknowledged.
	EmailVerified     *bool  `gorm:"not null;default:false" json:"email_verified"`
	VerificationToken string `gorm:"index;size:36" json:"-"`

	// Entitlement window. TrialEndsAt is set once at registration.
	// SubscriptionExpiresAt is only ever advanced by a confirmed payment.
	TrialEndsAt           time.Time  `gorm:"not null" json:"trial_ends_at"`
	IsSubscribed          *bool      `gorm:"not null;default:false" json:"is_subscribed"`
	SubscriptionExpiresAt *time.Time `gorm:"default:null" json:"subscription_expires_at"`

	LastActiveAt time.Time `gorm:"index;not null" json:"last_active_at"`
	IsArchived   *bool     `gorm:"index;not null;default:false" json:"is_archived"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email" binding:"required,email"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
}

// HasAccessAt is the whole entitlement decision: an active subscription,
// or an unexpired trial when there is no subscription. Computed fresh
// from stored deadlines; expiry never needs a write.
func (business *Business) HasAccessAt(now time.Time) bool {
	subscribed := business.IsSubscribed != nil && *business.IsSubscribed
	if subscribed {
		return business.SubscriptionExpiresAt != nil && !business.SubscriptionExpiresAt.Before(now)
	}
	return !business.TrialEndsAt.Before(now)
}

// ExtendSubscription returns the new expiry for a confirmed payment of
// plannedDays. Renewals stack: the extension is measured from the later
// of now and the current expiry, never from now alone.
func ExtendSubscription(current *time.Time, now time.Time, plannedDays int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(time.Duration(plannedDays) * 24 * time.Hour)
}

func (business *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+business.ID, business, 0)
}

func (business *Business) RemoveRedis() error {
	return config.RemoveRedisKey("Business:" + business.ID)
}

// GetBusinessById reads through the Redis cache, falling back to MySQL.
func GetBusinessById(ctx context.Context, businessId string) (*Business, error) {
	var business Business
	exists, err := config.GetRedisObject("Business:"+businessId, &business)
	if err == nil && exists {
		return &business, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", businessId).First(&business).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = business.StoreRedis()
	return &business, nil
}

// CreateBusiness registers a business and starts its trial window.
func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	trialDays := utils.IntFromEnv("REGISTRATION_TRIAL_DAYS", 14)
	now := time.Now().UTC()

	business := Business{
		ID:                uuid.NewString(),
		Name:              input.Name,
		ContactName:       input.ContactName,
		Email:             input.Email,
		Phone:             input.Phone,
		Address:           input.Address,
		TrialEndsAt:       now.Add(time.Duration(trialDays) * 24 * time.Hour),
		IsSubscribed:      utils.NewFalse(),
		EmailVerified:     utils.NewFalse(),
		VerificationToken: uuid.NewString(),
		LastActiveAt:      now,
		IsArchived:        utils.NewFalse(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	_ = business.StoreRedis()
	return &business, nil
}

// VerifyBusinessEmail acknowledges the registration email for the
// business the token was issued to. The token is single-use.
func VerifyBusinessEmail(ctx context.Context, token string) (*Business, error) {
	if token == "" {
		return nil, utils.ErrorRecordNotFound
	}
	db := config.GetDB()
	var business Business
	if err := db.WithContext(ctx).Where("verification_token = ?", token).First(&business).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := db.WithContext(ctx).Model(&Business{}).
		Where("id = ?", business.ID).
		Updates(map[string]interface{}{
			"email_verified":     true,
			"verification_token": "",
		}).Error; err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey("Business:" + business.ID)
	return &business, nil
}

// TouchBusinessActivity records an authenticated write: bumps
// last_active_at and reactivates an archived business.
func TouchBusinessActivity(ctx context.Context, businessId string) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&Business{}).
		Where("id = ?", businessId).
		Updates(map[string]interface{}{
			"last_active_at": time.Now().UTC(),
			"is_archived":    false,
		}).Error
	if err != nil {
		return err
	}
	return config.RemoveRedisKey("Business:" + businessId)
}

// ArchiveInactiveBusinesses flags businesses with no activity since the
// cutoff. A flag only; records stay readable and nothing is deleted.
func ArchiveInactiveBusinesses(ctx context.Context, cutoff time.Time) (int64, error) {
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&Business{}).
		Where("last_active_at < ? AND is_archived = ?", cutoff, false).
		Update("is_archived", true)
	return result.RowsAffected, result.Error
}
