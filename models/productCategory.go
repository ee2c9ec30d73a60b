package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
)

type ProductCategory struct {
	ID             string    `gorm:"primary_key;size:36" json:"id"`
	BusinessId     string    `gorm:"index;size:36;not null" json:"business_id"`
	Name           string    `gorm:"size:100;not null" json:"name"`
	IsManualUpdate *bool     `gorm:"not null;default:false" json:"is_manual_update"`
	IsDeleted      *bool     `gorm:"index;not null;default:false" json:"is_deleted"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	SyncedAt       time.Time `gorm:"autoUpdateTime:false;index" json:"synced_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func ListProductCategories(ctx context.Context, businessId string, since *time.Time) ([]ProductCategory, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if since != nil {
		dbCtx = dbCtx.Where("synced_at > ?", *since)
	}
	var categories []ProductCategory
	if err := dbCtx.Order("synced_at").Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}
