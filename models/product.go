package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"github.com/shopspring/decimal"
)

// Product ids are client-generated uuids so offline-created products keep
// their identity through reconciliation. UpdatedAt is the LWW timestamp
// carried on the wire, never auto-managed by gorm.
type Product struct {
	ID             string          `gorm:"primary_key;size:36" json:"id"`
	BusinessId     string          `gorm:"index;size:36;not null" json:"business_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	Sku            string          `gorm:"size:100" json:"sku"`
	Barcode        string          `gorm:"size:100" json:"barcode"`
	SalesPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	PurchasePrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CategoryId     string          `gorm:"index;size:36" json:"category_id"`
	IsManualUpdate *bool           `gorm:"not null;default:false" json:"is_manual_update"`
	IsDeleted      *bool           `gorm:"index;not null;default:false" json:"is_deleted"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	// server clock at the moment the reconciler committed this row. Delta
	// pulls filter on it, so a device with a slow clock cannot hide its
	// writes from other devices' watermarks.
	SyncedAt  time.Time `gorm:"autoUpdateTime:false;index" json:"synced_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func ListProducts(ctx context.Context, businessId string, since *time.Time) ([]Product, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if since != nil {
		dbCtx = dbCtx.Where("synced_at > ?", *since)
	}
	var products []Product
	if err := dbCtx.Order("synced_at").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}
