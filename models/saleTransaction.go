package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"github.com/shopspring/decimal"
)

type SaleTransaction struct {
	ID              string          `gorm:"primary_key;size:36" json:"id"`
	BusinessId      string          `gorm:"index;size:36;not null" json:"business_id"`
	InvoiceNumber   string          `gorm:"size:100" json:"invoice_number"`
	TransactionDate time.Time       `gorm:"not null" json:"transaction_date"`
	Status          SaleStatus      `gorm:"size:20;not null;default:Confirmed" json:"status"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	DiscountAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	// Sale lines, kept as JSON: the sync path treats the transaction as
	// one record, and the restock-on-delete side effect reads them back.
	LineItems      []byte    `gorm:"type:json" json:"line_items"`
	IsManualUpdate *bool     `gorm:"not null;default:false" json:"is_manual_update"`
	IsDeleted      *bool     `gorm:"index;not null;default:false" json:"is_deleted"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	SyncedAt       time.Time `gorm:"autoUpdateTime:false;index" json:"synced_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type SaleLineItem struct {
	ProductId string          `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (sale *SaleTransaction) DecodeLineItems() ([]SaleLineItem, error) {
	if len(sale.LineItems) == 0 {
		return nil, nil
	}
	var items []SaleLineItem
	if err := json.Unmarshal(sale.LineItems, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func ListSaleTransactions(ctx context.Context, businessId string, since *time.Time) ([]SaleTransaction, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if since != nil {
		dbCtx = dbCtx.Where("synced_at > ?", *since)
	}
	var sales []SaleTransaction
	if err := dbCtx.Order("synced_at").Find(&sales).Error; err != nil {
		return nil, err
	}
	return sales, nil
}
