package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"github.com/shopspring/decimal"
)

type Expense struct {
	ID             string          `gorm:"primary_key;size:36" json:"id"`
	BusinessId     string          `gorm:"index;size:36;not null" json:"business_id"`
	Description    string          `gorm:"type:text" json:"description"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	ExpenseDate    time.Time       `gorm:"not null" json:"expense_date"`
	CategoryId     string          `gorm:"index;size:36" json:"category_id"`
	IsManualUpdate *bool           `gorm:"not null;default:false" json:"is_manual_update"`
	IsDeleted      *bool           `gorm:"index;not null;default:false" json:"is_deleted"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	SyncedAt       time.Time       `gorm:"autoUpdateTime:false;index" json:"synced_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func ListExpenses(ctx context.Context, businessId string, since *time.Time) ([]Expense, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if since != nil {
		dbCtx = dbCtx.Where("synced_at > ?", *since)
	}
	var expenses []Expense
	if err := dbCtx.Order("synced_at").Find(&expenses).Error; err != nil {
		return nil, err
	}
	return expenses, nil
}
