package models

import (
	"log"

	"bitbucket.org/mmdatafocus/pos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&Product{}, &ProductCategory{}, &SaleTransaction{}, &Expense{},
		&PendingPayment{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
