package app

import (
	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
)

// AutoMigrate 自动建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Listing{},
		&model.AuctionBid{},
		&model.CreditInventory{},
		&model.Transaction{},
	)
}
