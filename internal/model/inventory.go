package model

import (
	"github.com/shopspring/decimal"
)

// CreditInventory 碳信用批次库存
// 对应数据库表 credit_inventories
// 不变量: available + listed + locked = total
type CreditInventory struct {
	CreditID     string          `gorm:"primaryKey;type:varchar(64)" json:"credit_id"`
	OwnerID      string          `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	Total        decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"total"`
	Available    decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"available"`
	Listed       decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"listed"`
	Locked       decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"locked"`
	SoldQuantity decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"sold_quantity"` // 累计售出 (不计入 total)
	Version      int64           `gorm:"type:bigint;not null;default:1" json:"version"`
	CreatedAt    int64           `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt    int64           `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (CreditInventory) TableName() string {
	return "credit_inventories"
}

// IsConsistent 校验库存守恒
func (i *CreditInventory) IsConsistent() bool {
	return i.Available.Add(i.Listed).Add(i.Locked).Equal(i.Total)
}

// CanList 是否有足够可用量可挂牌
func (i *CreditInventory) CanList(quantity decimal.Decimal) bool {
	return i.Available.GreaterThanOrEqual(quantity)
}
