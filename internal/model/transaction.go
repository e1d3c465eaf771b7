package model

import (
	"github.com/shopspring/decimal"
)

// TransactionStatus 成交记录状态
// 状态机: Pending → Completed / Failed
// 异步确认消费者 (transaction.completed / transaction.failed) 负责最终迁移
type TransactionStatus int8

const (
	TransactionStatusPending   TransactionStatus = 1
	TransactionStatusCompleted TransactionStatus = 2
	TransactionStatusFailed    TransactionStatus = 3
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionStatusPending:
		return "PENDING"
	case TransactionStatusCompleted:
		return "COMPLETED"
	case TransactionStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Transaction 成交记录
// 对应数据库表 transactions
// 每笔结算的持久化凭证，每个 listing 至多一条 (幂等标记)
type Transaction struct {
	TransactionID string            `gorm:"primaryKey;type:varchar(64)" json:"transaction_id"`
	ListingID     string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"listing_id"`
	CreditID      string            `gorm:"type:varchar(64);index;not null" json:"credit_id"`
	BuyerID       string            `gorm:"type:varchar(64);index;not null" json:"buyer_id"`
	SellerID      string            `gorm:"type:varchar(64);index;not null" json:"seller_id"`
	Quantity      decimal.Decimal   `gorm:"type:decimal(36,18);not null" json:"quantity"`
	UnitPrice     decimal.Decimal   `gorm:"type:decimal(36,18);not null" json:"unit_price"`
	TotalAmount   decimal.Decimal   `gorm:"type:decimal(36,18);not null" json:"total_amount"`
	Status        TransactionStatus `gorm:"type:smallint;index;not null" json:"status"`
	FailureReason string            `gorm:"type:varchar(255)" json:"failure_reason"`
	CompletedAt   int64             `gorm:"type:bigint" json:"completed_at"` // 完成时间 (毫秒)
	CreatedAt     int64             `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt     int64             `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "transactions"
}
