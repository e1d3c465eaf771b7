package model

import (
	"github.com/shopspring/decimal"
)

// ListingType 挂牌类型
type ListingType int8

const (
	ListingTypeFixedPrice ListingType = 1 // 一口价
	ListingTypeAuction    ListingType = 2 // 拍卖
)

func (t ListingType) String() string {
	switch t {
	case ListingTypeFixedPrice:
		return "FIXED_PRICE"
	case ListingTypeAuction:
		return "AUCTION"
	default:
		return "UNKNOWN"
	}
}

// ListingStatus 挂牌状态
type ListingStatus int8

const (
	ListingStatusOpen      ListingStatus = 1
	ListingStatusClosed    ListingStatus = 2
	ListingStatusSold      ListingStatus = 3
	ListingStatusCancelled ListingStatus = 5
)

func (s ListingStatus) String() string {
	switch s {
	case ListingStatusOpen:
		return "OPEN"
	case ListingStatusClosed:
		return "CLOSED"
	case ListingStatusSold:
		return "SOLD"
	case ListingStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 返回状态是否为终态
// 状态迁移单向: Open 之后不允许重新开放
func (s ListingStatus) IsTerminal() bool {
	return s != ListingStatusOpen
}

// Listing 碳信用挂牌
// 对应数据库表 listings
type Listing struct {
	ListingID    string          `gorm:"primaryKey;type:varchar(64)" json:"listing_id"`
	OwnerID      string          `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	CreditID     string          `gorm:"type:varchar(64);index;not null" json:"credit_id"`
	Type         ListingType     `gorm:"type:smallint;not null" json:"type"`
	Status       ListingStatus   `gorm:"type:smallint;index;not null" json:"status"`
	PricePerUnit decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"price_per_unit"` // 一口价单价
	MinimumBid   decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"minimum_bid"`    // 拍卖起拍价
	Quantity     decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"quantity"`
	AuctionEndAt int64           `gorm:"type:bigint;index" json:"auction_end_at"` // 拍卖截止时间 (毫秒)
	Version      int64           `gorm:"type:bigint;not null;default:1" json:"version"`
	CreatedAt    int64           `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt    int64           `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (Listing) TableName() string {
	return "listings"
}

// IsAuction 是否拍卖挂牌
func (l *Listing) IsAuction() bool {
	return l.Type == ListingTypeAuction
}

// AuctionEnded 拍卖是否已到截止时间
func (l *Listing) AuctionEnded(nowMilli int64) bool {
	return l.IsAuction() && nowMilli >= l.AuctionEndAt
}

// TotalPrice 一口价总价
func (l *Listing) TotalPrice() decimal.Decimal {
	return l.PricePerUnit.Mul(l.Quantity)
}
