package model

import (
	"github.com/shopspring/decimal"
)

// BidStatus 竞拍出价状态
type BidStatus int8

const (
	BidStatusActive   BidStatus = 1 // 当前最高价
	BidStatusOutbid   BidStatus = 2 // 已被超越
	BidStatusWon      BidStatus = 3 // 中标
	BidStatusLost     BidStatus = 4 // 未中标
	BidStatusRefunded BidStatus = 5 // 资金已退回
)

func (s BidStatus) String() string {
	switch s {
	case BidStatusActive:
		return "ACTIVE"
	case BidStatusOutbid:
		return "OUTBID"
	case BidStatusWon:
		return "WON"
	case BidStatusLost:
		return "LOST"
	case BidStatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// AuctionBid 拍卖出价
// 对应数据库表 auction_bids
// 不变量: 同一 listing 最多只有一条 WON 记录
type AuctionBid struct {
	BidID     string          `gorm:"primaryKey;type:varchar(64)" json:"bid_id"`
	ListingID string          `gorm:"type:varchar(64);index;not null" json:"listing_id"`
	BidderID  string          `gorm:"type:varchar(64);index;not null" json:"bidder_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"amount"`
	Status    BidStatus       `gorm:"type:smallint;index;not null" json:"status"`
	BidAt     int64           `gorm:"type:bigint;not null" json:"bid_at"` // 出价时间 (毫秒)
	CreatedAt int64           `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64           `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (AuctionBid) TableName() string {
	return "auction_bids"
}
