package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
)

var (
	ErrBidNotFound = errors.New("bid not found")
)

// BidRepository 拍卖出价仓储接口
type BidRepository interface {
	// Create 创建出价
	Create(ctx context.Context, bid *model.AuctionBid) error

	// GetByBidID 根据出价 ID 查询
	GetByBidID(ctx context.Context, bidID string) (*model.AuctionBid, error)

	// GetHighestActive 查询挂牌当前最高有效出价, 没有返回 ErrBidNotFound
	GetHighestActive(ctx context.Context, listingID string) (*model.AuctionBid, error)

	// ListByListing 查询挂牌的全部出价 (金额降序)
	ListByListing(ctx context.Context, listingID string) ([]*model.AuctionBid, error)

	// ListByBidder 查询出价人的出价列表
	ListByBidder(ctx context.Context, bidderID string, page *Pagination) ([]*model.AuctionBid, error)

	// UpdateStatus 状态迁移, 旧状态不匹配返回 ErrOptimisticLock
	UpdateStatus(ctx context.Context, bidID string, oldStatus, newStatus model.BidStatus) error

	// MarkLosers 将挂牌下除中标外的所有 OUTBID 出价标记为 LOST
	// 返回受影响的出价列表 (用于退款通知)
	MarkLosers(ctx context.Context, listingID string, winnerBidID string) ([]*model.AuctionBid, error)
}

// bidRepository 拍卖出价仓储实现
type bidRepository struct {
	*Repository
}

// NewBidRepository 创建拍卖出价仓储
func NewBidRepository(db *gorm.DB) BidRepository {
	return &bidRepository{
		Repository: NewRepository(db),
	}
}

// Create 创建出价
func (r *bidRepository) Create(ctx context.Context, bid *model.AuctionBid) error {
	result := r.DB(ctx).Create(bid)
	if result.Error != nil {
		return fmt.Errorf("create bid failed: %w", result.Error)
	}
	return nil
}

// GetByBidID 根据出价 ID 查询
func (r *bidRepository) GetByBidID(ctx context.Context, bidID string) (*model.AuctionBid, error) {
	var bid model.AuctionBid
	result := r.DB(ctx).Where("bid_id = ?", bidID).First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBidNotFound
		}
		return nil, fmt.Errorf("get bid by bid_id failed: %w", result.Error)
	}
	return &bid, nil
}

// GetHighestActive 查询挂牌当前最高有效出价
func (r *bidRepository) GetHighestActive(ctx context.Context, listingID string) (*model.AuctionBid, error) {
	var bid model.AuctionBid
	result := r.DB(ctx).
		Where("listing_id = ? AND status = ?", listingID, model.BidStatusActive).
		Order("amount DESC").
		First(&bid)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBidNotFound
		}
		return nil, fmt.Errorf("get highest active bid failed: %w", result.Error)
	}
	return &bid, nil
}

// ListByListing 查询挂牌的全部出价 (金额降序)
func (r *bidRepository) ListByListing(ctx context.Context, listingID string) ([]*model.AuctionBid, error) {
	var bids []*model.AuctionBid
	result := r.DB(ctx).
		Where("listing_id = ?", listingID).
		Order("amount DESC").
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("list bids by listing failed: %w", result.Error)
	}
	return bids, nil
}

// ListByBidder 查询出价人的出价列表
func (r *bidRepository) ListByBidder(ctx context.Context, bidderID string, page *Pagination) ([]*model.AuctionBid, error) {
	db := r.DB(ctx).Where("bidder_id = ?", bidderID)

	if page != nil {
		var total int64
		if err := db.Model(&model.AuctionBid{}).Count(&total).Error; err != nil {
			return nil, fmt.Errorf("count bids failed: %w", err)
		}
		page.Total = total
	}

	var bids []*model.AuctionBid
	db = db.Order("created_at DESC")
	if page != nil {
		db = db.Offset(page.Offset()).Limit(page.Limit())
	}

	if err := db.Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("list bids by bidder failed: %w", err)
	}
	return bids, nil
}

// UpdateStatus 状态迁移
func (r *bidRepository) UpdateStatus(ctx context.Context, bidID string, oldStatus, newStatus model.BidStatus) error {
	result := r.DB(ctx).Model(&model.AuctionBid{}).
		Where("bid_id = ? AND status = ?", bidID, oldStatus).
		Update("status", newStatus)

	if result.Error != nil {
		return fmt.Errorf("update bid status failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// MarkLosers 将挂牌下除中标外的 OUTBID 出价标记为 LOST
func (r *bidRepository) MarkLosers(ctx context.Context, listingID string, winnerBidID string) ([]*model.AuctionBid, error) {
	var losers []*model.AuctionBid
	result := r.DB(ctx).
		Where("listing_id = ? AND bid_id != ? AND status = ?",
			listingID, winnerBidID, model.BidStatusOutbid).
		Find(&losers)
	if result.Error != nil {
		return nil, fmt.Errorf("find losing bids failed: %w", result.Error)
	}
	if len(losers) == 0 {
		return nil, nil
	}

	result = r.DB(ctx).Model(&model.AuctionBid{}).
		Where("listing_id = ? AND bid_id != ? AND status = ?",
			listingID, winnerBidID, model.BidStatusOutbid).
		Update("status", model.BidStatusLost)
	if result.Error != nil {
		return nil, fmt.Errorf("mark losing bids failed: %w", result.Error)
	}
	return losers, nil
}
