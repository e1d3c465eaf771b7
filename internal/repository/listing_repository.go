package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
)

var (
	ErrListingNotFound      = errors.New("listing not found")
	ErrListingAlreadyExists = errors.New("listing already exists")
	ErrOptimisticLock       = errors.New("optimistic lock conflict")
)

// ListingRepository 挂牌仓储接口
type ListingRepository interface {
	// Create 创建挂牌
	Create(ctx context.Context, listing *model.Listing) error

	// GetByListingID 根据挂牌 ID 查询
	GetByListingID(ctx context.Context, listingID string) (*model.Listing, error)

	// GetByListingIDForUpdate 根据挂牌 ID 查询并加行锁
	GetByListingIDForUpdate(ctx context.Context, listingID string) (*model.Listing, error)

	// ListByOwner 查询卖家挂牌列表
	ListByOwner(ctx context.Context, ownerID string, filter *ListingFilter, page *Pagination) ([]*model.Listing, error)

	// ListExpiredOpenAuctions 查询已到期但仍 OPEN 的拍卖挂牌
	// endBefore: 截止时间阈值 (毫秒)
	// limit: 返回数量上限
	ListExpiredOpenAuctions(ctx context.Context, endBefore int64, limit int) ([]*model.Listing, error)

	// Update 更新挂牌
	Update(ctx context.Context, listing *model.Listing) error

	// UpdateStatus 状态迁移, 旧状态不匹配返回 ErrOptimisticLock
	UpdateStatus(ctx context.Context, listingID string, oldStatus, newStatus model.ListingStatus) error
}

// ListingFilter 挂牌查询过滤条件
type ListingFilter struct {
	CreditID  string                 // 碳信用批次
	Type      *model.ListingType     // 挂牌类型
	Statuses  []model.ListingStatus  // 状态列表
	TimeRange *TimeRange             // 创建时间范围
}

// listingRepository 挂牌仓储实现
type listingRepository struct {
	*Repository
}

// NewListingRepository 创建挂牌仓储
func NewListingRepository(db *gorm.DB) ListingRepository {
	return &listingRepository{
		Repository: NewRepository(db),
	}
}

// Create 创建挂牌
func (r *listingRepository) Create(ctx context.Context, listing *model.Listing) error {
	result := r.DB(ctx).Create(listing)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrListingAlreadyExists
		}
		return fmt.Errorf("create listing failed: %w", result.Error)
	}
	return nil
}

// GetByListingID 根据挂牌 ID 查询
func (r *listingRepository) GetByListingID(ctx context.Context, listingID string) (*model.Listing, error) {
	var listing model.Listing
	result := r.DB(ctx).Where("listing_id = ?", listingID).First(&listing)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing by listing_id failed: %w", result.Error)
	}
	return &listing, nil
}

// GetByListingIDForUpdate 根据挂牌 ID 查询并加行锁
func (r *listingRepository) GetByListingIDForUpdate(ctx context.Context, listingID string) (*model.Listing, error) {
	opts := &QueryOptions{ForUpdate: true}

	var listing model.Listing
	result := opts.ApplyLock(r.DB(ctx)).Where("listing_id = ?", listingID).First(&listing)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing for update failed: %w", result.Error)
	}
	return &listing, nil
}

// ListByOwner 查询卖家挂牌列表
func (r *listingRepository) ListByOwner(ctx context.Context, ownerID string, filter *ListingFilter, page *Pagination) ([]*model.Listing, error) {
	db := r.DB(ctx).Where("owner_id = ?", ownerID)
	db = r.applyFilter(db, filter)

	// 统计总数
	if page != nil {
		var total int64
		if err := db.Model(&model.Listing{}).Count(&total).Error; err != nil {
			return nil, fmt.Errorf("count listings failed: %w", err)
		}
		page.Total = total
	}

	// 查询列表
	var listings []*model.Listing
	db = db.Order("created_at DESC")
	if page != nil {
		db = db.Offset(page.Offset()).Limit(page.Limit())
	}

	if err := db.Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("list listings by owner failed: %w", err)
	}
	return listings, nil
}

// ListExpiredOpenAuctions 查询已到期但仍 OPEN 的拍卖挂牌
func (r *listingRepository) ListExpiredOpenAuctions(ctx context.Context, endBefore int64, limit int) ([]*model.Listing, error) {
	var listings []*model.Listing
	result := r.DB(ctx).
		Where("type = ? AND status = ? AND auction_end_at <= ?",
			model.ListingTypeAuction, model.ListingStatusOpen, endBefore).
		Order("auction_end_at ASC").
		Limit(limit).
		Find(&listings)

	if result.Error != nil {
		return nil, fmt.Errorf("list expired open auctions failed: %w", result.Error)
	}
	return listings, nil
}

// Update 更新挂牌
func (r *listingRepository) Update(ctx context.Context, listing *model.Listing) error {
	result := r.DB(ctx).Save(listing)
	if result.Error != nil {
		return fmt.Errorf("update listing failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrListingNotFound
	}
	return nil
}

// UpdateStatus 状态迁移
// 用旧状态做条件, 并发迁移只有一个成功
func (r *listingRepository) UpdateStatus(ctx context.Context, listingID string, oldStatus, newStatus model.ListingStatus) error {
	result := r.DB(ctx).Model(&model.Listing{}).
		Where("listing_id = ? AND status = ?", listingID, oldStatus).
		Updates(map[string]interface{}{
			"status":  newStatus,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return fmt.Errorf("update listing status failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// applyFilter 应用过滤条件
func (r *listingRepository) applyFilter(db *gorm.DB, filter *ListingFilter) *gorm.DB {
	if filter == nil {
		return db
	}

	if filter.CreditID != "" {
		db = db.Where("credit_id = ?", filter.CreditID)
	}
	if filter.Type != nil {
		db = db.Where("type = ?", *filter.Type)
	}
	if len(filter.Statuses) > 0 {
		db = db.Where("status IN ?", filter.Statuses)
	}
	if filter.TimeRange != nil && filter.TimeRange.IsValid() {
		db = db.Where("created_at >= ? AND created_at <= ?", filter.TimeRange.Start, filter.TimeRange.End)
	}

	return db
}
