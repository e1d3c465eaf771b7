package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/cache"
	"github.com/ecotrade-exchange/ecotrade-market/internal/client"
	"github.com/ecotrade-exchange/ecotrade-market/internal/metrics"
	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
	"github.com/ecotrade-exchange/ecotrade-market/internal/repository"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

var (
	ErrInvalidListing      = errors.New("invalid listing parameters")
	ErrNotInventoryOwner   = errors.New("caller does not own inventory")
	ErrNotListingOwner     = errors.New("caller does not own listing")
	ErrInsufficientCredits = errors.New("insufficient available credits")
)

// CreateListingRequest 创建挂牌请求
type CreateListingRequest struct {
	OwnerID      string
	CreditID     string
	Type         model.ListingType
	Quantity     decimal.Decimal
	PricePerUnit decimal.Decimal // 一口价必填
	MinimumBid   decimal.Decimal // 拍卖必填
	AuctionEndAt int64           // 拍卖截止时间 (毫秒), 拍卖必填
}

// ListingDetail 挂牌详情
type ListingDetail struct {
	Listing    *model.Listing     `json:"listing"`
	Bids       []*model.AuctionBid `json:"bids,omitempty"`
	HighestBid *model.AuctionBid   `json:"highest_bid,omitempty"`
}

// ListingService 挂牌服务接口
type ListingService interface {
	// CreateListing 创建挂牌, 同一事务内占用库存 (available → listed)
	CreateListing(ctx context.Context, req *CreateListingRequest) (*model.Listing, error)

	// GetListingDetail 查询挂牌详情, 拍卖挂牌附带出价历史
	GetListingDetail(ctx context.Context, listingID string) (*ListingDetail, error)

	// ListByOwner 查询挂牌人的挂牌列表
	ListByOwner(ctx context.Context, ownerID string, filter *repository.ListingFilter, page *repository.Pagination) ([]*model.Listing, error)

	// CancelListing 撤牌: Open → Cancelled, 库存退回, 出价人资金释放
	CancelListing(ctx context.Context, listingID, ownerID string) error
}

// listingService 挂牌服务实现
type listingService struct {
	repo        *repository.Repository
	listingRepo repository.ListingRepository
	bidRepo     repository.BidRepository
	invRepo     repository.InventoryRepository
	balance     BalanceService
	publisher   InventoryEventPublisher
	notifier    Notifier
}

// NewListingService 创建挂牌服务
func NewListingService(
	repo *repository.Repository,
	listingRepo repository.ListingRepository,
	bidRepo repository.BidRepository,
	invRepo repository.InventoryRepository,
	balance BalanceService,
	publisher InventoryEventPublisher,
	notifier Notifier,
) ListingService {
	return &listingService{
		repo:        repo,
		listingRepo: listingRepo,
		bidRepo:     bidRepo,
		invRepo:     invRepo,
		balance:     balance,
		publisher:   publisher,
		notifier:    notifier,
	}
}

// CreateListing 创建挂牌
func (s *listingService) CreateListing(ctx context.Context, req *CreateListingRequest) (*model.Listing, error) {
	if err := validateCreateListing(req); err != nil {
		return nil, err
	}

	inventory, err := s.invRepo.GetByCreditID(ctx, req.CreditID)
	if err != nil {
		return nil, err
	}
	if inventory.OwnerID != req.OwnerID {
		return nil, ErrNotInventoryOwner
	}
	if !inventory.CanList(req.Quantity) {
		return nil, ErrInsufficientCredits
	}

	listing := &model.Listing{
		ListingID:    uuid.NewString(),
		OwnerID:      req.OwnerID,
		CreditID:     req.CreditID,
		Type:         req.Type,
		Status:       model.ListingStatusOpen,
		PricePerUnit: req.PricePerUnit,
		MinimumBid:   req.MinimumBid,
		Quantity:     req.Quantity,
		AuctionEndAt: req.AuctionEndAt,
		Version:      1,
	}

	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		// 库存占用带余量守卫, 并发挂牌不会超卖
		if err := s.invRepo.MoveAvailableToListed(txCtx, req.CreditID, req.Quantity); err != nil {
			if errors.Is(err, repository.ErrInsufficientInventory) {
				return ErrInsufficientCredits
			}
			return err
		}
		return s.listingRepo.Create(txCtx, listing)
	})
	if err != nil {
		return nil, err
	}

	s.broadcastInventory(ctx, req.CreditID)

	logger.Info("listing created",
		zap.String("listing_id", listing.ListingID),
		zap.String("credit_id", listing.CreditID),
		zap.String("owner_id", listing.OwnerID),
		zap.String("type", listing.Type.String()),
		zap.String("quantity", listing.Quantity.String()),
	)
	return listing, nil
}

// GetListingDetail 查询挂牌详情
func (s *listingService) GetListingDetail(ctx context.Context, listingID string) (*ListingDetail, error) {
	listing, err := s.listingRepo.GetByListingID(ctx, listingID)
	if err != nil {
		return nil, err
	}

	detail := &ListingDetail{Listing: listing}
	if !listing.IsAuction() {
		return detail, nil
	}

	bids, err := s.bidRepo.ListByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	detail.Bids = bids

	highest, err := s.bidRepo.GetHighestActive(ctx, listingID)
	if err != nil && !errors.Is(err, repository.ErrBidNotFound) {
		return nil, err
	}
	detail.HighestBid = highest

	return detail, nil
}

// ListByOwner 查询挂牌人的挂牌列表
func (s *listingService) ListByOwner(ctx context.Context, ownerID string, filter *repository.ListingFilter, page *repository.Pagination) ([]*model.Listing, error) {
	return s.listingRepo.ListByOwner(ctx, ownerID, filter, page)
}

// CancelListing 撤牌
func (s *listingService) CancelListing(ctx context.Context, listingID, ownerID string) error {
	listing, err := s.listingRepo.GetByListingID(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.OwnerID != ownerID {
		return ErrNotListingOwner
	}
	if listing.Status != model.ListingStatusOpen {
		return ErrListingNotOpen
	}

	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.listingRepo.UpdateStatus(txCtx, listingID, model.ListingStatusOpen, model.ListingStatusCancelled); err != nil {
			return err
		}
		return s.invRepo.ReturnListedToAvailable(txCtx, listing.CreditID, listing.Quantity)
	})
	if err != nil {
		return err
	}

	if listing.IsAuction() {
		s.refundBidders(ctx, listingID)
	}

	s.broadcastInventory(ctx, listing.CreditID)

	logger.Info("listing cancelled",
		zap.String("listing_id", listingID),
		zap.String("owner_id", ownerID),
	)
	return nil
}

// refundBidders 撤牌后释放所有出价人的预留
// 被超越出价人的锁在超越时已释放, 重复释放是 no-op。
func (s *listingService) refundBidders(ctx context.Context, listingID string) {
	bids, err := s.bidRepo.ListByListing(ctx, listingID)
	if err != nil {
		logger.Error("list bids for refund failed",
			zap.String("listing_id", listingID),
			zap.Error(err))
		return
	}

	for _, bid := range bids {
		if bid.Status != model.BidStatusActive && bid.Status != model.BidStatusOutbid {
			continue
		}
		if err := s.balance.Release(ctx, bid.BidderID, cache.HoldKindAuction, listingID); err != nil {
			logger.Error("release bidder hold on cancel failed",
				zap.String("listing_id", listingID),
				zap.String("bid_id", bid.BidID),
				zap.String("bidder_id", bid.BidderID),
				zap.Error(err))
			metrics.RecordDataIntegrityCritical("ledger", "orphan_hold")
			continue
		}
		if err := s.bidRepo.UpdateStatus(ctx, bid.BidID, bid.Status, model.BidStatusRefunded); err != nil {
			logger.Warn("mark bid refunded failed",
				zap.String("bid_id", bid.BidID),
				zap.Error(err))
		}
		s.notifier.Notify(ctx, bid.BidderID, client.NotifyBidRefunded, map[string]string{
			"listing_id": listingID,
			"bid_id":     bid.BidID,
			"amount":     bid.Amount.String(),
		})
	}
}

// broadcastInventory 发布库存变更事件, 失败只记日志
func (s *listingService) broadcastInventory(ctx context.Context, creditID string) {
	inv, err := s.invRepo.GetByCreditID(ctx, creditID)
	if err != nil {
		logger.Warn("load inventory for broadcast failed",
			zap.String("credit_id", creditID),
			zap.Error(err))
		return
	}
	if err := s.publisher.PublishInventoryUpdate(ctx, inv); err != nil {
		logger.Error("publish inventory update failed",
			zap.String("credit_id", creditID),
			zap.Error(err))
	}
}

// validateCreateListing 校验创建挂牌参数
func validateCreateListing(req *CreateListingRequest) error {
	if req.OwnerID == "" || req.CreditID == "" {
		return ErrInvalidListing
	}
	if !req.Quantity.IsPositive() {
		return ErrInvalidListing
	}

	switch req.Type {
	case model.ListingTypeFixedPrice:
		if !req.PricePerUnit.IsPositive() {
			return ErrInvalidListing
		}
	case model.ListingTypeAuction:
		if !req.MinimumBid.IsPositive() {
			return ErrInvalidListing
		}
		if req.AuctionEndAt <= time.Now().UnixMilli() {
			return ErrInvalidListing
		}
	default:
		return ErrInvalidListing
	}
	return nil
}
