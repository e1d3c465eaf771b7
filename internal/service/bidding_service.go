package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	ErrNotAuction     = errors.New("listing is not an auction")
	ErrListingNotOpen = errors.New("listing is not open")
	ErrAuctionEnded   = errors.New("auction has ended")
	ErrBidTooLow      = errors.New("bid amount too low")
	ErrOwnListing     = errors.New("cannot bid on own listing")
)

// PlaceBidRequest 出价请求
type PlaceBidRequest struct {
	ListingID string
	BidderID  string
	Amount    decimal.Decimal
}

// BiddingService 竞拍服务接口
type BiddingService interface {
	// PlaceBid 出价
	// 校验顺序: 挂牌状态 → 截止时间 → 金额 → 资金预留 → 落库。
	// 新出价必须严格大于当前最高价 (相等也拒绝)。
	PlaceBid(ctx context.Context, req *PlaceBidRequest) (*model.AuctionBid, error)

	// CloseAuction 关闭到期拍卖
	// 幂等: 已关闭的挂牌直接返回 nil。并发关闭由状态迁移的
	// 乐观锁保证只有一个执行方真正处理。
	CloseAuction(ctx context.Context, listingID string) error
}

// AuctionSettler 拍卖结算入口 (由结算服务实现)
type AuctionSettler interface {
	SettleAuctionSale(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error
}

// AuctionEventPublisher 拍卖集成事件发布接口
type AuctionEventPublisher interface {
	PublishAuctionCompleted(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error
	PublishAuctionCompletedWithoutBids(ctx context.Context, listing *model.Listing) error
}

// Notifier 用户通知接口 (fire-and-forget)
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]string)
}

// biddingService 竞拍服务实现
type biddingService struct {
	repo        *repository.Repository
	listingRepo repository.ListingRepository
	bidRepo     repository.BidRepository
	invRepo     repository.InventoryRepository
	balance     BalanceService
	publisher   AuctionEventPublisher
	settler     AuctionSettler
	notifier    Notifier
}

// NewBiddingService 创建竞拍服务
func NewBiddingService(
	repo *repository.Repository,
	listingRepo repository.ListingRepository,
	bidRepo repository.BidRepository,
	invRepo repository.InventoryRepository,
	balance BalanceService,
	publisher AuctionEventPublisher,
	settler AuctionSettler,
	notifier Notifier,
) BiddingService {
	return &biddingService{
		repo:        repo,
		listingRepo: listingRepo,
		bidRepo:     bidRepo,
		invRepo:     invRepo,
		balance:     balance,
		publisher:   publisher,
		settler:     settler,
		notifier:    notifier,
	}
}

// PlaceBid 出价
func (s *biddingService) PlaceBid(ctx context.Context, req *PlaceBidRequest) (*model.AuctionBid, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		metrics.RecordBid("rejected_amount")
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	defer func() {
		metrics.BidLatency.Observe(time.Since(start).Seconds())
	}()

	var bid *model.AuctionBid
	var outbid *model.AuctionBid
	var listing *model.Listing

	// 同一挂牌的出价用行锁串行化, 最高价校验和落库在同一事务里
	err := s.repo.Transaction(ctx, func(txCtx context.Context) error {
		var err error
		listing, err = s.listingRepo.GetByListingIDForUpdate(txCtx, req.ListingID)
		if err != nil {
			return err
		}

		if !listing.IsAuction() {
			return ErrNotAuction
		}
		if listing.Status != model.ListingStatusOpen {
			return ErrListingNotOpen
		}
		if listing.AuctionEnded(time.Now().UnixMilli()) {
			return ErrAuctionEnded
		}
		if listing.OwnerID == req.BidderID {
			return ErrOwnListing
		}

		highest, err := s.bidRepo.GetHighestActive(txCtx, req.ListingID)
		if err != nil && !errors.Is(err, repository.ErrBidNotFound) {
			return err
		}

		if highest == nil {
			if req.Amount.LessThan(listing.MinimumBid) {
				return ErrBidTooLow
			}
		} else if req.Amount.LessThanOrEqual(highest.Amount) {
			// 相等的出价也拒绝, 先到者保住最高位
			return ErrBidTooLow
		}

		// 资金预留: 同一出价人加价时按差额替换旧锁
		if err := s.balance.Reserve(ctx, req.BidderID, cache.HoldKindAuction, req.ListingID, req.Amount); err != nil {
			return err
		}

		bid = &model.AuctionBid{
			BidID:     uuid.NewString(),
			ListingID: req.ListingID,
			BidderID:  req.BidderID,
			Amount:    req.Amount,
			Status:    model.BidStatusActive,
			BidAt:     time.Now().UnixMilli(),
		}
		if err := s.bidRepo.Create(txCtx, bid); err != nil {
			// 落库失败要把刚预留的资金退回去
			s.rollbackBidHold(ctx, req, highest)
			return err
		}

		if highest != nil {
			if err := s.bidRepo.UpdateStatus(txCtx, highest.BidID, model.BidStatusActive, model.BidStatusOutbid); err != nil {
				// 事务会回滚出价行, 预留同样要退回
				s.rollbackBidHold(ctx, req, highest)
				return err
			}
			outbid = highest
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			metrics.RecordBid("rejected_funds")
		case errors.Is(err, ErrBidTooLow), errors.Is(err, ErrInvalidAmount):
			metrics.RecordBid("rejected_amount")
		default:
			metrics.RecordBid("rejected_status")
		}
		return nil, err
	}

	metrics.RecordBid("accepted")

	// 挂牌方收到新出价通知
	s.notifier.Notify(ctx, listing.OwnerID, client.NotifyBidPlaced, map[string]string{
		"listing_id": req.ListingID,
		"bidder_id":  req.BidderID,
		"amount":     req.Amount.String(),
		"bid_at":     strconv.FormatInt(bid.BidAt, 10),
	})

	// 被超越的出价人: 退回预留并通知。自我加价时锁已按差额替换, 不再释放。
	if outbid != nil && outbid.BidderID != req.BidderID {
		if err := s.balance.Release(ctx, outbid.BidderID, cache.HoldKindAuction, req.ListingID); err != nil {
			logger.Error("release outbid hold failed",
				zap.String("listing_id", req.ListingID),
				zap.String("bidder_id", outbid.BidderID),
				zap.Error(err))
		}
		s.notifier.Notify(ctx, outbid.BidderID, client.NotifyOutbid, map[string]string{
			"listing_id": req.ListingID,
			"new_amount": req.Amount.String(),
		})
	}

	logger.Info("bid placed",
		zap.String("listing_id", req.ListingID),
		zap.String("bid_id", bid.BidID),
		zap.String("bidder_id", req.BidderID),
		zap.String("amount", req.Amount.String()),
	)
	return bid, nil
}

// rollbackBidHold 出价事务失败后撤销刚做的资金预留。
// 自我加价时旧出价仍然有效, 把锁恢复到旧金额而不是全额释放。
func (s *biddingService) rollbackBidHold(ctx context.Context, req *PlaceBidRequest, prev *model.AuctionBid) {
	var err error
	if prev != nil && prev.BidderID == req.BidderID {
		err = s.balance.Reserve(ctx, req.BidderID, cache.HoldKindAuction, req.ListingID, prev.Amount)
	} else {
		err = s.balance.Release(ctx, req.BidderID, cache.HoldKindAuction, req.ListingID)
	}
	if err != nil {
		logger.Error("rollback bid hold failed",
			zap.String("listing_id", req.ListingID),
			zap.String("bidder_id", req.BidderID),
			zap.Error(err))
		metrics.RecordDataIntegrityCritical("ledger", "orphan_hold")
	}
}

// CloseAuction 关闭到期拍卖
func (s *biddingService) CloseAuction(ctx context.Context, listingID string) error {
	listing, err := s.listingRepo.GetByListingID(ctx, listingID)
	if err != nil {
		return err
	}

	if !listing.IsAuction() {
		return ErrNotAuction
	}
	if listing.Status != model.ListingStatusOpen {
		// 已经被其他执行方关闭
		return nil
	}

	// 状态迁移当闸门: 并发关闭只有一个会成功
	if err := s.listingRepo.UpdateStatus(ctx, listingID, model.ListingStatusOpen, model.ListingStatusClosed); err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	listing.Status = model.ListingStatusClosed

	highest, err := s.bidRepo.GetHighestActive(ctx, listingID)
	if err != nil {
		if errors.Is(err, repository.ErrBidNotFound) {
			return s.closeWithoutBids(ctx, listing)
		}
		metrics.RecordAuctionClosed("error")
		return err
	}

	return s.closeWithWinner(ctx, listing, highest)
}

// closeWithWinner 有中标者的关闭流程
func (s *biddingService) closeWithWinner(ctx context.Context, listing *model.Listing, winner *model.AuctionBid) error {
	if err := s.bidRepo.UpdateStatus(ctx, winner.BidID, model.BidStatusActive, model.BidStatusWon); err != nil {
		metrics.RecordAuctionClosed("error")
		return fmt.Errorf("mark winning bid: %w", err)
	}

	// 失败出价在被超越时已释放资金, 这里兜底再释放一次 (幂等)
	losers, err := s.bidRepo.MarkLosers(ctx, listing.ListingID, winner.BidID)
	if err != nil {
		logger.Error("mark losing bids failed",
			zap.String("listing_id", listing.ListingID),
			zap.Error(err))
	}
	for _, loser := range losers {
		if err := s.balance.Release(ctx, loser.BidderID, cache.HoldKindAuction, listing.ListingID); err != nil {
			logger.Error("release losing bid hold failed",
				zap.String("listing_id", listing.ListingID),
				zap.String("bidder_id", loser.BidderID),
				zap.Error(err))
		}
		s.notifier.Notify(ctx, loser.BidderID, client.NotifyBidRefunded, map[string]string{
			"listing_id": listing.ListingID,
		})
	}

	// 集成事件尽力而为: 发布失败不回滚已关闭的拍卖
	if err := s.publisher.PublishAuctionCompleted(ctx, listing, winner); err != nil {
		logger.Error("publish auction completed failed",
			zap.String("listing_id", listing.ListingID),
			zap.Error(err))
	}

	s.notifier.Notify(ctx, winner.BidderID, client.NotifyAuctionWon, map[string]string{
		"listing_id": listing.ListingID,
		"amount":     winner.Amount.String(),
	})

	metrics.RecordAuctionClosed("won")
	logger.Info("auction closed with winner",
		zap.String("listing_id", listing.ListingID),
		zap.String("winner_id", winner.BidderID),
		zap.String("amount", winner.Amount.String()),
	)

	// 结算: 幂等, 失败由消费侧重试兜底
	if err := s.settler.SettleAuctionSale(ctx, listing, winner); err != nil {
		logger.Error("settle auction sale failed",
			zap.String("listing_id", listing.ListingID),
			zap.Error(err))
		return err
	}
	return nil
}

// closeWithoutBids 流拍的关闭流程
func (s *biddingService) closeWithoutBids(ctx context.Context, listing *model.Listing) error {
	// 挂牌占用的库存退回可用
	if err := s.invRepo.ReturnListedToAvailable(ctx, listing.CreditID, listing.Quantity); err != nil {
		logger.Error("return inventory after no-bid close failed",
			zap.String("listing_id", listing.ListingID),
			zap.String("credit_id", listing.CreditID),
			zap.Error(err))
		metrics.RecordDataIntegrityCritical("inventory", "return_failed")
	}

	// 挂牌停留在 Closed 终态, 流拍不再迁移状态
	if err := s.publisher.PublishAuctionCompletedWithoutBids(ctx, listing); err != nil {
		logger.Error("publish auction without bids failed",
			zap.String("listing_id", listing.ListingID),
			zap.Error(err))
	}

	s.notifier.Notify(ctx, listing.OwnerID, client.NotifyAuctionNoBids, map[string]string{
		"listing_id": listing.ListingID,
	})

	metrics.RecordAuctionClosed("no_bids")
	logger.Info("auction closed without bids",
		zap.String("listing_id", listing.ListingID),
	)
	return nil
}
