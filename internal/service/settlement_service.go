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
	ErrNotFixedPrice = errors.New("listing is not fixed price")
)

// SettlementService 结算服务接口
// 一次结算 = 成交记录 + 库存出库 + 挂牌终态, 三者在同一数据库事务里。
// listing_id 上的唯一索引保证同一挂牌至多结算一次。
type SettlementService interface {
	// SettleAuctionSale 结算拍卖成交 (幂等, 重复调用返回 nil)
	SettleAuctionSale(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error

	// BuyNow 一口价直购: 资金预留、结算落库、预留提交一次完成
	BuyNow(ctx context.Context, listingID, buyerID string) (*model.Transaction, error)

	// ConfirmTransaction 异步确认成交 (transaction.completed 消费者调用)
	ConfirmTransaction(ctx context.Context, transactionID string, completedAt int64) error

	// FailTransaction 异步标记成交失败 (transaction.failed 消费者调用)
	FailTransaction(ctx context.Context, transactionID, reason string) error
}

// WalletSettlementClient 钱包结算接口
type WalletSettlementClient interface {
	CommitPayment(ctx context.Context, userID string, amount decimal.Decimal, referenceID string) (bool, error)
	CreditSeller(ctx context.Context, userID string, amount decimal.Decimal, referenceID string) (bool, error)
}

// InventoryEventPublisher 库存变更事件发布接口
type InventoryEventPublisher interface {
	PublishInventoryUpdate(ctx context.Context, inventory *model.CreditInventory) error
}

// settlementService 结算服务实现
type settlementService struct {
	repo        *repository.Repository
	listingRepo repository.ListingRepository
	txnRepo     repository.TransactionRepository
	invRepo     repository.InventoryRepository
	balance     BalanceService
	wallet      WalletSettlementClient
	publisher   InventoryEventPublisher
	notifier    Notifier
}

// NewSettlementService 创建结算服务
func NewSettlementService(
	repo *repository.Repository,
	listingRepo repository.ListingRepository,
	txnRepo repository.TransactionRepository,
	invRepo repository.InventoryRepository,
	balance BalanceService,
	wallet WalletSettlementClient,
	publisher InventoryEventPublisher,
	notifier Notifier,
) SettlementService {
	return &settlementService{
		repo:        repo,
		listingRepo: listingRepo,
		txnRepo:     txnRepo,
		invRepo:     invRepo,
		balance:     balance,
		wallet:      wallet,
		publisher:   publisher,
		notifier:    notifier,
	}
}

// SettleAuctionSale 结算拍卖成交
func (s *settlementService) SettleAuctionSale(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error {
	// 幂等检查: 已有成交记录说明这次调用是重复触发
	if existing, err := s.txnRepo.GetByListingID(ctx, listing.ListingID); err == nil {
		logger.Info("auction sale already settled",
			zap.String("listing_id", listing.ListingID),
			zap.String("transaction_id", existing.TransactionID))
		metrics.RecordSettlement("auction", "duplicate")
		return nil
	} else if !errors.Is(err, repository.ErrTransactionNotFound) {
		return err
	}

	// 拍卖出价是总价, 单价回算
	unitPrice := winningBid.Amount
	if listing.Quantity.IsPositive() {
		unitPrice = winningBid.Amount.Div(listing.Quantity)
	}

	txn := &model.Transaction{
		TransactionID: uuid.NewString(),
		ListingID:     listing.ListingID,
		CreditID:      listing.CreditID,
		BuyerID:       winningBid.BidderID,
		SellerID:      listing.OwnerID,
		Quantity:      listing.Quantity,
		UnitPrice:     unitPrice,
		TotalAmount:   winningBid.Amount,
		Status:        model.TransactionStatusPending,
	}

	err := s.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.txnRepo.Create(txCtx, txn); err != nil {
			return err
		}
		if err := s.invRepo.CommitSale(txCtx, listing.CreditID, listing.Quantity); err != nil {
			return err
		}
		return s.listingRepo.UpdateStatus(txCtx, listing.ListingID, model.ListingStatusClosed, model.ListingStatusSold)
	})
	if err != nil {
		if errors.Is(err, repository.ErrTransactionAlreadyExists) {
			// 并发结算撞上唯一索引, 另一方已经成功
			metrics.RecordSettlement("auction", "duplicate")
			return nil
		}
		metrics.RecordSettlement("auction", "failed")
		return err
	}

	s.finalizeFunds(ctx, txn, cache.HoldKindAuction)

	metrics.RecordSettlement("auction", "success")
	volume, _ := txn.TotalAmount.Float64()
	metrics.RecordSettlementVolume(volume)

	logger.Info("auction sale settled",
		zap.String("listing_id", listing.ListingID),
		zap.String("transaction_id", txn.TransactionID),
		zap.String("buyer_id", txn.BuyerID),
		zap.String("total_amount", txn.TotalAmount.String()),
	)
	return nil
}

// BuyNow 一口价直购
func (s *settlementService) BuyNow(ctx context.Context, listingID, buyerID string) (*model.Transaction, error) {
	listing, err := s.listingRepo.GetByListingID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != model.ListingTypeFixedPrice {
		return nil, ErrNotFixedPrice
	}
	if listing.Status != model.ListingStatusOpen {
		return nil, ErrListingNotOpen
	}
	if listing.OwnerID == buyerID {
		return nil, ErrOwnListing
	}

	total := listing.TotalPrice()

	// 先锁资金, 再抢挂牌
	if err := s.balance.Reserve(ctx, buyerID, cache.HoldKindPurchase, listingID, total); err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		TransactionID: uuid.NewString(),
		ListingID:     listingID,
		CreditID:      listing.CreditID,
		BuyerID:       buyerID,
		SellerID:      listing.OwnerID,
		Quantity:      listing.Quantity,
		UnitPrice:     listing.PricePerUnit,
		TotalAmount:   total,
		Status:        model.TransactionStatusPending,
	}

	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		// 状态迁移当闸门: 两个买家抢同一挂牌只有一个成功
		if err := s.listingRepo.UpdateStatus(txCtx, listingID, model.ListingStatusOpen, model.ListingStatusSold); err != nil {
			return err
		}
		if err := s.txnRepo.Create(txCtx, txn); err != nil {
			return err
		}
		return s.invRepo.CommitSale(txCtx, listing.CreditID, listing.Quantity)
	})
	if err != nil {
		// 没抢到或落库失败: 退回预留
		if relErr := s.balance.Release(ctx, buyerID, cache.HoldKindPurchase, listingID); relErr != nil {
			logger.Error("release after failed buy-now failed",
				zap.String("listing_id", listingID),
				zap.String("buyer_id", buyerID),
				zap.Error(relErr))
			metrics.RecordDataIntegrityCritical("ledger", "orphan_hold")
		}
		metrics.RecordSettlement("buy_now", "failed")
		return nil, err
	}

	s.finalizeFunds(ctx, txn, cache.HoldKindPurchase)

	metrics.RecordSettlement("buy_now", "success")
	volume, _ := total.Float64()
	metrics.RecordSettlementVolume(volume)

	logger.Info("buy-now settled",
		zap.String("listing_id", listingID),
		zap.String("transaction_id", txn.TransactionID),
		zap.String("buyer_id", buyerID),
		zap.String("total_amount", total.String()),
	)
	return txn, nil
}

// ConfirmTransaction 异步确认成交
func (s *settlementService) ConfirmTransaction(ctx context.Context, transactionID string, completedAt int64) error {
	if completedAt <= 0 {
		completedAt = time.Now().UnixMilli()
	}

	err := s.txnRepo.MarkCompleted(ctx, transactionID, completedAt)
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			// 已是终态, 确认消息重复投递
			logger.Info("transaction already in terminal state",
				zap.String("transaction_id", transactionID))
			return nil
		}
		return err
	}

	logger.Info("transaction confirmed",
		zap.String("transaction_id", transactionID),
		zap.Int64("completed_at", completedAt),
	)
	return nil
}

// FailTransaction 异步标记成交失败
// 资金侧的差异不在这里补偿, 走人工对账
func (s *settlementService) FailTransaction(ctx context.Context, transactionID, reason string) error {
	err := s.txnRepo.MarkFailed(ctx, transactionID, reason)
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			logger.Info("transaction already in terminal state",
				zap.String("transaction_id", transactionID))
			return nil
		}
		return err
	}

	txn, err := s.txnRepo.GetByTransactionID(ctx, transactionID)
	if err == nil {
		s.notifier.Notify(ctx, txn.BuyerID, client.NotifyPurchaseFailed, map[string]string{
			"transaction_id": transactionID,
			"reason":         reason,
		})
		s.notifier.Notify(ctx, txn.SellerID, client.NotifySaleFailed, map[string]string{
			"transaction_id": transactionID,
			"reason":         reason,
		})
	}

	logger.Warn("transaction marked failed",
		zap.String("transaction_id", transactionID),
		zap.String("reason", reason),
	)
	return nil
}

// finalizeFunds 结算后的资金收尾
// 账本提交和钱包划转都不回滚已落库的成交: 钱包侧失败由
// transaction.failed 消费者把成交标记为失败, 这里不做自动补偿。
func (s *settlementService) finalizeFunds(ctx context.Context, txn *model.Transaction, kind cache.HoldKind) {
	if _, err := s.balance.Commit(ctx, txn.BuyerID, kind, txn.ListingID); err != nil {
		logger.Error("ledger commit failed after settlement",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("buyer_id", txn.BuyerID),
			zap.Error(err))
		metrics.RecordDataIntegrityCritical("ledger", "commit_failed")
	}

	if ok, err := s.wallet.CommitPayment(ctx, txn.BuyerID, txn.TotalAmount, txn.TransactionID); err != nil || !ok {
		logger.Error("wallet payment commit failed",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("buyer_id", txn.BuyerID),
			zap.Bool("accepted", ok),
			zap.Error(err))
	}

	if ok, err := s.wallet.CreditSeller(ctx, txn.SellerID, txn.TotalAmount, txn.TransactionID); err != nil || !ok {
		logger.Error("wallet seller credit failed",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("seller_id", txn.SellerID),
			zap.Bool("accepted", ok),
			zap.Error(err))
	}

	// 库存变更广播尽力而为
	if inv, err := s.invRepo.GetByCreditID(ctx, txn.CreditID); err == nil {
		if err := s.publisher.PublishInventoryUpdate(ctx, inv); err != nil {
			logger.Error("publish inventory update failed",
				zap.String("credit_id", txn.CreditID),
				zap.Error(err))
		}
	}

	s.notifier.Notify(ctx, txn.BuyerID, client.NotifyPurchaseDone, map[string]string{
		"transaction_id": txn.TransactionID,
		"listing_id":     txn.ListingID,
	})
	s.notifier.Notify(ctx, txn.SellerID, client.NotifySaleCompleted, map[string]string{
		"transaction_id": txn.TransactionID,
		"listing_id":     txn.ListingID,
	})
}
