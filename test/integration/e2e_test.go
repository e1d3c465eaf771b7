package integration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotrade-exchange/ecotrade-market/internal/cache"
	"github.com/ecotrade-exchange/ecotrade-market/internal/client"
	"github.com/ecotrade-exchange/ecotrade-market/internal/kafka"
	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
	"github.com/ecotrade-exchange/ecotrade-market/internal/service"
	"github.com/ecotrade-exchange/ecotrade-market/internal/worker"
)

// TestE2E_FixedPriceFlow 一口价完整流程端到端测试
// 测试场景: 批次签发 -> 挂牌 -> 直购 -> 异步成交确认
func TestE2E_FixedPriceFlow(t *testing.T) {
	suite := NewTestSuite(t)
	defer suite.Cleanup()

	seller := "seller-1"
	buyer := "buyer-1"
	creditID := "credit-1"

	suite.wallet.SetBalance(buyer, decimal.NewFromInt(1000))

	// ========== Step 1: 批次签发 ==========
	t.Run("Step1_CreditIssued", func(t *testing.T) {
		payload, err := json.Marshal(&worker.CreditIssuedMessage{
			CreditID:  creditID,
			OwnerID:   seller,
			Quantity:  "100",
			Timestamp: time.Now().UnixMilli(),
		})
		require.NoError(t, err)
		require.NoError(t, suite.DeliverEvent(kafka.TopicCreditIssued, payload))

		inv, err := suite.invRepo.GetByCreditID(suite.ctx, creditID)
		require.NoError(t, err)
		assert.True(t, inv.Available.Equal(decimal.NewFromInt(100)))

		// 重复投递是 no-op
		require.NoError(t, suite.DeliverEvent(kafka.TopicCreditIssued, payload))
	})

	// ========== Step 2: 挂牌 ==========
	var listing *model.Listing
	t.Run("Step2_CreateListing", func(t *testing.T) {
		var err error
		listing, err = suite.listingSvc.CreateListing(suite.ctx, &service.CreateListingRequest{
			OwnerID:      seller,
			CreditID:     creditID,
			Type:         model.ListingTypeFixedPrice,
			Quantity:     decimal.NewFromInt(40),
			PricePerUnit: decimal.NewFromInt(5),
		})
		require.NoError(t, err)
		require.NotNil(t, listing)

		inv, err := suite.invRepo.GetByCreditID(suite.ctx, creditID)
		require.NoError(t, err)
		assert.True(t, inv.Available.Equal(decimal.NewFromInt(60)))
		assert.True(t, inv.Listed.Equal(decimal.NewFromInt(40)))
		assert.True(t, inv.IsConsistent())
	})

	// ========== Step 3: 直购 ==========
	var txn *model.Transaction
	t.Run("Step3_BuyNow", func(t *testing.T) {
		var err error
		txn, err = suite.settlementSvc.BuyNow(suite.ctx, listing.ListingID, buyer)
		require.NoError(t, err)
		require.NotNil(t, txn)
		assert.Equal(t, model.TransactionStatusPending, txn.Status)
		assert.True(t, txn.TotalAmount.Equal(decimal.NewFromInt(200)))

		// 挂牌已售, 库存进入 sold
		got, err := suite.listingRepo.GetByListingID(suite.ctx, listing.ListingID)
		require.NoError(t, err)
		assert.Equal(t, model.ListingStatusSold, got.Status)

		inv, err := suite.invRepo.GetByCreditID(suite.ctx, creditID)
		require.NoError(t, err)
		assert.True(t, inv.Listed.IsZero())
		assert.True(t, inv.SoldQuantity.Equal(decimal.NewFromInt(40)))
		assert.True(t, inv.Total.Equal(decimal.NewFromInt(60)))

		// 账本已永久扣减, 无残留锁
		balance, err := suite.ledger.GetBalance(suite.ctx, buyer)
		require.NoError(t, err)
		assert.True(t, balance.Available.Equal(decimal.NewFromInt(800)))
		assert.True(t, balance.Locked.IsZero())

		// 钱包侧扣款已提交
		assert.Equal(t, []string{txn.TransactionID}, suite.wallet.Payments())
	})

	// ========== Step 4: 异步成交确认 ==========
	t.Run("Step4_TransactionCompleted", func(t *testing.T) {
		payload, err := json.Marshal(&worker.TransactionResultMessage{
			TransactionID: txn.TransactionID,
			Timestamp:     time.Now().UnixMilli(),
		})
		require.NoError(t, err)
		require.NoError(t, suite.DeliverEvent(kafka.TopicTransactionCompleted, payload))

		got, err := suite.txnRepo.GetByTransactionID(suite.ctx, txn.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, model.TransactionStatusCompleted, got.Status)
		assert.Positive(t, got.CompletedAt)

		// 重复确认是 no-op
		require.NoError(t, suite.DeliverEvent(kafka.TopicTransactionCompleted, payload))
	})

	// 买卖双方各收到成交通知
	assert.Equal(t, 1, suite.notifier.Count(client.NotifyPurchaseDone))
	assert.Equal(t, 1, suite.notifier.Count(client.NotifySaleCompleted))
}

// TestE2E_AuctionCloseFlow 拍卖关闭结算端到端测试
// PlaceBid 依赖行锁 (SQLite 方言不支持), 出价数据直接落库,
// 资金预留走真实账本。
func TestE2E_AuctionCloseFlow(t *testing.T) {
	suite := NewTestSuite(t)
	defer suite.Cleanup()

	seller := "seller-1"
	winner := "buyer-1"
	loser := "buyer-2"
	creditID := "credit-1"

	suite.wallet.SetBalance(winner, decimal.NewFromInt(1000))
	suite.wallet.SetBalance(loser, decimal.NewFromInt(500))

	require.NoError(t, suite.invRepo.Create(suite.ctx, &model.CreditInventory{
		CreditID:  creditID,
		OwnerID:   seller,
		Total:     decimal.NewFromInt(50),
		Available: decimal.NewFromInt(50),
		Version:   1,
	}))

	listing, err := suite.listingSvc.CreateListing(suite.ctx, &service.CreateListingRequest{
		OwnerID:      seller,
		CreditID:     creditID,
		Type:         model.ListingTypeAuction,
		Quantity:     decimal.NewFromInt(50),
		MinimumBid:   decimal.NewFromInt(100),
		AuctionEndAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	// 种两笔出价: loser 150 已被超越, winner 200 当前最高
	seedBid := func(bidderID string, amount int64, status model.BidStatus) *model.AuctionBid {
		bid := &model.AuctionBid{
			BidID:     uuid.NewString(),
			ListingID: listing.ListingID,
			BidderID:  bidderID,
			Amount:    decimal.NewFromInt(amount),
			Status:    status,
			BidAt:     time.Now().UnixMilli(),
		}
		require.NoError(t, suite.bidRepo.Create(suite.ctx, bid))
		return bid
	}
	loserBid := seedBid(loser, 150, model.BidStatusOutbid)
	winnerBid := seedBid(winner, 200, model.BidStatusActive)

	require.NoError(t, suite.balanceSvc.Reserve(
		suite.ctx, loser, cache.HoldKindAuction, listing.ListingID, decimal.NewFromInt(150)))
	require.NoError(t, suite.balanceSvc.Reserve(
		suite.ctx, winner, cache.HoldKindAuction, listing.ListingID, decimal.NewFromInt(200)))

	// 关闭拍卖
	require.NoError(t, suite.biddingSvc.CloseAuction(suite.ctx, listing.ListingID))

	// 挂牌进入 Sold, 中标出价 Won
	got, err := suite.listingRepo.GetByListingID(suite.ctx, listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusSold, got.Status)

	wonBid, err := suite.bidRepo.GetByBidID(suite.ctx, winnerBid.BidID)
	require.NoError(t, err)
	assert.Equal(t, model.BidStatusWon, wonBid.Status)

	// 成交记录已创建, 单价 = 200 / 50
	txn, err := suite.txnRepo.GetByListingID(suite.ctx, listing.ListingID)
	require.NoError(t, err)
	assert.Equal(t, winner, txn.BuyerID)
	assert.True(t, txn.UnitPrice.Equal(decimal.NewFromInt(4)))
	assert.True(t, txn.TotalAmount.Equal(decimal.NewFromInt(200)))

	// 中标方资金已永久扣减, 落选方全额退回
	winnerBalance, err := suite.ledger.GetBalance(suite.ctx, winner)
	require.NoError(t, err)
	assert.True(t, winnerBalance.Available.Equal(decimal.NewFromInt(800)))
	assert.True(t, winnerBalance.Locked.IsZero())

	loserBalance, err := suite.ledger.GetBalance(suite.ctx, loser)
	require.NoError(t, err)
	assert.True(t, loserBalance.Available.Equal(decimal.NewFromInt(500)))
	assert.True(t, loserBalance.Locked.IsZero())

	// 库存守恒: 50 已售出
	inv, err := suite.invRepo.GetByCreditID(suite.ctx, creditID)
	require.NoError(t, err)
	assert.True(t, inv.SoldQuantity.Equal(decimal.NewFromInt(50)))
	assert.True(t, inv.Total.IsZero())

	lostBid, err := suite.bidRepo.GetByBidID(suite.ctx, loserBid.BidID)
	require.NoError(t, err)
	assert.Equal(t, model.BidStatusLost, lostBid.Status)

	// 幂等: 再次关闭是 no-op
	require.NoError(t, suite.biddingSvc.CloseAuction(suite.ctx, listing.ListingID))

	assert.Equal(t, 1, suite.notifier.Count(client.NotifyAuctionWon))
}

// TestE2E_BalanceResync 钱包对账指令覆盖账本可用余额
func TestE2E_BalanceResync(t *testing.T) {
	suite := NewTestSuite(t)
	defer suite.Cleanup()

	user := "user-1"
	suite.wallet.SetBalance(user, decimal.NewFromInt(300))
	require.NoError(t, suite.balanceSvc.WarmUp(suite.ctx, user))

	payload, err := json.Marshal(&worker.BalanceUpdateCommandMessage{
		UserID:    user,
		Available: "750",
		Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, suite.DeliverEvent(kafka.TopicBalanceUpdateCommand, payload))

	available, err := suite.balanceSvc.GetAvailable(suite.ctx, user)
	require.NoError(t, err)
	assert.True(t, available.Equal(decimal.NewFromInt(750)))
}
