package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
)

func newTestBid(bidID, listingID, bidderID string, amount float64, status model.BidStatus) *model.AuctionBid {
	return &model.AuctionBid{
		BidID:     bidID,
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    decimal.NewFromFloat(amount),
		Status:    status,
		BidAt:     time.Now().UnixMilli(),
	}
}

func TestBidRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBidRepository(db)
	ctx := context.Background()

	bid := newTestBid("bid-1", "listing-1", "buyer-1", 1200, model.BidStatusActive)
	require.NoError(t, repo.Create(ctx, bid))

	got, err := repo.GetByBidID(ctx, "bid-1")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.BidderID)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(1200)))
}

func TestBidRepository_GetHighestActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBidRepository(db)
	ctx := context.Background()

	// 没有出价
	_, err := repo.GetHighestActive(ctx, "listing-1")
	assert.ErrorIs(t, err, ErrBidNotFound)

	require.NoError(t, repo.Create(ctx, newTestBid("bid-1", "listing-1", "buyer-1", 1000, model.BidStatusOutbid)))
	require.NoError(t, repo.Create(ctx, newTestBid("bid-2", "listing-1", "buyer-2", 1500, model.BidStatusActive)))
	require.NoError(t, repo.Create(ctx, newTestBid("bid-3", "listing-2", "buyer-3", 9000, model.BidStatusActive)))

	got, err := repo.GetHighestActive(ctx, "listing-1")
	require.NoError(t, err)
	assert.Equal(t, "bid-2", got.BidID)
}

func TestBidRepository_UpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBidRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestBid("bid-1", "listing-1", "buyer-1", 1000, model.BidStatusActive)))

	err := repo.UpdateStatus(ctx, "bid-1", model.BidStatusActive, model.BidStatusOutbid)
	require.NoError(t, err)

	// 旧状态不匹配
	err = repo.UpdateStatus(ctx, "bid-1", model.BidStatusActive, model.BidStatusWon)
	assert.ErrorIs(t, err, ErrOptimisticLock)
}

func TestBidRepository_MarkLosers(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBidRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestBid("bid-1", "listing-1", "buyer-1", 1000, model.BidStatusOutbid)))
	require.NoError(t, repo.Create(ctx, newTestBid("bid-2", "listing-1", "buyer-2", 1200, model.BidStatusOutbid)))
	require.NoError(t, repo.Create(ctx, newTestBid("bid-3", "listing-1", "buyer-3", 1500, model.BidStatusWon)))
	// 其他挂牌的出价不受影响
	require.NoError(t, repo.Create(ctx, newTestBid("bid-4", "listing-2", "buyer-4", 800, model.BidStatusOutbid)))

	losers, err := repo.MarkLosers(ctx, "listing-1", "bid-3")
	require.NoError(t, err)
	assert.Len(t, losers, 2)

	for _, bidID := range []string{"bid-1", "bid-2"} {
		got, err := repo.GetByBidID(ctx, bidID)
		require.NoError(t, err)
		assert.Equal(t, model.BidStatusLost, got.Status)
	}

	winner, err := repo.GetByBidID(ctx, "bid-3")
	require.NoError(t, err)
	assert.Equal(t, model.BidStatusWon, winner.Status)

	other, err := repo.GetByBidID(ctx, "bid-4")
	require.NoError(t, err)
	assert.Equal(t, model.BidStatusOutbid, other.Status)

	// 没有败者时返回空
	losers, err = repo.MarkLosers(ctx, "listing-1", "bid-3")
	require.NoError(t, err)
	assert.Empty(t, losers)
}
