package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// NoopPublisher Kafka 未启用时的空实现
// 只记日志, 不投递。用于本地开发和单实例部署。
type NoopPublisher struct{}

// NewNoopPublisher 创建空发布者
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) PublishAuctionCompleted(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error {
	logger.Debug("event publishing disabled, dropping auction_completed",
		zap.String("listing_id", listing.ListingID))
	return nil
}

func (p *NoopPublisher) PublishAuctionCompletedWithoutBids(ctx context.Context, listing *model.Listing) error {
	logger.Debug("event publishing disabled, dropping auction_completed_without_bids",
		zap.String("listing_id", listing.ListingID))
	return nil
}

func (p *NoopPublisher) PublishInventoryUpdate(ctx context.Context, inventory *model.CreditInventory) error {
	logger.Debug("event publishing disabled, dropping inventory update",
		zap.String("credit_id", inventory.CreditID))
	return nil
}
