// Package publisher 提供 Kafka 消息发布功能
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/kafka"
	"github.com/ecotrade-exchange/ecotrade-market/internal/metrics"
	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// KafkaProducer Kafka 生产者接口
type KafkaProducer interface {
	SendWithContext(ctx context.Context, topic string, key, value []byte) error
}

// EventPublisher 集成事件发布者
// 每条事件带唯一 message_id 和发布时间戳; 下游按 message_id 去重,
// 投递语义是至少一次。
type EventPublisher struct {
	producer KafkaProducer
}

// NewEventPublisher 创建集成事件发布者
func NewEventPublisher(producer KafkaProducer) *EventPublisher {
	return &EventPublisher{
		producer: producer,
	}
}

// Envelope 集成事件信封
type Envelope struct {
	MessageID   string          `json:"message_id"`
	PublishedAt int64           `json:"published_at"` // 毫秒
	Payload     json.RawMessage `json:"payload"`
}

// AuctionCompletedMessage 拍卖有中标者结束
type AuctionCompletedMessage struct {
	ListingID     string `json:"listing_id"`
	CreditID      string `json:"credit_id"`
	SellerID      string `json:"seller_id"`
	WinnerID      string `json:"winner_id"`
	WinningBidID  string `json:"winning_bid_id"`
	WinningAmount string `json:"winning_amount"`
	Quantity      string `json:"quantity"`
	ClosedAt      int64  `json:"closed_at"`
}

// AuctionWithoutBidsMessage 流拍
type AuctionWithoutBidsMessage struct {
	ListingID string `json:"listing_id"`
	CreditID  string `json:"credit_id"`
	SellerID  string `json:"seller_id"`
	ClosedAt  int64  `json:"closed_at"`
}

// InventoryUpdateMessage 库存变更广播
type InventoryUpdateMessage struct {
	CreditID     string `json:"credit_id"`
	OwnerID      string `json:"owner_id"`
	Total        string `json:"total"`
	Available    string `json:"available"`
	Listed       string `json:"listed"`
	SoldQuantity string `json:"sold_quantity"`
	Version      int64  `json:"version"`
}

// PublishAuctionCompleted 发布拍卖中标事件
// 分区键为 listing_id, 保证同一挂牌的事件顺序。
func (p *EventPublisher) PublishAuctionCompleted(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error {
	msg := &AuctionCompletedMessage{
		ListingID:     listing.ListingID,
		CreditID:      listing.CreditID,
		SellerID:      listing.OwnerID,
		WinnerID:      winningBid.BidderID,
		WinningBidID:  winningBid.BidID,
		WinningAmount: winningBid.Amount.String(),
		Quantity:      listing.Quantity.String(),
		ClosedAt:      time.Now().UnixMilli(),
	}
	return p.publish(ctx, kafka.TopicAuctionCompleted, listing.ListingID, msg)
}

// PublishAuctionCompletedWithoutBids 发布流拍事件
func (p *EventPublisher) PublishAuctionCompletedWithoutBids(ctx context.Context, listing *model.Listing) error {
	msg := &AuctionWithoutBidsMessage{
		ListingID: listing.ListingID,
		CreditID:  listing.CreditID,
		SellerID:  listing.OwnerID,
		ClosedAt:  time.Now().UnixMilli(),
	}
	return p.publish(ctx, kafka.TopicAuctionCompletedWithoutBids, listing.ListingID, msg)
}

// PublishInventoryUpdate 发布库存变更事件
// 分区键为 credit_id。
func (p *EventPublisher) PublishInventoryUpdate(ctx context.Context, inventory *model.CreditInventory) error {
	msg := &InventoryUpdateMessage{
		CreditID:     inventory.CreditID,
		OwnerID:      inventory.OwnerID,
		Total:        inventory.Total.String(),
		Available:    inventory.Available.String(),
		Listed:       inventory.Listed.String(),
		SoldQuantity: inventory.SoldQuantity.String(),
		Version:      inventory.Version,
	}
	return p.publish(ctx, kafka.TopicInventoryUpdate, inventory.CreditID, msg)
}

// publish 封装信封并发送
func (p *EventPublisher) publish(ctx context.Context, topic, key string, payload interface{}) error {
	if p.producer == nil {
		return nil // Kafka 未启用
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	envelope := &Envelope{
		MessageID:   uuid.NewString(),
		PublishedAt: time.Now().UnixMilli(),
		Payload:     raw,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	if err := p.producer.SendWithContext(ctx, topic, []byte(key), data); err != nil {
		logger.Error("publish integration event failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.String("message_id", envelope.MessageID),
			zap.Error(err))
		metrics.RecordIntegrationEvent(topic, "failed")
		return fmt.Errorf("send integration event: %w", err)
	}

	logger.Debug("integration event published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("message_id", envelope.MessageID))
	metrics.RecordIntegrationEvent(topic, "published")

	return nil
}
