package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/kafka"
	"github.com/ecotrade-exchange/ecotrade-market/internal/metrics"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// EventHandler 事件处理器接口
type EventHandler interface {
	// HandleEvent 处理事件
	HandleEvent(ctx context.Context, eventType string, payload []byte) error
}

// EventProcessor 事件处理器
// 负责消费 Kafka 消息并分发到对应的处理器
type EventProcessor struct {
	handlers map[string]EventHandler
}

// NewEventProcessor 创建事件处理器
func NewEventProcessor() *EventProcessor {
	return &EventProcessor{
		handlers: make(map[string]EventHandler),
	}
}

// RegisterHandler 注册事件处理器
func (p *EventProcessor) RegisterHandler(topic string, handler EventHandler) {
	p.handlers[topic] = handler
}

// Handlers 返回所有注册的处理器
func (p *EventProcessor) Handlers() map[string]EventHandler {
	return p.handlers
}

// Handle 实现 kafka.Handler 接口
// 处理失败返回错误, 由消费组负责不提交 offset 并重试
func (p *EventProcessor) Handle(ctx context.Context, msg *kafka.Message) error {
	handler, ok := p.handlers[msg.Topic]
	if !ok {
		logger.Warn("no handler for topic", zap.String("topic", msg.Topic))
		return nil
	}

	logger.Debug("processing event",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	// 记录消息延迟 (Consumer Lag)
	lag := time.Since(time.UnixMilli(msg.Timestamp)).Seconds()
	metrics.RecordConsumerLag(msg.Topic, lag)

	if err := handler.HandleEvent(ctx, msg.Topic, msg.Value); err != nil {
		logger.Error("handle event failed",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// TransactionResultMessage 成交确认/失败消息 (wallet/clearing → market)
type TransactionResultMessage struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"` // 失败原因
	Timestamp     int64  `json:"timestamp"`        // 毫秒
}

// CreditIssuedMessage 新碳信用批次签发消息 (registry → market)
type CreditIssuedMessage struct {
	CreditID  string `json:"credit_id"`
	OwnerID   string `json:"owner_id"`
	Quantity  string `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
}

// BalanceUpdateCommandMessage 钱包余额对账指令 (wallet → market)
type BalanceUpdateCommandMessage struct {
	UserID    string `json:"user_id"`
	Available string `json:"available"`
	Timestamp int64  `json:"timestamp"`
}

// ParseTransactionResult 解析成交确认/失败消息
func ParseTransactionResult(data []byte) (*TransactionResultMessage, error) {
	var msg TransactionResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse transaction result failed: %w", err)
	}
	return &msg, nil
}

// ParseCreditIssued 解析批次签发消息
func ParseCreditIssued(data []byte) (*CreditIssuedMessage, error) {
	var msg CreditIssuedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse credit issued failed: %w", err)
	}
	return &msg, nil
}

// ParseBalanceUpdateCommand 解析余额对账指令
func ParseBalanceUpdateCommand(data []byte) (*BalanceUpdateCommandMessage, error) {
	var msg BalanceUpdateCommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse balance update command failed: %w", err)
	}
	return &msg, nil
}
