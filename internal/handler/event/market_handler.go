// Package event 处理来自 Kafka 的事件
package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/kafka"
	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
	"github.com/ecotrade-exchange/ecotrade-market/internal/repository"
	"github.com/ecotrade-exchange/ecotrade-market/internal/service"
	"github.com/ecotrade-exchange/ecotrade-market/internal/worker"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// TransactionCompletedHandler 处理成交确认事件
type TransactionCompletedHandler struct {
	settlementService service.SettlementService
}

// NewTransactionCompletedHandler 创建成交确认处理器
func NewTransactionCompletedHandler(settlementService service.SettlementService) *TransactionCompletedHandler {
	return &TransactionCompletedHandler{
		settlementService: settlementService,
	}
}

// HandleEvent 实现 EventHandler 接口
func (h *TransactionCompletedHandler) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	msg, err := worker.ParseTransactionResult(payload)
	if err != nil {
		return fmt.Errorf("parse transaction completed: %w", err)
	}

	logger.Info("processing transaction completed",
		zap.String("transaction_id", msg.TransactionID),
	)

	if err := h.settlementService.ConfirmTransaction(ctx, msg.TransactionID, msg.Timestamp); err != nil {
		return fmt.Errorf("confirm transaction: %w", err)
	}
	return nil
}

// Topic 返回处理的 topic
func (h *TransactionCompletedHandler) Topic() string {
	return kafka.TopicTransactionCompleted
}

// TransactionFailedHandler 处理成交失败事件
type TransactionFailedHandler struct {
	settlementService service.SettlementService
}

// NewTransactionFailedHandler 创建成交失败处理器
func NewTransactionFailedHandler(settlementService service.SettlementService) *TransactionFailedHandler {
	return &TransactionFailedHandler{
		settlementService: settlementService,
	}
}

// HandleEvent 实现 EventHandler 接口
func (h *TransactionFailedHandler) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	msg, err := worker.ParseTransactionResult(payload)
	if err != nil {
		return fmt.Errorf("parse transaction failed: %w", err)
	}

	logger.Warn("processing transaction failed",
		zap.String("transaction_id", msg.TransactionID),
		zap.String("reason", msg.Reason),
	)

	if err := h.settlementService.FailTransaction(ctx, msg.TransactionID, msg.Reason); err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}
	return nil
}

// Topic 返回处理的 topic
func (h *TransactionFailedHandler) Topic() string {
	return kafka.TopicTransactionFailed
}

// CreditIssuedHandler 处理批次签发事件
type CreditIssuedHandler struct {
	invRepo repository.InventoryRepository
}

// NewCreditIssuedHandler 创建批次签发处理器
func NewCreditIssuedHandler(invRepo repository.InventoryRepository) *CreditIssuedHandler {
	return &CreditIssuedHandler{
		invRepo: invRepo,
	}
}

// HandleEvent 实现 EventHandler 接口
func (h *CreditIssuedHandler) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	msg, err := worker.ParseCreditIssued(payload)
	if err != nil {
		return fmt.Errorf("parse credit issued: %w", err)
	}

	quantity, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return fmt.Errorf("parse issued quantity %q: %w", msg.Quantity, err)
	}

	inventory := &model.CreditInventory{
		CreditID:  msg.CreditID,
		OwnerID:   msg.OwnerID,
		Total:     quantity,
		Available: quantity,
		Version:   1,
	}

	if err := h.invRepo.Create(ctx, inventory); err != nil {
		if errors.Is(err, repository.ErrInventoryAlreadyExists) {
			// 签发消息重复投递
			logger.Info("credit inventory already exists",
				zap.String("credit_id", msg.CreditID))
			return nil
		}
		return fmt.Errorf("create credit inventory: %w", err)
	}

	logger.Info("credit inventory created",
		zap.String("credit_id", msg.CreditID),
		zap.String("owner_id", msg.OwnerID),
		zap.String("quantity", msg.Quantity),
	)
	return nil
}

// Topic 返回处理的 topic
func (h *CreditIssuedHandler) Topic() string {
	return kafka.TopicCreditIssued
}

// BalanceUpdateHandler 处理钱包余额对账指令
type BalanceUpdateHandler struct {
	balanceService service.BalanceService
}

// NewBalanceUpdateHandler 创建余额对账处理器
func NewBalanceUpdateHandler(balanceService service.BalanceService) *BalanceUpdateHandler {
	return &BalanceUpdateHandler{
		balanceService: balanceService,
	}
}

// HandleEvent 实现 EventHandler 接口
func (h *BalanceUpdateHandler) HandleEvent(ctx context.Context, eventType string, payload []byte) error {
	msg, err := worker.ParseBalanceUpdateCommand(payload)
	if err != nil {
		return fmt.Errorf("parse balance update command: %w", err)
	}

	available, err := decimal.NewFromString(msg.Available)
	if err != nil {
		return fmt.Errorf("parse available amount %q: %w", msg.Available, err)
	}

	if err := h.balanceService.Resync(ctx, msg.UserID, available); err != nil {
		return fmt.Errorf("resync ledger balance: %w", err)
	}
	return nil
}

// Topic 返回处理的 topic
func (h *BalanceUpdateHandler) Topic() string {
	return kafka.TopicBalanceUpdateCommand
}
