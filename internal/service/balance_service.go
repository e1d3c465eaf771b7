package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/cache"
	"github.com/ecotrade-exchange/ecotrade-market/internal/metrics"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// BalanceService 余额预留服务接口
// Redis 账本是实时资金真相源; 钱包服务只在 warm-up 和最终扣款时参与。
type BalanceService interface {
	// WarmUp 确保用户在账本中有余额记录, 不存在时从钱包同步
	WarmUp(ctx context.Context, userID string) error

	// GetAvailable 查询可用余额
	GetAvailable(ctx context.Context, userID string) (decimal.Decimal, error)

	// CanWithdraw 判断可用余额是否覆盖提现金额 (amount <= available)。
	// 已锁定的资金不计入, 用户不在账本时先从钱包 warm-up。
	CanWithdraw(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)

	// Reserve 预留资金。同一 (user, kind, ref) 重复预留替换旧锁。
	// 余额不足返回 ErrInsufficientFunds。
	Reserve(ctx context.Context, userID string, kind cache.HoldKind, refID string, amount decimal.Decimal) error

	// Release 释放预留 (幂等, 锁不存在是 no-op)
	Release(ctx context.Context, userID string, kind cache.HoldKind, refID string) error

	// Commit 预留转永久扣减
	// 锁不存在时记录日志并返回 nil (提交信号可能重复投递)。
	Commit(ctx context.Context, userID string, kind cache.HoldKind, refID string) (decimal.Decimal, error)

	// Resync 用钱包侧余额覆盖账本可用余额 (对账指令)
	Resync(ctx context.Context, userID string, available decimal.Decimal) error
}

// WalletBalanceProvider 钱包余额查询接口
type WalletBalanceProvider interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// balanceService 余额预留服务实现
type balanceService struct {
	ledger cache.LedgerRepository
	wallet WalletBalanceProvider
}

// NewBalanceService 创建余额预留服务
func NewBalanceService(ledger cache.LedgerRepository, wallet WalletBalanceProvider) BalanceService {
	return &balanceService{
		ledger: ledger,
		wallet: wallet,
	}
}

// WarmUp 确保用户在账本中有余额记录
func (s *balanceService) WarmUp(ctx context.Context, userID string) error {
	_, err := s.ledger.GetBalance(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, cache.ErrRedisBalanceNotFound) {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	available, err := s.wallet.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch wallet balance for warm-up: %w", err)
	}

	if _, err := s.ledger.SyncBalance(ctx, userID, available, false); err != nil {
		metrics.RecordLedgerOperation("sync", "error")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	metrics.RecordLedgerOperation("sync", "ok")
	logger.Info("ledger balance warmed up",
		zap.String("user_id", userID),
		zap.String("available", available.String()),
	)
	return nil
}

// GetAvailable 查询可用余额
func (s *balanceService) GetAvailable(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, cache.ErrRedisBalanceNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return balance.Available, nil
}

// CanWithdraw 判断可用余额是否覆盖提现金额
func (s *balanceService) CanWithdraw(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	if err := s.WarmUp(ctx, userID); err != nil {
		return false, err
	}

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return amount.LessThanOrEqual(balance.Available), nil
}

// Reserve 预留资金
func (s *balanceService) Reserve(ctx context.Context, userID string, kind cache.HoldKind, refID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	// 账本里还没有这个用户时先 warm-up
	if err := s.WarmUp(ctx, userID); err != nil {
		return err
	}

	err := s.ledger.Reserve(ctx, userID, kind, refID, amount)
	switch {
	case err == nil:
		metrics.RecordLedgerOperation("reserve", "ok")
		return nil
	case errors.Is(err, cache.ErrRedisInsufficientBalance):
		metrics.RecordLedgerOperation("reserve", "insufficient")
		return ErrInsufficientFunds
	case errors.Is(err, cache.ErrRedisBalanceNotFound):
		metrics.RecordLedgerOperation("reserve", "missing")
		return ErrInsufficientFunds
	default:
		metrics.RecordLedgerOperation("reserve", "error")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
}

// Release 释放预留
func (s *balanceService) Release(ctx context.Context, userID string, kind cache.HoldKind, refID string) error {
	released, err := s.ledger.Release(ctx, userID, kind, refID)
	if err != nil {
		metrics.RecordLedgerOperation("release", "error")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	metrics.RecordLedgerOperation("release", "ok")
	if released.IsZero() {
		logger.Debug("release was a no-op, hold already gone",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.String("ref_id", refID),
		)
	}
	return nil
}

// Commit 预留转永久扣减
func (s *balanceService) Commit(ctx context.Context, userID string, kind cache.HoldKind, refID string) (decimal.Decimal, error) {
	committed, err := s.ledger.Commit(ctx, userID, kind, refID)
	switch {
	case err == nil:
		metrics.RecordLedgerOperation("commit", "ok")
		return committed, nil
	case errors.Is(err, cache.ErrRedisHoldNotFound):
		// 提交信号重复投递或锁已被对账清掉: 不视为失败, 留痕即可
		metrics.RecordLedgerOperation("commit", "missing")
		logger.Warn("commit found no hold",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.String("ref_id", refID),
		)
		return decimal.Zero, nil
	default:
		metrics.RecordLedgerOperation("commit", "error")
		return decimal.Zero, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
}

// Resync 用钱包侧余额覆盖账本可用余额
func (s *balanceService) Resync(ctx context.Context, userID string, available decimal.Decimal) error {
	if _, err := s.ledger.SyncBalance(ctx, userID, available, true); err != nil {
		metrics.RecordLedgerOperation("sync", "error")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	metrics.RecordLedgerOperation("sync", "ok")
	logger.Info("ledger balance resynced",
		zap.String("user_id", userID),
		zap.String("available", available.String()),
	)
	return nil
}
