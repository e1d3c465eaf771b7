// Package cache implements the balance ledger on Redis.
// Redis is the writer-of-record for available/locked amounts; every mutation
// runs as a single Lua script so concurrent bidders can never observe a
// partial read-modify-write on a user key.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Redis key patterns
const (
	// 余额 key: ecomkt:ledger:balance:{user_id}
	balanceKeyPattern = "ecomkt:ledger:balance:%s"
	// 预留锁 key: ecomkt:ledger:hold:{user_id}:{kind}:{ref_id}
	holdKeyPattern = "ecomkt:ledger:hold:%s:%s:%s"
)

// Balance hash field names
const (
	fieldAvailable = "available"
	fieldLocked    = "locked"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
)

// HoldKind distinguishes the lock key space for auctions and fixed-price
// purchases. A (user, kind, ref) triple carries at most one non-zero hold.
type HoldKind string

const (
	HoldKindAuction  HoldKind = "auction"
	HoldKindPurchase HoldKind = "purchase"
)

var (
	ErrRedisBalanceNotFound     = errors.New("redis balance not found")
	ErrRedisInsufficientBalance = errors.New("redis insufficient balance")
	ErrRedisHoldNotFound        = errors.New("redis hold not found")
)

// RedisBalance 账本中的余额结构
type RedisBalance struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updated_at"`
}

// Total 返回总余额 (可用 + 锁定)
func (b *RedisBalance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// HoldRecord 单笔预留锁
type HoldRecord struct {
	UserID string          `json:"user_id"`
	Kind   HoldKind        `json:"kind"`
	RefID  string          `json:"ref_id"`
	Amount decimal.Decimal `json:"amount"`
}

// LedgerRepository Redis 账本仓储接口
type LedgerRepository interface {
	// GetBalance 读取余额，key 不存在返回 ErrRedisBalanceNotFound
	GetBalance(ctx context.Context, userID string) (*RedisBalance, error)

	// SyncBalance 从钱包服务同步余额。force=false 时只在 key 不存在时写入
	// (warm-up)，force=true 覆盖 available (balance.update.command 对账)。
	SyncBalance(ctx context.Context, userID string, available decimal.Decimal, force bool) (*RedisBalance, error)

	// Reserve 原子预留。同一 (user, kind, ref) 重复预留按差额替换已有锁，
	// 不是叠加第二把锁。可用不足返回 ErrRedisInsufficientBalance。
	Reserve(ctx context.Context, userID string, kind HoldKind, refID string, amount decimal.Decimal) error

	// Release 原子释放预留，锁定金额全额退回可用。锁不存在是 no-op。
	// 返回实际释放金额 (no-op 时为 0)。
	Release(ctx context.Context, userID string, kind HoldKind, refID string) (decimal.Decimal, error)

	// Commit 将锁定金额转为永久扣减 (不退回可用)。锁不存在返回
	// ErrRedisHoldNotFound，由调用方降级为日志 (下游可能重复投递)。
	Commit(ctx context.Context, userID string, kind HoldKind, refID string) (decimal.Decimal, error)

	// GetHold 读取预留锁，不存在返回 ErrRedisHoldNotFound
	GetHold(ctx context.Context, userID string, kind HoldKind, refID string) (*HoldRecord, error)
}

// ledgerRepository Redis 账本实现
type ledgerRepository struct {
	rdb redis.UniversalClient
}

// NewLedgerRepository 创建 Redis 账本仓储
func NewLedgerRepository(rdb redis.UniversalClient) LedgerRepository {
	return &ledgerRepository{rdb: rdb}
}

func balanceKey(userID string) string {
	return fmt.Sprintf(balanceKeyPattern, userID)
}

func holdKey(userID string, kind HoldKind, refID string) string {
	return fmt.Sprintf(holdKeyPattern, userID, kind, refID)
}

// GetBalance 读取余额
func (r *ledgerRepository) GetBalance(ctx context.Context, userID string) (*RedisBalance, error) {
	result, err := r.rdb.HGetAll(ctx, balanceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrRedisBalanceNotFound
	}
	return parseRedisBalance(userID, result)
}

// SyncBalance 同步钱包余额到账本
func (r *ledgerRepository) SyncBalance(ctx context.Context, userID string, available decimal.Decimal, force bool) (*RedisBalance, error) {
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}

	result, err := luaSyncBalance.Run(ctx, r.rdb,
		[]string{balanceKey(userID)},
		available.String(), forceFlag, time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("sync balance failed: %w", err)
	}

	resultMap := make(map[string]string, len(result)/2)
	for i := 0; i+1 < len(result); i += 2 {
		resultMap[result[i].(string)] = result[i+1].(string)
	}
	return parseRedisBalance(userID, resultMap)
}

// Reserve 原子预留
func (r *ledgerRepository) Reserve(ctx context.Context, userID string, kind HoldKind, refID string, amount decimal.Decimal) error {
	result, err := luaReserve.Run(ctx, r.rdb,
		[]string{balanceKey(userID), holdKey(userID, kind, refID)},
		amount.String(), string(kind), refID, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("reserve failed: %w", err)
	}
	return parseScriptStatus(result)
}

// Release 原子释放预留
func (r *ledgerRepository) Release(ctx context.Context, userID string, kind HoldKind, refID string) (decimal.Decimal, error) {
	result, err := luaRelease.Run(ctx, r.rdb,
		[]string{balanceKey(userID), holdKey(userID, kind, refID)},
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("release failed: %w", err)
	}
	return parseScriptAmount(result)
}

// Commit 锁定金额转永久扣减
func (r *ledgerRepository) Commit(ctx context.Context, userID string, kind HoldKind, refID string) (decimal.Decimal, error) {
	result, err := luaCommit.Run(ctx, r.rdb,
		[]string{balanceKey(userID), holdKey(userID, kind, refID)},
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("commit failed: %w", err)
	}
	return parseScriptAmount(result)
}

// GetHold 读取预留锁
func (r *ledgerRepository) GetHold(ctx context.Context, userID string, kind HoldKind, refID string) (*HoldRecord, error) {
	result, err := r.rdb.HGetAll(ctx, holdKey(userID, kind, refID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrRedisHoldNotFound
	}

	amount, err := decimal.NewFromString(result["amount"])
	if err != nil {
		return nil, fmt.Errorf("parse hold amount: %w", err)
	}
	return &HoldRecord{
		UserID: userID,
		Kind:   kind,
		RefID:  refID,
		Amount: amount,
	}, nil
}

// parseRedisBalance 解析 HGETALL 结果
func parseRedisBalance(userID string, fields map[string]string) (*RedisBalance, error) {
	available, err := decimal.NewFromString(fields[fieldAvailable])
	if err != nil {
		return nil, fmt.Errorf("parse available: %w", err)
	}
	locked, err := decimal.NewFromString(fields[fieldLocked])
	if err != nil {
		return nil, fmt.Errorf("parse locked: %w", err)
	}

	b := &RedisBalance{
		UserID:    userID,
		Available: available,
		Locked:    locked,
	}
	fmt.Sscanf(fields[fieldVersion], "%d", &b.Version)
	fmt.Sscanf(fields[fieldUpdatedAt], "%d", &b.UpdatedAt)
	return b, nil
}

// parseScriptStatus 解析 {'ok'|'err', detail} 形式的脚本返回
func parseScriptStatus(result interface{}) error {
	slice, ok := result.([]interface{})
	if !ok || len(slice) < 2 {
		return nil
	}
	if slice[0] != "err" {
		return nil
	}
	switch slice[1].(string) {
	case "balance_not_found":
		return ErrRedisBalanceNotFound
	case "insufficient_balance":
		return ErrRedisInsufficientBalance
	case "hold_not_found":
		return ErrRedisHoldNotFound
	default:
		return errors.New(slice[1].(string))
	}
}

// parseScriptAmount 解析 {'ok', amount} 形式的脚本返回
func parseScriptAmount(result interface{}) (decimal.Decimal, error) {
	if err := parseScriptStatus(result); err != nil {
		return decimal.Zero, err
	}
	slice, ok := result.([]interface{})
	if !ok || len(slice) < 2 {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(slice[1].(string))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse script amount: %w", err)
	}
	return amount, nil
}
