package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
)

var (
	ErrInventoryNotFound      = errors.New("inventory not found")
	ErrInventoryAlreadyExists = errors.New("inventory already exists")
	ErrInsufficientInventory  = errors.New("insufficient inventory")
)

// InventoryRepository 碳信用库存仓储接口
// 数量在 available / listed / locked 三个桶之间迁移,
// 所有迁移都带余量守卫, 守卫失败返回 ErrInsufficientInventory。
type InventoryRepository interface {
	// Create 创建库存记录 (credit.issued 事件触发)
	Create(ctx context.Context, inventory *model.CreditInventory) error

	// GetByCreditID 根据批次 ID 查询
	GetByCreditID(ctx context.Context, creditID string) (*model.CreditInventory, error)

	// GetByCreditIDForUpdate 根据批次 ID 查询并加行锁
	GetByCreditIDForUpdate(ctx context.Context, creditID string) (*model.CreditInventory, error)

	// ListByOwner 查询持有人的库存列表
	ListByOwner(ctx context.Context, ownerID string) ([]*model.CreditInventory, error)

	// MoveAvailableToListed 挂牌占用: available → listed
	MoveAvailableToListed(ctx context.Context, creditID string, quantity decimal.Decimal) error

	// ReturnListedToAvailable 撤牌/流拍退回: listed → available
	ReturnListedToAvailable(ctx context.Context, creditID string, quantity decimal.Decimal) error

	// CommitSale 成交出库: listed 扣减, total 同步扣减, sold_quantity 累加
	CommitSale(ctx context.Context, creditID string, quantity decimal.Decimal) error
}

// inventoryRepository 碳信用库存仓储实现
type inventoryRepository struct {
	*Repository
}

// NewInventoryRepository 创建碳信用库存仓储
func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepository{
		Repository: NewRepository(db),
	}
}

// Create 创建库存记录
func (r *inventoryRepository) Create(ctx context.Context, inventory *model.CreditInventory) error {
	result := r.DB(ctx).Create(inventory)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrInventoryAlreadyExists
		}
		return fmt.Errorf("create inventory failed: %w", result.Error)
	}
	return nil
}

// GetByCreditID 根据批次 ID 查询
func (r *inventoryRepository) GetByCreditID(ctx context.Context, creditID string) (*model.CreditInventory, error) {
	var inventory model.CreditInventory
	result := r.DB(ctx).Where("credit_id = ?", creditID).First(&inventory)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInventoryNotFound
		}
		return nil, fmt.Errorf("get inventory by credit_id failed: %w", result.Error)
	}
	return &inventory, nil
}

// GetByCreditIDForUpdate 根据批次 ID 查询并加行锁
func (r *inventoryRepository) GetByCreditIDForUpdate(ctx context.Context, creditID string) (*model.CreditInventory, error) {
	opts := &QueryOptions{ForUpdate: true}

	var inventory model.CreditInventory
	result := opts.ApplyLock(r.DB(ctx)).Where("credit_id = ?", creditID).First(&inventory)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInventoryNotFound
		}
		return nil, fmt.Errorf("get inventory for update failed: %w", result.Error)
	}
	return &inventory, nil
}

// ListByOwner 查询持有人的库存列表
func (r *inventoryRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.CreditInventory, error) {
	var inventories []*model.CreditInventory
	result := r.DB(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&inventories)
	if result.Error != nil {
		return nil, fmt.Errorf("list inventories by owner failed: %w", result.Error)
	}
	return inventories, nil
}

// MoveAvailableToListed 挂牌占用: available → listed
func (r *inventoryRepository) MoveAvailableToListed(ctx context.Context, creditID string, quantity decimal.Decimal) error {
	// 余量守卫放在 WHERE 里, 原子完成校验和迁移
	sql := `UPDATE credit_inventories
			SET available = available - ?,
				listed = listed + ?,
				version = version + 1,
				updated_at = ?
			WHERE credit_id = ? AND available >= ?`

	q := quantity.String()
	result := r.DB(ctx).Exec(sql, q, q, nowMilli(), creditID, q)
	if result.Error != nil {
		return fmt.Errorf("move available to listed failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientInventory
	}
	return nil
}

// ReturnListedToAvailable 撤牌/流拍退回: listed → available
func (r *inventoryRepository) ReturnListedToAvailable(ctx context.Context, creditID string, quantity decimal.Decimal) error {
	sql := `UPDATE credit_inventories
			SET listed = listed - ?,
				available = available + ?,
				version = version + 1,
				updated_at = ?
			WHERE credit_id = ? AND listed >= ?`

	q := quantity.String()
	result := r.DB(ctx).Exec(sql, q, q, nowMilli(), creditID, q)
	if result.Error != nil {
		return fmt.Errorf("return listed to available failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientInventory
	}
	return nil
}

// CommitSale 成交出库
// 出售量离开 listed 和 total, 累计进 sold_quantity
func (r *inventoryRepository) CommitSale(ctx context.Context, creditID string, quantity decimal.Decimal) error {
	sql := `UPDATE credit_inventories
			SET listed = listed - ?,
				total = total - ?,
				sold_quantity = sold_quantity + ?,
				version = version + 1,
				updated_at = ?
			WHERE credit_id = ? AND listed >= ?`

	q := quantity.String()
	result := r.DB(ctx).Exec(sql, q, q, q, nowMilli(), creditID, q)
	if result.Error != nil {
		return fmt.Errorf("commit sale failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientInventory
	}
	return nil
}

// nowMilli 返回当前毫秒时间戳
func nowMilli() int64 {
	return time.Now().UnixMilli()
}
