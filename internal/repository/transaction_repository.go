package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
)

var (
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
)

// TransactionRepository 成交记录仓储接口
// listing_id 上的唯一索引是结算幂等的最后防线
type TransactionRepository interface {
	// Create 创建成交记录
	// 同一挂牌重复结算触发唯一约束, 返回 ErrTransactionAlreadyExists
	Create(ctx context.Context, txn *model.Transaction) error

	// GetByTransactionID 根据成交 ID 查询
	GetByTransactionID(ctx context.Context, transactionID string) (*model.Transaction, error)

	// GetByListingID 根据挂牌 ID 查询 (幂等检查)
	GetByListingID(ctx context.Context, listingID string) (*model.Transaction, error)

	// ListByUser 查询用户参与的成交 (买方或卖方)
	ListByUser(ctx context.Context, userID string, page *Pagination) ([]*model.Transaction, error)

	// MarkCompleted Pending → Completed
	MarkCompleted(ctx context.Context, transactionID string, completedAt int64) error

	// MarkFailed Pending → Failed
	MarkFailed(ctx context.Context, transactionID string, reason string) error
}

// transactionRepository 成交记录仓储实现
type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建成交记录仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

// Create 创建成交记录
func (r *transactionRepository) Create(ctx context.Context, txn *model.Transaction) error {
	result := r.DB(ctx).Create(txn)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return ErrTransactionAlreadyExists
		}
		return fmt.Errorf("create transaction failed: %w", result.Error)
	}
	return nil
}

// GetByTransactionID 根据成交 ID 查询
func (r *transactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.Transaction, error) {
	var txn model.Transaction
	result := r.DB(ctx).Where("transaction_id = ?", transactionID).First(&txn)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction by transaction_id failed: %w", result.Error)
	}
	return &txn, nil
}

// GetByListingID 根据挂牌 ID 查询 (幂等检查)
func (r *transactionRepository) GetByListingID(ctx context.Context, listingID string) (*model.Transaction, error) {
	var txn model.Transaction
	result := r.DB(ctx).Where("listing_id = ?", listingID).First(&txn)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction by listing_id failed: %w", result.Error)
	}
	return &txn, nil
}

// ListByUser 查询用户参与的成交 (买方或卖方)
func (r *transactionRepository) ListByUser(ctx context.Context, userID string, page *Pagination) ([]*model.Transaction, error) {
	db := r.DB(ctx).Where("buyer_id = ? OR seller_id = ?", userID, userID)

	if page != nil {
		var total int64
		if err := db.Model(&model.Transaction{}).Count(&total).Error; err != nil {
			return nil, fmt.Errorf("count transactions failed: %w", err)
		}
		page.Total = total
	}

	var txns []*model.Transaction
	db = db.Order("created_at DESC")
	if page != nil {
		db = db.Offset(page.Offset()).Limit(page.Limit())
	}

	if err := db.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("list transactions by user failed: %w", err)
	}
	return txns, nil
}

// MarkCompleted Pending → Completed
func (r *transactionRepository) MarkCompleted(ctx context.Context, transactionID string, completedAt int64) error {
	result := r.DB(ctx).Model(&model.Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, model.TransactionStatusPending).
		Updates(map[string]interface{}{
			"status":       model.TransactionStatusCompleted,
			"completed_at": completedAt,
		})

	if result.Error != nil {
		return fmt.Errorf("mark transaction completed failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// MarkFailed Pending → Failed
func (r *transactionRepository) MarkFailed(ctx context.Context, transactionID string, reason string) error {
	result := r.DB(ctx).Model(&model.Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, model.TransactionStatusPending).
		Updates(map[string]interface{}{
			"status":         model.TransactionStatusFailed,
			"failure_reason": reason,
		})

	if result.Error != nil {
		return fmt.Errorf("mark transaction failed failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// isDuplicateKeyError 兼容 PostgreSQL 和 SQLite 的唯一约束错误识别
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
