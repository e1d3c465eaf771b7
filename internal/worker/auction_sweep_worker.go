// Package worker 提供后台任务处理
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/internal/metrics"
	"github.com/ecotrade-exchange/ecotrade-market/internal/repository"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// AuctionCloser 拍卖关闭接口
// 用于解耦 worker 和 service 包，避免循环依赖
type AuctionCloser interface {
	// CloseAuction 关闭指定拍卖 (幂等)
	CloseAuction(ctx context.Context, listingID string) error
}

// AuctionSweepWorkerConfig 拍卖到期扫描 Worker 配置
type AuctionSweepWorkerConfig struct {
	CheckInterval time.Duration // 检查间隔，默认 10s
	BatchSize     int           // 每批处理数量，默认 100
}

// DefaultAuctionSweepWorkerConfig 返回默认配置
func DefaultAuctionSweepWorkerConfig() *AuctionSweepWorkerConfig {
	return &AuctionSweepWorkerConfig{
		CheckInterval: 10 * time.Second,
		BatchSize:     100,
	}
}

// AuctionSweepWorker 拍卖到期扫描 Worker
// 定期扫描已过截止时间但仍 OPEN 的拍卖挂牌并逐个关闭。
// 关闭是幂等的，多实例同时扫到同一挂牌也只会有一方真正处理。
type AuctionSweepWorker struct {
	cfg         *AuctionSweepWorkerConfig
	listingRepo repository.ListingRepository
	closer      AuctionCloser
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewAuctionSweepWorker 创建拍卖到期扫描 Worker
func NewAuctionSweepWorker(
	cfg *AuctionSweepWorkerConfig,
	listingRepo repository.ListingRepository,
	closer AuctionCloser,
) *AuctionSweepWorker {
	if cfg == nil {
		cfg = DefaultAuctionSweepWorkerConfig()
	}
	return &AuctionSweepWorker{
		cfg:         cfg,
		listingRepo: listingRepo,
		closer:      closer,
	}
}

// Start 启动 Worker
func (w *AuctionSweepWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.sweepLoop(ctx)

	logger.Info("auction sweep worker started",
		zap.Duration("check_interval", w.cfg.CheckInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)
}

// Stop 停止 Worker
func (w *AuctionSweepWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logger.Info("auction sweep worker stopped")
}

// sweepLoop 扫描循环
func (w *AuctionSweepWorker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	// 启动时立即执行一次
	w.Sweep(ctx)

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮到期拍卖扫描
// 返回本轮扫到的挂牌数和关闭失败数
func (w *AuctionSweepWorker) Sweep(ctx context.Context) (int, int) {
	now := time.Now().UnixMilli()

	listings, err := w.listingRepo.ListExpiredOpenAuctions(ctx, now, w.cfg.BatchSize)
	if err != nil {
		logger.Error("list expired open auctions failed", zap.Error(err))
		return 0, 0
	}

	metrics.SetSweepBacklog(float64(len(listings)))
	if len(listings) == 0 {
		return 0, 0
	}

	logger.Info("found expired open auctions",
		zap.Int("count", len(listings)),
	)

	failures := 0
	for _, listing := range listings {
		if err := w.closer.CloseAuction(ctx, listing.ListingID); err != nil {
			// 单个失败不中断本轮，下一轮扫描会重试
			logger.Error("close expired auction failed",
				zap.String("listing_id", listing.ListingID),
				zap.Error(err),
			)
			failures++
			continue
		}

		logger.Debug("expired auction closed",
			zap.String("listing_id", listing.ListingID),
			zap.Int64("auction_end_at", listing.AuctionEndAt),
		)
	}
	return len(listings), failures
}
