package scheduler

import (
	"context"
	"time"
)

// Sweeper 到期拍卖扫描接口
type Sweeper interface {
	// Sweep 执行一轮扫描, 返回扫到的挂牌数和失败数
	Sweep(ctx context.Context) (int, int)
}

// AuctionSweepJob 到期拍卖扫描任务
// 分布式锁保证多实例部署时每轮只有一个实例扫描
type AuctionSweepJob struct {
	BaseJob
	sweeper Sweeper
}

// NewAuctionSweepJob 创建到期拍卖扫描任务
func NewAuctionSweepJob(sweeper Sweeper, timeout, lockTTL time.Duration) *AuctionSweepJob {
	return &AuctionSweepJob{
		BaseJob: NewBaseJob(JobNameAuctionSweep, timeout, lockTTL, false),
		sweeper: sweeper,
	}
}

// Execute 执行任务
func (j *AuctionSweepJob) Execute(ctx context.Context) (*JobResult, error) {
	processed, failed := j.sweeper.Sweep(ctx)
	return &JobResult{
		ProcessedCount: processed,
		ErrorCount:     failed,
	}, nil
}
