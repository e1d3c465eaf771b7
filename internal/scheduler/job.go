package scheduler

import (
	"context"
	"time"
)

// Job 任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// RequiresLock 是否需要分布式锁
	RequiresLock() bool
	// LockTTL 锁的 TTL (仅在 RequiresLock() 返回 true 时有效)
	LockTTL() time.Duration
	// UseWatchdog 是否使用 Watchdog 锁续期 (长时间运行任务)
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int
	ErrorCount     int
}

// BaseJob 基础任务实现
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

// Name 任务名称
func (j BaseJob) Name() string {
	return j.name
}

// Timeout 任务超时时间
func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

// RequiresLock 是否需要分布式锁
func (j BaseJob) RequiresLock() bool {
	return j.lockTTL > 0
}

// LockTTL 锁的 TTL
func (j BaseJob) LockTTL() time.Duration {
	return j.lockTTL
}

// UseWatchdog 是否使用 Watchdog 锁续期
func (j BaseJob) UseWatchdog() bool {
	return j.useWatchdog
}

// JobNames 任务名称常量
const (
	JobNameAuctionSweep = "auction-sweep"
)
