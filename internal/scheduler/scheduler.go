package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// Scheduler 任务调度器
// cron 触发, 分布式锁保证多实例下每个任务同一时刻只有一个执行方
type Scheduler struct {
	cron          *cron.Cron
	lockManager   *LockManager
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()), // 支持秒级调度
		lockManager:   NewLockManager(cfg.RedisClient),
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))

	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	go s.executeJob(job)
	return nil
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) {
	// 并发上限
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping",
			zap.String("job", job.Name()))
		return
	}

	// 调度器已停止时不再执行
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire lock",
				zap.String("job", job.Name()),
				zap.Error(err))
			return
		}
		if !acquired {
			logger.Debug("job is already running on another instance",
				zap.String("job", job.Name()))
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release lock",
					zap.String("job", job.Name()),
					zap.Error(err))
			}
		}()
	}

	startTime := time.Now()
	logger.Info("starting job", zap.String("job", job.Name()))

	result, err := job.Execute(ctx)
	duration := time.Since(startTime)

	if err != nil {
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("job", job.Name()),
		zap.Duration("duration", duration),
	}
	if result != nil {
		fields = append(fields,
			zap.Int("processed", result.ProcessedCount),
			zap.Int("errors", result.ErrorCount))
	}
	logger.Info("job completed", fields...)
}
