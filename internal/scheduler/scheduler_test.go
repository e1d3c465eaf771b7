package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLockRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestDistributedLock_TryLock(t *testing.T) {
	rdb := setupLockRedis(t)
	ctx := context.Background()

	lock := NewDistributedLock(rdb, "test-job", time.Minute, false)
	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	held, err := lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

// 第二个持有方拿不到锁
func TestDistributedLock_Exclusive(t *testing.T) {
	rdb := setupLockRedis(t)
	ctx := context.Background()

	first := NewDistributedLock(rdb, "test-job", time.Minute, false)
	acquired, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	second := NewDistributedLock(rdb, "test-job", time.Minute, false)
	acquired, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestDistributedLock_Unlock(t *testing.T) {
	rdb := setupLockRedis(t)
	ctx := context.Background()

	first := NewDistributedLock(rdb, "test-job", time.Minute, false)
	acquired, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, first.Unlock(ctx))

	second := NewDistributedLock(rdb, "test-job", time.Minute, false)
	acquired, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

// 非持有方的释放不影响锁
func TestDistributedLock_UnlockOnlyOwn(t *testing.T) {
	rdb := setupLockRedis(t)
	ctx := context.Background()

	owner := NewDistributedLock(rdb, "test-job", time.Minute, false)
	acquired, err := owner.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	stranger := NewDistributedLock(rdb, "test-job", time.Minute, false)
	require.NoError(t, stranger.Unlock(ctx))

	held, err := owner.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLockManager(t *testing.T) {
	rdb := setupLockRedis(t)
	ctx := context.Background()
	manager := NewLockManager(rdb)

	locked, err := manager.IsLocked(ctx, "test-job")
	require.NoError(t, err)
	assert.False(t, locked)

	lock := manager.NewLock("test-job", time.Minute, false)
	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	locked, err = manager.IsLocked(ctx, "test-job")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, manager.ForceUnlock(ctx, "test-job"))
	locked, err = manager.IsLocked(ctx, "test-job")
	require.NoError(t, err)
	assert.False(t, locked)
}

// countingJob 记录执行次数的测试任务
type countingJob struct {
	BaseJob
	executions int64
	block      chan struct{}
}

func (j *countingJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.executions, 1)
	if j.block != nil {
		<-j.block
	}
	return &JobResult{ProcessedCount: 1}, nil
}

func TestScheduler_RegisterJob(t *testing.T) {
	rdb := setupLockRedis(t)
	s := NewScheduler(&SchedulerConfig{RedisClient: rdb})

	job := &countingJob{BaseJob: NewBaseJob("counting", time.Second, 0, false)}
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "* * * * * *", Enabled: true}))

	// 重复注册被拒
	err := s.RegisterJob(job, JobConfig{Cron: "* * * * * *", Enabled: true})
	assert.Error(t, err)
}

func TestScheduler_RegisterJob_BadCron(t *testing.T) {
	rdb := setupLockRedis(t)
	s := NewScheduler(&SchedulerConfig{RedisClient: rdb})

	job := &countingJob{BaseJob: NewBaseJob("counting", time.Second, 0, false)}
	err := s.RegisterJob(job, JobConfig{Cron: "not a cron expr", Enabled: true})
	assert.Error(t, err)
}

func TestScheduler_TriggerJob(t *testing.T) {
	rdb := setupLockRedis(t)
	s := NewScheduler(&SchedulerConfig{RedisClient: rdb})

	job := &countingJob{BaseJob: NewBaseJob("counting", time.Second, 0, false)}
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, s.TriggerJob("counting"))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&job.executions) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, s.TriggerJob("ghost"))
}

// 带锁任务在另一实例持锁时跳过
func TestScheduler_SkipsWhenLocked(t *testing.T) {
	rdb := setupLockRedis(t)
	ctx := context.Background()

	other := NewDistributedLock(rdb, "locked-job", time.Minute, false)
	acquired, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	s := NewScheduler(&SchedulerConfig{RedisClient: rdb})
	job := &countingJob{BaseJob: NewBaseJob("locked-job", time.Second, time.Minute, false)}
	require.NoError(t, s.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, s.TriggerJob("locked-job"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&job.executions))
}

// 并发上限之外的任务被跳过
func TestScheduler_MaxConcurrent(t *testing.T) {
	rdb := setupLockRedis(t)
	s := NewScheduler(&SchedulerConfig{RedisClient: rdb, MaxConcurrentJobs: 1})

	block := make(chan struct{})
	first := &countingJob{BaseJob: NewBaseJob("first", time.Minute, 0, false), block: block}
	second := &countingJob{BaseJob: NewBaseJob("second", time.Minute, 0, false)}
	require.NoError(t, s.RegisterJob(first, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))
	require.NoError(t, s.RegisterJob(second, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}))

	require.NoError(t, s.TriggerJob("first"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&first.executions) == 1
	}, time.Second, 10*time.Millisecond)

	// first 占着唯一的并发槽
	require.NoError(t, s.TriggerJob("second"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&second.executions))

	close(block)
}

func TestAuctionSweepJob(t *testing.T) {
	sweeper := &fakeSweeper{processed: 5, failed: 1}
	job := NewAuctionSweepJob(sweeper, time.Minute, 2*time.Minute)

	assert.Equal(t, JobNameAuctionSweep, job.Name())
	assert.True(t, job.RequiresLock())

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, result.ProcessedCount)
	assert.Equal(t, 1, result.ErrorCount)
}

type fakeSweeper struct {
	mu        sync.Mutex
	processed int
	failed    int
}

func (s *fakeSweeper) Sweep(ctx context.Context) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.failed
}
