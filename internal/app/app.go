// Package app 提供应用生命周期管理
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ecotrade-exchange/ecotrade-market/internal/cache"
	"github.com/ecotrade-exchange/ecotrade-market/internal/client"
	"github.com/ecotrade-exchange/ecotrade-market/internal/config"
	"github.com/ecotrade-exchange/ecotrade-market/internal/handler/event"
	"github.com/ecotrade-exchange/ecotrade-market/internal/kafka"
	"github.com/ecotrade-exchange/ecotrade-market/internal/publisher"
	"github.com/ecotrade-exchange/ecotrade-market/internal/repository"
	"github.com/ecotrade-exchange/ecotrade-market/internal/scheduler"
	"github.com/ecotrade-exchange/ecotrade-market/internal/service"
	"github.com/ecotrade-exchange/ecotrade-market/internal/worker"
	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

const serviceName = "ecotrade-market"

// App 应用实例
type App struct {
	cfg *config.Config

	// 基础设施
	db  *gorm.DB
	rdb *redis.Client

	// HTTP (metrics + health)
	httpServer *http.Server

	// Kafka
	producer *kafka.Producer
	consumer *kafka.RetryConsumerGroup

	// 外部服务客户端
	walletClient       *client.WalletClient
	notificationClient *client.NotificationClient

	// 仓储层
	repo        *repository.Repository
	listingRepo repository.ListingRepository
	bidRepo     repository.BidRepository
	invRepo     repository.InventoryRepository
	txnRepo     repository.TransactionRepository

	// 缓存层 (Redis 作为实时资金热投影)
	ledger cache.LedgerRepository

	// 服务层
	balanceSvc    service.BalanceService
	settlementSvc service.SettlementService
	biddingSvc    service.BiddingService
	listingSvc    service.ListingService

	// 后台任务
	sweepWorker *worker.AuctionSweepWorker
	sched       *scheduler.Scheduler

	// 生命周期
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建应用实例
func New(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run 启动应用
func (a *App) Run() error {
	logger.Info("starting service", zap.String("service", serviceName))

	// 1. 基础设施
	if err := a.initInfra(); err != nil {
		return fmt.Errorf("init infra: %w", err)
	}

	// 2. 仓储层 + 外部客户端
	a.initRepositories()
	a.initClients()

	// 3. Kafka
	if err := a.initKafka(); err != nil {
		return fmt.Errorf("init kafka: %w", err)
	}

	// 4. 服务层
	a.initServices()

	// 5. 后台任务
	if err := a.initSweep(); err != nil {
		return fmt.Errorf("init sweep: %w", err)
	}

	// 6. HTTP 服务器 (metrics + health)
	a.startHTTPServer()

	// 7. Kafka 消费者
	if err := a.startConsumers(); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	// 8. 等待关闭信号
	a.waitForShutdown()

	return nil
}

// initInfra 初始化数据库和 Redis
func (a *App) initInfra() error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		a.cfg.Database.Host,
		a.cfg.Database.Port,
		a.cfg.Database.User,
		a.cfg.Database.Password,
		a.cfg.Database.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(a.cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(a.cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)
	a.db = db

	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", a.cfg.Redis.Host, a.cfg.Redis.Port),
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(a.ctx, 3*time.Second)
	defer cancel()
	if err := a.rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	a.ledger = cache.NewLedgerRepository(a.rdb)
	logger.Info("balance ledger cache initialized")

	return nil
}

// initRepositories 初始化仓储层
func (a *App) initRepositories() {
	a.repo = repository.NewRepository(a.db)
	a.listingRepo = repository.NewListingRepository(a.db)
	a.bidRepo = repository.NewBidRepository(a.db)
	a.invRepo = repository.NewInventoryRepository(a.db)
	a.txnRepo = repository.NewTransactionRepository(a.db)
}

// initClients 初始化外部服务客户端
func (a *App) initClients() {
	walletCfg := client.DefaultWalletClientConfig(a.cfg.Wallet.BaseURL)
	if a.cfg.Wallet.TimeoutMs > 0 {
		walletCfg.RequestTimeout = time.Duration(a.cfg.Wallet.TimeoutMs) * time.Millisecond
	}
	if a.cfg.Wallet.MaxRetries > 0 {
		walletCfg.MaxRetries = a.cfg.Wallet.MaxRetries
	}
	a.walletClient = client.NewWalletClient(walletCfg)

	notifyCfg := client.DefaultNotificationClientConfig(a.cfg.Notification.BaseURL)
	if a.cfg.Notification.TimeoutMs > 0 {
		notifyCfg.RequestTimeout = time.Duration(a.cfg.Notification.TimeoutMs) * time.Millisecond
	}
	a.notificationClient = client.NewNotificationClient(notifyCfg)
}

// initKafka 初始化 Kafka 生产者和消费者组
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Warn("kafka is disabled, integration events will be dropped")
		return nil
	}

	producerCfg := kafka.DefaultProducerConfig(a.cfg.Kafka.Brokers)
	producerCfg.RequiredAcks = sarama.RequiredAcks(a.cfg.Kafka.Producer.RequiredAcks)
	if a.cfg.Kafka.Producer.MaxRetries > 0 {
		producerCfg.MaxRetries = a.cfg.Kafka.Producer.MaxRetries
	}
	if a.cfg.Kafka.Producer.RetryBackoffMs > 0 {
		producerCfg.RetryBackoff = time.Duration(a.cfg.Kafka.Producer.RetryBackoffMs) * time.Millisecond
	}

	producer, err := kafka.NewProducer(producerCfg)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	a.producer = producer
	logger.Info("kafka producer created")

	initialOffset := sarama.OffsetNewest
	if a.cfg.Kafka.Consumer.InitialOffset == "oldest" {
		initialOffset = sarama.OffsetOldest
	}

	// 重试耗尽的消息进死信队列, 不阻塞消费进度
	consumer, err := kafka.NewRetryConsumerGroup(&kafka.RetryConsumerConfig{
		ConsumerConfig: kafka.ConsumerConfig{
			Brokers: a.cfg.Kafka.Brokers,
			GroupID: a.cfg.Kafka.GroupID,
			Topics: []string{
				kafka.TopicTransactionCompleted,
				kafka.TopicTransactionFailed,
				kafka.TopicCreditIssued,
				kafka.TopicBalanceUpdateCommand,
			},
			InitialOffset: initialOffset,
		},
		RetryConfig:     kafka.DefaultRetryConfig(),
		DeadLetterTopic: kafka.TopicDeadLetter,
		Producer:        producer,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	a.consumer = consumer
	logger.Info("kafka consumer created")

	return nil
}

// initServices 初始化服务层
// 竞拍服务持有结算服务做拍卖成交入账, 所以结算先建
func (a *App) initServices() {
	var (
		auctionPub   service.AuctionEventPublisher
		inventoryPub service.InventoryEventPublisher
	)
	if a.producer != nil {
		pub := publisher.NewEventPublisher(a.producer)
		auctionPub = pub
		inventoryPub = pub
	} else {
		pub := publisher.NewNoopPublisher()
		auctionPub = pub
		inventoryPub = pub
	}

	a.balanceSvc = service.NewBalanceService(a.ledger, a.walletClient)
	a.settlementSvc = service.NewSettlementService(
		a.repo, a.listingRepo, a.txnRepo, a.invRepo,
		a.balanceSvc, a.walletClient, inventoryPub, a.notificationClient,
	)
	a.biddingSvc = service.NewBiddingService(
		a.repo, a.listingRepo, a.bidRepo, a.invRepo,
		a.balanceSvc, auctionPub, a.settlementSvc, a.notificationClient,
	)
	a.listingSvc = service.NewListingService(
		a.repo, a.listingRepo, a.bidRepo, a.invRepo,
		a.balanceSvc, inventoryPub, a.notificationClient,
	)
}

// initSweep 初始化拍卖到期扫描
// 配置了 cron 表达式时走分布式锁调度, 多实例部署下每轮只有
// 一个实例扫描; 否则退化为本实例的定时轮询。
func (a *App) initSweep() error {
	if !a.cfg.Sweep.Enabled {
		logger.Warn("auction sweep is disabled, expired auctions will not close")
		return nil
	}

	a.sweepWorker = worker.NewAuctionSweepWorker(
		&worker.AuctionSweepWorkerConfig{
			CheckInterval: time.Duration(a.cfg.Sweep.CheckIntervalSec) * time.Second,
			BatchSize:     a.cfg.Sweep.BatchSize,
		},
		a.listingRepo,
		a.biddingSvc,
	)

	if a.cfg.Sweep.Cron == "" {
		a.sweepWorker.Start(a.ctx)
		return nil
	}

	a.sched = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		RedisClient: a.rdb,
	})
	job := scheduler.NewAuctionSweepJob(
		a.sweepWorker,
		time.Duration(a.cfg.Sweep.TimeoutSec)*time.Second,
		time.Duration(a.cfg.Sweep.LockTTLSec)*time.Second,
	)
	if err := a.sched.RegisterJob(job, scheduler.JobConfig{
		Cron:    a.cfg.Sweep.Cron,
		Enabled: true,
	}); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	a.sched.Start()

	return nil
}

// startHTTPServer 启动 HTTP 服务器 (metrics + health check)
func (a *App) startHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := a.rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if sqlDB, err := a.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: mux,
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve error", zap.Error(err))
		}
	}()
}

// startConsumers 启动 Kafka 消费者
func (a *App) startConsumers() error {
	if a.consumer == nil {
		return nil
	}

	processor := worker.NewEventProcessor()

	processor.RegisterHandler(
		kafka.TopicTransactionCompleted,
		event.NewTransactionCompletedHandler(a.settlementSvc),
	)
	processor.RegisterHandler(
		kafka.TopicTransactionFailed,
		event.NewTransactionFailedHandler(a.settlementSvc),
	)
	processor.RegisterHandler(
		kafka.TopicCreditIssued,
		event.NewCreditIssuedHandler(a.invRepo),
	)
	processor.RegisterHandler(
		kafka.TopicBalanceUpdateCommand,
		event.NewBalanceUpdateHandler(a.balanceSvc),
	)

	retryable := kafka.NewRetryableHandlerAdapter(processor)
	for topic := range processor.Handlers() {
		a.consumer.RegisterRetryHandler(topic, retryable)
	}

	if err := a.consumer.Start(a.ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	logger.Info("kafka consumer started")

	return nil
}

// waitForShutdown 等待关闭信号
func (a *App) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	a.shutdown()
}

// shutdown 优雅关闭
func (a *App) shutdown() {
	a.cancel()

	// 先停触发源 (调度/轮询), 再停消费, 最后收尾连接
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.sweepWorker != nil {
		a.sweepWorker.Stop()
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(); err != nil {
			logger.Error("stop consumer failed", zap.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Error("close producer failed", zap.Error(err))
		}
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("service stopped")
}
