package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Market Service Metrics - 市场服务监控指标
var (
	// BidsTotal 出价总数 (按结果分组)
	BidsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "bids_total",
			Help:      "出价总数，按结果(accepted/rejected_amount/rejected_status/rejected_funds)分组",
		},
		[]string{"result"},
	)

	// BidLatency 出价处理延迟
	BidLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "bid_latency_seconds",
			Help:      "出价处理延迟(秒)",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
	)

	// SettlementsTotal 结算总数
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "settlements_total",
			Help:      "结算总数，按类型(auction/buy_now)和结果(success/duplicate/failed)分组",
		},
		[]string{"kind", "result"},
	)

	// SettlementVolume 结算金额
	SettlementVolume = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "settlement_volume_total",
			Help:      "结算总金额",
		},
	)

	// LedgerOperations 账本操作计数
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "ledger_operations_total",
			Help:      "账本操作总数，按操作类型(reserve/release/commit/sync)和结果(ok/insufficient/missing/error)分组",
		},
		[]string{"operation", "result"},
	)

	// AuctionsClosed 拍卖关闭总数
	AuctionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "auctions_closed_total",
			Help:      "拍卖关闭总数，按结果(won/no_bids/error)分组",
		},
		[]string{"result"},
	)

	// SweepBacklog 到期待关闭的拍卖数
	SweepBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "sweep_backlog",
			Help:      "最近一次扫描发现的到期未关闭拍卖数",
		},
	)

	// IntegrationEventsTotal 集成事件发布总数
	IntegrationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "integration_events_total",
			Help:      "集成事件发布总数，按 topic 和结果(published/failed)分组",
		},
		[]string{"topic", "result"},
	)

	// KafkaRetries Kafka 消费重试计数
	KafkaRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "kafka_retries_total",
			Help:      "Kafka 消费重试总数，按 topic 和结果(success/retry/non_retryable/max_retries_exceeded)分组",
		},
		[]string{"topic", "result"},
	)

	// KafkaDeadLetters 死信消息计数
	KafkaDeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "kafka_dead_letters_total",
			Help:      "进入死信队列的消息总数，按原始 topic 分组",
		},
		[]string{"topic"},
	)

	// ConsumerLag 消息消费延迟
	ConsumerLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "consumer_lag_seconds",
			Help:      "Kafka 消息消费延迟(秒)",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 4s
		},
		[]string{"topic"},
	)

	// DataIntegrityCritical 数据一致性严重错误
	DataIntegrityCritical = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecotrade",
			Subsystem: "market",
			Name:      "data_integrity_critical_total",
			Help:      "数据一致性严重错误 (P0 级告警)，如提交时预留锁缺失、库存不守恒等",
		},
		[]string{"type", "reason"},
	)
)

// ========== Helper functions 辅助函数 ==========

// RecordBid 记录出价结果
// result 取值: accepted, rejected_amount, rejected_status, rejected_funds
func RecordBid(result string) {
	BidsTotal.WithLabelValues(result).Inc()
}

// RecordSettlement 记录结算
// kind 取值: auction, buy_now; result 取值: success, duplicate, failed
func RecordSettlement(kind, result string) {
	SettlementsTotal.WithLabelValues(kind, result).Inc()
}

// RecordSettlementVolume 记录结算金额
func RecordSettlementVolume(amount float64) {
	SettlementVolume.Add(amount)
}

// RecordLedgerOperation 记录账本操作
// operation 取值: reserve, release, commit, sync
func RecordLedgerOperation(operation, result string) {
	LedgerOperations.WithLabelValues(operation, result).Inc()
}

// RecordAuctionClosed 记录拍卖关闭
// result 取值: won, no_bids, error
func RecordAuctionClosed(result string) {
	AuctionsClosed.WithLabelValues(result).Inc()
}

// SetSweepBacklog 设置到期待关闭的拍卖数
func SetSweepBacklog(count float64) {
	SweepBacklog.Set(count)
}

// RecordIntegrationEvent 记录集成事件发布
// result 取值: published, failed
func RecordIntegrationEvent(topic, result string) {
	IntegrationEventsTotal.WithLabelValues(topic, result).Inc()
}

// RecordKafkaRetry 记录 Kafka 消费重试
func RecordKafkaRetry(topic, result string) {
	KafkaRetries.WithLabelValues(topic, result).Inc()
}

// RecordKafkaDeadLetter 记录死信消息
func RecordKafkaDeadLetter(topic string) {
	KafkaDeadLetters.WithLabelValues(topic).Inc()
}

// RecordConsumerLag 记录消费延迟
func RecordConsumerLag(topic string, lagSeconds float64) {
	ConsumerLag.WithLabelValues(topic).Observe(lagSeconds)
}

// RecordDataIntegrityCritical 记录数据一致性严重错误
func RecordDataIntegrityCritical(errType, reason string) {
	DataIntegrityCritical.WithLabelValues(errType, reason).Inc()
}
