// Package kafka 提供 Kafka 生产者和消费者
package kafka

// Kafka topic 名称
const (
	// 拍卖相关
	TopicAuctionCompleted            = "auction_completed"              // 拍卖有中标者结束 (market → market/外部)
	TopicAuctionCompletedWithoutBids = "auction_completed_without_bids" // 流拍 (market → 外部)

	// 结算相关
	TopicTransactionCompleted = "transaction.completed" // 成交确认 (wallet/clearing → market)
	TopicTransactionFailed    = "transaction.failed"    // 成交失败 (wallet/clearing → market)

	// 库存相关
	TopicCreditIssued    = "credit_issued"           // 新批次签发 (registry → market)
	TopicInventoryUpdate = "credit.inventory.update" // 库存变更广播 (market → 外部)

	// 余额相关
	TopicBalanceUpdateCommand = "balance.update.command" // 钱包余额对账指令 (wallet → market)

	// 死信队列
	TopicDeadLetter = "dead-letter" // 处理失败的消息
)

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}
