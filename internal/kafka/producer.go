// Package kafka 提供 Kafka 生产者和消费者
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ecotrade-exchange/ecotrade-market/pkg/logger"
)

// ErrPublishFailed 发布最终失败 (重试耗尽)
// 调用方记录日志并继续, 不回滚已提交的业务状态。
var ErrPublishFailed = errors.New("kafka publish failed after retries")

// Producer Kafka 同步生产者
// 集成事件要求至少一次投递: 每次发送失败后先重连再重试,
// 重试耗尽返回 ErrPublishFailed。
type Producer struct {
	cfg      *ProducerConfig
	producer sarama.SyncProducer
	mu       sync.Mutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks sarama.RequiredAcks // 默认 WaitForAll
	MaxRetries   int                 // 外层重试次数, 默认 3
	RetryBackoff time.Duration       // 固定重试间隔, 默认 500ms
}

// DefaultProducerConfig 返回默认生产者配置
func DefaultProducerConfig(brokers []string) *ProducerConfig {
	return &ProducerConfig{
		Brokers:      brokers,
		RequiredAcks: sarama.WaitForAll,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

func newSyncProducer(cfg *ProducerConfig) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = cfg.RequiredAcks
	config.Producer.Retry.Max = 1
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Compression = sarama.CompressionSnappy

	// 幂等性配置 (需要 Kafka 0.11+)
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	return sarama.NewSyncProducer(cfg.Brokers, config)
}

// NewProducer 创建同步生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	producer, err := newSyncProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer failed: %w", err)
	}

	logger.Info("kafka producer started",
		zap.Strings("brokers", cfg.Brokers),
	)

	return &Producer{
		cfg:      cfg,
		producer: producer,
	}, nil
}

// SendWithContext 发送消息, 失败时先重连再重试
func (p *Producer) SendWithContext(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.RetryBackoff):
			}
			p.reconnect()
		}

		partition, offset, err := p.send(msg)
		if err == nil {
			logger.Debug("kafka message sent",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Int64("offset", offset),
			)
			return nil
		}

		lastErr = err
		logger.Warn("kafka send failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return fmt.Errorf("%w: topic=%s: %v", ErrPublishFailed, topic, lastErr)
}

func (p *Producer) send(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, 0, errors.New("producer is closed")
	}
	return p.producer.SendMessage(msg)
}

// reconnect 重建底层连接
// broker 重启后旧连接可能半死不活, 重试前强制换新。
func (p *Producer) reconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	fresh, err := newSyncProducer(p.cfg)
	if err != nil {
		logger.Warn("kafka reconnect failed", zap.Error(err))
		return
	}

	old := p.producer
	p.producer = fresh
	if old != nil {
		_ = old.Close()
	}

	logger.Info("kafka producer reconnected")
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer failed: %w", err)
	}

	logger.Info("kafka producer closed")
	return nil
}
