package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 服务配置
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	Database     DatabaseConfig     `yaml:"database" json:"database"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" json:"kafka"`
	Wallet       WalletConfig       `yaml:"wallet" json:"wallet"`
	Notification NotificationConfig `yaml:"notification" json:"notification"`
	Sweep        SweepConfig        `yaml:"sweep" json:"sweep"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host                   string `yaml:"host" json:"host"`
	Port                   int    `yaml:"port" json:"port"`
	User                   string `yaml:"user" json:"user"`
	Password               string `yaml:"password" json:"password"`
	Database               string `yaml:"database" json:"database"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns           int    `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" json:"conn_max_lifetime_minutes"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Brokers  []string       `yaml:"brokers" json:"brokers"`
	GroupID  string         `yaml:"group_id" json:"group_id"`
	Producer ProducerConfig `yaml:"producer" json:"producer"`
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer"`
}

// ProducerConfig Kafka 生产者配置
type ProducerConfig struct {
	RequiredAcks   int `yaml:"required_acks" json:"required_acks"`       // 0=NoResponse, 1=WaitForLocal, -1=WaitForAll
	MaxRetries     int `yaml:"max_retries" json:"max_retries"`           // 发送失败最大重试次数
	RetryBackoffMs int `yaml:"retry_backoff_ms" json:"retry_backoff_ms"` // 重试间隔 (毫秒)
}

// ConsumerConfig Kafka 消费者配置
type ConsumerConfig struct {
	InitialOffset string `yaml:"initial_offset" json:"initial_offset"` // newest, oldest
}

// WalletConfig 钱包服务配置
type WalletConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	TimeoutMs  int    `yaml:"timeout_ms" json:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// NotificationConfig 通知服务配置
type NotificationConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms"`
}

// SweepConfig 拍卖到期扫描配置
type SweepConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	Cron             string `yaml:"cron" json:"cron"` // 秒级 cron 表达式
	BatchSize        int    `yaml:"batch_size" json:"batch_size"`
	TimeoutSec       int    `yaml:"timeout_sec" json:"timeout_sec"`
	LockTTLSec       int    `yaml:"lock_ttl_sec" json:"lock_ttl_sec"`
	CheckIntervalSec int    `yaml:"check_interval_sec" json:"check_interval_sec"` // 调度器不可用时的兜底轮询间隔
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := defaultConfig()

	// 尝试从配置文件加载
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// 从环境变量覆盖
	loadFromEnv(cfg)

	return cfg, nil
}

// defaultConfig 返回默认配置
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "ecotrade-market",
			HTTPPort: 8080,
			Env:      "dev",
		},
		Database: DatabaseConfig{
			Host:                   "localhost",
			Port:                   5432,
			User:                   "postgres",
			Password:               "postgres",
			Database:               "ecotrade_market",
			MaxIdleConns:           10,
			MaxOpenConns:           100,
			ConnMaxLifetimeMinutes: 30,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
			PoolSize: 100,
		},
		Kafka: KafkaConfig{
			Enabled: false, // 默认不启用 Kafka
			Brokers: []string{"localhost:9092"},
			GroupID: "ecotrade-market",
			Producer: ProducerConfig{
				RequiredAcks:   -1, // WaitForAll
				MaxRetries:     3,
				RetryBackoffMs: 500,
			},
			Consumer: ConsumerConfig{
				InitialOffset: "newest",
			},
		},
		Wallet: WalletConfig{
			BaseURL:    "http://localhost:8081",
			TimeoutMs:  3000,
			MaxRetries: 3,
		},
		Notification: NotificationConfig{
			BaseURL:   "http://localhost:8082",
			TimeoutMs: 2000,
		},
		Sweep: SweepConfig{
			Enabled:          true,
			Cron:             "*/10 * * * * *", // 每10秒
			BatchSize:        100,
			TimeoutSec:       60,
			LockTTLSec:       90,
			CheckIntervalSec: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadFromEnv 从环境变量加载配置
func loadFromEnv(cfg *Config) {
	// 数据库配置
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if database := os.Getenv("DB_DATABASE"); database != "" {
		cfg.Database.Database = database
	}

	// Redis 配置
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// Kafka 配置
	if enabled := os.Getenv("KAFKA_ENABLED"); enabled == "true" {
		cfg.Kafka.Enabled = true
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if groupID := os.Getenv("KAFKA_GROUP_ID"); groupID != "" {
		cfg.Kafka.GroupID = groupID
	}

	// 外部服务配置
	if url := os.Getenv("WALLET_BASE_URL"); url != "" {
		cfg.Wallet.BaseURL = url
	}
	if url := os.Getenv("NOTIFICATION_BASE_URL"); url != "" {
		cfg.Notification.BaseURL = url
	}
}
