package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Config 描述了网关在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Catalog   CatalogConfig   `json:"catalog"`
	Cache     CacheConfig     `json:"cache"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Ledger    LedgerConfig    `json:"ledger"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述持久化后端。driver 为 none 时网关进入降级模式，
// 令牌校验与模型目录全部来自环境变量。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// CatalogConfig 指定模型目录的来源。Source 指向 YAML 文件时使用静态目录；
// 留空时由存储驱动决定（mysql 用库表，none 用环境推导）。
type CatalogConfig struct {
	Source string `json:"source"`
}

// CacheConfig 控制两个有界缓存的容量与新鲜度窗口。
type CacheConfig struct {
	TokenCapacity     int `json:"token_capacity"`
	TokenTTLSeconds   int `json:"token_ttl_seconds"`
	CatalogCapacity   int `json:"catalog_capacity"`
	CatalogTTLSeconds int `json:"catalog_ttl_seconds"`
}

// ProvidersConfig 描述各上游厂商的凭证来源与地址覆盖。
type ProvidersConfig struct {
	DefaultModel string                    `json:"default_model"`
	Entries      map[string]ProviderConfig `json:"entries"`
}

// ProviderConfig 配置单个厂商。APIKey 直接给出密钥，APIKeyEnv 指定读取的
// 环境变量名，二者都缺省时使用厂商内置的环境变量名。
type ProviderConfig struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
}

// GatewayConfig 放置请求编排层的运行参数。MinTokenBalance 为准入余额
// 下限,显式填 0 表示余额大于零即放行。
type GatewayConfig struct {
	CallTimeoutSeconds int    `json:"call_timeout_seconds"`
	MinTokenBalance    *int64 `json:"min_token_balance"`
}

// LedgerConfig 描述消费事件外发队列。
type LedgerConfig struct {
	Driver         string               `json:"driver"`
	Endpoint       string               `json:"endpoint"`
	Workers        int                  `json:"workers"`
	MaxAttempts    int                  `json:"max_attempts"`
	BackoffSeconds int                  `json:"backoff_seconds"`
	Redis          LedgerRedisConfig    `json:"redis"`
	RabbitMQ       LedgerRabbitMQConfig `json:"rabbitmq"`
}

// LedgerRedisConfig 描述 Redis 队列的连接参数。
type LedgerRedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// LedgerRabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type LedgerRabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// TokenMinBalance 返回准入余额下限,未配置时默认 10。
func (c GatewayConfig) TokenMinBalance() int64 {
	if c.MinTokenBalance == nil || *c.MinTokenBalance < 0 {
		return 10
	}
	return *c.MinTokenBalance
}

// CallTimeout 返回解析后的上游调用超时。
func (c GatewayConfig) CallTimeout() time.Duration {
	if c.CallTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default 返回一套可直接以降级模式启动的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "none"
	}
	if c.Cache.TokenCapacity <= 0 {
		c.Cache.TokenCapacity = 5000
	}
	if c.Cache.TokenTTLSeconds <= 0 {
		c.Cache.TokenTTLSeconds = 300
	}
	if c.Cache.CatalogCapacity <= 0 {
		c.Cache.CatalogCapacity = 1000
	}
	if c.Cache.CatalogTTLSeconds <= 0 {
		c.Cache.CatalogTTLSeconds = 3600
	}
	if c.Gateway.CallTimeoutSeconds <= 0 {
		c.Gateway.CallTimeoutSeconds = 120
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Workers <= 0 {
		c.Ledger.Workers = 2
	}
	if c.Ledger.MaxAttempts <= 0 {
		c.Ledger.MaxAttempts = 3
	}
	if c.Ledger.BackoffSeconds <= 0 {
		c.Ledger.BackoffSeconds = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
