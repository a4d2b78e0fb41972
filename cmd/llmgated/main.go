package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"OpenLLM-Gateway/internal/api"
	"OpenLLM-Gateway/internal/config"
	"OpenLLM-Gateway/internal/gateway"
	"OpenLLM-Gateway/internal/ledger"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/observability/metrics"
	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/provider/anthropic"
	"OpenLLM-Gateway/internal/provider/deepseek"
	"OpenLLM-Gateway/internal/provider/openai"
	"OpenLLM-Gateway/internal/provider/zhipu"
	"OpenLLM-Gateway/internal/storage/mysql"
	"OpenLLM-Gateway/internal/token"
	"OpenLLM-Gateway/internal/usage"
	"OpenLLM-Gateway/pkg/logger"
)

// main 是网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("llmgated 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时静默跳过,本地开发用它注入厂商密钥。
	_ = godotenv.Load()

	configPath := os.Getenv("LLMGATE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "llmgate.json")
	}

	// 没有配置文件时以降级模式启动,只靠环境变量里的厂商密钥工作。
	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	credentials := resolveCredentials(cfg)

	var (
		tokenStore token.Store
		usageStore usage.Store
		catalog    model.Catalog
	)
	switch cfg.Storage.Driver {
	case "", "none":
		tokenStore = token.NewEphemeralStore()
		logger.L().Warn("未配置持久化存储,进入降级模式,所有令牌不限额")
	case "mysql":
		store, err := mysql.NewSQLStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		tokenStore = store
		usageStore = store
		catalog = store
		defer store.Close()
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	if cfg.Catalog.Source != "" {
		static, err := model.LoadStaticCatalog(cfg.Catalog.Source)
		if err != nil {
			return err
		}
		catalog = static
	}
	if catalog == nil {
		available := make([]string, 0, len(credentials))
		baseURLs := make(map[string]string)
		for name, cred := range credentials {
			available = append(available, name)
			if cred.BaseURL != "" {
				baseURLs[name] = cred.BaseURL
			}
		}
		catalog = model.NewEnvCatalog(available, baseURLs)
	}

	validator := token.NewValidator(tokenStore,
		token.WithValidatorCache(cfg.Cache.TokenCapacity, time.Duration(cfg.Cache.TokenTTLSeconds)*time.Second),
		token.WithMinBalance(cfg.Gateway.TokenMinBalance()))
	resolver := model.NewResolver(catalog,
		model.WithResolverCache(cfg.Cache.CatalogCapacity, time.Duration(cfg.Cache.CatalogTTLSeconds)*time.Second))

	registry := provider.NewRegistry()
	registry.Register(model.ProviderOpenAI, openai.Factory)
	registry.Register(model.ProviderAnthropic, anthropic.Factory)
	registry.Register(model.ProviderDeepSeek, deepseek.Factory)
	registry.Register(model.ProviderZhipu, zhipu.Factory)

	queue, err := createLedgerQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭消费事件队列失败", "error", err)
			}
		}
	}()

	recorder := usage.NewRecorder(usageStore, queue, validator)

	if cfg.Ledger.Endpoint != "" {
		forwarder, err := ledger.NewForwarder(queue, ledger.ForwarderConfig{
			Endpoint:    cfg.Ledger.Endpoint,
			Workers:     cfg.Ledger.Workers,
			MaxAttempts: cfg.Ledger.MaxAttempts,
			Backoff:     time.Duration(cfg.Ledger.BackoffSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := forwarder.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("事件转发器异常退出", "error", err)
			}
		}()
	}

	gw := gateway.New(validator, resolver, registry, recorder, credentials,
		gateway.WithCallTimeout(cfg.Gateway.CallTimeout()),
		gateway.WithDefaultModel(cfg.Providers.DefaultModel))

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, gw)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// 各厂商约定俗成的密钥环境变量,配置未覆盖时按此探测。
var defaultKeyEnv = map[string]string{
	model.ProviderOpenAI:    "OPENAI_API_KEY",
	model.ProviderAnthropic: "ANTHROPIC_API_KEY",
	model.ProviderDeepSeek:  "DEEPSEEK_API_KEY",
	model.ProviderZhipu:     "ZHIPU_API_KEY",
}

// resolveCredentials 汇总各厂商凭据,api_key 为空时回退到 api_key_env
// 指定的环境变量,再回退到约定的环境变量。没有密钥的厂商不参与路由。
func resolveCredentials(cfg *config.Config) map[string]gateway.Credential {
	credentials := make(map[string]gateway.Credential)
	for name, entry := range cfg.Providers.Entries {
		name = strings.ToLower(strings.TrimSpace(name))
		if !model.KnownProvider(name) {
			logger.L().Warn("忽略未知的厂商配置", "provider", name)
			continue
		}
		apiKey := strings.TrimSpace(entry.APIKey)
		if apiKey == "" && entry.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(entry.APIKeyEnv))
		}
		if apiKey == "" {
			continue
		}
		credentials[name] = gateway.Credential{APIKey: apiKey, BaseURL: entry.BaseURL}
	}
	for name, envName := range defaultKeyEnv {
		if _, ok := credentials[name]; ok {
			continue
		}
		if apiKey := strings.TrimSpace(os.Getenv(envName)); apiKey != "" {
			credentials[name] = gateway.Credential{APIKey: apiKey}
		}
	}
	return credentials
}

func createLedgerQueue(cfg *config.Config) (ledger.Queue, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryQueue(1024), nil
	case "redis":
		return ledger.NewRedisQueue(ledger.RedisQueueConfig{
			Address:   cfg.Ledger.Redis.Address,
			Password:  cfg.Ledger.Redis.Password,
			DB:        cfg.Ledger.Redis.DB,
			Queue:     cfg.Ledger.Redis.Queue,
			BlockWait: time.Duration(cfg.Ledger.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return ledger.NewRabbitMQQueue(ledger.RabbitMQConfig{
			URL:        cfg.Ledger.RabbitMQ.URL,
			Queue:      cfg.Ledger.RabbitMQ.Queue,
			Prefetch:   cfg.Ledger.RabbitMQ.Prefetch,
			Durable:    cfg.Ledger.RabbitMQ.Durable,
			AutoDelete: cfg.Ledger.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的消费事件队列驱动: %s", cfg.Ledger.Driver)
	}
}
