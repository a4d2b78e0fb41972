package model

import (
	"context"
	"errors"
)

// ErrModelNotFound 表示目录中不存在指定的模型。
var ErrModelNotFound = errors.New("model not found")

// Config 描述一个可供路由的模型：归属厂商、上游模型名、接入地址与定价。
// 一次请求解析得到的 Config 在该请求生命周期内不可变。
type Config struct {
	ID            string
	Provider      string
	UpstreamModel string
	BaseURL       string
	PriceIn       float64
	PriceOut      float64
	DisplayName   string
}

// Clone 返回配置的拷贝，缓存内部持有的实例不对外暴露。
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Catalog 抽象模型目录的读取。实现必须支持并发调用。
type Catalog interface {
	FindModel(ctx context.Context, id string) (*Config, error)
	ListModels(ctx context.Context) ([]*Config, error)
}

// Pricing 是厂商级别的兜底定价，单位为每千 token 的美元价格。
// 降级模式下目录没有逐模型定价时使用。
type Pricing struct {
	In  float64
	Out float64
}

// DefaultPricing 返回厂商的兜底定价，未知厂商返回零值。
func DefaultPricing(provider string) Pricing {
	return defaultPricing[provider]
}

var defaultPricing = map[string]Pricing{
	ProviderOpenAI:    {In: 0.0025, Out: 0.01},
	ProviderAnthropic: {In: 0.003, Out: 0.015},
	ProviderDeepSeek:  {In: 0.00014, Out: 0.00028},
	ProviderZhipu:     {In: 0.0001, Out: 0.0001},
}
