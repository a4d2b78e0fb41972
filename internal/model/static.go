package model

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogFile 对应模型目录 YAML 文件的结构。
type catalogFile struct {
	Models map[string]catalogEntry `yaml:"models"`
}

type catalogEntry struct {
	Provider      string  `yaml:"provider"`
	UpstreamModel string  `yaml:"upstream_model"`
	BaseURL       string  `yaml:"base_url"`
	PriceIn       float64 `yaml:"price_in"`
	PriceOut      float64 `yaml:"price_out"`
	DisplayName   string  `yaml:"display_name"`
}

// StaticCatalog 从 YAML 文件加载的只读模型目录，适合没有数据库
// 但需要精确定价的部署。
type StaticCatalog struct {
	models map[string]*Config
}

// LoadStaticCatalog 解析目录文件并做基本校验。
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取模型目录失败: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析模型目录失败: %w", err)
	}

	models := make(map[string]*Config, len(file.Models))
	for id, entry := range file.Models {
		provider := strings.ToLower(strings.TrimSpace(entry.Provider))
		if !KnownProvider(provider) {
			return nil, fmt.Errorf("模型 %s 使用了不支持的厂商 %s", id, entry.Provider)
		}
		upstream := strings.TrimSpace(entry.UpstreamModel)
		if upstream == "" {
			upstream = id
		}
		pricing := DefaultPricing(provider)
		priceIn, priceOut := entry.PriceIn, entry.PriceOut
		if priceIn <= 0 {
			priceIn = pricing.In
		}
		if priceOut <= 0 {
			priceOut = pricing.Out
		}
		display := entry.DisplayName
		if display == "" {
			display = upstream
		}
		models[id] = &Config{
			ID:            id,
			Provider:      provider,
			UpstreamModel: upstream,
			BaseURL:       entry.BaseURL,
			PriceIn:       priceIn,
			PriceOut:      priceOut,
			DisplayName:   display,
		}
	}
	return &StaticCatalog{models: models}, nil
}

// FindModel 按标识查找目录条目。
func (c *StaticCatalog) FindModel(_ context.Context, id string) (*Config, error) {
	cfg, ok := c.models[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrModelNotFound
	}
	return cfg.Clone(), nil
}

// ListModels 返回按标识排序的全部条目。
func (c *StaticCatalog) ListModels(_ context.Context) ([]*Config, error) {
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	configs := make([]*Config, 0, len(ids))
	for _, id := range ids {
		configs = append(configs, c.models[id].Clone())
	}
	return configs, nil
}
