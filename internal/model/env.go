package model

import (
	"context"
	"sort"
	"strings"

	xerrors "OpenLLM-Gateway/internal/errors"
)

// 支持的厂商名称。优先级顺序见 providerPriority。
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderZhipu     = "zhipu"
)

// providerPriority 是降级模式下的固定回退顺序，保证解析结果确定。
var providerPriority = []string{ProviderOpenAI, ProviderAnthropic, ProviderDeepSeek, ProviderZhipu}

// aliasTable 将常见的裸模型名映射到厂商与上游模型。
var aliasTable = map[string]struct {
	provider string
	upstream string
}{
	"gpt-4o":            {ProviderOpenAI, "gpt-4o"},
	"gpt-4o-mini":       {ProviderOpenAI, "gpt-4o-mini"},
	"o3-mini":           {ProviderOpenAI, "o3-mini"},
	"claude-3-5-sonnet": {ProviderAnthropic, "claude-3-5-sonnet-20241022"},
	"claude-3-5-haiku":  {ProviderAnthropic, "claude-3-5-haiku-20241022"},
	"deepseek-chat":     {ProviderDeepSeek, "deepseek-chat"},
	"deepseek-reasoner": {ProviderDeepSeek, "deepseek-reasoner"},
	"glm-4":             {ProviderZhipu, "glm-4"},
	"glm-4-flash":       {ProviderZhipu, "glm-4-flash"},
}

// defaultUpstream 是把请求回退到其他厂商时使用的该厂商默认模型。
var defaultUpstream = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-20241022",
	ProviderDeepSeek:  "deepseek-chat",
	ProviderZhipu:     "glm-4-flash",
}

// KnownProvider 判断名称是否为受支持的厂商。
func KnownProvider(name string) bool {
	_, ok := defaultUpstream[name]
	return ok
}

// EnvCatalog 是无持久化目录时的降级实现。它只依据构造时可用的厂商
// 凭证集合做解析：先解释可选的 provider/model 语法，再查别名表，
// 最后按固定优先级选择首个有凭证的厂商。相同输入与相同凭证集合
// 必然得到相同结果。
type EnvCatalog struct {
	available map[string]bool
	baseURLs  map[string]string
}

// NewEnvCatalog 构造降级目录。available 为已配置凭证的厂商名集合，
// baseURLs 为可选的厂商地址覆盖。
func NewEnvCatalog(available []string, baseURLs map[string]string) *EnvCatalog {
	set := make(map[string]bool, len(available))
	for _, name := range available {
		name = strings.ToLower(strings.TrimSpace(name))
		if KnownProvider(name) {
			set[name] = true
		}
	}
	return &EnvCatalog{available: set, baseURLs: baseURLs}
}

// FindModel 解析模型标识。仅在没有任何厂商凭证时才会失败。
func (c *EnvCatalog) FindModel(_ context.Context, id string) (*Config, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型标识为空")
	}

	hinted := ""
	modelName := id
	if before, after, found := strings.Cut(id, "/"); found && KnownProvider(strings.ToLower(before)) {
		hinted = strings.ToLower(before)
		modelName = after
	}
	upstream := modelName
	if hinted == "" {
		if alias, ok := aliasTable[strings.ToLower(modelName)]; ok {
			hinted = alias.provider
			upstream = alias.upstream
		}
	}

	provider := ""
	if hinted != "" && c.available[hinted] {
		provider = hinted
	} else {
		// 调用方指名的厂商不可用时回退到优先级顺序，而不是直接失败。
		for _, candidate := range providerPriority {
			if c.available[candidate] {
				provider = candidate
				break
			}
		}
	}
	if provider == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "没有任何厂商配置了凭证",
			xerrors.WithReason(xerrors.ReasonNoCredential))
	}
	if provider != hinted {
		upstream = defaultUpstream[provider]
	}

	pricing := DefaultPricing(provider)
	return &Config{
		ID:            id,
		Provider:      provider,
		UpstreamModel: upstream,
		BaseURL:       c.baseURLs[provider],
		PriceIn:       pricing.In,
		PriceOut:      pricing.Out,
		DisplayName:   upstream,
	}, nil
}

// ListModels 列出所有可用厂商的别名条目，供只读的模型列表接口使用。
func (c *EnvCatalog) ListModels(ctx context.Context) ([]*Config, error) {
	ids := make([]string, 0, len(aliasTable))
	for id, alias := range aliasTable {
		if c.available[alias.provider] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	configs := make([]*Config, 0, len(ids))
	for _, id := range ids {
		cfg, err := c.FindModel(ctx, id)
		if err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
