// Package deepseek 提供 DeepSeek 的厂商适配。其接口与 OpenAI 的
// Chat Completions 协议兼容，复用 openai 包的客户端实现，仅替换默认地址。
package deepseek

import (
	"strings"

	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/provider/openai"
)

const defaultBaseURL = "https://api.deepseek.com/v1"

// Factory 供注册表使用的构造函数。
func Factory(cfg provider.ClientConfig) (provider.Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return openai.NewClient(cfg)
}
