// Package zhipu 提供智谱 GLM 的厂商适配。开放平台的对话接口与 OpenAI
// 协议兼容，复用 openai 包的客户端实现，仅替换默认地址。
package zhipu

import (
	"strings"

	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/provider/openai"
)

const defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"

// Factory 供注册表使用的构造函数。
func Factory(cfg provider.ClientConfig) (provider.Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return openai.NewClient(cfg)
}
