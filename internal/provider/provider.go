package provider

import (
	"context"
	"time"
)

// Message 是统一对话格式中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool 描述一个可供模型调用的工具，Parameters 为 JSON Schema。
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall 是模型发起的一次工具调用，Arguments 为解析后的参数对象。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage 汇总一次补全消耗的 token 数。
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Chunk 是流式输出的一个片段。内容片段 Done 为 false；
// 流结束时回调最后一次，Done 为 true 并携带最终用量。
type Chunk struct {
	Content string
	Done    bool
	Usage   *Usage
}

// StreamHandler 在流式模式下按片段回调。回调返回非 nil 错误时
// 客户端中止读取并把该错误作为 Chat 的返回值。
type StreamHandler func(chunk Chunk) error

// Request 描述发送给任意厂商的统一补全请求。
type Request struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	TopP         float64
	MaxTokens    int
	Stream       bool
	Tools        []Tool
	OnChunk      StreamHandler
}

// Result 是归一化后的补全结果。流式调用在流关闭后同样返回完整聚合结果。
type Result struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Model     string
}

// Client 定义了调用大模型厂商的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Result, error)
}

// ClientConfig 是构造具体厂商客户端所需的信息。
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}
