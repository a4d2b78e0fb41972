package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
)

// Client 通过 HTTP 调用 OpenAI 的 Chat Completions API。
// DeepSeek、智谱等兼容该协议的厂商复用此实现，仅替换地址与默认值。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg provider.ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Factory 供注册表使用的构造函数。
func Factory(cfg provider.ClientConfig) (provider.Client, error) {
	return NewClient(cfg)
}

// Chat 执行一次补全调用，流式模式下逐片段回调并在流关闭后返回聚合结果。
func (c *Client) Chat(ctx context.Context, req provider.Request) (*provider.Result, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建上游请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "请求上游失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeProvider,
			fmt.Sprintf("上游返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if req.Stream && req.OnChunk != nil {
		return consumeStream(resp.Body, req.OnChunk)
	}
	return decodeResponse(resp.Body)
}

// buildPayload 把统一请求翻译为 OpenAI 的 function 包裹式工具格式。
func buildPayload(req provider.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, message{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, message{Role: msg.Role, Content: msg.Content})
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	if req.Stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化上游请求失败: %w", err)
	}
	return encoded, nil
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u wireUsage) toUsage() provider.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return provider.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
	}
}

func decodeResponse(body io.Reader) (*provider.Result, error) {
	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage wireUsage `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析上游响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProvider, "上游响应中没有有效的 choices")
	}

	choice := decoded.Choices[0]
	result := &provider.Result{
		Content: choice.Message.Content,
		Usage:   decoded.Usage.toUsage(),
		Model:   decoded.Model,
	}
	for _, call := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, provider.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: parseArguments(call.Function.Arguments),
		})
	}
	return result, nil
}

// parseArguments 解析工具调用参数。上游给出的参数不是合法 JSON 时
// 保留原文，避免丢信息。
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type pendingToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// consumeStream 逐行读取 SSE 流，按片段回调并聚合最终结果。
func consumeStream(body io.Reader, onChunk provider.StreamHandler) (*provider.Result, error) {
	var (
		content strings.Builder
		usage   provider.Usage
		model   string
		pending []*pendingToolCall
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析流式片段失败")
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage.toUsage()
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := onChunk(provider.Chunk{Content: delta.Content}); err != nil {
				return nil, err
			}
		}
		for _, call := range delta.ToolCalls {
			for call.Index >= len(pending) {
				pending = append(pending, &pendingToolCall{})
			}
			slot := pending[call.Index]
			if call.ID != "" {
				slot.id = call.ID
			}
			if call.Function.Name != "" {
				slot.name = call.Function.Name
			}
			slot.arguments.WriteString(call.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "读取流式响应失败")
	}

	if err := onChunk(provider.Chunk{Done: true, Usage: &usage}); err != nil {
		return nil, err
	}

	result := &provider.Result{
		Content: content.String(),
		Usage:   usage,
		Model:   model,
	}
	for _, call := range pending {
		result.ToolCalls = append(result.ToolCalls, provider.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: parseArguments(call.arguments.String()),
		})
	}
	return result, nil
}
