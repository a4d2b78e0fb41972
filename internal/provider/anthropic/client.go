package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com"
	defaultTimeout   = 120 * time.Second
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Client 通过 HTTP 调用 Anthropic 的 Messages API。与 OpenAI 协议的差异：
// 认证走 x-api-key 头，系统提示是顶层字段，工具使用具名 input_schema 形式。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg provider.ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
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

// Chat 执行一次补全调用。
func (c *Client) Chat(ctx context.Context, req provider.Request) (*provider.Result, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建上游请求失败: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
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

// buildPayload 把统一请求翻译为 Messages API 的具名 schema 工具格式。
func buildPayload(req provider.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		// Messages API 只接受 user/assistant，消息里的 system 提到顶层。
		role := msg.Role
		if role == "system" {
			continue
		}
		messages = append(messages, message{Role: role, Content: msg.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		for _, msg := range req.Messages {
			if msg.Role == "system" {
				system = msg.Content
				break
			}
		}
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		body["tools"] = tools
	}
	if req.Stream {
		body["stream"] = true
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化上游请求失败: %w", err)
	}
	return encoded, nil
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u wireUsage) toUsage() provider.Usage {
	return provider.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

func decodeResponse(body io.Reader) (*provider.Result, error) {
	var decoded struct {
		Model   string `json:"model"`
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		Usage wireUsage `json:"usage"`
	}
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析上游响应失败")
	}

	result := &provider.Result{
		Usage: decoded.Usage.toUsage(),
		Model: decoded.Model,
	}
	var content strings.Builder
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	result.Content = content.String()
	return result, nil
}

// consumeStream 逐事件读取 Messages API 的 SSE 流。
// input_tokens 在 message_start 给出，output_tokens 在 message_delta 给出。
func consumeStream(body io.Reader, onChunk provider.StreamHandler) (*provider.Result, error) {
	type streamEvent struct {
		Type    string `json:"type"`
		Message struct {
			Model string    `json:"model"`
			Usage wireUsage `json:"usage"`
		} `json:"message"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
		Usage wireUsage `json:"usage"`
	}

	type pendingToolCall struct {
		id    string
		name  string
		input strings.Builder
	}

	var (
		content strings.Builder
		usage   wireUsage
		model   string
		pending []*pendingToolCall
		current *pendingToolCall
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析流式片段失败")
		}

		switch event.Type {
		case "message_start":
			model = event.Message.Model
			usage.InputTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				current = &pendingToolCall{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				pending = append(pending, current)
			} else {
				current = nil
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					content.WriteString(event.Delta.Text)
					if err := onChunk(provider.Chunk{Content: event.Delta.Text}); err != nil {
						return nil, err
					}
				}
			case "input_json_delta":
				if current != nil {
					current.input.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			// 事件流结束。
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "读取流式响应失败")
	}

	aggregated := usage.toUsage()
	if err := onChunk(provider.Chunk{Done: true, Usage: &aggregated}); err != nil {
		return nil, err
	}

	result := &provider.Result{
		Content: content.String(),
		Usage:   aggregated,
		Model:   model,
	}
	for _, call := range pending {
		args := map[string]any{}
		raw := call.input.String()
		if strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"raw": raw}
			}
		}
		result.ToolCalls = append(result.ToolCalls, provider.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: args,
		})
	}
	return result, nil
}
