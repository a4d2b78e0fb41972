package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/gateway"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/usage"
)

type fakeService struct {
	result   *gateway.ChatResult
	err      error
	chunks   []string
	models   []*model.Config
	captured *gateway.ChatRequest
}

func (f *fakeService) Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResult, error) {
	f.captured = &req
	if f.err != nil {
		return nil, f.err
	}
	if req.Stream && req.OnChunk != nil {
		for _, fragment := range f.chunks {
			if err := req.OnChunk(provider.Chunk{Content: fragment}); err != nil {
				return nil, err
			}
		}
		usageCopy := f.result.Usage
		if err := req.OnChunk(provider.Chunk{Done: true, Usage: &usageCopy}); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func (f *fakeService) ListModels(ctx context.Context) ([]*model.Config, error) {
	return f.models, nil
}

func newChatRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-demo-secret")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandleChatCompletionsSuccess(t *testing.T) {
	service := &fakeService{result: &gateway.ChatResult{
		RequestID: "req-1",
		Content:   "你好",
		Usage:     provider.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
		Model:     "deepseek-chat",
		Provider:  "deepseek",
		Cost:      usage.Cost{Input: 0.0056, Output: 0.0028, Total: 0.0084},
	}}
	server := NewServer(":0", service)

	req := newChatRequest(t, `{"model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var got chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "req-1" || got.Content != "你好" || got.Provider != "deepseek" {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.Usage.TotalTokens != 50 || got.Cost.Total != 0.0084 {
		t.Fatalf("unexpected accounting fields: %+v", got)
	}
}

func TestHandleChatCompletionsMissingToken(t *testing.T) {
	server := NewServer(":0", &fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions",
		strings.NewReader(`{"model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestHandleChatCompletionsErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{
			name: "quota exceeded",
			err: xerrors.New(xerrors.CodeQuotaExceeded, "令牌余额不足",
				xerrors.WithReason(xerrors.ReasonBalance)),
			status: http.StatusTooManyRequests,
			reason: xerrors.ReasonBalance,
		},
		{
			name: "model not allowed",
			err: xerrors.New(xerrors.CodeValidation, "令牌无权访问该模型",
				xerrors.WithReason(xerrors.ReasonModelNotAllowed)),
			status: http.StatusForbidden,
			reason: xerrors.ReasonModelNotAllowed,
		},
		{
			name: "unknown model",
			err: xerrors.New(xerrors.CodeConfiguration, "模型不存在",
				xerrors.WithReason(xerrors.ReasonNotFound)),
			status: http.StatusBadRequest,
			reason: xerrors.ReasonNotFound,
		},
		{
			name:   "provider failure",
			err:    xerrors.New(xerrors.CodeProvider, "上游返回 500"),
			status: http.StatusBadGateway,
		},
		{
			name:   "timeout",
			err:    xerrors.New(xerrors.CodeTimeout, "上游调用超时"),
			status: http.StatusGatewayTimeout,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(":0", &fakeService{err: tc.err})
			req := newChatRequest(t, `{"model":"deepseek-chat","messages":[{"role":"user","content":"hi"}]}`)
			rec := httptest.NewRecorder()
			server.Routes().ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			var body struct {
				Error struct {
					Code   string `json:"code"`
					Reason string `json:"reason"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if tc.reason != "" && body.Error.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, body.Error.Reason)
			}
		})
	}
}

func TestHandleChatCompletionsStreaming(t *testing.T) {
	service := &fakeService{
		chunks: []string{"你", "好"},
		result: &gateway.ChatResult{
			RequestID: "req-stream",
			Content:   "你好",
			Usage:     provider.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
			Model:     "deepseek-chat",
			Provider:  "deepseek",
		},
	}
	server := NewServer(":0", service)

	req := newChatRequest(t, `{"model":"deepseek-chat","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	var fragments []string
	var finalUsage *provider.Usage
	sawDone := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", payload, err)
		}
		if chunk.Done {
			finalUsage = chunk.Usage
			continue
		}
		fragments = append(fragments, chunk.Content)
	}

	if strings.Join(fragments, "") != "你好" {
		t.Fatalf("unexpected fragments: %v", fragments)
	}
	if finalUsage == nil || finalUsage.TotalTokens != 6 {
		t.Fatalf("final chunk should carry usage: %+v", finalUsage)
	}
	if !sawDone {
		t.Fatalf("stream should end with [DONE]")
	}
}

func TestHandleListModels(t *testing.T) {
	service := &fakeService{models: []*model.Config{
		{ID: "deepseek-chat", Provider: "deepseek", PriceIn: 0.14, PriceOut: 0.28},
		{ID: "gpt-4o", Provider: "openai", PriceIn: 0.0025, PriceOut: 0.01, DisplayName: "GPT-4o"},
	}}
	server := NewServer(":0", service)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var body struct {
		Models []struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
		} `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Models) != 2 || body.Models[0].ID != "deepseek-chat" {
		t.Fatalf("unexpected models: %+v", body.Models)
	}
}

func TestHandleChatCompletionsStringPrompt(t *testing.T) {
	service := &fakeService{result: &gateway.ChatResult{
		RequestID: "req-2",
		Content:   "好的",
		Model:     "deepseek-chat",
		Provider:  "deepseek",
	}}
	server := NewServer(":0", service)

	req := newChatRequest(t, `{"model":"deepseek-chat","prompt":"帮我写个摘要","operation":"summarize","api_key":"sk-caller"}`)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d, body %s", rec.Code, rec.Body.String())
	}
	if service.captured == nil {
		t.Fatalf("service was not invoked")
	}
	got := service.captured
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "帮我写个摘要" {
		t.Fatalf("string prompt must become a single user message, got %+v", got.Messages)
	}
	if got.Operation != "summarize" {
		t.Fatalf("operation tag not forwarded, got %q", got.Operation)
	}
	if got.APIKey != "sk-caller" {
		t.Fatalf("api key override not forwarded, got %q", got.APIKey)
	}
}

func TestHandleChatCompletionsPromptAsMessages(t *testing.T) {
	service := &fakeService{result: &gateway.ChatResult{RequestID: "req-3", Model: "deepseek-chat"}}
	server := NewServer(":0", service)

	req := newChatRequest(t, `{"model":"deepseek-chat","prompt":[{"role":"user","content":"第一句"},{"role":"assistant","content":"第二句"},{"role":"user","content":"第三句"}]}`)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d, body %s", rec.Code, rec.Body.String())
	}
	if service.captured == nil || len(service.captured.Messages) != 3 {
		t.Fatalf("prompt message array must pass through, got %+v", service.captured)
	}
}

func TestHandleChatCompletionsInvalidPrompt(t *testing.T) {
	server := NewServer(":0", &fakeService{result: &gateway.ChatResult{}})

	req := newChatRequest(t, `{"model":"deepseek-chat","prompt":42}`)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d, body %s", http.StatusBadRequest, rec.Code, rec.Body.String())
	}
}
