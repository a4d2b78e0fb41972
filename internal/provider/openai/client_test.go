package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/provider"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(provider.ClientConfig{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestChatSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "你好",
						"tool_calls": []map[string]any{
							{
								"id": "call_1",
								"function": map[string]any{
									"name":      "get_weather",
									"arguments": `{"city":"Beijing"}`,
								},
							},
						},
					},
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     12,
				"completion_tokens": 7,
				"total_tokens":      19,
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(provider.ClientConfig{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := client.Chat(context.Background(), provider.Request{
		Model:        "gpt-4o-mini",
		Messages:     []provider.Message{{Role: "user", Content: "天气如何"}},
		SystemPrompt: "You are helpful.",
		Tools: []provider.Tool{
			{Name: "get_weather", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Content != "你好" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if result.Usage.TotalTokens != 19 {
		t.Fatalf("unexpected usage: %+v", result.Usage)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("unexpected tool calls: %+v", result.ToolCalls)
	}
	if result.ToolCalls[0].Arguments["city"] != "Beijing" {
		t.Fatalf("tool arguments not parsed: %+v", result.ToolCalls[0].Arguments)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	messages := captured.Body["messages"].([]any)
	first := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Fatalf("system prompt should be the first message, got %+v", first)
	}
	tools := captured.Body["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["type"] != "function" {
		t.Fatalf("tools must use the function-wrapped shape, got %+v", tool)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(provider.ClientConfig{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Chat(context.Background(), provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if xerrors.CodeOf(err) != xerrors.CodeProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestChatStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fragments := []string{
			`{"model":"gpt-4o-mini","choices":[{"delta":{"content":"你"}}]}`,
			`{"choices":[{"delta":{"content":"好"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, fragment := range fragments {
			fmt.Fprintf(w, "data: %s\n\n", fragment)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(provider.ClientConfig{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []string
	var finalUsage *provider.Usage
	result, err := client.Chat(context.Background(), provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
		OnChunk: func(chunk provider.Chunk) error {
			if chunk.Done {
				finalUsage = chunk.Usage
				return nil
			}
			chunks = append(chunks, chunk.Content)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(chunks) < 1 {
		t.Fatalf("expected at least one incremental chunk")
	}
	if joined := strings.Join(chunks, ""); joined != result.Content {
		t.Fatalf("aggregated content %q must equal concatenated chunks %q", result.Content, joined)
	}
	if result.Content != "你好" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if finalUsage == nil || finalUsage.TotalTokens != 7 {
		t.Fatalf("final chunk must carry the usage summary, got %+v", finalUsage)
	}
	if result.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected aggregated usage: %+v", result.Usage)
	}
}

func TestChatStreamingCallbackAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"你\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"好\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(provider.ClientConfig{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	abort := fmt.Errorf("客户端断开连接")
	calls := 0
	result, err := client.Chat(context.Background(), provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
		OnChunk: func(chunk provider.Chunk) error {
			calls++
			return abort
		},
	})
	if err != abort {
		t.Fatalf("expected the callback error to surface, got result=%+v err=%v", result, err)
	}
	if calls != 1 {
		t.Fatalf("stream must stop after the failing callback, got %d calls", calls)
	}
}
