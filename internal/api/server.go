package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/gateway"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/observability/metrics"
	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/pkg/logger"
)

// ChatService 是 HTTP 层依赖的网关能力。
type ChatService interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResult, error)
	ListModels(ctx context.Context) ([]*model.Config, error)
}

// Server 对外暴露 REST 接口。
type Server struct {
	addr    string
	service ChatService
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service ChatService) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回路由表,测试直接挂到 httptest 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat/completions", instrument("chat_completions", s.handleChatCompletions))
	mux.HandleFunc("/api/v1/models", instrument("models", s.handleListModels))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

type chatCompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Prompt      json.RawMessage    `json:"prompt,omitempty"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Application string             `json:"application,omitempty"`
	Operation   string             `json:"operation,omitempty"`
	APIKey      string             `json:"api_key,omitempty"`
	Tools       []provider.Tool    `json:"tools,omitempty"`
}

// promptMessages 把 prompt 字段归一化为消息列表。
// prompt 允许是纯字符串或完整的消息数组。
func (r *chatCompletionRequest) promptMessages() ([]provider.Message, error) {
	if len(r.Messages) > 0 || len(r.Prompt) == 0 {
		return r.Messages, nil
	}
	var text string
	if err := json.Unmarshal(r.Prompt, &text); err == nil {
		return []provider.Message{{Role: "user", Content: text}}, nil
	}
	var messages []provider.Message
	if err := json.Unmarshal(r.Prompt, &messages); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "prompt 必须是字符串或消息数组")
	}
	return messages, nil
}

type chatCompletionResponse struct {
	ID        string              `json:"id"`
	Model     string              `json:"model"`
	Provider  string              `json:"provider"`
	Content   string              `json:"content"`
	ToolCalls []provider.ToolCall `json:"tool_calls,omitempty"`
	Usage     provider.Usage      `json:"usage"`
	Cost      costBody            `json:"cost"`
}

type costBody struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

type streamChunk struct {
	Content string          `json:"content,omitempty"`
	Done    bool            `json:"done,omitempty"`
	Usage   *provider.Usage `json:"usage,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "网关未初始化", http.StatusServiceUnavailable)
		return
	}

	secret, ok := bearerToken(r)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeAuthentication, "缺少访问令牌"))
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	messages, err := req.promptMessages()
	if err != nil {
		writeError(w, err)
		return
	}

	chatReq := gateway.ChatRequest{
		Secret:       secret,
		Model:        req.Model,
		Messages:     messages,
		SystemPrompt: req.System,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
		Application:  req.Application,
		Operation:    req.Operation,
		APIKey:       req.APIKey,
		Stream:       req.Stream,
		Tools:        req.Tools,
	}

	if req.Stream {
		s.streamChat(w, r, chatReq)
		return
	}

	result, err := s.service.Chat(r.Context(), chatReq)
	if err != nil {
		observeChatError(req.Model, err)
		writeError(w, err)
		return
	}
	observeChatResult(result)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatCompletionResponse{
		ID:        result.RequestID,
		Model:     result.Model,
		Provider:  result.Provider,
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
		Usage:     result.Usage,
		Cost:      costBody{Input: result.Cost.Input, Output: result.Cost.Output, Total: result.Cost.Total},
	})
}

// streamChat 以 SSE 推送流式片段。响应头写出之后再失败只能通过
// 带 error 字段的事件通知客户端。
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, chatReq gateway.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式输出", http.StatusInternalServerError)
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	writeEvent := func(payload any) {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(encoded)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	chatReq.OnChunk = func(chunk provider.Chunk) error {
		start()
		writeEvent(streamChunk{Content: chunk.Content, Done: chunk.Done, Usage: chunk.Usage})
		return nil
	}

	result, err := s.service.Chat(r.Context(), chatReq)
	if err != nil {
		observeChatError(chatReq.Model, err)
		if !started {
			writeError(w, err)
			return
		}
		writeEvent(map[string]any{"error": errorBody(err)})
		return
	}
	observeChatResult(result)

	start()
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "网关未初始化", http.StatusServiceUnavailable)
		return
	}

	configs, err := s.service.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type modelBody struct {
		ID          string  `json:"id"`
		Provider    string  `json:"provider"`
		DisplayName string  `json:"display_name,omitempty"`
		PriceIn     float64 `json:"price_in"`
		PriceOut    float64 `json:"price_out"`
	}
	body := struct {
		Models []modelBody `json:"models"`
	}{Models: make([]modelBody, 0, len(configs))}
	for _, cfg := range configs {
		body.Models = append(body.Models, modelBody{
			ID:          cfg.ID,
			Provider:    cfg.Provider,
			DisplayName: cfg.DisplayName,
			PriceIn:     cfg.PriceIn,
			PriceOut:    cfg.PriceOut,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) (string, bool) {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if value == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	secret := strings.TrimSpace(strings.TrimPrefix(value, prefix))
	return secret, secret != ""
}

func errorBody(err error) map[string]any {
	body := map[string]any{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	}
	if reason := xerrors.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errorBody(err)})
}

func statusForError(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeAuthentication:
		return http.StatusUnauthorized
	case xerrors.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case xerrors.CodeValidation:
		return http.StatusForbidden
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeConfiguration:
		if xerrors.ReasonOf(err) == xerrors.ReasonNotFound {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func observeChatResult(result *gateway.ChatResult) {
	metrics.ObserveChatCompletion(result.Provider, result.Model, "completed",
		result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Cost.Total)
}

func observeChatError(modelID string, err error) {
	metrics.ObserveChatCompletion("", modelID, "failed", 0, 0, 0)
	logger.Named("api").Warn("聊天补全请求失败",
		"model", modelID,
		"code", string(xerrors.CodeOf(err)),
		"error", err,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func instrument(handler string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		fn(recorder, r)
		metrics.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(started))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
