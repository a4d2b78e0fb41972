// Package gateway 把鉴权、模型解析、上游调用与用量核算串成一条请求流水线。
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/token"
	"OpenLLM-Gateway/internal/usage"
	"OpenLLM-Gateway/pkg/logger"
)

// TokenValidator 校验调用方令牌。
type TokenValidator interface {
	Validate(ctx context.Context, secret string) (*token.ValidationResult, error)
}

// ModelResolver 把对外模型名解析成上游配置。
type ModelResolver interface {
	Resolve(ctx context.Context, modelID string) (*model.Config, error)
	ListModels(ctx context.Context) ([]*model.Config, error)
}

// Credential 是某个提供方的调用凭据。
type Credential struct {
	APIKey  string
	BaseURL string
}

// ChatRequest 是网关对外的聊天补全请求。Operation 为空时按 chat 记账;
// APIKey 非空时覆盖网关配置的提供方凭据。
type ChatRequest struct {
	Secret       string
	Model        string
	Messages     []provider.Message
	SystemPrompt string
	Temperature  float64
	TopP         float64
	MaxTokens    int
	Application  string
	Operation    string
	APIKey       string
	Stream       bool
	Tools        []provider.Tool
	OnChunk      provider.StreamHandler
}

// ChatResult 是网关返回的聚合结果,流式请求在片段推送完后同样返回。
type ChatResult struct {
	RequestID string
	Content   string
	ToolCalls []provider.ToolCall
	Usage     provider.Usage
	Model     string
	Provider  string
	Cost      usage.Cost
}

// Gateway 是请求流水线的入口。
type Gateway struct {
	validator   TokenValidator
	resolver    ModelResolver
	registry    *provider.Registry
	recorder    *usage.Recorder
	credentials  map[string]Credential
	callTimeout  time.Duration
	defaultModel string
	log          *slog.Logger
}

// Option 定制 Gateway 行为。
type Option func(*Gateway)

// WithCallTimeout 设置单次上游调用的超时时间。
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

// WithDefaultModel 设置请求未携带模型名时使用的兜底模型。
func WithDefaultModel(id string) Option {
	return func(g *Gateway) {
		g.defaultModel = id
	}
}

// New 组装网关流水线。credentials 以提供方名称为键。
func New(validator TokenValidator, resolver ModelResolver, registry *provider.Registry, recorder *usage.Recorder, credentials map[string]Credential, opts ...Option) *Gateway {
	g := &Gateway{
		validator:   validator,
		resolver:    resolver,
		registry:    registry,
		recorder:    recorder,
		credentials: credentials,
		callTimeout: 2 * time.Minute,
		log:         logger.Named("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListModels 返回当前可用的模型目录。
func (g *Gateway) ListModels(ctx context.Context) ([]*model.Config, error) {
	return g.resolver.ListModels(ctx)
}

// Chat 执行一次聊天补全。鉴权或校验失败不产生用量记录,
// 解析成功之后的任何失败都会落一条 failed 记录。
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	requestID := uuid.NewString()

	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息列表不能为空")
	}
	if req.Model == "" {
		req.Model = g.defaultModel
	}
	if req.Operation == "" {
		req.Operation = "chat"
	}

	result, err := g.validator.Validate(ctx, req.Secret)
	if err != nil {
		return nil, err
	}

	if !result.AllowsModel(req.Model) {
		g.auditDeny(requestID, result, req, "模型不在令牌授权范围内")
		return nil, xerrors.New(xerrors.CodeValidation, "令牌无权访问该模型",
			xerrors.WithReason(xerrors.ReasonModelNotAllowed))
	}
	if !result.AllowsApplication(req.Application) {
		g.auditDeny(requestID, result, req, "应用不在令牌授权范围内")
		return nil, xerrors.New(xerrors.CodeValidation, "令牌无权代表该应用调用",
			xerrors.WithReason(xerrors.ReasonAppNotAllowed))
	}

	cfg, err := g.resolver.Resolve(ctx, req.Model)
	if err != nil {
		g.recorder.Record(ctx, usage.Attempt{
			RequestID:   requestID,
			Token:       result,
			Application: req.Application,
			Operation:   req.Operation,
			Status:      usage.StatusFailed,
			Stage:       usage.StageResolve,
			Err:         err,
		})
		return nil, err
	}

	client, err := g.clientFor(cfg, req.APIKey)
	if err != nil {
		g.recorder.Record(ctx, usage.Attempt{
			RequestID:   requestID,
			Token:       result,
			Model:       cfg,
			Application: req.Application,
			Operation:   req.Operation,
			Status:      usage.StatusFailed,
			Stage:       usage.StageDispatch,
			Err:         err,
		})
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	var partial *provider.Usage
	onChunk := req.OnChunk
	wrapped := func(chunk provider.Chunk) error {
		if chunk.Usage != nil {
			u := *chunk.Usage
			partial = &u
		}
		if onChunk == nil {
			return nil
		}
		return onChunk(chunk)
	}

	upstream, err := client.Chat(callCtx, provider.Request{
		Model:        cfg.UpstreamModel,
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
		Stream:       req.Stream,
		Tools:        req.Tools,
		OnChunk:      wrapped,
	})
	if err != nil {
		err = g.classifyCallError(callCtx, err, cfg)
		g.recorder.Record(ctx, usage.Attempt{
			RequestID:   requestID,
			Token:       result,
			Model:       cfg,
			Application: req.Application,
			Operation:   req.Operation,
			Usage:       partial,
			Status:      usage.StatusFailed,
			Stage:       usage.StageProvider,
			Err:         err,
		})
		return nil, err
	}

	cost := g.recorder.Record(ctx, usage.Attempt{
		RequestID:   requestID,
		Token:       result,
		Model:       cfg,
		Application: req.Application,
		Operation:   req.Operation,
		Usage:       &upstream.Usage,
		Status:      usage.StatusCompleted,
	})

	return &ChatResult{
		RequestID: requestID,
		Content:   upstream.Content,
		ToolCalls: upstream.ToolCalls,
		Usage:     upstream.Usage,
		Model:     cfg.ID,
		Provider:  cfg.Provider,
		Cost:      cost,
	}, nil
}

// clientFor 为模型配置找到凭据并从注册表取出客户端。
// 请求自带的密钥优先于网关配置的凭据。
func (g *Gateway) clientFor(cfg *model.Config, overrideKey string) (provider.Client, error) {
	cred := g.credentials[strings.ToLower(cfg.Provider)]
	apiKey := cred.APIKey
	if overrideKey != "" {
		apiKey = overrideKey
	}
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "提供方没有可用凭据",
			xerrors.WithReason(xerrors.ReasonNoCredential))
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cred.BaseURL
	}
	return g.registry.Client(cfg.Provider, provider.ClientConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: g.callTimeout,
	})
}

// classifyCallError 把上游调用错误归类。超时与取消单独标记,
// 其余保持原有错误码,未分类的包装成提供方错误。
func (g *Gateway) classifyCallError(callCtx context.Context, err error, cfg *model.Config) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "上游调用超时")
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用已取消")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	return xerrors.Wrap(xerrors.CodeProvider, err, "调用提供方 "+cfg.Provider+" 失败")
}

func (g *Gateway) auditDeny(requestID string, result *token.ValidationResult, req ChatRequest, reason string) {
	logger.Audit().Warn("请求被拒绝",
		"request_id", requestID,
		"token_id", result.TokenID,
		"model", req.Model,
		"application", req.Application,
		"reason", reason,
	)
}
