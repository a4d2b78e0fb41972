package model

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/pkg/lru"
)

const (
	defaultResolverCapacity = 1000
	// 定价与路由配置变更频率很低，缓存窗口取一小时。
	defaultResolverTTL = time.Hour
)

// Resolver 把对外的模型标识解析为具体的厂商路由配置，
// 结果进入有界缓存以避免每次请求都访问目录。
type Resolver struct {
	catalog Catalog
	cache   *lru.Cache[*Config]
}

// ResolverOption 定义可选配置。
type ResolverOption func(*Resolver)

// WithResolverCache 覆盖缓存容量与新鲜度窗口。
func WithResolverCache(capacity int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = lru.New[*Config](capacity, ttl)
	}
}

// NewResolver 构造模型解析器。
func NewResolver(catalog Catalog, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		catalog: catalog,
		cache:   lru.New[*Config](defaultResolverCapacity, defaultResolverTTL),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 返回模型的路由配置。目录中不存在时返回配置错误。
func (r *Resolver) Resolve(ctx context.Context, modelID string) (*Config, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型标识为空")
	}
	if r.catalog == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置模型目录")
	}

	if cached, ok := r.cache.Get(modelID); ok {
		return cached.Clone(), nil
	}

	cfg, err := r.catalog.FindModel(ctx, modelID)
	if err != nil {
		if stdErrors.Is(err, ErrModelNotFound) {
			return nil, xerrors.New(xerrors.CodeConfiguration, "未知的模型 "+modelID,
				xerrors.WithReason(xerrors.ReasonNotFound))
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取模型目录失败")
	}

	r.cache.Set(modelID, cfg)
	return cfg.Clone(), nil
}

// ListModels 透传目录的列表能力。
func (r *Resolver) ListModels(ctx context.Context) ([]*Config, error) {
	if r.catalog == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置模型目录")
	}
	return r.catalog.ListModels(ctx)
}
