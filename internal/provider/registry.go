package provider

import (
	"sort"
	"strings"
	"sync"

	xerrors "OpenLLM-Gateway/internal/errors"
)

// Factory 按配置构造某个厂商的客户端。
type Factory func(cfg ClientConfig) (Client, error)

// Registry 按厂商名称分发到具体客户端类型，并按 (厂商, 凭证前缀)
// 复用已构造的实例，避免重复建立传输状态。客户端缓存不设上限：
// 部署内厂商和凭证的组合数量小且变化慢；若凭证来源变成不可信的
// 高基数输入，这里会成为无界增长点。
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	clients   map[clientKey]Client
}

type clientKey struct {
	provider   string
	credPrefix string
}

// NewRegistry 创建空的注册表，厂商通过 Register 注册。
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[clientKey]Client),
	}
}

// Register 注册一个厂商的构造函数。新增厂商只需一次注册，无需改分发逻辑。
func (r *Registry) Register(name string, factory Factory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Client 返回指定厂商的客户端，必要时构造并缓存。
func (r *Registry) Client(name string, cfg ClientConfig) (Client, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, "不支持的厂商 "+name,
			xerrors.WithReason(xerrors.ReasonUnsupportedProvider))
	}

	key := clientKey{provider: name, credPrefix: credentialPrefix(cfg.APIKey)}
	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	r.clients[key] = client
	return client, nil
}

// Providers 返回已注册的厂商名称列表。
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// credentialPrefix 取凭证前缀作为缓存键的一部分，完整凭证不进入键。
func credentialPrefix(apiKey string) string {
	if len(apiKey) > 12 {
		return apiKey[:12]
	}
	return apiKey
}
