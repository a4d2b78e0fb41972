package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// 令牌子系统的公共错误。
var (
	ErrTokenNotFound = errors.New("access token not found")
)

// Token 表示一条持久化的访问令牌记录。Secret 本身不落库，
// 只保存其单向哈希。余额以 token 数计，写入时在存储层钳制为非负。
type Token struct {
	ID            string
	SecretHash    string
	Owner         string
	Scopes        []string
	AllowedModels []string
	AllowedApps   []string
	Balance       int64
	DailyLimit    int64
	MonthlyLimit  int64
	ExpiresAt     int64
	Active        bool
	LastUsedAt    int64
	Synthetic     bool
}

// Totals 汇总某令牌在自然日与自然月内已消耗的 token 数。
type Totals struct {
	Daily   int64
	Monthly int64
}

// Store 抽象访问令牌的持久化读取。实现必须支持并发调用。
type Store interface {
	FindTokenByHash(ctx context.Context, hash string) (*Token, error)
	UsageTotals(ctx context.Context, tokenID string, dayStart, monthStart time.Time) (Totals, error)
	TouchLastUsed(ctx context.Context, tokenID string, usedAt time.Time) error
}

// ValidationResult 是一次校验成功后返回给编排层的快照。
type ValidationResult struct {
	TokenID       string
	SecretHash    string
	Owner         string
	Scopes        []string
	AllowedModels []string
	AllowedApps   []string
	Balance       int64
	DailyLimit    int64
	MonthlyLimit  int64
	DailyUsed     int64
	MonthlyUsed   int64
	Synthetic     bool
}

// Clone 返回结果的浅拷贝，切片字段独立，缓存命中时对外发放拷贝。
func (r *ValidationResult) Clone() *ValidationResult {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Scopes = append([]string(nil), r.Scopes...)
	clone.AllowedModels = append([]string(nil), r.AllowedModels...)
	clone.AllowedApps = append([]string(nil), r.AllowedApps...)
	return &clone
}

// AllowsModel 判断模型是否在令牌的允许列表内，空列表表示不限制。
func (r *ValidationResult) AllowsModel(modelID string) bool {
	return matchAllowList(r.AllowedModels, modelID)
}

// AllowsApplication 判断调用方应用是否被允许，空列表表示不限制。
func (r *ValidationResult) AllowsApplication(app string) bool {
	return matchAllowList(r.AllowedApps, app)
}

func matchAllowList(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if strings.ToLower(strings.TrimSpace(candidate)) == value {
			return true
		}
	}
	return false
}

// HashSecret 计算令牌明文的确定性单向哈希，网关始终以哈希寻址令牌。
func HashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}
