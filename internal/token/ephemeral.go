package token

import (
	"context"
	"math"
	"time"
)

// EphemeralStore 是无持久化部署下的令牌存储实现。任何令牌都被视为有效，
// 返回的合成记录余额无上限、无配额，并带 Synthetic 标记以便在日志和
// 指标中与真实校验区分。
type EphemeralStore struct{}

// NewEphemeralStore 创建降级模式存储。
func NewEphemeralStore() *EphemeralStore {
	return &EphemeralStore{}
}

// FindTokenByHash 返回以哈希前缀标识调用方的合成令牌。
func (s *EphemeralStore) FindTokenByHash(_ context.Context, hash string) (*Token, error) {
	owner := hash
	if len(owner) > 12 {
		owner = owner[:12]
	}
	return &Token{
		ID:         "ephemeral-" + owner,
		SecretHash: hash,
		Owner:      owner,
		Balance:    math.MaxInt64,
		Active:     true,
		Synthetic:  true,
	}, nil
}

// UsageTotals 在降级模式下恒为零，配额检查因此永不触发。
func (s *EphemeralStore) UsageTotals(_ context.Context, _ string, _, _ time.Time) (Totals, error) {
	return Totals{}, nil
}

// TouchLastUsed 为空操作。
func (s *EphemeralStore) TouchLastUsed(_ context.Context, _ string, _ time.Time) error {
	return nil
}
