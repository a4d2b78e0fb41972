package token

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/pkg/logger"
	"OpenLLM-Gateway/pkg/lru"
)

const (
	defaultCacheCapacity = 5000
	defaultCacheTTL      = 5 * time.Minute
	touchTimeout         = 3 * time.Second

	// 余额低于该值的令牌在准入时直接拒绝,避免放行无法覆盖
	// 一次最小请求的余额。可通过 WithMinBalance 调整。
	defaultMinBalance = 10
)

// Validator 负责认证不可信调用方提交的令牌，并执行余额与日/月配额检查。
// 校验结果进入有界缓存，新鲜度窗口内的重复调用不再访问存储。
type Validator struct {
	store      Store
	cache      *lru.Cache[*ValidationResult]
	log        *slog.Logger
	now        func() time.Time
	minBalance int64
}

// ValidatorOption 定义可选配置。
type ValidatorOption func(*Validator)

// WithValidatorCache 覆盖缓存容量与新鲜度窗口。
func WithValidatorCache(capacity int, ttl time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.cache = lru.New[*ValidationResult](capacity, ttl)
	}
}

// WithMinBalance 覆盖准入余额下限。传入 0 表示余额大于零即放行。
func WithMinBalance(min int64) ValidatorOption {
	return func(v *Validator) {
		if min >= 0 {
			v.minBalance = min
		}
	}
}

// WithValidatorClock 注入时间源，供测试固定自然日边界。
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewValidator 构造令牌校验器。store 为 EphemeralStore 时进入降级模式。
func NewValidator(store Store, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:      store,
		cache:      lru.New[*ValidationResult](defaultCacheCapacity, defaultCacheTTL),
		log:        logger.Named("token"),
		now:        time.Now,
		minBalance: defaultMinBalance,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate 认证令牌明文并检查活跃状态、过期时间、余额与配额。
// 明文不会被记录，缓存与存储均只见到哈希。
func (v *Validator) Validate(ctx context.Context, secret string) (*ValidationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, xerrors.New(xerrors.CodeAuthentication, "未提供访问令牌", xerrors.WithReason(xerrors.ReasonNotFound))
	}
	if v.store == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置令牌存储")
	}

	hash := HashSecret(secret)
	if cached, ok := v.cache.Get(hash); ok {
		return cached.Clone(), nil
	}

	record, err := v.store.FindTokenByHash(ctx, hash)
	if err != nil {
		if stdErrors.Is(err, ErrTokenNotFound) {
			v.auditReject(hash, xerrors.ReasonNotFound)
			return nil, xerrors.New(xerrors.CodeAuthentication, "访问令牌不存在", xerrors.WithReason(xerrors.ReasonNotFound))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取访问令牌失败")
	}

	now := v.now().UTC()
	if !record.Active {
		v.auditReject(hash, xerrors.ReasonInactive)
		return nil, xerrors.New(xerrors.CodeAuthentication, "访问令牌已停用", xerrors.WithReason(xerrors.ReasonInactive))
	}
	if record.ExpiresAt > 0 && now.Unix() >= record.ExpiresAt {
		v.auditReject(hash, xerrors.ReasonExpired)
		return nil, xerrors.New(xerrors.CodeAuthentication, "访问令牌已过期", xerrors.WithReason(xerrors.ReasonExpired))
	}
	if record.Balance <= 0 || record.Balance < v.minBalance {
		v.auditReject(hash, xerrors.ReasonBalance)
		return nil, xerrors.New(xerrors.CodeQuotaExceeded, "令牌余额不足", xerrors.WithReason(xerrors.ReasonBalance))
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	totals, err := v.store.UsageTotals(ctx, record.ID, dayStart, monthStart)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计令牌用量失败")
	}
	if record.DailyLimit > 0 && totals.Daily >= record.DailyLimit {
		v.auditReject(hash, xerrors.ReasonDaily)
		return nil, xerrors.New(xerrors.CodeQuotaExceeded, "已达到当日配额", xerrors.WithReason(xerrors.ReasonDaily))
	}
	if record.MonthlyLimit > 0 && totals.Monthly >= record.MonthlyLimit {
		v.auditReject(hash, xerrors.ReasonMonthly)
		return nil, xerrors.New(xerrors.CodeQuotaExceeded, "已达到当月配额", xerrors.WithReason(xerrors.ReasonMonthly))
	}

	result := &ValidationResult{
		TokenID:       record.ID,
		SecretHash:    hash,
		Owner:         record.Owner,
		Scopes:        append([]string(nil), record.Scopes...),
		AllowedModels: append([]string(nil), record.AllowedModels...),
		AllowedApps:   append([]string(nil), record.AllowedApps...),
		Balance:       record.Balance,
		DailyLimit:    record.DailyLimit,
		MonthlyLimit:  record.MonthlyLimit,
		DailyUsed:     totals.Daily,
		MonthlyUsed:   totals.Monthly,
		Synthetic:     record.Synthetic,
	}
	v.cache.Set(hash, result)

	if result.Synthetic {
		v.log.Warn("降级模式下返回合成校验结果",
			slog.String("owner", result.Owner),
			slog.Bool("synthetic", true),
		)
	} else {
		v.touchAsync(record.ID)
	}
	return result.Clone(), nil
}

// Invalidate 在余额变化后移除缓存条目，下一次校验将重读存储。
func (v *Validator) Invalidate(secretHash string) {
	if v == nil || secretHash == "" {
		return
	}
	v.cache.Delete(secretHash)
}

// touchAsync 异步刷新最近使用时间，失败只记日志，不影响校验结果。
func (v *Validator) touchAsync(tokenID string) {
	usedAt := v.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := v.store.TouchLastUsed(ctx, tokenID, usedAt); err != nil {
			v.log.Debug("刷新令牌使用时间失败",
				slog.String("token_id", tokenID),
				slog.Any("error", err),
			)
		}
	}()
}

func (v *Validator) auditReject(hash, reason string) {
	logger.Audit().Warn("令牌校验被拒绝",
		slog.String("secret_hash", hash),
		slog.String("reason", reason),
	)
}
