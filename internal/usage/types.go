// Package usage 负责用量核算：计费、落库、扣减余额并投递消费事件。
package usage

import (
	"context"
	"time"
)

// 记录状态。
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// 失败阶段标记,记录请求在哪个环节中断。
const (
	StageResolve  = "resolve"
	StageDispatch = "dispatch"
	StageProvider = "provider"
)

// Record 是一条持久化的用量记录。
type Record struct {
	ID               string
	RequestID        string
	TokenID          string
	Owner            string
	ModelID          string
	Provider         string
	Application      string
	Operation        string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostInput        float64
	CostOutput       float64
	CostTotal        float64
	Status           string
	Stage            string
	ErrorMessage     string
	CreatedAt        time.Time
}

// Cost 拆分一次请求的费用构成。
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Store 持久化用量记录并维护令牌余额。
type Store interface {
	InsertRecord(ctx context.Context, record *Record) error
	DeductBalance(ctx context.Context, tokenID string, amount int64) error
}

// Invalidator 在余额变动后使缓存中的校验结果失效。
type Invalidator interface {
	Invalidate(key string)
}
