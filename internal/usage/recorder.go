package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenLLM-Gateway/internal/ledger"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/provider"
	"OpenLLM-Gateway/internal/token"
	"OpenLLM-Gateway/pkg/logger"
)

// Attempt 描述一次已结束的请求尝试,完成与失败的尝试都要核算。
type Attempt struct {
	RequestID   string
	Token       *token.ValidationResult
	Model       *model.Config
	Application string
	Operation   string
	Usage       *provider.Usage
	Status      string
	Stage       string
	Err         error
}

// Recorder 把请求尝试转成用量记录:计费、落库、扣减余额并投递事件。
// Record 永远不向调用方返回错误,核算环节的故障只影响账务,不影响响应。
type Recorder struct {
	store       Store
	producer    ledger.Producer
	invalidator Invalidator
	log         *slog.Logger
	now         func() time.Time
}

// RecorderOption 定制 Recorder 的行为。
type RecorderOption func(*Recorder)

// WithRecorderClock 注入时钟,测试用。
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder 创建核算器。store 与 producer 允许为空,对应降级模式。
func NewRecorder(store Store, producer ledger.Producer, invalidator Invalidator, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		producer:    producer,
		invalidator: invalidator,
		log:         logger.Named("usage"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record 核算一次请求尝试并返回费用拆分。
func (r *Recorder) Record(ctx context.Context, attempt Attempt) Cost {
	record := r.buildRecord(attempt)
	cost := Cost{Input: record.CostInput, Output: record.CostOutput, Total: record.CostTotal}

	if r.store != nil {
		if err := r.store.InsertRecord(ctx, record); err != nil {
			r.log.Error("写入用量记录失败",
				"request_id", record.RequestID,
				"token_id", record.TokenID,
				"error", err,
			)
		}
	}

	if r.shouldDeduct(attempt, record) {
		if err := r.store.DeductBalance(ctx, record.TokenID, record.TotalTokens); err != nil {
			r.log.Error("扣减令牌余额失败",
				"token_id", record.TokenID,
				"amount", record.TotalTokens,
				"error", err,
			)
		} else if r.invalidator != nil && attempt.Token != nil {
			r.invalidator.Invalidate(attempt.Token.SecretHash)
		}
	}

	r.publish(ctx, record)
	return cost
}

func (r *Recorder) buildRecord(attempt Attempt) *Record {
	record := &Record{
		ID:          uuid.NewString(),
		RequestID:   attempt.RequestID,
		Application: attempt.Application,
		Operation:   attempt.Operation,
		Status:      attempt.Status,
		Stage:       attempt.Stage,
		CreatedAt:   r.now().UTC(),
	}
	if attempt.Token != nil {
		record.TokenID = attempt.Token.TokenID
		record.Owner = attempt.Token.Owner
	}
	if attempt.Model != nil {
		record.ModelID = attempt.Model.ID
		record.Provider = attempt.Model.Provider
	}
	if attempt.Err != nil {
		record.ErrorMessage = attempt.Err.Error()
	}
	if attempt.Usage != nil {
		record.PromptTokens = attempt.Usage.PromptTokens
		record.CompletionTokens = attempt.Usage.CompletionTokens
		record.TotalTokens = attempt.Usage.TotalTokens
		if record.TotalTokens == 0 {
			record.TotalTokens = record.PromptTokens + record.CompletionTokens
		}
		if attempt.Model != nil {
			record.CostInput = float64(record.PromptTokens) / 1000 * attempt.Model.PriceIn
			record.CostOutput = float64(record.CompletionTokens) / 1000 * attempt.Model.PriceOut
			record.CostTotal = record.CostInput + record.CostOutput
		}
	}
	return record
}

// shouldDeduct 判断本次尝试是否需要扣减余额。
// 合成令牌没有账户,失败的尝试以及零用量的尝试也不扣费。
func (r *Recorder) shouldDeduct(attempt Attempt, record *Record) bool {
	if r.store == nil || record.TokenID == "" {
		return false
	}
	if attempt.Token != nil && attempt.Token.Synthetic {
		return false
	}
	return record.Status == StatusCompleted && record.TotalTokens > 0
}

// publish 以非阻塞方式投递消费事件,队列满或故障时记日志后放弃。
func (r *Recorder) publish(ctx context.Context, record *Record) {
	if r.producer == nil {
		return
	}
	event := ledger.Event{
		RequestID:        record.RequestID,
		TokenID:          record.TokenID,
		Owner:            record.Owner,
		Provider:         record.Provider,
		ModelID:          record.ModelID,
		Application:      record.Application,
		Operation:        record.Operation,
		PromptTokens:     record.PromptTokens,
		CompletionTokens: record.CompletionTokens,
		TotalTokens:      record.TotalTokens,
		Cost:             record.CostTotal,
		Status:           record.Status,
		OccurredAt:       record.CreatedAt.Unix(),
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.producer.Publish(publishCtx, event); err != nil {
		r.log.Warn("投递消费事件失败",
			"request_id", record.RequestID,
			"error", err,
		)
	}
}
