package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"OpenLLM-Gateway/pkg/logger"
)

// ForwarderConfig 描述转发器的行为参数。
type ForwarderConfig struct {
	Endpoint    string
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// Forwarder 从队列中消费事件并转发给外部记账系统。
// 重试耗尽的事件记入审计日志后丢弃，不会阻塞后续事件。
type Forwarder struct {
	consumer    Consumer
	endpoint    string
	workers     int
	maxAttempts int
	backoff     time.Duration
	client      *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewForwarder 创建事件转发器。
func NewForwarder(consumer Consumer, cfg ForwarderConfig) (*Forwarder, error) {
	if consumer == nil {
		return nil, fmt.Errorf("消费者不能为空")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("记账系统地址不能为空")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		consumer:    consumer,
		endpoint:    cfg.Endpoint,
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		client:      &http.Client{Timeout: timeout},
		sleep:       sleepContext,
	}, nil
}

// Start 启动消费循环，阻塞直到 ctx 被取消。
func (f *Forwarder) Start(ctx context.Context) error {
	return f.consumer.Consume(ctx, f.workers, f.handle)
}

// handle 对单条事件做带退避的重试转发。重试耗尽返回 nil 以确认消息，
// 避免毒消息在队列里无限循环。
func (f *Forwarder) handle(ctx context.Context, event Event) error {
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		lastErr = f.post(ctx, event)
		if lastErr == nil {
			return nil
		}
		if attempt < f.maxAttempts {
			if err := f.sleep(ctx, f.backoff*time.Duration(attempt)); err != nil {
				break
			}
		}
	}
	logger.Audit().Warn("消费事件转发失败，已丢弃",
		"request_id", event.RequestID,
		"token_id", event.TokenID,
		"model_id", event.ModelID,
		"cost", event.Cost,
		"error", lastErr,
	)
	return nil
}

func (f *Forwarder) post(ctx context.Context, event Event) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造记账请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求记账系统失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("记账系统返回错误状态 %d: %s", resp.StatusCode, string(snippet))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
