// Package retry 提供指数退避重试，供所有 Provider 调用复用。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxRetries      int                                               // 最大重试次数（0 表示不重试）
	InitialDelay    time.Duration                                     // 初始延迟时间
	MaxDelay        time.Duration                                     // 最大延迟时间
	Multiplier      float64                                           // 延迟时间倍增因子（指数退避）
	Jitter          bool                                              // 是否添加随机抖动（防止雪崩）
	RetryableCheck  func(err error) bool                              // 错误是否可重试（nil 则重试所有错误）
	OnRetry         func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultRetryPolicy 返回默认的重试策略
// 适用于大部分生成类 API 调用场景
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	return &backoffRetryer{
		policy: policy,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult。
// 首次执行不延迟，之后每次重试前按退避策略等待，
// 等待期间响应 context 取消。
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}

	for attempt := 1; attempt <= r.policy.MaxRetries; attempt++ {
		if !r.isRetryable(err) {
			r.logger.Debug("error not retryable", zap.Error(err))
			return nil, err
		}

		delay := r.delayFor(attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		if result, err = fn(); err == nil {
			r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			return result, nil
		}
	}

	if !r.isRetryable(err) {
		r.logger.Debug("error not retryable", zap.Error(err))
		return nil, err
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(err),
	)
	return nil, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, err)
}

// delayFor 计算第 attempt 次重试前的等待时间：
// initial * multiplier^(attempt-1)，封顶于 MaxDelay，
// 可选 ±25% 抖动打散并发客户端的重试节奏。
func (r *backoffRetryer) delayFor(attempt int) time.Duration {
	base := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	base = math.Min(base, float64(r.policy.MaxDelay))

	if r.policy.Jitter {
		base += base * 0.25 * (rand.Float64()*2 - 1)
	}

	// 抖动后不低于初始延迟
	return time.Duration(math.Max(base, float64(r.policy.InitialDelay)))
}

// isRetryable 检查错误是否可重试
func (r *backoffRetryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if r.policy.RetryableCheck == nil {
		return true
	}
	return r.policy.RetryableCheck(err)
}

// RetryableError 可重试的错误类型
// 用于标记哪些错误应该触发重试
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryableError 检查错误是否被 WrapRetryable 包装为可重试错误。
func IsRetryableError(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// WrapRetryable 将错误包装为可重试错误
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// DoWithResultTyped is a type-safe generic wrapper around Retryer.DoWithResult.
// It eliminates the need for type assertions on the return value.
//
// Usage:
//
//	val, err := retry.DoWithResultTyped[int](r, ctx, func() (int, error) {
//	    return 42, nil
//	})
func DoWithResultTyped[T any](r Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := r.DoWithResult(ctx, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
