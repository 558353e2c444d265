// Package circuitbreaker 提供按 Provider 维度的熔断保护。
//
// 连续失败达到阈值后进入 Open，快速失败一段时间，
// 再通过 HalfOpen 放行少量探测请求决定恢复还是继续熔断。
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

var stateNames = [...]string{"Closed", "Open", "HalfOpen"}

func (s State) String() string {
	if s < StateClosed || s > StateHalfOpen {
		return "Unknown"
	}
	return stateNames[s]
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// Timeout 单次调用超时时间
	Timeout time.Duration

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的最大请求数
	HalfOpenMaxCalls int

	// IgnoreError 返回 true 的错误不计入失败（也不算成功），
	// 但仍原样返回给调用方。典型用途：请求本身有问题的客户端错误。
	// 为 nil 时按错误文本中的错误码做保守判断。
	IgnoreError func(error) bool

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c *Config) normalize() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.IgnoreError == nil {
		c.IgnoreError = callerFaultByMessage
	}
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则返回错误。
	// fn 收到的 context 已套上 Config.Timeout。
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)

	// State 获取当前状态
	State() State

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// outcome 一次调用对状态机的影响
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored 错误返回给调用方，但既不清零也不累加失败计数
	outcomeIgnored
)

// breaker 熔断器实现
type breaker struct {
	config *Config
	logger *zap.Logger

	mu               sync.RWMutex
	state            State
	consecutiveFails int
	openedAt         time.Time // 最近一次进入 Open 或记录失败的时间
	halfOpenInFlight int
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()

	return &breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult。
// 先经 admit 过状态机准入，再在超时 context 下执行 fn，
// 最后按结果分类 settle。
func (b *breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn(callCtx)
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		b.settle(outcomeFailure)
		return nil, fmt.Errorf("call timed out: %w", callCtx.Err())

	case res := <-resultCh:
		b.settle(b.classify(res.err))
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

// classify 把调用结果映射为状态机输入。
// 客户端错误照常返回给调用方，但不影响熔断计数。
func (b *breaker) classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case b.config.IgnoreError(err):
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

// callerFaultByMessage 是 IgnoreError 的兜底实现，
// 在错误链没有结构化错误码时按文本匹配。
func callerFaultByMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range []string{
		"INVALID_REQUEST", "UNAUTHORIZED", "FORBIDDEN",
		"BUDGET_EXCEEDED", "CONTENT_FILTERED",
	} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// admit 调用前的状态机准入
func (b *breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) <= b.config.ResetTimeout {
			return ErrCircuitOpen
		}
		// 冷却期已过，放行探测
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = 0
		b.logger.Info("circuit breaker half-open")
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenInFlight++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

// settle 调用后的状态机推进
func (b *breaker) settle(o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch o {
	case outcomeIgnored:
		return

	case outcomeSuccess:
		switch b.state {
		case StateClosed:
			b.consecutiveFails = 0
		case StateHalfOpen:
			b.logger.Info("circuit breaker recovered",
				zap.Int("half_open_calls", b.halfOpenInFlight),
			)
			b.transition(StateClosed)
			b.consecutiveFails = 0
			b.halfOpenInFlight = 0
		case StateOpen:
			b.logger.Warn("circuit breaker got success in open state")
		}

	case outcomeFailure:
		b.consecutiveFails++
		b.openedAt = time.Now()

		switch b.state {
		case StateClosed:
			if b.consecutiveFails >= b.config.Threshold {
				b.logger.Warn("circuit breaker opened",
					zap.Int("failure_count", b.consecutiveFails),
					zap.Int("threshold", b.config.Threshold),
				)
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			b.logger.Warn("circuit breaker re-opened from half-open",
				zap.Int("half_open_calls", b.halfOpenInFlight),
			)
			b.transition(StateOpen)
			b.halfOpenInFlight = 0
		case StateOpen:
			b.logger.Warn("circuit breaker got failure in open state")
		}
	}
}

// transition 切换状态并触发回调，调用方需持有 b.mu
func (b *breaker) transition(next State) {
	prev := b.state
	b.state = next

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(prev, next)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.state = StateClosed
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", prev.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(prev, StateClosed)
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)
