package gen

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen/cache"
	"github.com/BaSui01/adstudio/gen/circuitbreaker"
	"github.com/BaSui01/adstudio/gen/costs"
	"github.com/BaSui01/adstudio/gen/retry"
)

// CallObserver 记录每次生成调用的指标（由 internal/metrics 实现）。
type CallObserver interface {
	ObserveCall(provider, modality, model, status string, latency time.Duration, cost float64)
	ObserveCacheHit(modality string)
	ObserveCacheMiss(modality string)
}

// Request 一次生成调用的元数据。
type Request struct {
	Provider  string  // 目标 Provider 名称
	Modality  string  // vision / image / video / speech
	Model     string  // 模型名称
	JobID     string  // 关联的流水线任务 ID（可为空）
	Payload   any     // 请求体，用于生成缓存键
	Units     float64 // 计费单位数（图片张数、视频秒数等）
	Cacheable bool    // 是否允许走响应缓存
}

// Response 一次生成调用的结果。
type Response struct {
	Data      json.RawMessage
	FromCache bool
	Cost      float64
	Latency   time.Duration
}

// CallFunc 实际的 Provider 调用。
type CallFunc func(ctx context.Context) (json.RawMessage, error)

// CallerConfig Caller 的可选配置。
type CallerConfig struct {
	RetryPolicy   *retry.RetryPolicy
	BreakerConfig *circuitbreaker.Config
}

// Caller 弹性调用器：在每次 Provider 调用外层叠加
// 预算检查、响应缓存、健康门控、熔断与重试，并在调用后
// 记录用量、成本与指标。
type Caller struct {
	ledger   *costs.Ledger
	cache    *cache.MultiLevelCache
	monitor  *HealthMonitor
	observer CallObserver
	retryer  retry.Retryer
	logger   *zap.Logger

	mu         sync.Mutex
	breakers   map[string]circuitbreaker.CircuitBreaker
	breakerCfg *circuitbreaker.Config
}

// NewCaller 创建弹性调用器。
// cache、monitor、observer 均可为 nil，对应能力自动关闭。
func NewCaller(
	ledger *costs.Ledger,
	respCache *cache.MultiLevelCache,
	monitor *HealthMonitor,
	observer CallObserver,
	config *CallerConfig,
	logger *zap.Logger,
) *Caller {
	if config == nil {
		config = &CallerConfig{}
	}

	policy := config.RetryPolicy
	if policy == nil {
		policy = retry.DefaultRetryPolicy()
		policy.RetryableCheck = IsRetryable
	}

	return &Caller{
		ledger:     ledger,
		cache:      respCache,
		monitor:    monitor,
		observer:   observer,
		retryer:    retry.NewBackoffRetryer(policy, logger),
		logger:     logger,
		breakers:   make(map[string]circuitbreaker.CircuitBreaker),
		breakerCfg: config.BreakerConfig,
	}
}

// Do 执行一次弹性生成调用。
//
// 调用链：预算检查 -> 缓存查询 -> 健康门控 -> 熔断器 -> 重试 -> 记账。
func (c *Caller) Do(ctx context.Context, req Request, fn CallFunc) (*Response, error) {
	estimated := c.ledger.Pricing().Estimate(req.Modality, req.Model, req.Units)

	// 1. 预算检查（调用前拦截，超限请求不应到达 Provider）
	if err := c.ledger.CheckBudget(ctx, estimated); err != nil {
		c.observe(req, "budget_rejected", 0, 0)
		return nil, NewError(ErrBudgetExceeded, err.Error()).WithProvider(req.Provider)
	}

	// 2. 缓存查询
	var cacheKey string
	if c.cacheEnabled(req) {
		cacheKey = c.cache.GenerateKey(req.Payload)
		if entry, err := c.cache.Get(ctx, cacheKey); err == nil {
			c.logger.Debug("response cache hit",
				zap.String("provider", req.Provider),
				zap.String("modality", req.Modality),
			)
			if c.observer != nil {
				c.observer.ObserveCacheHit(req.Modality)
			}
			return &Response{Data: entry.Response, FromCache: true}, nil
		}
		if c.observer != nil {
			c.observer.ObserveCacheMiss(req.Modality)
		}
	}

	// 3. 健康门控
	if c.monitor != nil {
		if score := c.monitor.GetHealthScore(req.Provider); score <= 0 {
			c.observe(req, "unhealthy_rejected", 0, 0)
			return nil, NewError(ErrProviderUnavailable,
				"provider is unhealthy or over QPS limit").WithProvider(req.Provider)
		}
		c.monitor.IncrementQPS(req.Provider)
	}

	// 4. 熔断器包裹重试执行
	start := time.Now()
	result, err := c.breakerFor(req.Provider).CallWithResult(ctx, func(callCtx context.Context) (any, error) {
		return c.retryer.DoWithResult(callCtx, func() (any, error) {
			return fn(callCtx)
		})
	})
	latency := time.Since(start)

	// 5. 记账
	status := 1
	if err != nil {
		status = 0
	}
	c.ledger.RecordUsage(ctx, costs.UsageRecord{
		JobID:     req.JobID,
		Provider:  req.Provider,
		Model:     req.Model,
		Modality:  req.Modality,
		Units:     req.Units,
		Cost:      costIfSuccess(estimated, err),
		LatencyMs: latency.Milliseconds(),
		Status:    status,
	})

	if err != nil {
		c.observe(req, "error", latency, 0)
		return nil, err
	}

	data, _ := result.(json.RawMessage)
	c.observe(req, "success", latency, estimated)

	// 6. 写缓存（成功响应才缓存）
	if cacheKey != "" {
		entry := &cache.CacheEntry{
			Response:  data,
			Modality:  req.Modality,
			Model:     req.Model,
			CostSaved: estimated,
		}
		if cerr := c.cache.Set(ctx, cacheKey, entry); cerr != nil {
			c.logger.Warn("failed to cache response", zap.Error(cerr))
		}
	}

	return &Response{Data: data, Cost: estimated, Latency: latency}, nil
}

// BreakerState 返回指定 Provider 熔断器的当前状态。
func (c *Caller) BreakerState(provider string) circuitbreaker.State {
	return c.breakerFor(provider).State()
}

// ResetBreaker 手动重置指定 Provider 的熔断器。
func (c *Caller) ResetBreaker(provider string) {
	c.breakerFor(provider).Reset()
}

func (c *Caller) cacheEnabled(req Request) bool {
	return c.cache != nil && req.Cacheable && c.cache.IsCacheable(req.Payload)
}

func (c *Caller) breakerFor(provider string) circuitbreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[provider]; ok {
		return b
	}

	cfg := c.breakerCfg
	if cfg == nil {
		cfg = circuitbreaker.DefaultConfig()
	} else {
		clone := *cfg
		cfg = &clone
	}
	if cfg.IgnoreError == nil {
		// 结构化错误码判断优先于熔断器内置的文本匹配
		cfg.IgnoreError = isCallerFault
	}
	b := circuitbreaker.NewCircuitBreaker(cfg, c.logger.With(zap.String("provider", provider)))
	c.breakers[provider] = b
	return b
}

func (c *Caller) observe(req Request, status string, latency time.Duration, cost float64) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveCall(req.Provider, req.Modality, req.Model, status, latency, cost)
}

func costIfSuccess(estimated float64, err error) float64 {
	if err != nil {
		return 0
	}
	return estimated
}
