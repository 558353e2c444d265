package gen

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen/cache"
	"github.com/BaSui01/adstudio/gen/circuitbreaker"
	"github.com/BaSui01/adstudio/gen/costs"
	"github.com/BaSui01/adstudio/gen/retry"
)

func fastCallerConfig() *CallerConfig {
	return &CallerConfig{
		RetryPolicy: &retry.RetryPolicy{
			MaxRetries:     2,
			InitialDelay:   time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			Multiplier:     2.0,
			RetryableCheck: IsRetryable,
		},
		BreakerConfig: &circuitbreaker.Config{
			Threshold:        2,
			Timeout:          time.Second,
			ResetTimeout:     time.Minute,
			HalfOpenMaxCalls: 1,
		},
	}
}

func newTestCaller(t *testing.T, budget costs.BudgetConfig) (*Caller, *costs.Ledger) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	respCache := cache.NewMultiLevelCache(rdb, nil, zap.NewNop())
	ledger := costs.NewLedger(budget, nil, nil, zap.NewNop())
	caller := NewCaller(ledger, respCache, nil, nil, fastCallerConfig(), zap.NewNop())
	return caller, ledger
}

func imageRequest(cacheable bool) Request {
	return Request{
		Provider:  "imagen",
		Modality:  "image",
		Model:     "imagen-3",
		JobID:     "job-1",
		Payload:   map[string]string{"prompt": "a red car"},
		Units:     1,
		Cacheable: cacheable,
	}
}

func TestCaller_Success(t *testing.T) {
	c, ledger := newTestCaller(t, costs.DefaultBudgetConfig())

	calls := 0
	resp, err := c.Do(context.Background(), imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"url":"gs://out/1.png"}`), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, resp.FromCache)
	assert.InDelta(t, 0.04, resp.Cost, 1e-9)

	status := ledger.Status()
	assert.InDelta(t, 0.04, status.CostUsedDay, 1e-6, "成功调用应计入成本")
}

func TestCaller_CacheHitSkipsProvider(t *testing.T) {
	c, ledger := newTestCaller(t, costs.DefaultBudgetConfig())
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"url":"gs://out/1.png"}`), nil
	}

	_, err := c.Do(ctx, imageRequest(true), fn)
	require.NoError(t, err)

	resp, err := c.Do(ctx, imageRequest(true), fn)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, 1, calls, "缓存命中不应再调用 Provider")

	status := ledger.Status()
	assert.InDelta(t, 0.04, status.CostUsedDay, 1e-6, "缓存命中不应产生新成本")
}

func TestCaller_BudgetRejection(t *testing.T) {
	budget := costs.DefaultBudgetConfig()
	budget.MaxCostPerRequest = 0.01
	c, _ := newTestCaller(t, budget)

	called := false
	_, err := c.Do(context.Background(), imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	require.Error(t, err)
	assert.Equal(t, ErrBudgetExceeded, GetErrorCode(err))
	assert.False(t, called, "预算超限时不应调用 Provider")
}

func TestCaller_RetriesRetryableErrors(t *testing.T) {
	c, _ := newTestCaller(t, costs.DefaultBudgetConfig())

	calls := 0
	resp, err := c.Do(context.Background(), imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, MapHTTPStatus("imagen", 503, "overloaded")
		}
		return json.RawMessage(`{}`), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.False(t, resp.FromCache)
}

func TestCaller_NoRetryOnClientError(t *testing.T) {
	c, _ := newTestCaller(t, costs.DefaultBudgetConfig())

	calls := 0
	_, err := c.Do(context.Background(), imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return nil, MapHTTPStatus("imagen", 400, "bad prompt")
	})

	require.Error(t, err)
	assert.Equal(t, ErrInvalidRequest, GetErrorCode(err), "错误应原样透出")
	assert.Equal(t, 1, calls, "客户端错误不应重试")
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState("imagen"), "客户端错误不计入熔断")
}

func TestCaller_BreakerOpensAndFailsFast(t *testing.T) {
	c, _ := newTestCaller(t, costs.DefaultBudgetConfig())
	ctx := context.Background()

	fail := func(ctx context.Context) (json.RawMessage, error) {
		return nil, MapHTTPStatus("imagen", 500, "boom")
	}

	// 连续两轮重试耗尽触发熔断（Threshold=2）
	for i := 0; i < 2; i++ {
		_, err := c.Do(ctx, imageRequest(false), fail)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState("imagen"))

	// 熔断后直接拒绝，不再调用 Provider
	calls := 0
	_, err := c.Do(ctx, imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return nil, nil
	})
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Zero(t, calls)

	c.ResetBreaker("imagen")
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState("imagen"))
}

func TestCaller_HealthGate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	respCache := cache.NewMultiLevelCache(rdb, nil, zap.NewNop())
	ledger := costs.NewLedger(costs.DefaultBudgetConfig(), nil, nil, zap.NewNop())

	monitor := NewHealthMonitor([]string{"imagen"}, nil, zap.NewNop())
	defer monitor.Stop()
	monitor.UpdateProbe("imagen", nil, assert.AnError)

	c := NewCaller(ledger, respCache, monitor, nil, fastCallerConfig(), zap.NewNop())

	called := false
	_, err := c.Do(context.Background(), imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	require.Error(t, err)
	assert.Equal(t, ErrProviderUnavailable, GetErrorCode(err))
	assert.False(t, called)
}

func TestCaller_FailureRecordedWithZeroCost(t *testing.T) {
	c, ledger := newTestCaller(t, costs.DefaultBudgetConfig())

	_, err := c.Do(context.Background(), imageRequest(false), func(ctx context.Context) (json.RawMessage, error) {
		return nil, MapHTTPStatus("imagen", 403, "blocked")
	})
	require.Error(t, err)

	status := ledger.Status()
	assert.Zero(t, status.CostUsedDay, "失败调用不应计成本")
}
