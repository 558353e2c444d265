package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen"
	"github.com/BaSui01/adstudio/gen/costs"
)

func performHealthRequest(h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeHealthStatus(t *testing.T, rec *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return status
}

// =============================================================================
// 🧪 健康检查端点
// =============================================================================

func TestHealthHandler_Healthz(t *testing.T) {
	h := NewHealthHandler(nil, nil, zap.NewNop())

	rec := performHealthRequest(h.HandleHealthz, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthHandler_Ready_AllPass(t *testing.T) {
	h := NewHealthHandler(nil, nil, zap.NewNop())
	h.RegisterCheck(NewPingHealthCheck("store", func(ctx context.Context) error { return nil }))
	h.RegisterCheck(NewPingHealthCheck("redis", func(ctx context.Context) error { return nil }))

	rec := performHealthRequest(h.HandleReady, "/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "pass", status.Checks["store"].Status)
	assert.Equal(t, "pass", status.Checks["redis"].Status)
}

func TestHealthHandler_Ready_CheckFails(t *testing.T) {
	h := NewHealthHandler(nil, nil, zap.NewNop())
	h.RegisterCheck(NewPingHealthCheck("store", func(ctx context.Context) error { return nil }))
	h.RegisterCheck(NewPingHealthCheck("database", func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	rec := performHealthRequest(h.HandleReady, "/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "fail", status.Checks["database"].Status)
	assert.Contains(t, status.Checks["database"].Message, "connection refused")
}

func TestHealthHandler_Health_IncludesBudget(t *testing.T) {
	ledger := costs.NewLedger(costs.DefaultBudgetConfig(), nil, nil, zap.NewNop())
	h := NewHealthHandler(nil, ledger, zap.NewNop())

	rec := performHealthRequest(h.HandleHealth, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeHealthStatus(t, rec)
	require.NotNil(t, status.Budget, "响应应包含预算水位")
	assert.False(t, status.Budget.IsThrottled)
}

func TestHealthHandler_Health_IncludesProviders(t *testing.T) {
	monitor := gen.NewHealthMonitor([]string{"imagen", "veo"}, nil, zap.NewNop())
	t.Cleanup(monitor.Stop)

	h := NewHealthHandler(monitor, nil, zap.NewNop())

	rec := performHealthRequest(h.HandleHealth, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Len(t, status.Providers, 2)
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthHandler_Health_DegradedProvider(t *testing.T) {
	monitor := gen.NewHealthMonitor([]string{"veo"}, nil, zap.NewNop())
	t.Cleanup(monitor.Stop)
	monitor.UpdateProbe("veo", nil, errors.New("probe timeout"))

	h := NewHealthHandler(monitor, nil, zap.NewNop())

	rec := performHealthRequest(h.HandleHealth, "/health")

	// 评分为 0 的 Provider 使整体状态降为 unhealthy
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decodeHealthStatus(t, rec)
	assert.Equal(t, "unhealthy", status.Status)
}

func TestHealthHandler_Version(t *testing.T) {
	h := NewHealthHandler(nil, nil, zap.NewNop())

	rec := performHealthRequest(h.HandleVersion("1.2.3", "2026-08-24", "abc123"), "/version")

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)

	data, _ := json.Marshal(resp.Data)
	var info map[string]string
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "abc123", info["git_commit"])
}

// =============================================================================
// 🧪 Provider 探活包装
// =============================================================================

type fakeChecker struct {
	err error
}

func (f *fakeChecker) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gen.HealthStatus{Healthy: true, Latency: 10 * time.Millisecond}, nil
}

func TestProviderHealthCheck(t *testing.T) {
	healthy := NewProviderHealthCheck("vision", &fakeChecker{})
	assert.Equal(t, "vision", healthy.Name())
	assert.NoError(t, healthy.Check(context.Background()))

	broken := NewProviderHealthCheck("veo", &fakeChecker{err: errors.New("boom")})
	assert.Error(t, broken.Check(context.Background()))
}
