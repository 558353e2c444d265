package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen"
	"github.com/BaSui01/adstudio/gen/costs"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger  *zap.Logger
	checks  []HealthCheck
	monitor *gen.HealthMonitor
	ledger  *costs.Ledger
	mu      sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time                 `json:"timestamp"`
	Version   string                    `json:"version,omitempty"`
	Checks    map[string]CheckResult    `json:"checks,omitempty"`
	Providers []gen.ProviderHealthStats `json:"providers,omitempty"`
	Budget    *costs.BudgetStatus       `json:"budget,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。
// monitor 与 ledger 可为 nil，此时 /health 响应省略对应段。
func NewHealthHandler(monitor *gen.HealthMonitor, ledger *costs.Ledger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		checks:  make([]HealthCheck, 0),
		monitor: monitor,
		ledger:  ledger,
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求。
// 返回依赖检查结果、各 Provider 健康评分与预算水位。
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.runChecks(ctx)

	if h.monitor != nil {
		status.Providers = h.monitor.GetAllProviderStats()
		for _, p := range status.Providers {
			if p.HealthScore < 1.0 && status.Status == "healthy" {
				status.Status = "degraded"
			}
			if p.HealthScore == 0 {
				status.Status = "unhealthy"
			}
		}
	}

	if h.ledger != nil {
		budget := h.ledger.Status()
		status.Budget = &budget
		if budget.IsThrottled && status.Status == "healthy" {
			status.Status = "degraded"
		}
	}

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 活跃度探针）。
// 只确认进程存活，不检查依赖。
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 请求（就绪检查）。
// 依赖检查全部通过才返回 200。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.runChecks(ctx)

	if status.Status != "healthy" {
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// runChecks 执行全部已注册的依赖检查
func (h *HealthHandler) runChecks(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult),
	}

	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}

		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			status.Status = "unhealthy"

			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}

		status.Checks[check.Name()] = result
	}

	return status
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		}

		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// PingHealthCheck 基于 ping 函数的依赖检查（数据库、Redis、任务存储）
type PingHealthCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingHealthCheck 创建 ping 型健康检查
func NewPingHealthCheck(name string, ping func(ctx context.Context) error) *PingHealthCheck {
	return &PingHealthCheck{
		name: name,
		ping: ping,
	}
}

func (c *PingHealthCheck) Name() string {
	return c.name
}

func (c *PingHealthCheck) Check(ctx context.Context) error {
	return c.ping(ctx)
}

// ProviderHealthCheck 包装 Provider 的轻量探活
type ProviderHealthCheck struct {
	name    string
	checker gen.HealthChecker
}

// NewProviderHealthCheck 创建 Provider 健康检查
func NewProviderHealthCheck(name string, checker gen.HealthChecker) *ProviderHealthCheck {
	return &ProviderHealthCheck{
		name:    name,
		checker: checker,
	}
}

func (c *ProviderHealthCheck) Name() string {
	return c.name
}

func (c *ProviderHealthCheck) Check(ctx context.Context) error {
	_, err := c.checker.HealthCheck(ctx)
	return err
}
