package gen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen/costs"
)

// StatsSource 提供 Provider 最近调用统计（通常由 costs.Ledger 实现）。
type StatsSource interface {
	RecentStats(provider string, window time.Duration) (costs.ProviderStats, error)
}

// HealthMonitor 维护各 Provider 的健康分数、QPS 计数与主动探活结果。
type HealthMonitor struct {
	mu          sync.RWMutex
	stats       StatsSource
	providers   []string
	healthScore map[string]float64             // provider -> score (0-1)
	qpsCounter  map[string]*QPSCounter         // provider -> QPS counter
	probe       map[string]ProviderProbeResult // provider -> active probe result
	logger      *zap.Logger
	interval    time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
}

// QPSCounter 60 桶的每秒滑动窗口计数器。
type QPSCounter struct {
	lastSec atomic.Int64
	buckets [60]atomic.Int64
	maxQPS  atomic.Int64 // 配置的最大 QPS（0 表示无限制）
}

// ProviderHealthStats 单个 Provider 的健康统计。
type ProviderHealthStats struct {
	Provider    string        `json:"provider"`
	HealthScore float64       `json:"health_score"`
	CurrentQPS  int           `json:"current_qps"`
	ErrorRate   float64       `json:"error_rate"`
	Latency     time.Duration `json:"latency"`
	LastError   string        `json:"last_error,omitempty"`
	LastCheckAt time.Time     `json:"last_check_at"`
}

// ProviderProbeResult 主动探活结果。
type ProviderProbeResult struct {
	Healthy     bool
	Latency     time.Duration
	ErrorRate   float64
	LastError   string
	LastCheckAt time.Time
}

// NewHealthMonitor 创建健康监控器并启动后台检查循环。
func NewHealthMonitor(providers []string, stats StatsSource, logger *zap.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	monitor := &HealthMonitor{
		stats:       stats,
		providers:   providers,
		healthScore: make(map[string]float64),
		qpsCounter:  make(map[string]*QPSCounter),
		probe:       make(map[string]ProviderProbeResult),
		logger:      logger,
		interval:    60 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, p := range providers {
		monitor.healthScore[p] = 1.0
	}

	go monitor.startHealthCheckLoop()

	return monitor
}

func (m *HealthMonitor) Stop() {
	m.cancel()
}

// GetHealthScore 获取 Provider 的健康分数 (0-1)
// 使用写锁，因为 getCurrentQPSUnsafe 内部调用 bumpWindow 会修改计数器状态。
func (m *HealthMonitor) GetHealthScore(provider string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if probe, ok := m.probe[provider]; ok && !probe.Healthy {
		return 0.0 // 主动探活失败，直接熔断
	}

	if counter, exists := m.qpsCounter[provider]; exists && counter.maxQPS.Load() > 0 {
		currentQPS := m.getCurrentQPSUnsafe(provider)
		if currentQPS >= int(counter.maxQPS.Load()) {
			return 0.0 // QPS 超限，标记为不健康
		}
	}

	if score, exists := m.healthScore[provider]; exists {
		return score
	}
	return 1.0 // 默认健康
}

// GetCurrentQPS 获取当前 QPS。
func (m *HealthMonitor) GetCurrentQPS(provider string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCurrentQPSUnsafe(provider)
}

func (m *HealthMonitor) getCurrentQPSUnsafe(provider string) int {
	counter, exists := m.qpsCounter[provider]
	if !exists {
		return 0
	}
	now := time.Now()
	counter.bumpWindow(now.Unix())
	var total int64
	for i := range counter.buckets {
		total += counter.buckets[i].Load()
	}
	if total < 0 {
		return 0
	}
	return int(total)
}

// IncrementQPS 记录一次请求。
func (m *HealthMonitor) IncrementQPS(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.qpsCounter[provider]; !exists {
		m.qpsCounter[provider] = newQPSCounter(time.Now())
	}

	counter := m.qpsCounter[provider]
	now := time.Now().Unix()
	counter.bumpWindow(now)
	counter.buckets[now%60].Add(1)
}

// SetMaxQPS 设置 Provider 的最大 QPS（0 表示无限制）。
func (m *HealthMonitor) SetMaxQPS(provider string, maxQPS int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.qpsCounter[provider]; !exists {
		m.qpsCounter[provider] = newQPSCounter(time.Now())
	}
	m.qpsCounter[provider].maxQPS.Store(int64(maxQPS))
}

// GetAllProviderStats 获取所有 Provider 的健康统计。
func (m *HealthMonitor) GetAllProviderStats() []ProviderHealthStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]ProviderHealthStats, 0, len(m.healthScore))
	for provider, score := range m.healthScore {
		s := ProviderHealthStats{
			Provider:    provider,
			HealthScore: score,
			CurrentQPS:  m.getCurrentQPSUnsafe(provider),
			LastCheckAt: time.Now(),
		}
		if probe, ok := m.probe[provider]; ok {
			s.ErrorRate = probe.ErrorRate
			s.Latency = probe.Latency
			s.LastError = probe.LastError
			if !probe.LastCheckAt.IsZero() {
				s.LastCheckAt = probe.LastCheckAt
			}
		}
		stats = append(stats, s)
	}
	return stats
}

// UpdateProbe 记录一次主动探活结果。
func (m *HealthMonitor) UpdateProbe(provider string, st *HealthStatus, err error) {
	if provider == "" {
		return
	}
	now := time.Now()
	res := ProviderProbeResult{Healthy: false, LastCheckAt: now}
	if st != nil {
		res.Healthy = st.Healthy
		res.Latency = st.Latency
		res.ErrorRate = st.ErrorRate
	}
	if err != nil {
		res.Healthy = false
		res.LastError = err.Error()
	}
	m.mu.Lock()
	m.probe[provider] = res
	m.mu.Unlock()
}

// startHealthCheckLoop 后台健康检查循环（每 60 秒）。
func (m *HealthMonitor) startHealthCheckLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.updateAllProviderHealth()
		}
	}
}

func newQPSCounter(now time.Time) *QPSCounter {
	c := &QPSCounter{}
	c.lastSec.Store(now.Unix())
	c.maxQPS.Store(0)
	return c
}

func (c *QPSCounter) bumpWindow(nowSec int64) {
	prev := c.lastSec.Load()
	for nowSec > prev {
		if c.lastSec.CompareAndSwap(prev, nowSec) {
			gap := nowSec - prev
			if gap >= 60 {
				for i := range c.buckets {
					c.buckets[i].Store(0)
				}
				return
			}
			for s := prev + 1; s <= nowSec; s++ {
				c.buckets[s%60].Store(0)
			}
			return
		}
		prev = c.lastSec.Load()
	}
}

// updateAllProviderHealth 更新所有 Provider 的健康分数。
func (m *HealthMonitor) updateAllProviderHealth() {
	for _, p := range m.providers {
		score := m.calculateHealthScore(p)
		m.mu.Lock()
		m.healthScore[p] = score
		m.mu.Unlock()
	}
}

// calculateHealthScore 计算单个 Provider 的健康分数。
// 基于最近 5 分钟使用记录的错误率与延迟。
func (m *HealthMonitor) calculateHealthScore(provider string) float64 {
	if m.stats == nil {
		return 1.0
	}

	stats, err := m.stats.RecentStats(provider, 5*time.Minute)
	if err != nil {
		m.logger.Warn("failed to query provider stats",
			zap.String("provider", provider), zap.Error(err))
		return 1.0
	}

	if stats.TotalCalls == 0 {
		return 1.0 // 无数据，默认健康
	}

	errorRate := float64(stats.FailedCalls) / float64(stats.TotalCalls)

	// 健康分数计算：
	// - 错误率 < 1%: 1.0
	// - 错误率 1-5%: 0.8
	// - 错误率 5-10%: 0.5
	// - 错误率 > 10%: 0.2
	score := 1.0
	if errorRate > 0.01 {
		score = 0.8
	}
	if errorRate > 0.05 {
		score = 0.5
	}
	if errorRate > 0.10 {
		score = 0.2
	}

	// 延迟因子（P95 估算）
	latencyP95 := stats.AvgLatency * 1.2
	if latencyP95 > 30000 { // 超过 30 秒
		score *= 0.5
	} else if latencyP95 > 10000 { // 超过 10 秒
		score *= 0.8
	}

	return score
}

// ForceHealthCheck 强制立即检查指定 Provider 的健康状态。
func (m *HealthMonitor) ForceHealthCheck(provider string) error {
	known := false
	for _, p := range m.providers {
		if p == provider {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("provider not registered: %s", provider)
	}

	score := m.calculateHealthScore(provider)
	m.mu.Lock()
	m.healthScore[provider] = score
	m.mu.Unlock()

	return nil
}
