// Package costs 提供生成调用的成本核算与预算控制。
package costs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ModelPricing 单个模型的计价配置。
// PerUnit 的单位依模态而定：图片按张、视频/音频按秒、分析按请求。
type ModelPricing struct {
	Modality string  `json:"modality" yaml:"modality"`
	PerUnit  float64 `json:"per_unit" yaml:"per_unit"` // USD
}

// PricingTable 模型 -> 计价 映射。
type PricingTable map[string]ModelPricing

// DefaultPricingTable 返回内置计价表。
// 未知模型按模态回退到 "<modality>/default" 条目。
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"vision/default": {Modality: "vision", PerUnit: 0.0025},
		"image/default":  {Modality: "image", PerUnit: 0.04},
		"video/default":  {Modality: "video", PerUnit: 0.35},
		"speech/default": {Modality: "speech", PerUnit: 0.015},
	}
}

// Estimate 估算一次调用成本。
func (t PricingTable) Estimate(modality, model string, units float64) float64 {
	if p, ok := t[modality+"/"+model]; ok {
		return p.PerUnit * units
	}
	if p, ok := t[modality+"/default"]; ok {
		return p.PerUnit * units
	}
	return 0
}

// BudgetConfig 配置预算限额。
type BudgetConfig struct {
	MaxCostPerRequest float64       `json:"max_cost_per_request" yaml:"max_cost_per_request"`
	MaxCostPerHour    float64       `json:"max_cost_per_hour" yaml:"max_cost_per_hour"`
	MaxCostPerDay     float64       `json:"max_cost_per_day" yaml:"max_cost_per_day"`
	AlertThreshold    float64       `json:"alert_threshold" yaml:"alert_threshold"` // 0.0-1.0
	AutoThrottle      bool          `json:"auto_throttle" yaml:"auto_throttle"`
	ThrottleDelay     time.Duration `json:"throttle_delay" yaml:"throttle_delay"`
}

// DefaultBudgetConfig 返回合理的默认值。
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxCostPerRequest: 5.0,
		MaxCostPerHour:    50.0,
		MaxCostPerDay:     200.0,
		AlertThreshold:    0.8,
		AutoThrottle:      true,
		ThrottleDelay:     time.Second,
	}
}

// UsageRecord 单次调用的使用记录，可选持久化到数据库。
type UsageRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	JobID     string    `gorm:"index" json:"job_id,omitempty"`
	Provider  string    `gorm:"index" json:"provider"`
	Model     string    `json:"model"`
	Modality  string    `json:"modality"`
	Units     float64   `json:"units"`
	Cost      float64   `json:"cost"`
	LatencyMs int64     `json:"latency_ms"`
	Status    int       `gorm:"index" json:"status"` // 1=成功 0=失败
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定 GORM 表名。
func (UsageRecord) TableName() string { return "ad_usage_records" }

// BudgetStatus 当前预算状况。
type BudgetStatus struct {
	CostUsedHour    float64    `json:"cost_used_hour"`
	CostUsedDay     float64    `json:"cost_used_day"`
	HourUtilization float64    `json:"hour_utilization"`
	DayUtilization  float64    `json:"day_utilization"`
	IsThrottled     bool       `json:"is_throttled"`
	ThrottleUntil   *time.Time `json:"throttle_until,omitempty"`
}

// AlertType 预算警报类型。
type AlertType string

const (
	AlertCostHour AlertType = "cost_hour_threshold"
	AlertCostDay  AlertType = "cost_day_threshold"
	AlertLimitHit AlertType = "limit_hit"
)

// Alert 预算警报。
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Threshold float64   `json:"threshold"`
	Current   float64   `json:"current"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertHandler 处理预算警报。
type AlertHandler func(alert Alert)

// Ledger 管理成本账本并强制执行预算限额。
// 成本以微美元（cost * 1e6）存储在 int64 中以便原子更新。
type Ledger struct {
	config        BudgetConfig
	pricing       PricingTable
	db            *gorm.DB // 可选，nil 时仅内存记账
	logger        *zap.Logger
	alertHandlers []AlertHandler

	costHourMicro int64
	costDayMicro  int64

	hourStart time.Time
	dayStart  time.Time

	throttleUntil time.Time
	mu            sync.RWMutex

	alertedHour bool
	alertedDay  bool
}

// NewLedger 创建成本账本。db 为 nil 时禁用持久化。
func NewLedger(config BudgetConfig, pricing PricingTable, db *gorm.DB, logger *zap.Logger) *Ledger {
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	now := time.Now()
	return &Ledger{
		config:    config,
		pricing:   pricing,
		db:        db,
		logger:    logger,
		hourStart: now,
		dayStart:  now.Truncate(24 * time.Hour),
	}
}

// AutoMigrate 创建使用记录表。
func (l *Ledger) AutoMigrate() error {
	if l.db == nil {
		return nil
	}
	return l.db.AutoMigrate(&UsageRecord{})
}

// Pricing 返回计价表。
func (l *Ledger) Pricing() PricingTable { return l.pricing }

// OnAlert 登记一个警报处理器。
func (l *Ledger) OnAlert(handler AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertHandlers = append(l.alertHandlers, handler)
}

// CheckBudget 检查一次预估成本是否在预算范围内。
// 必须在每次付费调用前执行。
func (l *Ledger) CheckBudget(ctx context.Context, estimatedCost float64) error {
	l.resetWindowsIfNeeded()

	l.mu.RLock()
	if time.Now().Before(l.throttleUntil) {
		until := l.throttleUntil
		l.mu.RUnlock()
		return fmt.Errorf("throttled until %s", until.Format(time.RFC3339))
	}
	l.mu.RUnlock()

	if estimatedCost > l.config.MaxCostPerRequest {
		return fmt.Errorf("estimated cost %.4f exceeds per-request limit %.4f",
			estimatedCost, l.config.MaxCostPerRequest)
	}

	currentHour := float64(atomic.LoadInt64(&l.costHourMicro)) / 1e6
	if currentHour+estimatedCost > l.config.MaxCostPerHour {
		l.applyThrottle()
		return fmt.Errorf("would exceed hourly cost limit %.2f", l.config.MaxCostPerHour)
	}

	currentDay := float64(atomic.LoadInt64(&l.costDayMicro)) / 1e6
	if currentDay+estimatedCost > l.config.MaxCostPerDay {
		return fmt.Errorf("would exceed daily cost limit %.2f", l.config.MaxCostPerDay)
	}

	return nil
}

// RecordUsage 记录一次调用的成本与计量。
func (l *Ledger) RecordUsage(ctx context.Context, record UsageRecord) {
	l.resetWindowsIfNeeded()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	atomic.AddInt64(&l.costHourMicro, int64(record.Cost*1e6))
	atomic.AddInt64(&l.costDayMicro, int64(record.Cost*1e6))

	l.checkAlerts()

	if l.db != nil {
		if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
			l.logger.Warn("failed to persist usage record", zap.Error(err))
		}
	}

	l.logger.Debug("usage recorded",
		zap.String("provider", record.Provider),
		zap.String("model", record.Model),
		zap.Float64("units", record.Units),
		zap.Float64("cost", record.Cost))
}

// Status 返回当前预算状况。
func (l *Ledger) Status() BudgetStatus {
	l.resetWindowsIfNeeded()

	costHour := float64(atomic.LoadInt64(&l.costHourMicro)) / 1e6
	costDay := float64(atomic.LoadInt64(&l.costDayMicro)) / 1e6

	status := BudgetStatus{
		CostUsedHour: costHour,
		CostUsedDay:  costDay,
	}
	if l.config.MaxCostPerHour > 0 {
		status.HourUtilization = costHour / l.config.MaxCostPerHour
	}
	if l.config.MaxCostPerDay > 0 {
		status.DayUtilization = costDay / l.config.MaxCostPerDay
	}

	l.mu.RLock()
	if time.Now().Before(l.throttleUntil) {
		status.IsThrottled = true
		t := l.throttleUntil
		status.ThrottleUntil = &t
	}
	l.mu.RUnlock()

	return status
}

// ProviderStats 最近一段时间内某 Provider 的调用统计（来自持久化记录）。
type ProviderStats struct {
	TotalCalls  int64
	FailedCalls int64
	AvgLatency  float64 // 毫秒
}

// RecentStats 查询最近 window 内的 Provider 统计。
// 无数据库时返回零值。
func (l *Ledger) RecentStats(provider string, window time.Duration) (ProviderStats, error) {
	var stats ProviderStats
	if l.db == nil {
		return stats, nil
	}

	since := time.Now().Add(-window)
	err := l.db.Model(&UsageRecord{}).
		Select("COUNT(*) as total_calls, SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END) as failed_calls, AVG(latency_ms) as avg_latency").
		Where("provider = ? AND created_at >= ?", provider, since).
		Scan(&stats).Error
	return stats, err
}

func (l *Ledger) resetWindowsIfNeeded() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.hourStart) >= time.Hour {
		atomic.StoreInt64(&l.costHourMicro, 0)
		l.hourStart = now
		l.alertedHour = false
	}

	dayStart := now.Truncate(24 * time.Hour)
	if dayStart.After(l.dayStart) {
		atomic.StoreInt64(&l.costDayMicro, 0)
		l.dayStart = dayStart
		l.alertedDay = false
	}
}

func (l *Ledger) applyThrottle() {
	if !l.config.AutoThrottle {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.throttleUntil = time.Now().Add(l.config.ThrottleDelay)
	l.logger.Warn("throttling applied", zap.Time("until", l.throttleUntil))
}

func (l *Ledger) checkAlerts() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.config.AlertThreshold
	if threshold <= 0 {
		return
	}

	if l.config.MaxCostPerHour > 0 {
		hourUtil := float64(atomic.LoadInt64(&l.costHourMicro)) / 1e6 / l.config.MaxCostPerHour
		if hourUtil >= threshold && !l.alertedHour {
			l.alertedHour = true
			l.fireAlert(Alert{
				Type:      AlertCostHour,
				Message:   "Hourly cost threshold exceeded",
				Threshold: threshold,
				Current:   hourUtil,
				Timestamp: time.Now(),
			})
		}
	}

	if l.config.MaxCostPerDay > 0 {
		dayUtil := float64(atomic.LoadInt64(&l.costDayMicro)) / 1e6 / l.config.MaxCostPerDay
		if dayUtil >= threshold && !l.alertedDay {
			l.alertedDay = true
			l.fireAlert(Alert{
				Type:      AlertCostDay,
				Message:   "Daily cost threshold exceeded",
				Threshold: threshold,
				Current:   dayUtil,
				Timestamp: time.Now(),
			})
		}
	}
}

func (l *Ledger) fireAlert(alert Alert) {
	l.logger.Warn("budget alert",
		zap.String("type", string(alert.Type)),
		zap.String("message", alert.Message),
		zap.Float64("threshold", alert.Threshold),
		zap.Float64("current", alert.Current))

	for _, handler := range l.alertHandlers {
		go handler(alert)
	}
}

// Reset 重置所有计数器（用于测试）。
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	atomic.StoreInt64(&l.costHourMicro, 0)
	atomic.StoreInt64(&l.costDayMicro, 0)

	now := time.Now()
	l.hourStart = now
	l.dayStart = now.Truncate(24 * time.Hour)
	l.throttleUntil = time.Time{}

	l.alertedHour = false
	l.alertedDay = false
}
