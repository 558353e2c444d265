// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/pipeline"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 生成调用指标
	genCallsTotal   *prometheus.CounterVec
	genCallDuration *prometheus.HistogramVec
	genCost         *prometheus.CounterVec

	// 流水线任务指标
	jobsFinishedTotal *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobCost           prometheus.Histogram
	queueDepth        prometheus.Gauge

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 生成调用指标
	c.genCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gen_calls_total",
			Help:      "Total number of generation provider calls",
		},
		[]string{"provider", "modality", "model", "status"},
	)

	c.genCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gen_call_duration_seconds",
			Help:      "Generation call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "modality"},
	)

	c.genCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gen_cost_usd_total",
			Help:      "Total generation cost in USD",
		},
		[]string{"provider", "modality", "model"},
	)

	// 流水线任务指标
	c.jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of finished commercial jobs",
		},
		[]string{"status"},
	)

	c.jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Commercial job duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	c.jobCost = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_cost_usd",
			Help:      "Cost per commercial job in USD",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20},
		},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_queue_depth",
			Help:      "Number of jobs waiting in the queue",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"modality"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"modality"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🎨 生成调用指标记录（实现 gen.CallObserver）
// =============================================================================

// ObserveCall 记录一次 Provider 调用
func (c *Collector) ObserveCall(provider, modality, model, status string, duration time.Duration, cost float64) {
	c.genCallsTotal.WithLabelValues(provider, modality, model, status).Inc()
	c.genCallDuration.WithLabelValues(provider, modality).Observe(duration.Seconds())
	if cost > 0 {
		c.genCost.WithLabelValues(provider, modality, model).Add(cost)
	}
}

// ObserveCacheHit 记录缓存命中
func (c *Collector) ObserveCacheHit(modality string) {
	c.cacheHits.WithLabelValues(modality).Inc()
}

// ObserveCacheMiss 记录缓存未命中
func (c *Collector) ObserveCacheMiss(modality string) {
	c.cacheMisses.WithLabelValues(modality).Inc()
}

// =============================================================================
// 🎬 流水线指标记录（实现 pipeline.JobObserver）
// =============================================================================

// ObserveJobFinished 记录任务完成
func (c *Collector) ObserveJobFinished(status pipeline.JobStatus, duration time.Duration, cost float64) {
	c.jobsFinishedTotal.WithLabelValues(string(status)).Inc()
	c.jobDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	if cost > 0 {
		c.jobCost.Observe(cost)
	}
}

// ObserveQueueDepth 记录队列深度
func (c *Collector) ObserveQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
