package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/adstudio/api/handlers"
	"github.com/BaSui01/adstudio/config"
	"github.com/BaSui01/adstudio/gen"
	gencache "github.com/BaSui01/adstudio/gen/cache"
	"github.com/BaSui01/adstudio/gen/circuitbreaker"
	"github.com/BaSui01/adstudio/gen/costs"
	"github.com/BaSui01/adstudio/gen/image"
	"github.com/BaSui01/adstudio/gen/retry"
	"github.com/BaSui01/adstudio/gen/speech"
	"github.com/BaSui01/adstudio/gen/video"
	"github.com/BaSui01/adstudio/gen/vision"
	"github.com/BaSui01/adstudio/internal/metrics"
	"github.com/BaSui01/adstudio/internal/server"
	"github.com/BaSui01/adstudio/internal/telemetry"
	"github.com/BaSui01/adstudio/pipeline"
	"github.com/BaSui01/adstudio/pipeline/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AdStudio 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	redisClient *redis.Client
	db          *gorm.DB
	ledger      *costs.Ledger
	respCache   *gencache.MultiLevelCache
	monitor     *gen.HealthMonitor
	caller      *gen.Caller
	jobStore    pipeline.Store
	runner      *pipeline.Runner

	// Handlers
	healthHandler *handlers.HealthHandler
	jobsHandler   *handlers.JobsHandler
	eventsHandler *handlers.EventsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测
	otelProviders *telemetry.Providers

	// 后台任务生命周期管理
	rateLimiterCancel context.CancelFunc
	probeCancel       context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
		db:            db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("adstudio", s.logger)

	// 2. 初始化核心组件（Redis、台账、缓存、健康监控、Caller）
	if err := s.initCore(); err != nil {
		return fmt.Errorf("failed to init core components: %w", err)
	}

	// 3. 初始化流水线（Provider、Stages、Runner）
	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store_driver", s.cfg.Store.Driver),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initCore 初始化 Redis、成本台账、响应缓存、健康监控与弹性调用链
func (s *Server) initCore() error {
	// Redis（任务存储或响应缓存需要时建立连接）
	if s.cfg.Store.Driver == "redis" || s.cfg.Cache.EnableRedis {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
	}

	// 成本台账
	s.ledger = costs.NewLedger(costs.BudgetConfig{
		MaxCostPerRequest: s.cfg.Budget.MaxCostPerRequest,
		MaxCostPerHour:    s.cfg.Budget.MaxCostPerHour,
		MaxCostPerDay:     s.cfg.Budget.MaxCostPerDay,
		AlertThreshold:    s.cfg.Budget.AlertThreshold,
		AutoThrottle:      s.cfg.Budget.AutoThrottle,
		ThrottleDelay:     s.cfg.Budget.ThrottleDelay,
	}, costs.DefaultPricingTable(), s.db, s.logger)
	if err := s.ledger.AutoMigrate(); err != nil {
		s.logger.Warn("usage ledger migration failed", zap.Error(err))
	}

	// 响应缓存
	var cacheRedis *redis.Client
	if s.cfg.Cache.EnableRedis {
		cacheRedis = s.redisClient
	}
	s.respCache = gencache.NewMultiLevelCache(cacheRedis, &gencache.CacheConfig{
		LocalMaxSize: s.cfg.Cache.LocalMaxSize,
		LocalTTL:     s.cfg.Cache.LocalTTL,
		RedisTTL:     s.cfg.Cache.RedisTTL,
		EnableLocal:  s.cfg.Cache.EnableLocal,
		EnableRedis:  s.cfg.Cache.EnableRedis,
	}, s.logger)

	// 健康监控
	s.monitor = gen.NewHealthMonitor([]string{"vision", "imagen", "veo", "tts"}, s.ledger, s.logger)

	// 弹性调用链：预算 → 缓存 → 健康门控 → 熔断 → 重试
	s.caller = gen.NewCaller(s.ledger, s.respCache, s.monitor, s.metricsCollector, &gen.CallerConfig{
		RetryPolicy: &retry.RetryPolicy{
			MaxRetries:     s.cfg.Retry.MaxRetries,
			InitialDelay:   s.cfg.Retry.InitialDelay,
			MaxDelay:       s.cfg.Retry.MaxDelay,
			Multiplier:     s.cfg.Retry.Multiplier,
			Jitter:         s.cfg.Retry.Jitter,
			RetryableCheck: gen.IsRetryable,
		},
		BreakerConfig: &circuitbreaker.Config{
			Threshold:        s.cfg.Breaker.Threshold,
			Timeout:          s.cfg.Breaker.Timeout,
			ResetTimeout:     s.cfg.Breaker.ResetTimeout,
			HalfOpenMaxCalls: s.cfg.Breaker.HalfOpenMaxCalls,
		},
	}, s.logger)

	return nil
}

// initPipeline 初始化 Provider、Stages、任务存储与 Runner
func (s *Server) initPipeline() error {
	p := s.cfg.Providers

	analyzer := vision.NewClient(vision.Config{
		APIKey:  p.Vision.APIKey,
		BaseURL: p.Vision.BaseURL,
		Model:   p.Vision.Model,
		Timeout: p.Vision.Timeout,
	})
	imageGen := image.NewImagenProvider(image.ImagenConfig{
		APIKey:  p.Image.APIKey,
		BaseURL: p.Image.BaseURL,
		Model:   p.Image.Model,
		Timeout: p.Image.Timeout,
	})
	videoGen := video.NewVeoProvider(video.VeoConfig{
		APIKey:       p.Video.APIKey,
		BaseURL:      p.Video.BaseURL,
		Model:        p.Video.Model,
		Timeout:      p.Video.Timeout,
		PollInterval: p.Video.PollInterval,
	})
	tts := speech.NewTTSProvider(speech.TTSConfig{
		APIKey:  p.Speech.APIKey,
		BaseURL: p.Speech.BaseURL,
		Model:   p.Speech.Model,
		Voice:   p.Speech.Voice,
		Timeout: p.Speech.Timeout,
	})

	stages := pipeline.NewStages(s.caller, analyzer, imageGen, videoGen, tts, pipeline.StagesConfig{
		VisionModel:       p.Vision.Model,
		ImageModel:        p.Image.Model,
		VideoModel:        p.Video.Model,
		TTSModel:          p.Speech.Model,
		MaxParallelAssets: s.cfg.Pipeline.MaxParallelAssets,
		DefaultDuration:   s.cfg.Pipeline.DefaultDuration,
		DefaultSceneCount: s.cfg.Pipeline.DefaultSceneCount,
	}, s.logger)

	// 任务存储
	switch s.cfg.Store.Driver {
	case "redis":
		st, err := store.NewRedisStore(s.redisClient, s.cfg.Store.KeyPrefix)
		if err != nil {
			return fmt.Errorf("failed to init redis job store: %w", err)
		}
		s.jobStore = st
	default:
		s.jobStore = store.NewMemoryStore()
	}

	s.runner = pipeline.NewRunner(s.jobStore, stages, s.metricsCollector, pipeline.RunnerConfig{
		Workers:         s.cfg.Pipeline.Workers,
		QueueSize:       s.cfg.Pipeline.QueueSize,
		JobTimeout:      s.cfg.Pipeline.JobTimeout,
		CleanupInterval: s.cfg.Pipeline.CleanupInterval,
		RetainFinished:  s.cfg.Pipeline.RetainFinished,
	}, s.logger)

	if err := s.runner.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start pipeline runner: %w", err)
	}

	s.monitor.SetMaxQPS("veo", 10) // 视频生成并发上限较低

	// 已配置密钥的 Provider 定期探活，结果反馈给健康监控
	checkers := map[string]gen.HealthChecker{}
	if p.Vision.APIKey != "" {
		checkers["vision"] = analyzer
	}
	if p.Image.APIKey != "" {
		checkers["imagen"] = imageGen
	}
	if p.Video.APIKey != "" {
		checkers["veo"] = videoGen
	}
	if p.Speech.APIKey != "" {
		checkers["tts"] = tts
	}
	if len(checkers) > 0 {
		probeCtx, probeCancel := context.WithCancel(context.Background())
		s.probeCancel = probeCancel
		go s.probeLoop(probeCtx, checkers)
	}

	return nil
}

// probeLoop 周期性探活各 Provider，结果写入健康监控
func (s *Server) probeLoop(ctx context.Context, checkers map[string]gen.HealthChecker) {
	probe := func() {
		for name, checker := range checkers {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			st, err := checker.HealthCheck(probeCtx)
			cancel()
			s.monitor.UpdateProbe(name, st, err)
		}
	}

	probe()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.monitor, s.ledger, s.logger)
	s.jobsHandler = handlers.NewJobsHandler(s.runner, s.logger)
	s.eventsHandler = handlers.NewEventsHandler(s.runner, s.logger)

	// 依赖检查
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("job_store", s.jobStore.Ping))
	if s.redisClient != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", func(ctx context.Context) error {
			return s.redisClient.Ping(ctx).Err()
		}))
	}
	if s.db != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	}

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("POST /v1/jobs", s.jobsHandler.HandleSubmit)
	mux.HandleFunc("GET /v1/jobs", s.jobsHandler.HandleList)
	mux.HandleFunc("GET /v1/jobs/{id}", s.jobsHandler.HandleGet)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.jobsHandler.HandleCancel)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.eventsHandler.HandleJobEvents)
	mux.HandleFunc("GET /v1/events", s.eventsHandler.HandleAllEvents)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Auth.Enabled {
		if s.cfg.Auth.JWTSecret != "" {
			middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
		} else {
			middlewares = append(middlewares, APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.logger))
		}
	}
	// 限流放在认证之后，已认证请求按租户限流，匿名请求按 IP 限流
	middlewares = append(middlewares,
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止后台 goroutine（限流清理、Provider 探活）
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.probeCancel != nil {
		s.probeCancel()
	}

	// 1. 关闭 HTTP 服务器（先停止接收新任务）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止流水线（等待 worker 退出，未完成任务留待恢复）
	if s.runner != nil {
		s.runner.Stop()
	}

	// 3. 停止健康监控
	if s.monitor != nil {
		s.monitor.Stop()
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭任务存储与 Redis
	if s.jobStore != nil {
		if err := s.jobStore.Close(); err != nil {
			s.logger.Error("Job store close error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}

	// 6. 关闭遥测
	if s.otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
