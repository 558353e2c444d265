// =============================================================================
// 📦 AdStudio 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Providers: DefaultProvidersConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Budget:    DefaultBudgetConfig(),
		Retry:     DefaultRetryConfig(),
		Breaker:   DefaultBreakerConfig(),
		Cache:     DefaultCacheConfig(),
		Auth:      DefaultAuthConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultStoreConfig 返回默认任务存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:    "memory",
		KeyPrefix: "adstudio:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "adstudio",
		Password:        "",
		Name:            "adstudio",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultProvidersConfig 返回默认提供商配置
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Vision: ProviderConfig{
			Model:   "gemini-2.5-pro",
			Timeout: 120 * time.Second,
		},
		Image: ProviderConfig{
			Model:   "imagen-3.0-generate-002",
			Timeout: 120 * time.Second,
		},
		Video: VideoProviderConfig{
			ProviderConfig: ProviderConfig{
				Model:   "veo-3.1-generate-preview",
				Timeout: 300 * time.Second,
			},
			PollInterval: 5 * time.Second,
		},
		Speech: SpeechProviderConfig{
			ProviderConfig: ProviderConfig{
				Model:   "tts-1-hd",
				Timeout: 60 * time.Second,
			},
			Voice: "alloy",
		},
	}
}

// DefaultPipelineConfig 返回默认流水线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:           4,
		QueueSize:         64,
		JobTimeout:        15 * time.Minute,
		CleanupInterval:   time.Hour,
		RetainFinished:    24 * time.Hour,
		MaxParallelAssets: 4,
		DefaultDuration:   8,
		DefaultSceneCount: 3,
	}
}

// DefaultBudgetConfig 返回默认预算配置
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

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultBreakerConfig 返回默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        5,
		Timeout:          300 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// DefaultCacheConfig 返回默认响应缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		EnableLocal:  true,
		EnableRedis:  true,
		LocalMaxSize: 1000,
		LocalTTL:     5 * time.Minute,
		RedisTTL:     time.Hour,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		JWTIssuer: "adstudio",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "adstudio",
		SampleRate:   0.1,
	}
}
