// =============================================================================
// 📦 AdStudio 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("ADSTUDIO").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AdStudio 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Store 任务存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（成本台账）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Providers 生成服务提供商配置
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Pipeline 流水线配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Budget 预算配置
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Retry 重试配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Cache 响应缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Auth 认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 限流：每秒请求数
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流：突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源（为空则拒绝跨域请求）
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// StoreConfig 任务存储配置
type StoreConfig struct {
	// 驱动类型: memory, redis
	Driver string `yaml:"driver" env:"DRIVER"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ProvidersConfig 生成服务提供商配置
type ProvidersConfig struct {
	// Vision 产品分析（多模态理解）
	Vision ProviderConfig `yaml:"vision" env:"VISION"`
	// Image 图像生成
	Image ProviderConfig `yaml:"image" env:"IMAGE"`
	// Video 视频生成
	Video VideoProviderConfig `yaml:"video" env:"VIDEO"`
	// Speech 语音合成
	Speech SpeechProviderConfig `yaml:"speech" env:"SPEECH"`
}

// ProviderConfig 通用提供商配置
type ProviderConfig struct {
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选，默认官方端点）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// VideoProviderConfig 视频提供商配置
type VideoProviderConfig struct {
	ProviderConfig `yaml:",inline" env:""`
	// 长时操作轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// SpeechProviderConfig 语音提供商配置
type SpeechProviderConfig struct {
	ProviderConfig `yaml:",inline" env:""`
	// 默认音色
	Voice string `yaml:"voice" env:"VOICE"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	// 工作协程数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 单任务超时
	JobTimeout time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	// 清理周期
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 完结任务保留时长
	RetainFinished time.Duration `yaml:"retain_finished" env:"RETAIN_FINISHED"`
	// 素材生成最大并行度
	MaxParallelAssets int `yaml:"max_parallel_assets" env:"MAX_PARALLEL_ASSETS"`
	// 默认视频时长（秒）
	DefaultDuration int `yaml:"default_duration" env:"DEFAULT_DURATION"`
	// 默认场景数
	DefaultSceneCount int `yaml:"default_scene_count" env:"DEFAULT_SCENE_COUNT"`
}

// BudgetConfig 预算配置
type BudgetConfig struct {
	// 单次调用成本上限（USD）
	MaxCostPerRequest float64 `yaml:"max_cost_per_request" env:"MAX_COST_PER_REQUEST"`
	// 每小时成本上限（USD）
	MaxCostPerHour float64 `yaml:"max_cost_per_hour" env:"MAX_COST_PER_HOUR"`
	// 每日成本上限（USD）
	MaxCostPerDay float64 `yaml:"max_cost_per_day" env:"MAX_COST_PER_DAY"`
	// 告警阈值（0.0-1.0）
	AlertThreshold float64 `yaml:"alert_threshold" env:"ALERT_THRESHOLD"`
	// 接近上限时是否自动限速
	AutoThrottle bool `yaml:"auto_throttle" env:"AUTO_THROTTLE"`
	// 限速延迟
	ThrottleDelay time.Duration `yaml:"throttle_delay" env:"THROTTLE_DELAY"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 是否添加抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 熔断恢复等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	// 半开状态最大请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	// 是否启用本地 LRU 缓存
	EnableLocal bool `yaml:"enable_local" env:"ENABLE_LOCAL"`
	// 是否启用 Redis 缓存
	EnableRedis bool `yaml:"enable_redis" env:"ENABLE_REDIS"`
	// 本地缓存最大条目数
	LocalMaxSize int `yaml:"local_max_size" env:"LOCAL_MAX_SIZE"`
	// 本地缓存 TTL
	LocalTTL time.Duration `yaml:"local_ttl" env:"LOCAL_TTL"`
	// Redis 缓存 TTL
	RedisTTL time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// 是否启用认证
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 静态 API Key 列表
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 签名密钥（HS256）
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ADSTUDIO",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "-" {
			continue
		}

		// 内嵌结构体（如 VideoProviderConfig 内嵌 ProviderConfig）
		// 沿用父级前缀递归
		if fieldType.Anonymous && field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, prefix); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证存储配置
	switch c.Store.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	// 验证流水线配置
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, "pipeline workers must be positive")
	}
	if c.Pipeline.MaxParallelAssets <= 0 {
		errs = append(errs, "max_parallel_assets must be positive")
	}

	// 验证预算配置
	if c.Budget.AlertThreshold < 0 || c.Budget.AlertThreshold > 1 {
		errs = append(errs, "alert_threshold must be between 0 and 1")
	}

	// 验证熔断器配置
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker threshold must be positive")
	}

	// 启用认证时至少需要一种凭证
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth enabled but no api_keys or jwt_secret configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
