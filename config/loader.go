// =============================================================================
// 📦 GateFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GATEFLOW").
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

// Config 是 GateFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 状态存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Routing 路由与调度配置
	Routing RoutingConfig `yaml:"routing" env:"ROUTING"`

	// Auth 客户端认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Moderation 内容审核配置
	Moderation ModerationConfig `yaml:"moderation" env:"MODERATION"`

	// Billing 计费配置
	Billing BillingConfig `yaml:"billing" env:"BILLING"`

	// Audit 审计日志配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

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
	// 写入超时（流式请求需要放宽，0 表示不限制）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
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
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN 连接串；sqlite 时为文件路径
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RoutingConfig 路由与调度的环境级选项
type RoutingConfig struct {
	// 默认调度策略名称
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// 单次上游尝试的默认超时
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT"`
	// 连接/响应头超时（可重试性分类用）
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	// 失败冷却触发阈值
	ProviderFailureThreshold int64 `yaml:"provider_failure_threshold" env:"PROVIDER_FAILURE_THRESHOLD"`
	// 失败冷却标志 TTL（秒）
	ProviderFailureCooldownSeconds int64 `yaml:"provider_failure_cooldown_seconds" env:"PROVIDER_FAILURE_COOLDOWN_SECONDS"`
	// 健康缓存新鲜度上界（秒）
	ProviderHealthCacheTTLSeconds int64 `yaml:"provider_health_cache_ttl_seconds" env:"PROVIDER_HEALTH_CACHE_TTL_SECONDS"`
	// 关闭后不做健康惩罚与 min_score 过滤
	EnableProviderHealthCheck bool `yaml:"enable_provider_health_check" env:"ENABLE_PROVIDER_HEALTH_CHECK"`
	// 流式预扣费的最低 token 估算
	StreamingMinTokens int `yaml:"streaming_min_tokens" env:"STREAMING_MIN_TOKENS"`
	// 候选可用性检查的结果缓存 TTL（秒）
	CandidateAvailabilityCacheTTLSeconds int64 `yaml:"candidate_availability_cache_ttl_seconds" env:"CANDIDATE_AVAILABILITY_CACHE_TTL_SECONDS"`
	// 会话粘性 TTL（秒）
	SessionTTLSeconds int64 `yaml:"session_ttl_seconds" env:"SESSION_TTL_SECONDS"`
	// 逻辑模型缓存刷新间隔
	CatalogRefreshInterval time.Duration `yaml:"catalog_refresh_interval" env:"CATALOG_REFRESH_INTERVAL"`
	// 上游无输出时注入心跳帧的间隔
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval" env:"STREAM_HEARTBEAT_INTERVAL"`
	// 指标缓冲刷新间隔
	MetricsFlushInterval time.Duration `yaml:"metrics_flush_interval" env:"METRICS_FLUSH_INTERVAL"`
	// 指标缓冲 key 上限，超过触发提前刷新
	MetricsMaxBufferedKeys int `yaml:"metrics_max_buffered_keys" env:"METRICS_MAX_BUFFERED_KEYS"`
	// 成功样本采样率 (0,1]，失败样本恒记录
	MetricsSuccessSampleRate float64 `yaml:"metrics_success_sample_rate" env:"METRICS_SUCCESS_SAMPLE_RATE"`
}

// AuthConfig 客户端认证配置
type AuthConfig struct {
	// 静态 API Key 列表（逗号分隔的环境变量）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 签名密钥；为空时禁用 JWT
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// ModerationConfig 内容审核配置
type ModerationConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 审核实现: keyword, openai
	ProviderType string `yaml:"provider_type" env:"PROVIDER_TYPE"`
	// 本地关键词列表
	BlockedKeywords []string `yaml:"blocked_keywords" env:"BLOCKED_KEYWORDS"`
	// OpenAI 审核 API
	OpenAIAPIKey  string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// BillingConfig 计费配置
type BillingConfig struct {
	// 是否启用额度校验与扣费
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// MongoDB 连接串
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// 数据库名
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	// 集合名
	MongoCollection string `yaml:"mongo_collection" env:"MONGO_COLLECTION"`
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
		envPrefix:  "GATEFLOW",
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
		if envTag == "" || envTag == "-" {
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
