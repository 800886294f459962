// =============================================================================
// 📦 GateFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Routing:    DefaultRoutingConfig(),
		Auth:       AuthConfig{},
		Moderation: DefaultModerationConfig(),
		Billing:    BillingConfig{Enabled: false},
		Audit:      DefaultAuditConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:    8080,
		MetricsPort: 9091,
		ReadTimeout: 30 * time.Second,
		// SSE 流可能长时间保持，写超时交由上游请求超时控制
		WriteTimeout:    0,
		ShutdownTimeout: 15 * time.Second,
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
		DSN:             "host=localhost port=5432 user=gateflow dbname=gateflow sslmode=disable",
		MaxOpenConns:    50,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRoutingConfig 返回默认路由配置
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		Strategy:                             "balanced",
		UpstreamTimeout:                      120 * time.Second,
		ConnectTimeout:                       10 * time.Second,
		ProviderFailureThreshold:             3,
		ProviderFailureCooldownSeconds:       60,
		ProviderHealthCacheTTLSeconds:        30,
		EnableProviderHealthCheck:            true,
		StreamingMinTokens:                   256,
		CandidateAvailabilityCacheTTLSeconds: 10,
		SessionTTLSeconds:                    7200,
		CatalogRefreshInterval:               60 * time.Second,
		StreamHeartbeatInterval:              15 * time.Second,
		MetricsFlushInterval:                 10 * time.Second,
		MetricsMaxBufferedKeys:               1024,
		MetricsSuccessSampleRate:             1.0,
	}
}

// DefaultModerationConfig 返回默认审核配置
func DefaultModerationConfig() ModerationConfig {
	return ModerationConfig{
		Enabled:       false,
		ProviderType:  "keyword",
		OpenAIBaseURL: "https://api.openai.com/v1",
		Timeout:       30 * time.Second,
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:         false,
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "gateflow",
		MongoCollection: "audit_log",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "gateflow",
		SampleRate:   1.0,
	}
}
