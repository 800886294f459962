package catalog

import (
	"time"
)

// =============================================================================
// 🗄️ 持久化配置模型
// =============================================================================

// Provider 上游供应商配置，表 gf_providers。
type Provider struct {
	ID        uint   `gorm:"primaryKey"`
	Code      string `gorm:"uniqueIndex;size:64"` // provider_id
	Name      string `gorm:"size:128"`
	BaseURL   string `gorm:"size:512"`
	Transport string `gorm:"size:16;default:http"` // http / sdk

	// 声明支持的接口风格
	APIStyles []string `gorm:"serializer:json"`

	// 认证头风格: bearer / x-api-key
	AuthStyle string `gorm:"size:16;default:bearer"`
	APIKey    string `gorm:"size:256"`

	// 各接口风格的路径覆盖；为空时用风格默认值
	ChatCompletionsPath string `gorm:"size:128"`
	MessagesPath        string `gorm:"size:128"`
	ResponsesPath       string `gorm:"size:128"`

	BaseWeight float64 `gorm:"default:1.0"`
	Region     string  `gorm:"size:32"`
	MaxQPS     float64

	// 不带 default 标签：带默认值时 GORM 在 Create 上跳过零值字段，
	// Enabled=false 会被悄悄写成启用
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (Provider) TableName() string { return "gf_providers" }

// ProviderModel 供应商下的具体模型，表 gf_provider_models。
type ProviderModel struct {
	ID         uint   `gorm:"primaryKey"`
	ProviderID uint   `gorm:"index:idx_provider_model,unique"`
	ModelID    string `gorm:"index:idx_provider_model,unique;size:128"` // 上游自己的模型标识

	// 逻辑模型 ID；为空时直接使用 ModelID
	Alias string `gorm:"size:128;index"`

	Disabled     bool
	Capabilities []string `gorm:"serializer:json"`

	// 每百万 token 价格（USD）
	PriceInput  float64
	PriceOutput float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (ProviderModel) TableName() string { return "gf_provider_models" }

// SchedulingStrategy 调度策略配置，表 gf_strategies。
// 缺失时回退 types.BuiltinStrategies。
type SchedulingStrategy struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"uniqueIndex;size:64"`
	Alpha            float64
	Beta             float64
	Gamma            float64
	Delta            float64
	MinScore         float64
	EnableStickiness bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (SchedulingStrategy) TableName() string { return "gf_strategies" }

// LogicalOverride 管理端对逻辑模型的总开关，表 gf_logical_overrides。
type LogicalOverride struct {
	ID        uint   `gorm:"primaryKey"`
	LogicalID string `gorm:"uniqueIndex;size:128"`
	Disabled  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (LogicalOverride) TableName() string { return "gf_logical_overrides" }

// MetricsHistory 路由指标的持久化历史，表 gf_metrics_history。
// 指标缓冲刷新时做增量合并写入。
type MetricsHistory struct {
	ID            uint   `gorm:"primaryKey"`
	LogicalModel  string `gorm:"index:idx_metrics_bucket,unique;size:128"`
	ProviderID    string `gorm:"index:idx_metrics_bucket,unique;size:64"`
	WindowStart   int64  `gorm:"index:idx_metrics_bucket,unique"`
	BucketSeconds int64  `gorm:"index:idx_metrics_bucket,unique"`

	TotalCount   int64
	SuccessCount int64
	ErrorCount   int64
	AvgLatencyMs float64
	P95LatencyMs float64
	P99LatencyMs float64
	ErrorRate    float64

	UpdatedAt time.Time
}

// TableName 指定表名
func (MetricsHistory) TableName() string { return "gf_metrics_history" }

// AutoMigrateModels 返回 catalog 拥有的全部 GORM 模型，供迁移使用。
func AutoMigrateModels() []any {
	return []any{
		&Provider{},
		&ProviderModel{},
		&SchedulingStrategy{},
		&LogicalOverride{},
		&MetricsHistory{},
	}
}
