package types

import "time"

// APIStyle 标识上游接口风格，决定请求/响应的线格式与认证头。
type APIStyle string

const (
	StyleOpenAI    APIStyle = "openai"
	StyleClaude    APIStyle = "claude"
	StyleResponses APIStyle = "responses"
	StyleGemini    APIStyle = "gemini"
	StyleVertexSDK APIStyle = "vertex-sdk"
)

// Valid 返回 style 是否为已知的接口风格。
func (s APIStyle) Valid() bool {
	switch s {
	case StyleOpenAI, StyleClaude, StyleResponses, StyleGemini, StyleVertexSDK:
		return true
	}
	return false
}

// TransportKind 区分 HTTP 直连与 SDK 封装两种上游传输方式。
type TransportKind string

const (
	TransportHTTP TransportKind = "http"
	TransportSDK  TransportKind = "sdk"
)

// Capability 模型能力标签。
type Capability string

const (
	CapChat    Capability = "chat"
	CapToolUse Capability = "tool-use"
	CapVision  Capability = "vision"
	CapJSON    Capability = "json"
)

// AuthHeaderStyle 上游认证头风格。
type AuthHeaderStyle string

const (
	AuthBearer  AuthHeaderStyle = "bearer"
	AuthXAPIKey AuthHeaderStyle = "x-api-key"
)

// PhysicalModel 表示一个可服务逻辑模型的具体上游候选。
type PhysicalModel struct {
	ProviderID   string          `json:"provider_id"`
	ModelID      string          `json:"model_id"`
	Endpoint     string          `json:"endpoint"`
	BaseWeight   float64         `json:"base_weight"`
	Region       string          `json:"region,omitempty"`
	MaxQPS       float64         `json:"max_qps,omitempty"`
	APIStyles    []APIStyle      `json:"api_styles"`
	Transport    TransportKind   `json:"transport"`
	AuthStyle    AuthHeaderStyle `json:"auth_style,omitempty"`
	Capabilities []Capability    `json:"capabilities,omitempty"`

	// 每百万 token 价格（USD），cost_score 的挂钩字段，当前记分恒为 0。
	PriceInput  float64 `json:"price_input,omitempty"`
	PriceOutput float64 `json:"price_output,omitempty"`
}

// SupportsStyle 报告该上游是否声明了指定接口风格。
func (p *PhysicalModel) SupportsStyle(style APIStyle) bool {
	for _, s := range p.APIStyles {
		if s == style {
			return true
		}
	}
	return false
}

// HasCapability 报告该上游是否具备指定能力标签。
func (p *PhysicalModel) HasCapability(c Capability) bool {
	for _, cap_ := range p.Capabilities {
		if cap_ == c {
			return true
		}
	}
	return false
}

// LogicalModel 是对外暴露的逻辑模型，扇出到多个物理上游。
type LogicalModel struct {
	LogicalID    string          `json:"logical_id"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	Upstreams    []PhysicalModel `json:"upstreams"`
	Enabled      bool            `json:"enabled"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// HealthState 缓存的 Provider 健康状态标签。
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// ProviderHealth 是健康探测写入、选择器读取的缓存样本。
type ProviderHealth struct {
	ProviderID          string      `json:"provider_id"`
	Status              HealthState `json:"status"`
	Timestamp           time.Time   `json:"timestamp"`
	ResponseTimeMs      int64       `json:"response_time_ms,omitempty"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	LastSuccessfulCheck time.Time   `json:"last_successful_check,omitempty"`
}

// RoutingMetrics 每 (逻辑模型, Provider) 的延迟/错误指标快照。
type RoutingMetrics struct {
	LogicalModel string      `json:"logical_model"`
	ProviderID   string      `json:"provider_id"`
	AvgLatencyMs float64     `json:"avg_latency_ms"`
	P95LatencyMs float64     `json:"p95_latency_ms"`
	P99LatencyMs float64     `json:"p99_latency_ms"`
	ErrorRate    float64     `json:"error_rate"`
	TotalCount   int64       `json:"total_count"`
	Status       HealthState `json:"status,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

// CooldownStatus 失败冷却计数的查询结果。
type CooldownStatus struct {
	ProviderID      string `json:"provider_id"`
	Count           int64  `json:"count"`
	Threshold       int64  `json:"threshold"`
	CooldownSeconds int64  `json:"cooldown_seconds"`
	ShouldSkip      bool   `json:"should_skip"`
}

// Session 绑定会话到选中的 (provider, model)，实现粘性路由。
type Session struct {
	ConversationID string    `json:"conversation_id"`
	LogicalModel   string    `json:"logical_model"`
	ProviderID     string    `json:"provider_id"`
	ModelID        string    `json:"model_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	MessageCount   int       `json:"message_count"`
}

// CandidateScore 是选择阶段的瞬态结果：上游 + 指标 + 得分。
type CandidateScore struct {
	Upstream PhysicalModel   `json:"upstream"`
	Metrics  *RoutingMetrics `json:"metrics,omitempty"`
	Score    float64         `json:"score"`
}

// WeightClampBounds 返回动态权重的不变式上下界：
// max(base*0.2, 0.01) <= w <= max(base*3.0, 下界)。
func WeightClampBounds(base float64) (lo, hi float64) {
	lo = base * 0.2
	if lo < 0.01 {
		lo = 0.01
	}
	hi = base * 3.0
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// ClampWeight 将动态权重收敛到不变式区间内。
func ClampWeight(base, w float64) float64 {
	lo, hi := WeightClampBounds(base)
	if w < lo {
		return lo
	}
	if w > hi {
		return hi
	}
	return w
}
