// Package api 定义客户端表面的线格式类型。
//
// 网关对上游负载做透传，请求/响应体保持各接口风格的原生 JSON；
// 本包只承载网关自身的信封：错误响应与健康检查。
package api

// ErrorEnvelope 统一错误信封。
// 所有非 2xx 响应都使用该结构，code 为 HTTP 状态码，
// error 为稳定的机器可读错误码。
type ErrorEnvelope struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Code    int            `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse /healthz 的响应体。
type HealthResponse struct {
	Status  string            `json:"status"` // ok / degraded
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"` // redis / database / catalog
}

// 请求头约定
const (
	// HeaderSessionID 客户端显式开启会话粘性
	HeaderSessionID = "X-Session-Id"

	// HeaderProviders 逗号分隔的 provider 白名单，收窄本次请求的候选集
	HeaderProviders = "X-Providers"

	// HeaderAPIKey 静态密钥认证（与 Authorization: Bearer 等价）
	HeaderAPIKey = "X-API-Key"

	// HeaderRequestID 响应回显的请求标识
	HeaderRequestID = "X-Request-Id"
)
