package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

// GeminiAdapter Gemini / Vertex 风格：messages 转换为
// contents[{role, parts:[{text}]}]，认证用 x-goog-api-key。
// vertex-sdk 风格走同一线格式，由 provider endpoint 指向 Vertex 网关。
type GeminiAdapter struct {
	style  types.APIStyle
	logger *zap.Logger
}

// NewGeminiAdapter 创建 Gemini 线格式适配器；style 取 gemini 或 vertex-sdk。
func NewGeminiAdapter(style types.APIStyle, logger *zap.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		style:  style,
		logger: logger.With(zap.String("adapter", string(style))),
	}
}

func (a *GeminiAdapter) Style() types.APIStyle { return a.style }

func (a *GeminiAdapter) headers(req *Request) map[string]string {
	// Gemini 不认 Authorization: Bearer，统一改投 x-goog-api-key
	return map[string]string{"x-goog-api-key": req.APIKey}
}

func (a *GeminiAdapter) Unary(ctx context.Context, client *http.Client, req *Request) *Result {
	body, err := buildGeminiBody(req.Payload)
	if err != nil {
		return &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", req.Model)
	return doUnary(ctx, client, req.URL(path), body, req, a.headers(req))
}

func (a *GeminiAdapter) Stream(ctx context.Context, client *http.Client, req *Request) (*StreamHandle, *Result) {
	body, err := buildGeminiBody(req.Payload)
	if err != nil {
		return nil, &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", req.Model)
	return doStream(ctx, client, req.URL(path), body, req, a.headers(req))
}
