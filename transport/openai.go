package transport

import (
	"context"
	"net/http"

	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

const (
	defaultChatCompletionsPath = "/v1/chat/completions"
	defaultResponsesPath       = "/v1/responses"
)

// OpenAIAdapter chat/completions 风格：messages 数组原样透传，
// 只重写 model 与 stream 字段。
type OpenAIAdapter struct {
	logger *zap.Logger
}

// NewOpenAIAdapter 创建 OpenAI chat/completions 适配器。
func NewOpenAIAdapter(logger *zap.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{logger: logger.With(zap.String("adapter", "openai"))}
}

func (a *OpenAIAdapter) Style() types.APIStyle { return types.StyleOpenAI }

func (a *OpenAIAdapter) Unary(ctx context.Context, client *http.Client, req *Request) *Result {
	body, err := req.Payload.WithOverrides(req.Model, false)
	if err != nil {
		return &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	return doUnary(ctx, client, req.URL(defaultChatCompletionsPath), body, req, nil)
}

func (a *OpenAIAdapter) Stream(ctx context.Context, client *http.Client, req *Request) (*StreamHandle, *Result) {
	body, err := req.Payload.WithOverrides(req.Model, true)
	if err != nil {
		return nil, &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	return doStream(ctx, client, req.URL(defaultChatCompletionsPath), body, req, nil)
}

// ResponsesAdapter OpenAI responses 风格：input 数组 + 不同的响应形状。
// messages-形式的负载在转发前转换为 input。
type ResponsesAdapter struct {
	logger *zap.Logger
}

// NewResponsesAdapter 创建 OpenAI responses 适配器。
func NewResponsesAdapter(logger *zap.Logger) *ResponsesAdapter {
	return &ResponsesAdapter{logger: logger.With(zap.String("adapter", "responses"))}
}

func (a *ResponsesAdapter) Style() types.APIStyle { return types.StyleResponses }

func (a *ResponsesAdapter) Unary(ctx context.Context, client *http.Client, req *Request) *Result {
	body, err := buildResponsesBody(req.Payload, req.Model, false)
	if err != nil {
		return &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	return doUnary(ctx, client, req.URL(defaultResponsesPath), body, req, nil)
}

func (a *ResponsesAdapter) Stream(ctx context.Context, client *http.Client, req *Request) (*StreamHandle, *Result) {
	body, err := buildResponsesBody(req.Payload, req.Model, true)
	if err != nil {
		return nil, &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	return doStream(ctx, client, req.URL(defaultResponsesPath), body, req, nil)
}
