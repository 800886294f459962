package transport

import (
	"context"
	"net/http"

	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

const (
	defaultMessagesPath   = "/v1/messages"
	anthropicVersion      = "2023-06-01"
	anthropicBetaMessages = "messages-2023-12-15"
)

// ClaudeAdapter Anthropic messages 风格：content 收敛为分段数组，
// system 提升为顶层数组，补充 anthropic-version 与 beta 头。
type ClaudeAdapter struct {
	logger *zap.Logger
}

// NewClaudeAdapter 创建 Anthropic messages 适配器。
func NewClaudeAdapter(logger *zap.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{logger: logger.With(zap.String("adapter", "claude"))}
}

func (a *ClaudeAdapter) Style() types.APIStyle { return types.StyleClaude }

func (a *ClaudeAdapter) headers() map[string]string {
	return map[string]string{
		"anthropic-version": anthropicVersion,
		"anthropic-beta":    anthropicBetaMessages,
	}
}

func (a *ClaudeAdapter) Unary(ctx context.Context, client *http.Client, req *Request) *Result {
	body, err := buildClaudeBody(req.Payload, req.Model, false)
	if err != nil {
		return &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	return doUnary(ctx, client, req.URL(defaultMessagesPath), body, req, a.headers())
}

func (a *ClaudeAdapter) Stream(ctx context.Context, client *http.Client, req *Request) (*StreamHandle, *Result) {
	body, err := buildClaudeBody(req.Payload, req.Model, true)
	if err != nil {
		return nil, &Result{Success: false, ErrorText: "payload rewrite failed: " + err.Error(), Retryable: false}
	}
	return doStream(ctx, client, req.URL(defaultMessagesPath), body, req, a.headers())
}
