// Package transport 把中立请求负载翻译成各 api_style 的上游线格式。
//
// 每种风格一个适配器，注册在 Registry 的 map 里；Claude-CLI 是对
// Anthropic 适配器的薄装饰器。流式按字节进字节出处理，除了跳动帧
// 注入之外不解析上游 SSE。
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

// Request 一次上游调用的全部输入。
type Request struct {
	Endpoint  string // provider base URL
	Path      string // 风格路径覆盖；空串用适配器默认值
	APIKey    string
	AuthStyle types.AuthHeaderStyle
	Model     string // 上游自己的 model_id
	Payload   *types.Payload

	// 额外请求头，装饰器与调用方注入
	Headers map[string]string
}

// URL 拼接最终请求地址。
func (r *Request) URL(defaultPath string) string {
	path := r.Path
	if path == "" {
		path = defaultPath
	}
	return strings.TrimRight(r.Endpoint, "/") + path
}

// Result 适配器的结构化结果，取代异常式控制流。
type Result struct {
	Success    bool
	StatusCode int
	Body       []byte // 成功时为上游响应体
	ErrorText  string
	Retryable  bool
}

// StreamHandle 流式响应的句柄。Chunks 按上游到达顺序产出原始字节；
// Done 在流结束时送出 nil（正常 EOF）或中断错误后关闭。
// Cancel 关闭上游连接，客户端断开时必须调用。
type StreamHandle struct {
	Chunks <-chan []byte
	Done   <-chan error
	Cancel func()
}

// Adapter 各 api_style 的统一接口。
type Adapter interface {
	Style() types.APIStyle
	Unary(ctx context.Context, client *http.Client, req *Request) *Result
	Stream(ctx context.Context, client *http.Client, req *Request) (*StreamHandle, *Result)
}

// Registry api_style → Adapter 的注册表。
type Registry struct {
	adapters map[types.APIStyle]Adapter
}

// NewRegistry 构建内建适配器注册表。
func NewRegistry(logger *zap.Logger) *Registry {
	claude := NewClaudeAdapter(logger)
	r := &Registry{adapters: make(map[types.APIStyle]Adapter)}
	for _, a := range []Adapter{
		NewOpenAIAdapter(logger),
		NewResponsesAdapter(logger),
		claude,
		NewGeminiAdapter(types.StyleGemini, logger),
		NewGeminiAdapter(types.StyleVertexSDK, logger),
	} {
		r.adapters[a.Style()] = a
	}
	r.adapters[types.StyleClaude] = claude
	return r
}

// Register 覆盖或追加一个适配器（Claude-CLI 装饰器经此挂载）。
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Style()] = a
}

// Lookup 按风格取适配器。
func (r *Registry) Lookup(style types.APIStyle) (Adapter, bool) {
	a, ok := r.adapters[style]
	return a, ok
}

// =============================================================================
// 🧮 重试性分类
// =============================================================================

// retryableStatus 5xx 与 429 可重试，其余 4xx 不可重试。
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// classifyTransportError 连接/写入/读头阶段的错误一律可重试：
// 此时尚未收到任何响应字节，换一家上游是安全的。
func classifyTransportError(err error) *Result {
	retryable := true
	text := err.Error()

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		retryable = false
		text = "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		text = "timeout before response headers"
	case errors.As(err, &netErr) && netErr.Timeout():
		text = "network timeout"
	case errors.Is(err, os.ErrDeadlineExceeded):
		text = "network timeout"
	}

	return &Result{
		Success:   false,
		ErrorText: text,
		Retryable: retryable,
	}
}

// =============================================================================
// 🔐 认证与公共 HTTP 逻辑
// =============================================================================

func applyAuth(httpReq *http.Request, req *Request) {
	switch req.AuthStyle {
	case types.AuthXAPIKey:
		httpReq.Header.Set("x-api-key", req.APIKey)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
}

// doUnary 发送请求并把响应收敛为 Result。
func doUnary(ctx context.Context, client *http.Client, url string, body []byte, req *Request, extraHeaders map[string]string) *Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return &Result{Success: false, ErrorText: err.Error(), Retryable: false}
	}
	applyAuth(httpReq, req)
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{
			Success:    false,
			StatusCode: resp.StatusCode,
			ErrorText:  string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return &Result{Success: true, StatusCode: resp.StatusCode, Body: respBody}
}

// doStream 发送流式请求。响应头返回前的失败走 Result（可重试分类）；
// 之后的中断经 Done 上报为 MID_STREAM_DISCONNECT（对本次请求终态）。
func doStream(ctx context.Context, client *http.Client, url string, body []byte, req *Request, extraHeaders map[string]string) (*StreamHandle, *Result) {
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		cancel()
		return nil, &Result{Success: false, ErrorText: err.Error(), Retryable: false}
	}
	applyAuth(httpReq, req)
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		cancel()
		return nil, &Result{
			Success:    false,
			StatusCode: resp.StatusCode,
			ErrorText:  string(respBody),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	chunks := make(chan []byte, 8)
	done := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(done)
		defer resp.Body.Close()

		buf := make([]byte, 16*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-streamCtx.Done():
					done <- streamCtx.Err()
					return
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					done <- nil
				} else if streamCtx.Err() != nil {
					done <- streamCtx.Err()
				} else {
					done <- types.NewError(types.ErrMidStreamDisconnect,
						fmt.Sprintf("upstream stream interrupted: %v", readErr)).WithCause(readErr)
				}
				return
			}
		}
	}()

	return &StreamHandle{Chunks: chunks, Done: done, Cancel: cancel}, &Result{Success: true, StatusCode: resp.StatusCode}
}
