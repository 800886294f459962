package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/gateflow/executor"
	"github.com/BaSui01/gateflow/hooks/moderation"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

// =============================================================================
// 🌊 SSE 转发
// =============================================================================

// handleStream 把上游 SSE 字节流原样转发给客户端。
// 首个分片前的失败仍走 JSON 错误信封；之后的失败只能以
// SSE error 事件收尾并断开连接。
func (h *GatewayHandler) handleStream(w http.ResponseWriter, r *http.Request, scope *requestScope, sel *routing.SelectionResult, opts executor.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, scope, types.NewError(types.ErrInternalError, "streaming not supported").
			WithHTTPStatus(http.StatusInternalServerError))
		return
	}

	ctx := r.Context()

	// 预扣费在首个分片落地时触发；流从未建立则分文不扣
	cbs := executor.Callbacks{
		OnFirstChunk: func(provider, model string) {
			h.prechargeStream(ctx, scope, sel, provider, model)
		},
	}

	out, err := h.executor.TryStream(ctx, sel.Candidates, scope.payload, opts, cbs)
	if err != nil {
		h.fail(w, scope, err)
		return
	}
	defer out.Cancel()

	if scope.sessionID != "" {
		h.sessions.Bind(ctx, scope.sessionID, scope.payload.Model, out.Provider, out.Model, time.Now())
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	status := http.StatusOK
	errCode := ""
	for chunk := range out.Chunks {
		if h.moderationBlocksChunk(ctx, chunk) {
			h.writeSSEError(w, flusher, string(types.ErrModerationBlocked), "stream blocked by moderation policy")
			status, errCode = http.StatusBadRequest, string(types.ErrModerationBlocked)
			out.Cancel()
			break
		}
		if _, wErr := w.Write(chunk); wErr != nil {
			// 客户端断开；executor 经 ctx 取消上游
			break
		}
		flusher.Flush()
	}

	if doneErr := <-out.Done; doneErr != nil && errCode == "" {
		code := types.GetErrorCode(doneErr)
		if code == "" {
			code = types.ErrInternalError
		}
		h.writeSSEError(w, flusher, string(code), doneErr.Error())
		status, errCode = http.StatusBadGateway, string(code)
	}

	h.finish(scope, out.Provider, out.Model, status, errCode, out.Attempted, out.Skipped, true)
}

// moderationBlocksChunk 对流式分片做轻量审核；审核器可自行跳过该阶段。
func (h *GatewayHandler) moderationBlocksChunk(ctx context.Context, chunk []byte) bool {
	if h.moderator == nil {
		return false
	}
	verdict, err := h.moderator.ApplyResponse(ctx, string(chunk), moderation.StageStreamChunk)
	if err != nil {
		return false
	}
	return verdict.Blocked
}

// writeSSEError 以 error 事件收尾流。
func (h *GatewayHandler) writeSSEError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	payload, _ := json.Marshal(map[string]string{"error": code, "message": message})
	_, _ = w.Write([]byte("event: error\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
	h.logger.Warn("stream terminated with error", zap.String("code", code), zap.String("message", message))
}
