package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/executor"
	"github.com/BaSui01/gateflow/hooks/audit"
	"github.com/BaSui01/gateflow/hooks/billing"
	"github.com/BaSui01/gateflow/hooks/moderation"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🚪 网关主 Handler：三种接口风格共用一条请求链路
// =============================================================================

// ModelDirectory 是 handler 解析逻辑模型所需的目录视图。
type ModelDirectory interface {
	Get(ctx context.Context, logicalID string) (*types.LogicalModel, error)
}

// GatewayConfig handler 级行为配置。
type GatewayConfig struct {
	// 默认调度策略名
	DefaultStrategy string

	// 流式预扣费的最低输出 token 估算
	StreamingMinTokens int
}

// GatewayHandler 把客户端请求送过完整链路：
// 认证（上游中间件）→ 审核 → 额度校验 → 选择 → 执行 → 会话绑定 → 扣费 → 审计。
type GatewayHandler struct {
	models    ModelDirectory
	selector  *routing.Selector
	executor  *executor.Executor
	sessions  *routing.SessionManager
	estimator *routing.CostEstimator
	moderator moderation.Moderator // nil 跳过审核
	ledger    billing.Ledger
	audit     audit.Sink
	collector *metrics.Collector
	cfg       GatewayConfig
	logger    *zap.Logger
}

// NewGatewayHandler 创建网关 handler。moderator、collector 可为 nil。
func NewGatewayHandler(
	models ModelDirectory,
	selector *routing.Selector,
	exec *executor.Executor,
	sessions *routing.SessionManager,
	estimator *routing.CostEstimator,
	moderator moderation.Moderator,
	ledger billing.Ledger,
	auditSink audit.Sink,
	collector *metrics.Collector,
	cfg GatewayConfig,
	logger *zap.Logger,
) *GatewayHandler {
	if ledger == nil {
		ledger = billing.NopLedger{}
	}
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &GatewayHandler{
		models:    models,
		selector:  selector,
		executor:  exec,
		sessions:  sessions,
		estimator: estimator,
		moderator: moderator,
		ledger:    ledger,
		audit:     auditSink,
		collector: collector,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "gateway_handler")),
	}
}

// HandleChatCompletions POST /v1/chat/completions
func (h *GatewayHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.StyleOpenAI)
}

// HandleMessages POST /v1/messages
func (h *GatewayHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.StyleClaude)
}

// HandleResponses POST /v1/responses
func (h *GatewayHandler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.StyleResponses)
}

// requestScope 单次请求的上下文快照，穿过各阶段。
type requestScope struct {
	requestID string
	apiKey    string
	style     types.APIStyle
	payload   *types.Payload
	sessionID string
	start     time.Time
}

func (h *GatewayHandler) handle(w http.ResponseWriter, r *http.Request, style types.APIStyle) {
	scope := &requestScope{
		requestID: uuid.NewString(),
		apiKey:    APIKeyFrom(r.Context()),
		style:     style,
		sessionID: r.Header.Get(api.HeaderSessionID),
		start:     time.Now(),
	}
	w.Header().Set(api.HeaderRequestID, scope.requestID)

	payload, err := ReadPayload(r)
	if err != nil {
		h.fail(w, scope, err)
		return
	}
	scope.payload = payload

	if payload.Model == "" {
		h.fail(w, scope, types.NewError(types.ErrInvalidRequest, "model is required").
			WithHTTPStatus(http.StatusBadRequest))
		return
	}

	ctx := r.Context()

	// 审核（前置）
	if h.moderator != nil {
		verdict, mErr := h.moderator.ApplyRequest(ctx, payload)
		if mErr != nil {
			h.logger.Warn("request moderation failed, passing through", zap.Error(mErr))
		} else if verdict.Blocked {
			h.fail(w, scope, moderation.BlockedError(verdict))
			return
		}
	}

	// 额度校验
	if err := h.ledger.CheckAccountUsable(ctx, scope.apiKey); err != nil {
		h.fail(w, scope, err)
		return
	}

	// 候选选择
	sel, err := h.selector.Select(ctx, &routing.SelectRequest{
		LogicalModelID:     payload.Model,
		APIStyle:           style,
		EffectiveProviders: h.effectiveProviders(ctx, r, payload.Model),
		SessionID:          scope.sessionID,
		Payload:            payload,
		StrategyName:       h.cfg.DefaultStrategy,
	})
	if err != nil {
		h.fail(w, scope, err)
		return
	}

	opts := executor.Options{LogicalModel: payload.Model, APIStyle: style}

	if payload.Stream || wantsEventStream(r) {
		// Accept 头要求 SSE 时统一按流式走，上游请求体同步带上 stream
		payload.Stream = true
		h.handleStream(w, r, scope, sel, opts)
		return
	}
	h.handleUnary(w, r, scope, sel, opts)
}

// wantsEventStream 客户端通过 Accept 头显式要求 SSE。
func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// effectiveProviders 推导本次请求的授权 provider 集合：
// 默认是逻辑模型的全部上游，X-Providers 头可收窄。
func (h *GatewayHandler) effectiveProviders(ctx context.Context, r *http.Request, logicalID string) []string {
	if raw := r.Header.Get(api.HeaderProviders); raw != "" {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	lm, err := h.models.Get(ctx, logicalID)
	if err != nil {
		// 模型不存在留给 selector 报 404
		return nil
	}
	seen := make(map[string]bool, len(lm.Upstreams))
	out := make([]string, 0, len(lm.Upstreams))
	for _, u := range lm.Upstreams {
		if !seen[u.ProviderID] {
			seen[u.ProviderID] = true
			out = append(out, u.ProviderID)
		}
	}
	return out
}

func (h *GatewayHandler) handleUnary(w http.ResponseWriter, r *http.Request, scope *requestScope, sel *routing.SelectionResult, opts executor.Options) {
	ctx := r.Context()

	out, err := h.executor.TryUnary(ctx, sel.Candidates, scope.payload, opts, executor.Callbacks{})
	if err != nil {
		h.fail(w, scope, err)
		return
	}

	// 审核（后置）
	if h.moderator != nil {
		verdict, mErr := h.moderator.ApplyResponse(ctx, string(out.Body), moderation.StageResponse)
		if mErr != nil {
			h.logger.Warn("response moderation failed, passing through", zap.Error(mErr))
		} else if verdict.Blocked {
			h.fail(w, scope, moderation.BlockedError(verdict))
			return
		}
	}

	if scope.sessionID != "" {
		h.sessions.Bind(ctx, scope.sessionID, scope.payload.Model, out.Provider, out.Model, time.Now())
	}

	h.debitUnary(ctx, scope, sel, out)
	h.finish(scope, out.Provider, out.Model, http.StatusOK, "", out.Attempted, out.Skipped, false)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body)
}

// debitUnary 按上游真实用量扣费；usage 缺失时回退到估算值。
func (h *GatewayHandler) debitUnary(ctx context.Context, scope *requestScope, sel *routing.SelectionResult, out *executor.Outcome) {
	in, outTok, ok := billing.UpstreamUsage(out.Body)
	if !ok {
		in, outTok = h.estimator.EstimateTokens(scope.payload, h.cfg.StreamingMinTokens)
	}
	cost := h.candidateCost(sel, out.Provider, in, outTok)
	if err := h.ledger.RecordDebit(ctx, billing.TxnDebit, billing.Usage{
		APIKey:         scope.apiKey,
		IdempotencyKey: scope.requestID,
		Provider:       out.Provider,
		Model:          out.Model,
		InputTokens:    in,
		OutputTokens:   outTok,
		Cost:           cost,
	}); err != nil {
		h.logger.Warn("credit debit failed", zap.String("request_id", scope.requestID), zap.Error(err))
	}
}

// prechargeStream 首个分片落地后按 tiktoken 估算上限预扣，
// 按实际胜出的 provider 计价。
func (h *GatewayHandler) prechargeStream(ctx context.Context, scope *requestScope, sel *routing.SelectionResult, provider, model string) {
	in, outTok := h.estimator.EstimateTokens(scope.payload, h.cfg.StreamingMinTokens)
	cost := h.candidateCost(sel, provider, in, outTok)
	if err := h.ledger.RecordDebit(ctx, billing.TxnPrecharge, billing.Usage{
		APIKey:         scope.apiKey,
		IdempotencyKey: scope.requestID + ":pre",
		Provider:       provider,
		Model:          model,
		InputTokens:    in,
		OutputTokens:   outTok,
		Cost:           cost,
	}); err != nil {
		h.logger.Warn("stream precharge failed", zap.String("request_id", scope.requestID), zap.Error(err))
	}
}

func (h *GatewayHandler) candidateCost(sel *routing.SelectionResult, provider string, in, out int) float64 {
	for i := range sel.Candidates {
		u := &sel.Candidates[i].Upstream
		if u.ProviderID == provider {
			return float64(in)/1e6*u.PriceInput + float64(out)/1e6*u.PriceOutput
		}
	}
	return 0
}

// fail 统一错误出口：审计 + 指标 + 错误信封。
func (h *GatewayHandler) fail(w http.ResponseWriter, scope *requestScope, err error) {
	code := types.GetErrorCode(err)
	status := http.StatusInternalServerError
	if ge, ok := err.(*types.Error); ok && ge.HTTPStatus != 0 {
		status = ge.HTTPStatus
	} else if code != "" {
		status = mapErrorCodeToHTTPStatus(code)
	}
	h.finish(scope, "", "", status, string(code), 0, 0, false)
	WriteError(w, err, h.logger)
}

// finish 记录请求终态（审计 + Prometheus）。
func (h *GatewayHandler) finish(scope *requestScope, provider, model string, status int, errCode string, attempted, skipped int, stream bool) {
	elapsed := time.Since(scope.start)
	if h.collector != nil {
		outcome := "ok"
		if status >= 400 {
			outcome = "error"
		}
		h.collector.ObserveRequest(string(scope.style), modelOrUnknown(scope), outcome, elapsed)
	}
	h.audit.Record(audit.Entry{
		RequestID:    scope.requestID,
		APIKeyHash:   audit.HashAPIKey(scope.apiKey),
		LogicalModel: modelOrUnknown(scope),
		Provider:     provider,
		Model:        model,
		APIStyle:     string(scope.style),
		Stream:       stream,
		StatusCode:   status,
		ErrorCode:    errCode,
		Attempted:    attempted,
		Skipped:      skipped,
		LatencyMs:    elapsed.Milliseconds(),
	})
}

func modelOrUnknown(scope *requestScope) string {
	if scope.payload != nil && scope.payload.Model != "" {
		return scope.payload.Model
	}
	return "unknown"
}
