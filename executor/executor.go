// Package executor 按序尝试候选上游：一元请求返回响应体，
// 流式请求返回分片序列；可重试失败自动换下一家。
package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/gateflow/catalog"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/transport"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProviderDirectory 执行器读取供应商运行时配置的窄接口。
type ProviderDirectory interface {
	ProviderRuntime(code string) (*catalog.ProviderRuntime, bool)
	PairDisabled(provider, model string) bool
}

// Config 执行器配置。
type Config struct {
	// 单次一元尝试的总超时
	UpstreamTimeout time.Duration

	// 流式静默心跳间隔
	HeartbeatInterval time.Duration
}

// Options 一次执行的上下文。
type Options struct {
	LogicalModel string
	APIStyle     types.APIStyle

	// 风格路径覆盖，来自调用方（优先于 provider 配置）
	PathOverride string

	// 冷却旁路：候选只剩一个且调用方允许时仍然尝试（探测用）
	AllowCooldownBypass bool
}

// Callbacks 执行过程的观察钩子，nil 字段跳过。
type Callbacks struct {
	OnSuccess        func(provider, model string)
	OnFirstChunk     func(provider, model string)
	OnStreamComplete func(provider string)
	OnFailure        func(provider string, retryable bool)
}

// Outcome 一元执行的结果：胜出上游与响应体。
type Outcome struct {
	Provider  string
	Model     string
	Body      []byte
	Attempted int
	Skipped   int
}

// StreamOutcome 流式执行的结果：已注入心跳的分片序列。
type StreamOutcome struct {
	Provider string
	Model    string

	// 按上游顺序产出的原始字节（含心跳帧）
	Chunks <-chan []byte

	// 流终态：nil 为正常 EOF，否则 MID_STREAM_DISCONNECT 等
	Done <-chan error

	// 关闭上游连接；客户端断开时必须调用
	Cancel func()

	Attempted int
	Skipped   int
}

// Executor 候选执行器。
type Executor struct {
	registry  *transport.Registry
	state     *routing.State
	providers ProviderDirectory
	buffer    *routing.Buffer
	collector *metrics.Collector
	client    *http.Client
	logger    *zap.Logger
	cfg       Config

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New 创建执行器。buffer、collector 可为 nil。
func New(registry *transport.Registry, state *routing.State, providers ProviderDirectory,
	buffer *routing.Buffer, collector *metrics.Collector, client *http.Client,
	cfg Config, logger *zap.Logger) *Executor {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 120 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{
		registry:  registry,
		state:     state,
		providers: providers,
		buffer:    buffer,
		collector: collector,
		client:    client,
		logger:    logger.With(zap.String("component", "executor")),
		cfg:       cfg,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// attemptPlan 过滤阶段的产物：实际要尝试的候选与跳过计数。
type attemptPlan struct {
	runnable []plannedAttempt
	skipped  int
}

type plannedAttempt struct {
	cand    types.CandidateScore
	runtime *catalog.ProviderRuntime
}

// plan 跳过禁用组合、冷却中与限流中的候选。
// 冷却跳过是建议性的：开了旁路且全部被冷却跳过时，放行第一个冷却候选。
func (e *Executor) plan(ctx context.Context, candidates []types.CandidateScore, opts *Options) attemptPlan {
	var p attemptPlan
	var cooled []plannedAttempt

	for _, cand := range candidates {
		pid := cand.Upstream.ProviderID

		if e.providers != nil && e.providers.PairDisabled(pid, cand.Upstream.ModelID) {
			p.skipped++
			continue
		}

		var runtime *catalog.ProviderRuntime
		if e.providers != nil {
			runtime, _ = e.providers.ProviderRuntime(pid)
		}
		if runtime == nil {
			runtime = &catalog.ProviderRuntime{
				Code:      pid,
				BaseURL:   cand.Upstream.Endpoint,
				AuthStyle: cand.Upstream.AuthStyle,
				MaxQPS:    cand.Upstream.MaxQPS,
			}
		}

		attempt := plannedAttempt{cand: cand, runtime: runtime}

		if e.state.GetFailureCooldownStatus(ctx, pid).ShouldSkip {
			p.skipped++
			if e.collector != nil {
				e.collector.ObserveCooldownSkip(pid)
			}
			cooled = append(cooled, attempt)
			continue
		}

		if !e.allowQPS(pid, runtime.MaxQPS) {
			p.skipped++
			continue
		}

		p.runnable = append(p.runnable, attempt)
	}

	if len(p.runnable) == 0 && opts.AllowCooldownBypass && len(cooled) > 0 {
		p.runnable = cooled[:1]
		p.skipped--
	}
	return p
}

// allowQPS 按 provider 的 max_qps 做进程内限流；未配置时直接放行。
func (e *Executor) allowQPS(provider string, maxQPS float64) bool {
	if maxQPS <= 0 {
		return true
	}
	e.limiterMu.Lock()
	lim, ok := e.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(maxQPS), int(maxQPS)+1)
		e.limiters[provider] = lim
	}
	e.limiterMu.Unlock()
	return lim.Allow()
}

// TryUnary 依序尝试候选并返回首个成功响应。
//
// 可重试失败（网络错误、5xx、429、响应头前超时）下调权重、累加冷却计数
// 后换下一家；不可重试失败（其余 4xx）不计冷却但同样换下一家——调用方要的
// 是"任何一家能用的上游"。候选耗尽时返回 UPSTREAM_ALL_FAILED(502) 并携带
// skipped / attempted 计数。
func (e *Executor) TryUnary(ctx context.Context, candidates []types.CandidateScore, payload *types.Payload, opts Options, cbs Callbacks) (*Outcome, error) {
	adapter, ok := e.registry.Lookup(opts.APIStyle)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unsupported api style %q", opts.APIStyle)).WithHTTPStatus(400)
	}

	p := e.plan(ctx, candidates, &opts)
	attempted := 0
	var lastResult *transport.Result

	for _, attempt := range p.runnable {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrUpstreamTimeout, "request canceled").
				WithHTTPStatus(499).WithCause(ctx.Err())
		}

		attempted++
		cand := attempt.cand
		pid := cand.Upstream.ProviderID

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.UpstreamTimeout)
		start := time.Now()
		res := adapter.Unary(attemptCtx, e.client, e.buildRequest(&cand, attempt.runtime, &opts, payload))
		cancel()
		elapsed := time.Since(start)

		e.recordAttempt(&cand, &opts, res.Success, elapsed, false)

		if res.Success {
			e.state.RecordSuccess(opts.LogicalModel, pid, cand.Upstream.BaseWeight)
			if cbs.OnSuccess != nil {
				cbs.OnSuccess(pid, cand.Upstream.ModelID)
			}
			return &Outcome{
				Provider:  pid,
				Model:     cand.Upstream.ModelID,
				Body:      res.Body,
				Attempted: attempted,
				Skipped:   p.skipped,
			}, nil
		}

		lastResult = res
		e.handleFailure(ctx, &cand, &opts, res, cbs.OnFailure)

		if attempted < len(p.runnable) && e.collector != nil {
			e.collector.ObserveRetry(opts.LogicalModel)
		}
	}

	return nil, e.allFailed(p.skipped, attempted, lastResult)
}

// TryStream 依序尝试候选并返回首个成功建立的流。
// 响应头返回前的失败按一元同样的规则换下一家；
// 首个分片之后的中断对本次请求是终态，经 Done 上报。
func (e *Executor) TryStream(ctx context.Context, candidates []types.CandidateScore, payload *types.Payload, opts Options, cbs Callbacks) (*StreamOutcome, error) {
	adapter, ok := e.registry.Lookup(opts.APIStyle)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unsupported api style %q", opts.APIStyle)).WithHTTPStatus(400)
	}

	p := e.plan(ctx, candidates, &opts)
	attempted := 0
	var lastResult *transport.Result

	for _, attempt := range p.runnable {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrUpstreamTimeout, "request canceled").
				WithHTTPStatus(499).WithCause(ctx.Err())
		}

		attempted++
		cand := attempt.cand
		start := time.Now()

		handle, res := adapter.Stream(ctx, e.client, e.buildRequest(&cand, attempt.runtime, &opts, payload))
		if !res.Success {
			lastResult = res
			e.recordAttempt(&cand, &opts, false, time.Since(start), true)
			e.handleFailure(ctx, &cand, &opts, res, cbs.OnFailure)
			if attempted < len(p.runnable) && e.collector != nil {
				e.collector.ObserveRetry(opts.LogicalModel)
			}
			continue
		}

		return e.relayStream(ctx, handle, &cand, &opts, cbs, start, attempted, p.skipped), nil
	}

	return nil, e.allFailed(p.skipped, attempted, lastResult)
}

// relayStream 把上游流接到调用方：首分片触发回调与成功信号，
// 静默注入心跳，结束时上报终态。
func (e *Executor) relayStream(ctx context.Context, handle *transport.StreamHandle, cand *types.CandidateScore, opts *Options, cbs Callbacks, start time.Time, attempted, skipped int) *StreamOutcome {
	pid := cand.Upstream.ProviderID
	model := cand.Upstream.ModelID

	raw := make(chan []byte, 8)
	done := make(chan error, 1)

	go func() {
		defer close(raw)
		defer close(done)

		first := true
		for chunk := range handle.Chunks {
			if first {
				first = false
				e.state.RecordSuccess(opts.LogicalModel, pid, cand.Upstream.BaseWeight)
				if cbs.OnFirstChunk != nil {
					cbs.OnFirstChunk(pid, model)
				}
			}
			if e.collector != nil {
				e.collector.ObserveStreamChunk(pid)
			}
			select {
			case raw <- chunk:
			case <-ctx.Done():
				handle.Cancel()
				done <- ctx.Err()
				e.recordAttempt(cand, opts, !first, time.Since(start), true)
				return
			}
		}

		err := <-handle.Done
		e.recordAttempt(cand, opts, err == nil, time.Since(start), true)
		if err == nil {
			if cbs.OnStreamComplete != nil {
				cbs.OnStreamComplete(pid)
			}
		} else if types.GetErrorCode(err) == types.ErrMidStreamDisconnect {
			// 已有字节送达客户端，换一家不再安全
			e.state.RecordFailure(opts.LogicalModel, pid, cand.Upstream.BaseWeight, false)
		}
		done <- err
	}()

	withBeat := transport.WithHeartbeat(ctx, raw, e.cfg.HeartbeatInterval, func() {
		if e.collector != nil {
			e.collector.ObserveHeartbeat(pid)
		}
	})

	return &StreamOutcome{
		Provider:  pid,
		Model:     model,
		Chunks:    withBeat,
		Done:      done,
		Cancel:    handle.Cancel,
		Attempted: attempted,
		Skipped:   skipped,
	}
}

func (e *Executor) buildRequest(cand *types.CandidateScore, runtime *catalog.ProviderRuntime, opts *Options, payload *types.Payload) *transport.Request {
	endpoint := runtime.BaseURL
	if endpoint == "" {
		endpoint = cand.Upstream.Endpoint
	}
	path := opts.PathOverride
	if path == "" {
		path = runtime.PathFor(opts.APIStyle)
	}
	authStyle := runtime.AuthStyle
	if authStyle == "" {
		authStyle = cand.Upstream.AuthStyle
	}
	return &transport.Request{
		Endpoint:  endpoint,
		Path:      path,
		APIKey:    runtime.APIKey,
		AuthStyle: authStyle,
		Model:     cand.Upstream.ModelID,
		Payload:   payload,
	}
}

// handleFailure 统一的失败信号：权重下调，可重试失败累加冷却。
func (e *Executor) handleFailure(ctx context.Context, cand *types.CandidateScore, opts *Options, res *transport.Result, onFailure func(string, bool)) {
	pid := cand.Upstream.ProviderID

	e.state.RecordFailure(opts.LogicalModel, pid, cand.Upstream.BaseWeight, res.Retryable)
	if res.Retryable {
		e.state.IncrementProviderFailure(ctx, pid)
	}
	if onFailure != nil {
		onFailure(pid, res.Retryable)
	}

	e.logger.Warn("upstream attempt failed",
		zap.String("logical_model", opts.LogicalModel),
		zap.String("provider", pid),
		zap.Int("status", res.StatusCode),
		zap.Bool("retryable", res.Retryable),
	)
}

func (e *Executor) recordAttempt(cand *types.CandidateScore, opts *Options, success bool, elapsed time.Duration, isStream bool) {
	pid := cand.Upstream.ProviderID

	if e.collector != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		e.collector.ObserveUpstreamAttempt(pid, cand.Upstream.ModelID, outcome, elapsed)
	}
	if e.buffer != nil {
		e.buffer.RecordSample(routing.MetricsKey{
			ProviderID:   pid,
			LogicalModel: opts.LogicalModel,
			Transport:    string(cand.Upstream.Transport),
			IsStream:     isStream,
		}, success, float64(elapsed.Milliseconds()))
	}
}

func (e *Executor) allFailed(skipped, attempted int, last *transport.Result) error {
	err := types.NewError(types.ErrUpstreamAllFailed, "all upstream candidates failed or were skipped").
		WithHTTPStatus(502).
		WithDetail("skipped", skipped).
		WithDetail("attempted", attempted)
	if last != nil {
		err = err.WithDetail("last_status", last.StatusCode).
			WithDetail("last_error", truncate(last.ErrorText, 512))
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
