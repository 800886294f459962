package routing

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// p95 延迟归一化的满刻度（毫秒）。
const latencyFullScaleMs = 4000.0

// ModelCatalog 选择器依赖的逻辑模型目录子集。
type ModelCatalog interface {
	Get(ctx context.Context, logicalID string) (*types.LogicalModel, error)
	Strategy(name string) types.Strategy
}

// SelectorConfig 选择器配置。
type SelectorConfig struct {
	// 关闭时不做健康排除、健康罚分和 min_score 过滤
	EnableHealthCheck bool

	// check_candidate_availability 结果的缓存时长
	AvailabilityCacheTTL time.Duration

	// 流式预扣费的输出 token 下限，预算估算共用
	StreamingMinTokens int
}

// SelectRequest 一次选择的全部输入。
type SelectRequest struct {
	LogicalModelID string
	APIStyle       types.APIStyle

	// 调用方被授权使用的 provider 集合；空集合终止于 NO_AUTHORIZED_PROVIDER
	EffectiveProviders []string

	// 可选：会话粘性键
	SessionID string

	// 可选：仅用于能力推断与预算估算
	Payload *types.Payload

	// 可选：预算（USD）；>0 时按估算成本过滤候选
	BudgetCredits float64

	// 策略名；空串用 balanced
	StrategyName string

	// 置位后保留 degraded 状态的候选（默认排除，down 始终排除）
	IncludeDegraded bool
}

// SelectionResult 排好序的候选列表与记分上下文。
type SelectionResult struct {
	LogicalModel string
	Candidates   []types.CandidateScore
	BaseWeights  map[string]float64
	Strategy     types.Strategy

	// 粘性命中时为被提升候选的 provider_id
	StickyProvider string
}

// Selector 把 (logical_model_id, 请求上下文) 变换为可依次尝试的候选序列。
type Selector struct {
	catalog   ModelCatalog
	state     *State
	sessions  *SessionManager
	estimator *CostEstimator
	cfg       SelectorConfig
	logger    *zap.Logger

	rngMu sync.Mutex // 保护 rng 的并发访问
	rng   *rand.Rand

	availMu    sync.Mutex
	availCache map[string]availEntry
}

type availEntry struct {
	feasible  bool
	expiresAt time.Time
}

const availCacheMaxEntries = 4096

// NewSelector 创建选择器。sessions 可为 nil（无粘性）。
func NewSelector(catalog ModelCatalog, state *State, sessions *SessionManager, cfg SelectorConfig, logger *zap.Logger) *Selector {
	if cfg.AvailabilityCacheTTL <= 0 {
		cfg.AvailabilityCacheTTL = 10 * time.Second
	}
	return &Selector{
		catalog:    catalog,
		state:      state,
		sessions:   sessions,
		estimator:  NewCostEstimator(),
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "selector")),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		availCache: make(map[string]availEntry),
	}
}

// Select 解析逻辑模型并产出按得分降序的候选序列。
//
// 过滤链：授权集 → api_style → 能力 → 预算 → 健康/冷却；
// 随后记分、排序，粘性命中提升到首位，否则对得分做一次加权随机抽取
// 决定首攻候选。冷却过滤是建议性的：全部候选都在冷却中时原样放行，
// 由执行器决定跳过或旁路。
func (s *Selector) Select(ctx context.Context, req *SelectRequest) (*SelectionResult, error) {
	lm, err := s.catalog.Get(ctx, req.LogicalModelID)
	if err != nil {
		return nil, err
	}
	if !lm.Enabled {
		return nil, types.NewError(types.ErrLogicalModelDisabled,
			"logical model "+req.LogicalModelID+" is disabled").WithHTTPStatus(503)
	}

	if len(req.EffectiveProviders) == 0 {
		return nil, types.NewError(types.ErrNoAuthorizedProvider,
			"no provider authorized for this key").WithHTTPStatus(403)
	}
	authorized := make(map[string]bool, len(req.EffectiveProviders))
	for _, p := range req.EffectiveProviders {
		authorized[p] = true
	}

	required := requiredCapabilities(req.Payload)

	// 结构性过滤：授权、接口风格、能力、预算
	upstreams := make([]types.PhysicalModel, 0, len(lm.Upstreams))
	for _, u := range lm.Upstreams {
		if !authorized[u.ProviderID] {
			continue
		}
		if !u.SupportsStyle(req.APIStyle) {
			continue
		}
		if !hasAllCapabilities(&u, required) {
			continue
		}
		if req.BudgetCredits > 0 {
			cost := s.estimator.EstimateCost(req.Payload, &u, s.cfg.StreamingMinTokens)
			if cost > req.BudgetCredits {
				continue
			}
		}
		upstreams = append(upstreams, u)
	}
	if len(upstreams) == 0 {
		// 授权集与该模型的 provider 无交集时单独报 403
		intersects := false
		for _, u := range lm.Upstreams {
			if authorized[u.ProviderID] {
				intersects = true
				break
			}
		}
		if !intersects {
			return nil, types.NewError(types.ErrNoAuthorizedProvider,
				"authorized providers cannot serve "+req.LogicalModelID).WithHTTPStatus(403)
		}
		return nil, types.NewError(types.ErrNoUpstreamAvailable,
			"no upstream satisfies the request constraints").WithHTTPStatus(503)
	}

	// 状态读取：权重一次，健康/指标/冷却按候选并发扇出
	weights := s.state.LoadDynamicWeights(ctx, req.LogicalModelID, upstreams)

	type candState struct {
		metrics  *types.RoutingMetrics
		health   *types.ProviderHealth
		cooldown types.CooldownStatus
	}
	states := make([]candState, len(upstreams))

	g, gctx := errgroup.WithContext(ctx)
	for i := range upstreams {
		g.Go(func() error {
			pid := upstreams[i].ProviderID
			states[i] = candState{
				metrics:  s.state.GetRoutingMetrics(gctx, req.LogicalModelID, pid),
				health:   s.state.GetCachedHealth(gctx, pid),
				cooldown: s.state.GetFailureCooldownStatus(gctx, pid),
			}
			return nil
		})
	}
	_ = g.Wait()

	strategy := s.catalog.Strategy(req.StrategyName)

	scored := make([]types.CandidateScore, 0, len(upstreams))
	allCooled := make([]types.CandidateScore, 0, len(upstreams))
	baseWeights := make(map[string]float64, len(upstreams))

	for i, u := range upstreams {
		baseWeights[u.ProviderID] = u.BaseWeight
		st := states[i]

		if s.cfg.EnableHealthCheck {
			if st.health != nil && st.health.Status == types.HealthDown {
				continue
			}
			if !req.IncludeDegraded && st.health != nil && st.health.Status == types.HealthDegraded {
				continue
			}
		}

		score := scoreCandidate(&u, weights[u.ProviderID], st.metrics, strategy, s.cfg.EnableHealthCheck)
		if s.cfg.EnableHealthCheck && score < strategy.MinScore {
			continue
		}

		cand := types.CandidateScore{Upstream: u, Metrics: st.metrics, Score: score}
		allCooled = append(allCooled, cand)
		if st.cooldown.ShouldSkip {
			continue
		}
		scored = append(scored, cand)
	}

	// 全员冷却时放行整组，执行器负责跳过/旁路
	if len(scored) == 0 && len(allCooled) > 0 {
		scored = allCooled
	}
	if len(scored) == 0 {
		return nil, types.NewError(types.ErrNoUpstreamAvailable,
			"all upstreams filtered out").WithHTTPStatus(503)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	result := &SelectionResult{
		LogicalModel: req.LogicalModelID,
		Candidates:   scored,
		BaseWeights:  baseWeights,
		Strategy:     strategy,
	}

	// 粘性提升优先于加权抽取；绑定失效时按普通流程走
	if strategy.EnableStickiness && req.SessionID != "" && s.sessions != nil {
		if sess := s.sessions.Get(ctx, req.SessionID); sess != nil {
			for i, c := range scored {
				if c.Upstream.ProviderID == sess.ProviderID && c.Upstream.ModelID == sess.ModelID {
					promote(scored, i)
					result.StickyProvider = sess.ProviderID
					return result, nil
				}
			}
		}
	}

	promote(scored, s.weightedChoice(scored))
	return result, nil
}

// CheckCandidateAvailability 从候选逻辑模型池中筛出当前可行的子集。
// 结果按 (逻辑模型, 风格, 授权集) 缓存一段短 TTL。
func (s *Selector) CheckCandidateAvailability(ctx context.Context, candidateModels []string, req *SelectRequest) []string {
	feasible := make([]string, 0, len(candidateModels))
	for _, id := range candidateModels {
		key := availKey(id, req)
		if ok, hit := s.availLookup(key); hit {
			if ok {
				feasible = append(feasible, id)
			}
			continue
		}

		sub := *req
		sub.LogicalModelID = id
		sub.SessionID = ""
		_, err := s.Select(ctx, &sub)
		s.availStore(key, err == nil)
		if err == nil {
			feasible = append(feasible, id)
		}
	}
	return feasible
}

func (s *Selector) availLookup(key string) (feasible, hit bool) {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	e, ok := s.availCache[key]
	if !ok || time.Now().After(e.expiresAt) {
		return false, false
	}
	return e.feasible, true
}

func (s *Selector) availStore(key string, feasible bool) {
	s.availMu.Lock()
	defer s.availMu.Unlock()
	if len(s.availCache) >= availCacheMaxEntries {
		// 粗粒度淘汰：清空过期项，仍满则整体重建
		now := time.Now()
		for k, e := range s.availCache {
			if now.After(e.expiresAt) {
				delete(s.availCache, k)
			}
		}
		if len(s.availCache) >= availCacheMaxEntries {
			s.availCache = make(map[string]availEntry)
		}
	}
	s.availCache[key] = availEntry{feasible: feasible, expiresAt: time.Now().Add(s.cfg.AvailabilityCacheTTL)}
}

func availKey(logicalID string, req *SelectRequest) string {
	var sb strings.Builder
	sb.WriteString(logicalID)
	sb.WriteByte('|')
	sb.WriteString(string(req.APIStyle))
	sb.WriteByte('|')
	providers := append([]string(nil), req.EffectiveProviders...)
	sort.Strings(providers)
	sb.WriteString(strings.Join(providers, ","))
	if req.Payload != nil && req.Payload.HasTools() {
		sb.WriteString("|tools")
	}
	return sb.String()
}

// scoreCandidate 计算 score = base − α·norm_lat − β·err − γ·cost − δ·quota_pen。
// cost_score 目前恒为 0，字段保留给后续接入定价。
func scoreCandidate(u *types.PhysicalModel, weight float64, m *types.RoutingMetrics, st types.Strategy, healthEnabled bool) float64 {
	base := weight
	if base == 0 {
		base = u.BaseWeight
	}

	normLat := 0.5
	errRate := 0.0
	quotaPen := 0.0
	if m != nil {
		normLat = m.P95LatencyMs / latencyFullScaleMs
		if normLat > 1 {
			normLat = 1
		}
		if normLat < 0 {
			normLat = 0
		}
		errRate = m.ErrorRate
		if healthEnabled {
			switch m.Status {
			case types.HealthDown:
				quotaPen = 1.0
			case types.HealthDegraded:
				quotaPen = 0.5
			}
		}
	}

	const costScore = 0.0
	return base - st.Alpha*normLat - st.Beta*errRate - st.Gamma*costScore - st.Delta*quotaPen
}

// weightedChoice 对 max(score,0) 做加权随机抽取；全部 ≤0 时退化为均匀抽取。
func (s *Selector) weightedChoice(cands []types.CandidateScore) int {
	total := 0.0
	for _, c := range cands {
		if c.Score > 0 {
			total += c.Score
		}
	}

	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	if total <= 0 {
		return s.rng.Intn(len(cands))
	}

	r := s.rng.Float64() * total
	for i, c := range cands {
		if c.Score <= 0 {
			continue
		}
		r -= c.Score
		if r < 0 {
			return i
		}
	}
	return 0
}

// promote 把第 i 个候选移到首位，其余保持相对顺序。
func promote(cands []types.CandidateScore, i int) {
	if i <= 0 {
		return
	}
	chosen := cands[i]
	copy(cands[1:i+1], cands[0:i])
	cands[0] = chosen
}

// requiredCapabilities 从请求负载推断必需能力，目前只有 tools ⇒ tool-use。
func requiredCapabilities(p *types.Payload) []types.Capability {
	if p != nil && p.HasTools() {
		return []types.Capability{types.CapToolUse}
	}
	return nil
}

// hasAllCapabilities 声明能力为空的上游视作仅支持 chat；
// 声明与请求不符时排除（声明 chat 但请求带 tools ⇒ 不可行）。
func hasAllCapabilities(u *types.PhysicalModel, required []types.Capability) bool {
	for _, c := range required {
		if !u.HasCapability(c) {
			return false
		}
	}
	return true
}
