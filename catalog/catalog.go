// Package catalog 维护逻辑模型目录：从持久化配置聚合物理上游，
// 以原子快照缓存供选择器无锁读取，并把结果写透到 Redis。
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// 键布局（规范）：目录是这些键的唯一写入者。
const (
	keyLogicalPrefix = "llm:logical:"
	keyVendorModels  = "llm:vendor:%s:models"
)

// Catalog 逻辑模型目录。
// 读路径：原子快照，无锁；写路径：singleflight 去重的全量重建 + 原子换入。
type Catalog struct {
	db     *gorm.DB
	cache  *cache.Manager
	logger *zap.Logger

	snap  atomic.Pointer[snapshot]
	group singleflight.Group

	refreshInterval time.Duration
	stopCh          chan struct{}
}

type snapshot struct {
	logical       map[string]*types.LogicalModel
	strategies    map[string]types.Strategy
	runtimes      map[string]*ProviderRuntime
	disabledPairs map[string]bool // "provider|model"
	builtAt       time.Time
}

// ProviderRuntime 执行器调用上游所需的供应商运行时配置。
type ProviderRuntime struct {
	Code      string
	BaseURL   string
	APIKey    string
	AuthStyle types.AuthHeaderStyle
	Transport types.TransportKind
	MaxQPS    float64

	// 各接口风格的路径覆盖；空串用适配器默认值
	ChatCompletionsPath string
	MessagesPath        string
	ResponsesPath       string
}

// PathFor 返回指定风格的路径覆盖。
func (r *ProviderRuntime) PathFor(style types.APIStyle) string {
	switch style {
	case types.StyleClaude:
		return r.MessagesPath
	case types.StyleResponses:
		return r.ResponsesPath
	case types.StyleOpenAI:
		return r.ChatCompletionsPath
	default:
		return ""
	}
}

// New 创建目录。cache 可为 nil（纯内存模式，不写透 Redis）。
func New(db *gorm.DB, cacheMgr *cache.Manager, refreshInterval time.Duration, logger *zap.Logger) *Catalog {
	if refreshInterval <= 0 {
		refreshInterval = 60 * time.Second
	}
	return &Catalog{
		db:              db,
		cache:           cacheMgr,
		logger:          logger.With(zap.String("component", "catalog")),
		refreshInterval: refreshInterval,
		stopCh:          make(chan struct{}),
	}
}

// Run 启动周期刷新循环；启动时先跑一次，便于尽快可服务。
func (c *Catalog) Run(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial catalog refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.refreshInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Refresh(ctx); err != nil {
					c.logger.Warn("catalog refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop 停止刷新循环。
func (c *Catalog) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Invalidate 立即触发一次重建（管理端变更供应商/模型后调用）。
func (c *Catalog) Invalidate(ctx context.Context) error {
	_, err := c.Refresh(ctx)
	return err
}

// Get 按 logical_id 取逻辑模型。
// 快照未命中时触发一次重建再查；仍未命中返回 LOGICAL_MODEL_NOT_FOUND。
func (c *Catalog) Get(ctx context.Context, logicalID string) (*types.LogicalModel, error) {
	if s := c.snap.Load(); s != nil {
		if lm, ok := s.logical[logicalID]; ok {
			return lm, nil
		}
	}

	s, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if lm, ok := s.logical[logicalID]; ok {
		return lm, nil
	}
	return nil, types.NewError(types.ErrLogicalModelNotFound,
		fmt.Sprintf("logical model %q not found", logicalID)).WithHTTPStatus(404)
}

// List 返回当前快照中的全部逻辑模型 ID（排序稳定）。
func (c *Catalog) List() []string {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.logical))
	for id := range s.logical {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProviderRuntime 按 provider code 取运行时配置。
func (c *Catalog) ProviderRuntime(code string) (*ProviderRuntime, bool) {
	s := c.snap.Load()
	if s == nil {
		return nil, false
	}
	r, ok := s.runtimes[code]
	return r, ok
}

// PairDisabled 报告 (provider, model) 组合是否被管理端禁用。
func (c *Catalog) PairDisabled(provider, model string) bool {
	s := c.snap.Load()
	if s == nil {
		return false
	}
	return s.disabledPairs[provider+"|"+model]
}

// Strategy 按名称取调度策略；数据库无记录时回退内建表。
func (c *Catalog) Strategy(name string) types.Strategy {
	if s := c.snap.Load(); s != nil {
		if st, ok := s.strategies[name]; ok {
			return st
		}
	}
	return types.LookupStrategy(name)
}

// Refresh 全量重建快照。并发调用经 singleflight 合并；
// 读者在换入前始终看到旧快照，不被写入阻塞。
func (c *Catalog) Refresh(ctx context.Context) (*snapshot, error) {
	v, err, _ := c.group.Do("rebuild", func() (any, error) {
		return c.rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (c *Catalog) rebuild(ctx context.Context) (*snapshot, error) {
	var providers []Provider
	if err := c.db.WithContext(ctx).Where("enabled = ?", true).Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	providerByID := make(map[uint]*Provider, len(providers))
	providerIDs := make([]uint, 0, len(providers))
	for i := range providers {
		providerByID[providers[i].ID] = &providers[i]
		providerIDs = append(providerIDs, providers[i].ID)
	}

	var models []ProviderModel
	if len(providerIDs) > 0 {
		if err := c.db.WithContext(ctx).
			Where("provider_id IN ? AND disabled = ?", providerIDs, false).
			Find(&models).Error; err != nil {
			return nil, fmt.Errorf("load provider models: %w", err)
		}
	}

	var disabledModels []ProviderModel
	if len(providerIDs) > 0 {
		if err := c.db.WithContext(ctx).
			Where("provider_id IN ? AND disabled = ?", providerIDs, true).
			Find(&disabledModels).Error; err != nil {
			return nil, fmt.Errorf("load disabled models: %w", err)
		}
	}

	var overrides []LogicalOverride
	if err := c.db.WithContext(ctx).Find(&overrides).Error; err != nil {
		return nil, fmt.Errorf("load logical overrides: %w", err)
	}
	disabled := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		disabled[o.LogicalID] = o.Disabled
	}

	now := time.Now()
	logical := make(map[string]*types.LogicalModel)

	// 聚合：每个启用的 (provider, model) 产出一个物理上游；
	// 按 alias（缺省 model_id）分组，能力取并集。
	for _, m := range models {
		p := providerByID[m.ProviderID]
		if p == nil {
			continue
		}

		logicalID := m.Alias
		if logicalID == "" {
			logicalID = m.ModelID
		}

		styles := make([]types.APIStyle, 0, len(p.APIStyles))
		for _, s := range p.APIStyles {
			styles = append(styles, types.APIStyle(s))
		}
		caps := make([]types.Capability, 0, len(m.Capabilities))
		for _, cp := range m.Capabilities {
			caps = append(caps, types.Capability(cp))
		}

		phys := types.PhysicalModel{
			ProviderID:   p.Code,
			ModelID:      m.ModelID,
			Endpoint:     p.BaseURL,
			BaseWeight:   p.BaseWeight,
			Region:       p.Region,
			MaxQPS:       p.MaxQPS,
			APIStyles:    styles,
			Transport:    types.TransportKind(p.Transport),
			AuthStyle:    types.AuthHeaderStyle(p.AuthStyle),
			Capabilities: caps,
			PriceInput:   m.PriceInput,
			PriceOutput:  m.PriceOutput,
		}

		lm, ok := logical[logicalID]
		if !ok {
			lm = &types.LogicalModel{
				LogicalID: logicalID,
				Enabled:   !disabled[logicalID],
				UpdatedAt: now,
			}
			logical[logicalID] = lm
		}
		lm.Upstreams = append(lm.Upstreams, phys)
		lm.Capabilities = unionCapabilities(lm.Capabilities, caps)
	}

	strategies := make(map[string]types.Strategy)
	var dbStrategies []SchedulingStrategy
	if err := c.db.WithContext(ctx).Find(&dbStrategies).Error; err != nil {
		c.logger.Warn("load strategies failed, using builtins", zap.Error(err))
	} else {
		for _, s := range dbStrategies {
			strategies[s.Name] = types.Strategy{
				Name:             s.Name,
				Alpha:            s.Alpha,
				Beta:             s.Beta,
				Gamma:            s.Gamma,
				Delta:            s.Delta,
				MinScore:         s.MinScore,
				EnableStickiness: s.EnableStickiness,
			}
		}
	}

	runtimes := make(map[string]*ProviderRuntime, len(providers))
	for i := range providers {
		p := &providers[i]
		runtimes[p.Code] = &ProviderRuntime{
			Code:                p.Code,
			BaseURL:             p.BaseURL,
			APIKey:              p.APIKey,
			AuthStyle:           types.AuthHeaderStyle(p.AuthStyle),
			Transport:           types.TransportKind(p.Transport),
			MaxQPS:              p.MaxQPS,
			ChatCompletionsPath: p.ChatCompletionsPath,
			MessagesPath:        p.MessagesPath,
			ResponsesPath:       p.ResponsesPath,
		}
	}

	disabledPairs := make(map[string]bool, len(disabledModels))
	for _, m := range disabledModels {
		if p := providerByID[m.ProviderID]; p != nil {
			disabledPairs[p.Code+"|"+m.ModelID] = true
		}
	}

	snap := &snapshot{
		logical:       logical,
		strategies:    strategies,
		runtimes:      runtimes,
		disabledPairs: disabledPairs,
		builtAt:       now,
	}
	c.snap.Store(snap)

	c.publish(ctx, logical, providers, models)

	c.logger.Info("catalog rebuilt",
		zap.Int("logical_models", len(logical)),
		zap.Int("providers", len(providers)),
	)
	return snap, nil
}

// publish 写透到 Redis：逻辑模型 JSON 与每个供应商的模型清单。
// 写失败只记日志，不影响目录可用性。
func (c *Catalog) publish(ctx context.Context, logical map[string]*types.LogicalModel, providers []Provider, models []ProviderModel) {
	if c.cache == nil {
		return
	}

	for id, lm := range logical {
		if err := c.cache.SetJSON(ctx, keyLogicalPrefix+id, lm, 0); err != nil {
			c.logger.Warn("publish logical model failed", zap.String("logical_id", id), zap.Error(err))
		}
	}

	byProvider := make(map[uint][]string)
	for _, m := range models {
		byProvider[m.ProviderID] = append(byProvider[m.ProviderID], m.ModelID)
	}
	for _, p := range providers {
		key := fmt.Sprintf(keyVendorModels, p.Code)
		if err := c.cache.SetJSON(ctx, key, byProvider[p.ID], time.Hour); err != nil {
			c.logger.Warn("publish vendor models failed", zap.String("provider", p.Code), zap.Error(err))
		}
	}
}

func unionCapabilities(a, b []types.Capability) []types.Capability {
	seen := make(map[types.Capability]bool, len(a)+len(b))
	out := make([]types.Capability, 0, len(a)+len(b))
	for _, c := range a {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range b {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
