// Package routing 实现路由核心：状态门面、候选选择器、会话粘性与指标缓冲。
//
// 请求路径上的依赖顺序（叶子在前）：
//
//	RoutingState ← Selector ← executor ← api handler
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🔑 键布局（规范）：本门面是下列键空间的唯一写入者
// =============================================================================

const (
	keyWeights        = "routing:%s:provider_weights" // ZSET: provider → weight
	keyFailureCounter = "provider:failure:%s"         // INT + TTL
	keyMetrics        = "llm:metrics:%s:%s"           // JSON
	keyHealth         = "llm:provider:health:%s"      // JSON
)

// 权重调整因子：成功上调，可重试/致命失败分级下调。
const (
	successFactor   = 0.05
	retryableFactor = 0.20
	fatalFactor     = 0.40
)

// StateConfig 路由状态门面的配置子集。
type StateConfig struct {
	FailureThreshold   int64
	CooldownSeconds    int64
	HealthCacheTTLSecs int64
}

// State 路由状态门面：缓存健康、路由指标、动态权重与失败冷却。
// 所有操作容忍状态存储不可用：读失败返回空，写失败记日志丢弃。
type State struct {
	redis     *redis.Client
	logger    *zap.Logger
	collector *metrics.Collector
	cfg       StateConfig
}

// NewState 创建路由状态门面。collector 可为 nil。
func NewState(client *redis.Client, cfg StateConfig, collector *metrics.Collector, logger *zap.Logger) *State {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 60
	}
	return &State{
		redis:     client,
		logger:    logger.With(zap.String("component", "routing_state")),
		collector: collector,
		cfg:       cfg,
	}
}

// GetCachedHealth 返回健康探测写入的最新样本；缺失或读失败返回 nil。
func (s *State) GetCachedHealth(ctx context.Context, providerID string) *types.ProviderHealth {
	raw, err := s.redis.Get(ctx, fmt.Sprintf(keyHealth, providerID)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("health read failed", zap.String("provider", providerID), zap.Error(err))
		}
		return nil
	}

	var h types.ProviderHealth
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		s.logger.Warn("health sample corrupt", zap.String("provider", providerID), zap.Error(err))
		return nil
	}

	// TTL 之外的样本视为过期
	if s.cfg.HealthCacheTTLSecs > 0 &&
		time.Since(h.Timestamp) > time.Duration(s.cfg.HealthCacheTTLSecs)*time.Second {
		return nil
	}
	return &h
}

// SetCachedHealth 健康探测写入样本（探测任务专用）。
func (s *State) SetCachedHealth(ctx context.Context, h *types.ProviderHealth) {
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	ttl := time.Duration(s.cfg.HealthCacheTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if err := s.redis.Set(ctx, fmt.Sprintf(keyHealth, h.ProviderID), data, ttl*2).Err(); err != nil {
		s.logger.Debug("health write failed", zap.String("provider", h.ProviderID), zap.Error(err))
	}
}

// GetRoutingMetrics 返回 (逻辑模型, provider) 的指标快照；缺失返回 nil。
func (s *State) GetRoutingMetrics(ctx context.Context, logicalModel, providerID string) *types.RoutingMetrics {
	raw, err := s.redis.Get(ctx, fmt.Sprintf(keyMetrics, logicalModel, providerID)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("metrics read failed",
				zap.String("logical_model", logicalModel),
				zap.String("provider", providerID), zap.Error(err))
		}
		return nil
	}

	var m types.RoutingMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return &m
}

// PublishRoutingMetrics 指标刷新管线写入快照（指标缓冲专用）。
func (s *State) PublishRoutingMetrics(ctx context.Context, m *types.RoutingMetrics) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	key := fmt.Sprintf(keyMetrics, m.LogicalModel, m.ProviderID)
	if err := s.redis.Set(ctx, key, data, time.Hour).Err(); err != nil {
		s.logger.Debug("metrics write failed", zap.String("key", key), zap.Error(err))
	}
}

// LoadDynamicWeights 返回逻辑模型下各 provider 的当前动态权重。
// 缺失条目用 base_weight 经 ZAddNX（仅当不存在时写入）初始化；
// 读失败时整体回退 base_weight，路由照常进行。
func (s *State) LoadDynamicWeights(ctx context.Context, logicalModel string, upstreams []types.PhysicalModel) map[string]float64 {
	out := make(map[string]float64, len(upstreams))
	base := make(map[string]float64, len(upstreams))
	for _, u := range upstreams {
		out[u.ProviderID] = u.BaseWeight
		base[u.ProviderID] = u.BaseWeight
	}

	key := fmt.Sprintf(keyWeights, logicalModel)

	members := make([]redis.Z, 0, len(upstreams))
	for _, u := range upstreams {
		members = append(members, redis.Z{Score: u.BaseWeight, Member: u.ProviderID})
	}
	if len(members) > 0 {
		if err := s.redis.ZAddNX(ctx, key, members...).Err(); err != nil {
			s.logger.Debug("weight init failed", zap.String("logical_model", logicalModel), zap.Error(err))
			return out
		}
	}

	stored, err := s.redis.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		s.logger.Debug("weight read failed", zap.String("logical_model", logicalModel), zap.Error(err))
		return out
	}
	for _, z := range stored {
		pid, ok := z.Member.(string)
		if !ok {
			continue
		}
		if bw, known := base[pid]; known {
			out[pid] = types.ClampWeight(bw, z.Score)
		}
	}
	return out
}

// RecordSuccess 成功后上调动态权重并清空失败冷却。
// 调用点在请求路径上，函数体 fire-and-forget，永不阻塞调用方。
func (s *State) RecordSuccess(logicalModel, providerID string, baseWeight float64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		s.adjustWeight(ctx, logicalModel, providerID, baseWeight, successFactor*baseWeight)
		s.ClearProviderFailure(ctx, providerID)
		if s.collector != nil {
			s.collector.ObserveWeightUpdate(providerID, "up")
		}
	}()
}

// RecordFailure 失败后下调动态权重；可重试与致命失败使用不同因子。
func (s *State) RecordFailure(logicalModel, providerID string, baseWeight float64, retryable bool) {
	factor := fatalFactor
	if retryable {
		factor = retryableFactor
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		s.adjustWeight(ctx, logicalModel, providerID, baseWeight, -factor*baseWeight)
		if s.collector != nil {
			s.collector.ObserveWeightUpdate(providerID, "down")
		}
	}()
}

// adjustWeight 原子增量后读回并收敛到收敛区间。
// 并发竞争允许：clamp 保证漂移有界。
func (s *State) adjustWeight(ctx context.Context, logicalModel, providerID string, baseWeight, delta float64) {
	key := fmt.Sprintf(keyWeights, logicalModel)

	// 首次调整前成员可能还没被加载过，先用基础权重占位，
	// 否则 ZINCRBY 从 0 起步并被钳到下界
	if err := s.redis.ZAddNX(ctx, key, redis.Z{Score: baseWeight, Member: providerID}).Err(); err != nil {
		s.logger.Debug("weight seed failed",
			zap.String("logical_model", logicalModel),
			zap.String("provider", providerID), zap.Error(err))
		return
	}

	newScore, err := s.redis.ZIncrBy(ctx, key, delta, providerID).Result()
	if err != nil {
		s.logger.Debug("weight adjust failed",
			zap.String("logical_model", logicalModel),
			zap.String("provider", providerID), zap.Error(err))
		return
	}

	clamped := types.ClampWeight(baseWeight, newScore)
	if clamped != newScore {
		if err := s.redis.ZAdd(ctx, key, redis.Z{Score: clamped, Member: providerID}).Err(); err != nil {
			s.logger.Debug("weight clamp write failed", zap.String("provider", providerID), zap.Error(err))
		}
	}
}

// IncrementProviderFailure 失败冷却计数 INCR 并续期 TTL。
func (s *State) IncrementProviderFailure(ctx context.Context, providerID string) {
	key := fmt.Sprintf(keyFailureCounter, providerID)
	pipe := s.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Duration(s.cfg.CooldownSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Debug("failure counter incr failed", zap.String("provider", providerID), zap.Error(err))
	}
}

// ClearProviderFailure 成功响应清空冷却计数。
func (s *State) ClearProviderFailure(ctx context.Context, providerID string) {
	if err := s.redis.Del(ctx, fmt.Sprintf(keyFailureCounter, providerID)).Err(); err != nil {
		s.logger.Debug("failure counter clear failed", zap.String("provider", providerID), zap.Error(err))
	}
}

// GetFailureCooldownStatus 查询冷却状态；读失败按无冷却处理（不因状态存储拒绝请求）。
func (s *State) GetFailureCooldownStatus(ctx context.Context, providerID string) types.CooldownStatus {
	status := types.CooldownStatus{
		ProviderID:      providerID,
		Threshold:       s.cfg.FailureThreshold,
		CooldownSeconds: s.cfg.CooldownSeconds,
	}

	raw, err := s.redis.Get(ctx, fmt.Sprintf(keyFailureCounter, providerID)).Int64()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("cooldown read failed", zap.String("provider", providerID), zap.Error(err))
		}
		return status
	}

	status.Count = raw
	status.ShouldSkip = raw >= s.cfg.FailureThreshold
	return status
}
