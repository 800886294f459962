package routing

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/gateflow/catalog"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 每个桶保留的延迟样本上限，用于百分位估计。
const reservoirSize = 256

// MetricsKey 内存聚合桶的键。
type MetricsKey struct {
	ProviderID    string
	LogicalModel  string
	Transport     string
	IsStream      bool
	UserID        string
	APIKeyID      string
	WindowStart   int64
	BucketSeconds int64
}

type bucket struct {
	total      int64
	success    int64
	errors     int64
	latencySum float64
	reservoir  []float64
	seen       int64 // reservoir 抽样见过的样本数
}

// BufferConfig 指标缓冲配置。
type BufferConfig struct {
	FlushInterval     time.Duration
	MaxBufferedKeys   int
	SuccessSampleRate float64 // (0,1]，失败始终记录
	BucketSeconds     int64
}

// Buffer 进程内指标聚合器：降低持久层写入压力。
// 写入路径只持锁做一次 map 更新；刷新拿走快照后立即放锁。
type Buffer struct {
	db        *gorm.DB
	state     *State
	collector *metrics.Collector
	logger    *zap.Logger
	cfg       BufferConfig

	mu      sync.Mutex
	buckets map[MetricsKey]*bucket
	rng     *rand.Rand

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBuffer 创建指标缓冲。db 可为 nil（只发布 Redis 快照，不落历史表）。
func NewBuffer(db *gorm.DB, state *State, cfg BufferConfig, collector *metrics.Collector, logger *zap.Logger) *Buffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxBufferedKeys <= 0 {
		cfg.MaxBufferedKeys = 1024
	}
	if cfg.SuccessSampleRate <= 0 || cfg.SuccessSampleRate > 1 {
		cfg.SuccessSampleRate = 1.0
	}
	if cfg.BucketSeconds <= 0 {
		cfg.BucketSeconds = 60
	}
	return &Buffer{
		db:        db,
		state:     state,
		collector: collector,
		logger:    logger.With(zap.String("component", "metrics_buffer")),
		cfg:       cfg,
		buckets:   make(map[MetricsKey]*bucket),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// RecordSample 记录一次请求样本；请求路径调用，非阻塞。
// 成功样本按 SuccessSampleRate 抽样，失败始终记录。
func (b *Buffer) RecordSample(key MetricsKey, success bool, latencyMs float64) {
	if key.WindowStart == 0 {
		key.WindowStart = time.Now().Unix() / b.cfg.BucketSeconds * b.cfg.BucketSeconds
	}
	if key.BucketSeconds == 0 {
		key.BucketSeconds = b.cfg.BucketSeconds
	}

	b.mu.Lock()

	if success && b.cfg.SuccessSampleRate < 1.0 && b.rng.Float64() > b.cfg.SuccessSampleRate {
		b.mu.Unlock()
		return
	}

	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{reservoir: make([]float64, 0, reservoirSize)}
		b.buckets[key] = bk
	}

	bk.total++
	if success {
		bk.success++
	} else {
		bk.errors++
	}
	bk.latencySum += latencyMs

	// 水库抽样维持近似百分位
	bk.seen++
	if len(bk.reservoir) < reservoirSize {
		bk.reservoir = append(bk.reservoir, latencyMs)
	} else if j := b.rng.Int63n(bk.seen); j < reservoirSize {
		bk.reservoir[j] = latencyMs
	}

	overCap := len(b.buckets) >= b.cfg.MaxBufferedKeys
	b.mu.Unlock()

	// 触顶时在旁路任务上提前刷新，绝不阻塞请求路径
	if overCap {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run 启动后台刷新循环；Stop 后执行最后一次排空。
func (b *Buffer) Run() {
	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.stopCh:
				b.Flush(context.Background())
				return
			case <-ticker.C:
				b.Flush(context.Background())
			case <-b.flushCh:
				b.Flush(context.Background())
			}
		}
	}()
}

// Stop 停止循环并等待最后一次排空完成。
func (b *Buffer) Stop() {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
	<-b.doneCh
}

// Flush 取走当前快照并落库、发布路由指标。
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buckets) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := b.buckets
	b.buckets = make(map[MetricsKey]*bucket)
	b.mu.Unlock()

	if b.collector != nil {
		b.collector.ObserveFlush(len(snapshot))
	}

	// 历史表按 (逻辑模型, provider, 窗口) 聚合，内存键的细分维度在此收拢
	type histKey struct {
		lm, provider  string
		windowStart   int64
		bucketSeconds int64
	}
	merged := make(map[histKey]*bucket)
	for k, bk := range snapshot {
		hk := histKey{k.LogicalModel, k.ProviderID, k.WindowStart, k.BucketSeconds}
		m, ok := merged[hk]
		if !ok {
			m = &bucket{reservoir: make([]float64, 0, reservoirSize)}
			merged[hk] = m
		}
		m.total += bk.total
		m.success += bk.success
		m.errors += bk.errors
		m.latencySum += bk.latencySum
		m.reservoir = append(m.reservoir, bk.reservoir...)
	}

	for hk, m := range merged {
		avg, p95, p99 := latencyStats(m)
		errRate := 0.0
		if m.total > 0 {
			errRate = float64(m.errors) / float64(m.total)
		}

		if b.db != nil {
			if err := b.upsertHistory(ctx, hk.lm, hk.provider, hk.windowStart, hk.bucketSeconds, m, avg, p95, p99, errRate); err != nil {
				b.logger.Warn("metrics history upsert failed",
					zap.String("logical_model", hk.lm),
					zap.String("provider", hk.provider), zap.Error(err))
			}
		}

		if b.state != nil {
			b.state.PublishRoutingMetrics(ctx, &types.RoutingMetrics{
				LogicalModel: hk.lm,
				ProviderID:   hk.provider,
				AvgLatencyMs: avg,
				P95LatencyMs: p95,
				P99LatencyMs: p99,
				ErrorRate:    errRate,
				TotalCount:   m.total,
				Status:       statusFor(errRate),
				UpdatedAt:    time.Now(),
			})
		}
	}
}

// upsertHistory 对历史行做加法合并：计数累加，百分位按计数加权平均。
func (b *Buffer) upsertHistory(ctx context.Context, lm, provider string, windowStart, bucketSeconds int64, m *bucket, avg, p95, p99, errRate float64) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing catalog.MetricsHistory
		err := tx.Where("logical_model = ? AND provider_id = ? AND window_start = ? AND bucket_seconds = ?",
			lm, provider, windowStart, bucketSeconds).First(&existing).Error

		if err == gorm.ErrRecordNotFound {
			row := catalog.MetricsHistory{
				LogicalModel:  lm,
				ProviderID:    provider,
				WindowStart:   windowStart,
				BucketSeconds: bucketSeconds,
				TotalCount:    m.total,
				SuccessCount:  m.success,
				ErrorCount:    m.errors,
				AvgLatencyMs:  avg,
				P95LatencyMs:  p95,
				P99LatencyMs:  p99,
				ErrorRate:     errRate,
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
		}
		if err != nil {
			return err
		}

		oldN := float64(existing.TotalCount)
		newN := float64(m.total)
		total := oldN + newN
		weighted := func(oldV, newV float64) float64 {
			if total == 0 {
				return 0
			}
			return (oldV*oldN + newV*newN) / total
		}

		existing.TotalCount += m.total
		existing.SuccessCount += m.success
		existing.ErrorCount += m.errors
		existing.AvgLatencyMs = weighted(existing.AvgLatencyMs, avg)
		existing.P95LatencyMs = weighted(existing.P95LatencyMs, p95)
		existing.P99LatencyMs = weighted(existing.P99LatencyMs, p99)
		if existing.TotalCount > 0 {
			existing.ErrorRate = float64(existing.ErrorCount) / float64(existing.TotalCount)
		}
		return tx.Save(&existing).Error
	})
}

func latencyStats(m *bucket) (avg, p95, p99 float64) {
	if m.total > 0 {
		avg = m.latencySum / float64(m.total)
	}
	if len(m.reservoir) == 0 {
		return avg, 0, 0
	}
	sorted := append([]float64(nil), m.reservoir...)
	sort.Float64s(sorted)
	return avg, percentile(sorted, 0.95), percentile(sorted, 0.99)
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func statusFor(errRate float64) types.HealthState {
	switch {
	case errRate >= 0.5:
		return types.HealthDown
	case errRate >= 0.2:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}
