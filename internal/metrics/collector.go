// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 网关指标收集器
type Collector struct {
	// 客户端请求指标
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// 上游尝试指标
	upstreamAttemptsTotal  *prometheus.CounterVec
	upstreamAttemptLatency *prometheus.HistogramVec
	upstreamRetriesTotal   *prometheus.CounterVec
	cooldownSkipsTotal     *prometheus.CounterVec

	// 流式指标
	streamChunksTotal     *prometheus.CounterVec
	streamHeartbeatsTotal *prometheus.CounterVec

	// 路由状态指标
	weightUpdatesTotal  *prometheus.CounterVec
	sessionOpsTotal     *prometheus.CounterVec
	metricsFlushesTotal prometheus.Counter
	bufferedKeys        prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"api_style", "logical_model", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"api_style", "logical_model"},
	)

	c.upstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total number of upstream attempts",
		},
		[]string{"provider", "model", "outcome"},
	)

	c.upstreamAttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Single upstream attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.upstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of failover retries to a fallback candidate",
		},
		[]string{"logical_model"},
	)

	c.cooldownSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_skips_total",
			Help:      "Candidates skipped because the provider is in failure cooldown",
		},
		[]string{"provider"},
	)

	c.streamChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total number of stream chunks relayed to clients",
		},
		[]string{"provider"},
	)

	c.streamHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_heartbeats_total",
			Help:      "Heartbeat frames injected into silent streams",
		},
		[]string{"provider"},
	)

	c.weightUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weight_updates_total",
			Help:      "Dynamic weight adjustments by direction",
		},
		[]string{"provider", "direction"},
	)

	c.sessionOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ops_total",
			Help:      "Session manager operations",
		},
		[]string{"op"},
	)

	c.metricsFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_buffer_flushes_total",
			Help:      "Metrics buffer flushes to durable storage",
		},
	)

	c.bufferedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metrics_buffered_keys",
			Help:      "Distinct keys currently held in the metrics buffer",
		},
	)

	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// ObserveRequest 记录一次客户端请求
func (c *Collector) ObserveRequest(apiStyle, logicalModel, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(apiStyle, logicalModel, status).Inc()
	c.requestDuration.WithLabelValues(apiStyle, logicalModel).Observe(duration.Seconds())
}

// ObserveUpstreamAttempt 记录一次上游尝试
func (c *Collector) ObserveUpstreamAttempt(provider, model, outcome string, duration time.Duration) {
	c.upstreamAttemptsTotal.WithLabelValues(provider, model, outcome).Inc()
	c.upstreamAttemptLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// ObserveRetry 记录一次候选切换
func (c *Collector) ObserveRetry(logicalModel string) {
	c.upstreamRetriesTotal.WithLabelValues(logicalModel).Inc()
}

// ObserveCooldownSkip 记录一次冷却跳过
func (c *Collector) ObserveCooldownSkip(provider string) {
	c.cooldownSkipsTotal.WithLabelValues(provider).Inc()
}

// ObserveStreamChunk 记录转发的流式分片
func (c *Collector) ObserveStreamChunk(provider string) {
	c.streamChunksTotal.WithLabelValues(provider).Inc()
}

// ObserveHeartbeat 记录注入的心跳帧
func (c *Collector) ObserveHeartbeat(provider string) {
	c.streamHeartbeatsTotal.WithLabelValues(provider).Inc()
}

// ObserveWeightUpdate 记录动态权重调整，direction 为 up/down
func (c *Collector) ObserveWeightUpdate(provider, direction string) {
	c.weightUpdatesTotal.WithLabelValues(provider, direction).Inc()
}

// ObserveSessionOp 记录会话操作，op 为 get/bind/touch/delete
func (c *Collector) ObserveSessionOp(op string) {
	c.sessionOpsTotal.WithLabelValues(op).Inc()
}

// ObserveFlush 记录一次指标缓冲刷新
func (c *Collector) ObserveFlush(bufferedKeys int) {
	c.metricsFlushesTotal.Inc()
	c.bufferedKeys.Set(float64(bufferedKeys))
}
