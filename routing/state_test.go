package routing

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/gateflow/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func newTestState(t *testing.T) (*State, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewState(client, StateConfig{
		FailureThreshold:   3,
		CooldownSeconds:    60,
		HealthCacheTTLSecs: 30,
	}, nil, zap.NewNop())
	return st, mr
}

func TestLoadDynamicWeightsInitializesMissing(t *testing.T) {
	st, mr := newTestState(t)
	ctx := context.Background()

	upstreams := []types.PhysicalModel{
		{ProviderID: "p1", BaseWeight: 1.0},
		{ProviderID: "p2", BaseWeight: 0.5},
	}

	w := st.LoadDynamicWeights(ctx, "gpt-x", upstreams)
	assert.Equal(t, 1.0, w["p1"])
	assert.Equal(t, 0.5, w["p2"])

	// ZAddNX 不覆盖已有条目
	mr.ZAdd("routing:gpt-x:provider_weights", 2.0, "p1")
	w = st.LoadDynamicWeights(ctx, "gpt-x", upstreams)
	assert.Equal(t, 2.0, w["p1"])
	assert.Equal(t, 0.5, w["p2"])
}

func TestLoadDynamicWeightsClampsStored(t *testing.T) {
	st, mr := newTestState(t)

	mr.ZAdd("routing:gpt-x:provider_weights", 99.0, "p1")
	w := st.LoadDynamicWeights(context.Background(), "gpt-x",
		[]types.PhysicalModel{{ProviderID: "p1", BaseWeight: 1.0}})
	assert.Equal(t, 3.0, w["p1"])
}

func TestRecordSuccessBumpsWeightAndClearsCooldown(t *testing.T) {
	st, mr := newTestState(t)
	ctx := context.Background()

	st.LoadDynamicWeights(ctx, "gpt-x", []types.PhysicalModel{{ProviderID: "p1", BaseWeight: 1.0}})
	st.IncrementProviderFailure(ctx, "p1")

	st.RecordSuccess("gpt-x", "p1", 1.0)

	require.Eventually(t, func() bool {
		w := st.LoadDynamicWeights(ctx, "gpt-x", []types.PhysicalModel{{ProviderID: "p1", BaseWeight: 1.0}})
		return w["p1"] > 1.04 && w["p1"] < 1.06 && !mr.Exists("provider:failure:p1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecordFailureFactors(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()
	up := []types.PhysicalModel{{ProviderID: "p1", BaseWeight: 1.0}}
	st.LoadDynamicWeights(ctx, "gpt-x", up)

	st.RecordFailure("gpt-x", "p1", 1.0, true)
	require.Eventually(t, func() bool {
		w := st.LoadDynamicWeights(ctx, "gpt-x", up)
		return w["p1"] > 0.79 && w["p1"] < 0.81
	}, 2*time.Second, 10*time.Millisecond)

	st.RecordFailure("gpt-x", "p1", 1.0, false)
	require.Eventually(t, func() bool {
		w := st.LoadDynamicWeights(ctx, "gpt-x", up)
		return w["p1"] > 0.39 && w["p1"] < 0.41
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecordFailureSeedsUnloadedMember(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()
	up := []types.PhysicalModel{{ProviderID: "p1", BaseWeight: 1.0}}

	// 不先 LoadDynamicWeights：首次调整必须从基础权重起步，
	// 而不是从 0 被钳到下界
	st.RecordFailure("gpt-x", "p1", 1.0, true)
	require.Eventually(t, func() bool {
		w := st.LoadDynamicWeights(ctx, "gpt-x", up)
		return w["p1"] > 0.79 && w["p1"] < 0.81
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCooldownLifecycle(t *testing.T) {
	st, mr := newTestState(t)
	ctx := context.Background()

	status := st.GetFailureCooldownStatus(ctx, "p1")
	assert.Equal(t, int64(0), status.Count)
	assert.False(t, status.ShouldSkip)

	for i := 0; i < 3; i++ {
		st.IncrementProviderFailure(ctx, "p1")
	}
	status = st.GetFailureCooldownStatus(ctx, "p1")
	assert.Equal(t, int64(3), status.Count)
	assert.True(t, status.ShouldSkip)
	assert.Equal(t, int64(3), status.Threshold)

	// TTL 到期后计数消失
	mr.FastForward(61 * time.Second)
	status = st.GetFailureCooldownStatus(ctx, "p1")
	assert.False(t, status.ShouldSkip)

	st.IncrementProviderFailure(ctx, "p1")
	st.ClearProviderFailure(ctx, "p1")
	assert.False(t, mr.Exists("provider:failure:p1"))
}

func TestHealthCacheTTLBound(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	assert.Nil(t, st.GetCachedHealth(ctx, "p1"))

	st.SetCachedHealth(ctx, &types.ProviderHealth{
		ProviderID: "p1",
		Status:     types.HealthDegraded,
		Timestamp:  time.Now(),
	})
	h := st.GetCachedHealth(ctx, "p1")
	require.NotNil(t, h)
	assert.Equal(t, types.HealthDegraded, h.Status)

	// 样本时间戳超出 TTL 视为过期
	st.SetCachedHealth(ctx, &types.ProviderHealth{
		ProviderID: "p2",
		Status:     types.HealthDown,
		Timestamp:  time.Now().Add(-time.Minute),
	})
	assert.Nil(t, st.GetCachedHealth(ctx, "p2"))
}

func TestStateSurvivesRedisOutage(t *testing.T) {
	st, mr := newTestState(t)
	ctx := context.Background()
	mr.Close()

	// 读失败按空处理，写失败只记日志
	w := st.LoadDynamicWeights(ctx, "gpt-x", []types.PhysicalModel{{ProviderID: "p1", BaseWeight: 1.0}})
	assert.Equal(t, 1.0, w["p1"])
	assert.Nil(t, st.GetCachedHealth(ctx, "p1"))
	assert.Nil(t, st.GetRoutingMetrics(ctx, "gpt-x", "p1"))
	status := st.GetFailureCooldownStatus(ctx, "p1")
	assert.False(t, status.ShouldSkip)
	st.IncrementProviderFailure(ctx, "p1")
	st.ClearProviderFailure(ctx, "p1")
}

// 不变式：任意调整序列后，存储权重都落在 [max(base*0.2,0.01), max(base*3.0,lo)]。
func TestWeightClampInvariantRapid(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.Float64Range(0.01, 5.0).Draw(rt, "base")
		up := []types.PhysicalModel{{ProviderID: "p", BaseWeight: base}}
		lm := rapid.StringMatching(`lm-[a-z]{4}`).Draw(rt, "lm")
		st.LoadDynamicWeights(ctx, lm, up)

		n := rapid.IntRange(1, 20).Draw(rt, "n")
		for i := 0; i < n; i++ {
			delta := rapid.Float64Range(-2.0, 2.0).Draw(rt, "delta")
			st.adjustWeight(ctx, lm, "p", base, delta)
		}

		w := st.LoadDynamicWeights(ctx, lm, up)
		lo, hi := types.WeightClampBounds(base)
		assert.GreaterOrEqual(rt, w["p"], lo)
		assert.LessOrEqual(rt, w["p"], hi)
	})
}
