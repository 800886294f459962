package routing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSessions(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSessionManager(client, 7200, nil, zap.NewNop()), mr
}

func TestSessionBindAndGet(t *testing.T) {
	m, mr := newTestSessions(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	assert.Nil(t, m.Get(ctx, "c1"))

	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", now)
	sess := m.Get(ctx, "c1")
	require.NotNil(t, sess)
	assert.Equal(t, "gpt-x", sess.LogicalModel)
	assert.Equal(t, "p1", sess.ProviderID)
	assert.Equal(t, "m1", sess.ModelID)
	assert.Equal(t, 0, sess.MessageCount)
	assert.True(t, sess.CreatedAt.Equal(now))

	// 键带 TTL
	ttl := mr.TTL("llm:session:c1")
	assert.Greater(t, ttl, time.Hour)
}

// bind 幂等：同一 (conversation, provider, model) 重复绑定时，
// 除 last_accessed 单调不减外其余字段不变。
func TestSessionBindIdempotent(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()
	t0 := time.Now().Truncate(time.Second)

	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", t0)
	first := m.Get(ctx, "c1")
	require.NotNil(t, first)

	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", t0.Add(time.Minute))
	second := m.Get(ctx, "c1")
	require.NotNil(t, second)

	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
	assert.Equal(t, first.MessageCount, second.MessageCount)
	assert.Equal(t, first.ProviderID, second.ProviderID)
	assert.False(t, second.LastAccessed.Before(first.LastAccessed))

	// 时间倒退的 bind 不回拨 last_accessed
	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", t0.Add(-time.Hour))
	third := m.Get(ctx, "c1")
	require.NotNil(t, third)
	assert.False(t, third.LastAccessed.Before(second.LastAccessed))
}

func TestSessionRebind(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()
	now := time.Now()

	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", now)
	m.Touch(ctx, "c1", 2)
	m.Bind(ctx, "c1", "gpt-x", "p2", "m2", now.Add(time.Second))

	sess := m.Get(ctx, "c1")
	require.NotNil(t, sess)
	assert.Equal(t, "p2", sess.ProviderID)
	assert.Equal(t, "m2", sess.ModelID)
	// 重绑定保留消息计数
	assert.Equal(t, 2, sess.MessageCount)
}

func TestSessionTouch(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	// 不存在时 no-op
	m.Touch(ctx, "ghost", 1)
	assert.Nil(t, m.Get(ctx, "ghost"))

	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", time.Now())
	m.Touch(ctx, "c1", 3)
	sess := m.Get(ctx, "c1")
	require.NotNil(t, sess)
	assert.Equal(t, 3, sess.MessageCount)
}

func TestSessionDelete(t *testing.T) {
	m, _ := newTestSessions(t)
	ctx := context.Background()

	assert.False(t, m.Delete(ctx, "c1"))

	m.Bind(ctx, "c1", "gpt-x", "p1", "m1", time.Now())
	assert.True(t, m.Delete(ctx, "c1"))
	assert.Nil(t, m.Get(ctx, "c1"))
}
