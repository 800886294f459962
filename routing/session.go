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

const keySession = "llm:session:%s"

// SessionManager 维护会话粘性：conversation_id → (provider, model) 绑定。
// 绑定是建议性的：provider 从候选集消失时选择器直接忽略。
type SessionManager struct {
	redis     *redis.Client
	logger    *zap.Logger
	collector *metrics.Collector
	ttl       time.Duration
}

// NewSessionManager 创建会话管理器。ttlSeconds <= 0 时默认 7200 秒。
func NewSessionManager(client *redis.Client, ttlSeconds int64, collector *metrics.Collector, logger *zap.Logger) *SessionManager {
	if ttlSeconds <= 0 {
		ttlSeconds = 7200
	}
	return &SessionManager{
		redis:     client,
		logger:    logger.With(zap.String("component", "session")),
		collector: collector,
		ttl:       time.Duration(ttlSeconds) * time.Second,
	}
}

// Get 按会话 ID 取绑定；缺失或读失败返回 nil。
func (m *SessionManager) Get(ctx context.Context, conversationID string) *types.Session {
	raw, err := m.redis.Get(ctx, fmt.Sprintf(keySession, conversationID)).Result()
	if err != nil {
		if err != redis.Nil {
			m.logger.Debug("session read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return nil
	}

	var sess types.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		m.logger.Warn("session corrupt", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	return &sess
}

// Bind 绑定（或重绑定）会话到选中的上游。
// 已存在时保留 created_at 与 message_count，只刷新 last_accessed；
// last_accessed 单调不减。
func (m *SessionManager) Bind(ctx context.Context, conversationID, logicalModel, providerID, modelID string, now time.Time) {
	sess := m.Get(ctx, conversationID)
	if sess == nil {
		sess = &types.Session{
			ConversationID: conversationID,
			CreatedAt:      now,
			MessageCount:   0,
		}
	}
	sess.LogicalModel = logicalModel
	sess.ProviderID = providerID
	sess.ModelID = modelID
	if now.After(sess.LastAccessed) {
		sess.LastAccessed = now
	}

	m.write(ctx, sess)
	if m.collector != nil {
		m.collector.ObserveSessionOp("bind")
	}
}

// Touch 刷新 last_accessed 并累加消息计数；会话不存在时是 no-op。
func (m *SessionManager) Touch(ctx context.Context, conversationID string, deltaMessages int) {
	sess := m.Get(ctx, conversationID)
	if sess == nil {
		return
	}

	now := time.Now()
	if now.After(sess.LastAccessed) {
		sess.LastAccessed = now
	}
	sess.MessageCount += deltaMessages

	m.write(ctx, sess)
	if m.collector != nil {
		m.collector.ObserveSessionOp("touch")
	}
}

// Delete 删除会话，返回是否确有删除。
func (m *SessionManager) Delete(ctx context.Context, conversationID string) bool {
	n, err := m.redis.Del(ctx, fmt.Sprintf(keySession, conversationID)).Result()
	if err != nil {
		m.logger.Debug("session delete failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	if m.collector != nil {
		m.collector.ObserveSessionOp("delete")
	}
	return n > 0
}

func (m *SessionManager) write(ctx context.Context, sess *types.Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	key := fmt.Sprintf(keySession, sess.ConversationID)
	if err := m.redis.Set(ctx, key, data, m.ttl).Err(); err != nil {
		m.logger.Debug("session write failed", zap.String("conversation_id", sess.ConversationID), zap.Error(err))
	}
}
