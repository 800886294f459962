// Package moderation 内容审核钩子：请求前与响应后各扫一遍。
package moderation

import (
	"context"
	"strings"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

// Stage 审核阶段。
type Stage string

const (
	StageRequest     Stage = "request"
	StageResponse    Stage = "response"
	StageStreamChunk Stage = "stream_chunk"
)

// Verdict 审核结论。
type Verdict struct {
	Blocked  bool
	Findings []string
}

// Moderator 的两个入口：请求整体与响应内容（含流式分片）。
type Moderator interface {
	ApplyRequest(ctx context.Context, payload *types.Payload) (*Verdict, error)
	ApplyResponse(ctx context.Context, content string, stage Stage) (*Verdict, error)
}

// BlockedError 把拒绝结论包装成网关错误（400，携带命中类别）。
func BlockedError(v *Verdict) error {
	return types.NewError(types.ErrModerationBlocked, "content blocked by moderation policy").
		WithHTTPStatus(400).
		WithDetail("findings", v.Findings)
}

// NewFromConfig 按配置构建审核器；未启用时返回 nil（调用方跳过钩子）。
func NewFromConfig(cfg config.ModerationConfig, logger *zap.Logger) Moderator {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.ProviderType {
	case "openai":
		return NewOpenAIModerator(cfg, logger)
	default:
		return NewKeywordModerator(cfg.BlockedKeywords, logger)
	}
}

// KeywordModerator 本地关键词审核：零依赖、零延迟的兜底实现。
type KeywordModerator struct {
	keywords []string
	logger   *zap.Logger
}

// NewKeywordModerator 创建关键词审核器。
func NewKeywordModerator(keywords []string, logger *zap.Logger) *KeywordModerator {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return &KeywordModerator{
		keywords: lowered,
		logger:   logger.With(zap.String("component", "moderation_keyword")),
	}
}

func (m *KeywordModerator) scan(text string) *Verdict {
	lowered := strings.ToLower(text)
	var findings []string
	for _, k := range m.keywords {
		if strings.Contains(lowered, k) {
			findings = append(findings, k)
		}
	}
	return &Verdict{Blocked: len(findings) > 0, Findings: findings}
}

func (m *KeywordModerator) ApplyRequest(_ context.Context, payload *types.Payload) (*Verdict, error) {
	return m.scan(payload.Text()), nil
}

func (m *KeywordModerator) ApplyResponse(_ context.Context, content string, _ Stage) (*Verdict, error) {
	return m.scan(content), nil
}
