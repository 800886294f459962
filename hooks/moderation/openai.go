package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

// OpenAIModerator 调用 OpenAI moderations API 审核。
// 审核服务不可用时放行并记日志：审核是增强，不是单点。
type OpenAIModerator struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// NewOpenAIModerator 创建 OpenAI 审核器。
func NewOpenAIModerator(cfg config.ModerationConfig, logger *zap.Logger) *OpenAIModerator {
	baseURL := cfg.OpenAIBaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIModerator{
		apiKey:  cfg.OpenAIAPIKey,
		baseURL: baseURL,
		model:   "omni-moderation-latest",
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "moderation_openai")),
	}
}

type moderationAPIResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

func (m *OpenAIModerator) moderate(ctx context.Context, input string) (*Verdict, error) {
	if strings.TrimSpace(input) == "" {
		return &Verdict{}, nil
	}

	body, _ := json.Marshal(map[string]any{"model": m.model, "input": input})
	endpoint := strings.TrimRight(m.baseURL, "/") + "/moderations"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("moderation api unreachable, passing through", zap.Error(err))
		return &Verdict{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		m.logger.Warn("moderation api error, passing through",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", errBody))
		return &Verdict{}, nil
	}

	var apiResp moderationAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode moderation response: %w", err)
	}

	v := &Verdict{}
	for _, r := range apiResp.Results {
		if !r.Flagged {
			continue
		}
		v.Blocked = true
		for cat, hit := range r.Categories {
			if hit {
				v.Findings = append(v.Findings, cat)
			}
		}
	}
	return v, nil
}

func (m *OpenAIModerator) ApplyRequest(ctx context.Context, payload *types.Payload) (*Verdict, error) {
	return m.moderate(ctx, payload.Text())
}

func (m *OpenAIModerator) ApplyResponse(ctx context.Context, content string, stage Stage) (*Verdict, error) {
	// 逐分片调远端审核会拖垮流式延迟，该阶段只由本地实现承担
	if stage == StageStreamChunk {
		return &Verdict{}, nil
	}
	return m.moderate(ctx, content)
}
