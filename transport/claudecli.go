package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/BaSui01/gateflow/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const claudeCLIUserAgent = "claude-cli/1.0.119 (external, cli)"

// 长驻进程下 API key 数量有限，超出即整体淘汰，保证缓存有界。
const shaCacheMaxEntries = 1024

// ClaudeCLIAdapter 对 Anthropic 适配器的装饰器：伪装 Claude CLI 客户端。
// 注入 CLI User-Agent，并在 metadata.user_id 写入
// user_{sha256(api_key)}_account__session_{uuid}。
// api_key 的 SHA-256 在进程内做有界缓存；user_id 整体不缓存（session 每次都新）。
type ClaudeCLIAdapter struct {
	inner  *ClaudeAdapter
	logger *zap.Logger

	mu       sync.RWMutex
	shaCache map[string]string
}

// NewClaudeCLIAdapter 创建 Claude-CLI 装饰器。
func NewClaudeCLIAdapter(inner *ClaudeAdapter, logger *zap.Logger) *ClaudeCLIAdapter {
	return &ClaudeCLIAdapter{
		inner:    inner,
		logger:   logger.With(zap.String("adapter", "claude-cli")),
		shaCache: make(map[string]string),
	}
}

func (a *ClaudeCLIAdapter) Style() types.APIStyle { return types.StyleClaude }

func (a *ClaudeCLIAdapter) Unary(ctx context.Context, client *http.Client, req *Request) *Result {
	decorated, err := a.decorate(req)
	if err != nil {
		return &Result{Success: false, ErrorText: "cli masquerade failed: " + err.Error(), Retryable: false}
	}
	return a.inner.Unary(ctx, client, decorated)
}

func (a *ClaudeCLIAdapter) Stream(ctx context.Context, client *http.Client, req *Request) (*StreamHandle, *Result) {
	decorated, err := a.decorate(req)
	if err != nil {
		return nil, &Result{Success: false, ErrorText: "cli masquerade failed: " + err.Error(), Retryable: false}
	}
	return a.inner.Stream(ctx, client, decorated)
}

// decorate 复制请求并注入 CLI 头与 metadata.user_id。
func (a *ClaudeCLIAdapter) decorate(req *Request) (*Request, error) {
	userID := a.buildUserID(req.APIKey)

	var m map[string]json.RawMessage
	if err := json.Unmarshal(req.Payload.Raw, &m); err != nil {
		return nil, err
	}

	meta := map[string]json.RawMessage{}
	if raw, ok := m["metadata"]; ok {
		_ = json.Unmarshal(raw, &meta)
	}
	uid, _ := json.Marshal(userID)
	meta["user_id"] = uid
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	m["metadata"] = mb

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	payload, err := types.ParsePayload(raw)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers["User-Agent"] = claudeCLIUserAgent

	decorated := *req
	decorated.Payload = payload
	decorated.Headers = headers
	return &decorated, nil
}

// buildUserID user_{sha256(key)}_account__session_{uuid}。
// 只缓存 key 的哈希，session 段每次请求生成新 UUID。
func (a *ClaudeCLIAdapter) buildUserID(apiKey string) string {
	a.mu.RLock()
	sum, ok := a.shaCache[apiKey]
	a.mu.RUnlock()

	if !ok {
		h := sha256.Sum256([]byte(apiKey))
		sum = hex.EncodeToString(h[:])

		a.mu.Lock()
		if len(a.shaCache) >= shaCacheMaxEntries {
			a.shaCache = make(map[string]string)
		}
		a.shaCache[apiKey] = sum
		a.mu.Unlock()
	}

	return fmt.Sprintf("user_%s_account__session_%s", sum, uuid.NewString())
}
