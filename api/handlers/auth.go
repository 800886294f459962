package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/types"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// =============================================================================
// 🔐 客户端认证中间件
// =============================================================================

type contextKey string

const apiKeyContextKey contextKey = "gateflow.api_key"

// APIKeyFrom 取出认证通过的账户标识（静态密钥本身或 JWT subject）。
func APIKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyContextKey).(string)
	return key
}

// AuthMiddleware 校验静态 API Key 或 JWT。
// 两种携带方式等价：Authorization: Bearer <token> 或 X-API-Key: <key>。
type AuthMiddleware struct {
	staticKeys map[string]bool
	jwtSecret  []byte
	logger     *zap.Logger
}

// NewAuthMiddleware 创建认证中间件。
func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	return &AuthMiddleware{
		staticKeys: keys,
		jwtSecret:  []byte(cfg.JWTSecret),
		logger:     logger.With(zap.String("component", "auth")),
	}
}

// Wrap 包装下游 handler。
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			WriteError(w, types.NewError(types.ErrUnauthorized, "missing credentials").
				WithHTTPStatus(http.StatusUnauthorized), m.logger)
			return
		}

		account, ok := m.authenticate(token)
		if !ok {
			WriteError(w, types.NewError(types.ErrUnauthorized, "invalid credentials").
				WithHTTPStatus(http.StatusUnauthorized), m.logger)
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get(api.HeaderAPIKey))
}

// authenticate 返回账户标识。静态密钥优先；形如 JWT 的 token 走签名校验。
func (m *AuthMiddleware) authenticate(token string) (string, bool) {
	if m.staticKeys[token] {
		return token, true
	}
	if len(m.jwtSecret) > 0 && strings.Count(token, ".") == 2 {
		return m.verifyJWT(token)
	}
	return "", false
}

func (m *AuthMiddleware) verifyJWT(token string) (string, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
