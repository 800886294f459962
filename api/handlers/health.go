package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/gateflow/api"

	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 单项依赖检查。
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc 函数式检查项。
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// HealthHandler 聚合依赖检查：任一失败则整体 degraded。
// 依赖故障时网关按降级语义继续服务，因此 degraded 仍返回 200。
type HealthHandler struct {
	version string
	logger  *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器。
func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{version: version, logger: logger}
}

// RegisterCheck 注册检查项。
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealthz GET /healthz
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	resp := api.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Checks:  make(map[string]string, len(checks)),
	}
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[c.Name()] = err.Error()
			h.logger.Warn("health check failed", zap.String("check", c.Name()), zap.Error(err))
			continue
		}
		resp.Checks[c.Name()] = "ok"
	}

	WriteJSON(w, http.StatusOK, resp)
}
