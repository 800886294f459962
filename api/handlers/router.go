package handlers

import (
	"net/http"
)

// NewRouter 组装客户端表面的路由：三个补全端点走认证，
// 健康检查裸露（探针不带凭证）。
func NewRouter(gateway *GatewayHandler, health *HealthHandler, auth *AuthMiddleware) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat/completions", auth.Wrap(http.HandlerFunc(gateway.HandleChatCompletions)))
	mux.Handle("POST /v1/messages", auth.Wrap(http.HandlerFunc(gateway.HandleMessages)))
	mux.Handle("POST /v1/responses", auth.Wrap(http.HandlerFunc(gateway.HandleResponses)))

	mux.HandleFunc("GET /healthz", health.HandleHealthz)

	return mux
}
