// Copyright (c) GateFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 GateFlow 客户端表面的请求处理器实现。

# 概述

handlers 包实现网关对外的补全端点（openai / claude / responses 三种
接口风格）、认证中间件与健康检查。请求体对上游透传，网关只做
选路、重试与钩子编排。

# 核心类型

  - GatewayHandler  — 补全请求主链路：审核 → 额度 → 选择 → 执行 → 扣费 → 审计
  - AuthMiddleware  — 静态 API Key 与 JWT（HS256）认证
  - HealthHandler   — /healthz 依赖聚合检查（Redis、数据库、目录）
  - ErrorEnvelope   — 统一错误信封（api 包），ErrorCode → HTTP 状态码映射

# 主要能力

  - 同步响应与 SSE 流式转发（text/event-stream，字节级透传 + 心跳）
  - X-Session-Id 会话粘性、X-Providers 候选收窄
  - 流式预扣费与一元按量扣费
  - 客户端断开时取消上游连接
*/
package handlers
