// Package types 定义 GateFlow 全局共享的核心数据模型：
// 逻辑模型、物理上游、调度策略、路由指标、会话与统一错误类型。
// 该包不依赖任何其他 gateflow 包，处于依赖图的最底层。
package types
